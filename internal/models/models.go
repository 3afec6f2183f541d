// Package models defines the core data structures for UBCore.
//
// It includes the transport-neutral update, message and identity types that are
// shared by the chat clients, the dispatcher and the conversation registry.
package models

import (
	"errors"
	"strconv"
	"time"
)

// MaxTextLength is the longest text a single chat message may carry.
// Longer output is sent as a document instead.
const MaxTextLength = 4096

// Error variables for better error handling and testability
var (
	ErrNilMessage    = errors.New("message cannot be nil")
	ErrInvalidChatID = errors.New("chat id cannot be zero")
	ErrEmptyText     = errors.New("message text cannot be empty")
)

// Identity distinguishes the account type a client is logged in as.
type Identity string

const (
	// IdentityUser is a regular user account. It is the primary identity in a
	// dual-client deployment.
	IdentityUser Identity = "user"
	// IdentityBot is a bot account. It is the secondary identity.
	IdentityBot Identity = "bot"
)

// IsBot reports whether the identity is a bot account.
func (i Identity) IsBot() bool {
	return i == IdentityBot
}

// IsUser reports whether the identity is a user account.
func (i Identity) IsUser() bool {
	return i == IdentityUser
}

// Network names the chat service a client is connected to. Ids of chats,
// users and messages are only comparable between clients of one network.
type Network string

const (
	NetworkWhatsApp Network = "whatsapp"
	NetworkTelegram Network = "telegram"
)

// ChatType classifies a chat.
type ChatType string

const (
	ChatTypePrivate    ChatType = "private"
	ChatTypeGroup      ChatType = "group"
	ChatTypeSupergroup ChatType = "supergroup"
	ChatTypeChannel    ChatType = "channel"
)

// User is the author of a message or callback.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	IsBot     bool   `json:"is_bot"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	ID       int64    `json:"id"`
	Type     ChatType `json:"type"`
	Title    string   `json:"title,omitempty"`
	Username string   `json:"username,omitempty"`
}

// IsPrivate reports whether the chat is a one-on-one chat.
func (c Chat) IsPrivate() bool {
	return c.Type == ChatTypePrivate
}

// Document describes a file attached to a message.
type Document struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Message is a raw message as delivered by a chat client.
type Message struct {
	ID       int       `json:"id"`
	Chat     Chat      `json:"chat"`
	From     *User     `json:"from,omitempty"`
	Text     string    `json:"text,omitempty"`
	Date     time.Time `json:"date"`
	EditDate time.Time `json:"edit_date,omitempty"`
	// Outgoing is set when the message was sent by the client's own account.
	Outgoing bool `json:"outgoing"`
	// ReplyTo is the message this one replies to. Only its top level fields are
	// populated; its own ReplyTo is always nil.
	ReplyTo *Message `json:"reply_to,omitempty"`
	// HasReactions is set on edits that only changed the reaction list.
	HasReactions bool      `json:"has_reactions,omitempty"`
	Document     *Document `json:"document,omitempty"`
}

// Validate checks that the message can be routed.
func (m *Message) Validate() error {
	if m == nil {
		return ErrNilMessage
	}
	if m.Chat.ID == 0 {
		return ErrInvalidChatID
	}
	return nil
}

// SenderID returns the author's id or 0 for anonymous messages.
func (m *Message) SenderID() int64 {
	if m == nil || m.From == nil {
		return 0
	}
	return m.From.ID
}

// ReplyToMessageID returns the id of the replied message or 0.
func (m *Message) ReplyToMessageID() int {
	if m == nil || m.ReplyTo == nil {
		return 0
	}
	return m.ReplyTo.ID
}

// IsEdited reports whether the message has been edited.
func (m *Message) IsEdited() bool {
	return m != nil && !m.EditDate.IsZero()
}

// Key returns the stable "{chat}-{message}" identifier of the message.
func (m *Message) Key() string {
	return MessageKey(m.Chat.ID, m.ID)
}

// MessageKey builds the "{chat}-{message}" identifier used for task ids and
// duplicate suppression.
func MessageKey(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + "-" + strconv.Itoa(messageID)
}

// CallbackQuery is an inline keyboard button press.
type CallbackQuery struct {
	ID              string   `json:"id"`
	From            *User    `json:"from,omitempty"`
	Message         *Message `json:"message,omitempty"`
	InlineMessageID string   `json:"inline_message_id,omitempty"`
	Data            string   `json:"data"`
}

// InlineResult is the selection of an inline query result.
type InlineResult struct {
	ResultID        string `json:"result_id"`
	From            *User  `json:"from,omitempty"`
	Query           string `json:"query"`
	InlineMessageID string `json:"inline_message_id,omitempty"`
}

// UpdateKind identifies the type of an inbound update.
type UpdateKind string

const (
	UpdateMessage       UpdateKind = "message"
	UpdateEditedMessage UpdateKind = "edited_message"
	UpdateCallbackQuery UpdateKind = "callback_query"
	UpdateInlineResult  UpdateKind = "inline_result"
)

// Update is any inbound event from a chat client. Exactly one of the payload
// fields is set, according to Kind.
type Update struct {
	Kind          UpdateKind     `json:"kind"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
	InlineResult  *InlineResult  `json:"inline_result,omitempty"`
}

// NewMessageUpdate wraps a new message.
func NewMessageUpdate(m *Message) *Update {
	return &Update{Kind: UpdateMessage, Message: m}
}

// NewEditedMessageUpdate wraps an edited message.
func NewEditedMessageUpdate(m *Message) *Update {
	return &Update{Kind: UpdateEditedMessage, Message: m}
}

// NewCallbackQueryUpdate wraps a button press.
func NewCallbackQueryUpdate(q *CallbackQuery) *Update {
	return &Update{Kind: UpdateCallbackQuery, CallbackQuery: q}
}

// NewInlineResultUpdate wraps an inline result selection.
func NewInlineResultUpdate(r *InlineResult) *Update {
	return &Update{Kind: UpdateInlineResult, InlineResult: r}
}

// IsMessage reports whether the update carries a new or edited message.
func (u *Update) IsMessage() bool {
	return u != nil && (u.Kind == UpdateMessage || u.Kind == UpdateEditedMessage) && u.Message != nil
}

// EffectiveMessage returns the message the update refers to: the message
// itself, or the message a callback button was attached to.
func (u *Update) EffectiveMessage() *Message {
	if u == nil {
		return nil
	}
	switch u.Kind {
	case UpdateMessage, UpdateEditedMessage:
		return u.Message
	case UpdateCallbackQuery:
		if u.CallbackQuery != nil {
			return u.CallbackQuery.Message
		}
	}
	return nil
}

// EffectiveUser returns the author of the update.
func (u *Update) EffectiveUser() *User {
	if u == nil {
		return nil
	}
	switch u.Kind {
	case UpdateMessage, UpdateEditedMessage:
		if u.Message != nil {
			return u.Message.From
		}
	case UpdateCallbackQuery:
		if u.CallbackQuery != nil {
			return u.CallbackQuery.From
		}
	case UpdateInlineResult:
		if u.InlineResult != nil {
			return u.InlineResult.From
		}
	}
	return nil
}

// ChatID returns the chat of the effective message or 0.
func (u *Update) ChatID() int64 {
	if m := u.EffectiveMessage(); m != nil {
		return m.Chat.ID
	}
	return 0
}
