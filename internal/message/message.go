// Package message turns raw updates into the rich Message handed to command
// handlers, with its derived command fields and reply helpers.
package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/conversation"
	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/models"
)

// DefaultResponseTimeout is how long GetResponse waits by default.
const DefaultResponseTimeout = 8 * time.Second

// ErrNoChat is returned by helpers that need a chat on updates that have none,
// such as inline results.
var ErrNoChat = errors.New("update has no chat")

// Lookup reports whether a command name is registered.
type Lookup interface {
	Exists(name string) bool
}

// Message is a normalized update.
type Message struct {
	Kind   models.UpdateKind
	Client messaging.Client
	// Raw is the underlying chat message. It is nil for inline results and
	// for callbacks on inline messages.
	Raw          *models.Message
	From         *models.User
	Callback     *models.CallbackQuery
	InlineResult *models.InlineResult

	// Text is the message text, the callback data or the inline query.
	Text          string
	TextList      []string
	Trigger       string
	Cmd           string
	Flags         []string
	Input         string
	FilteredInput string
	TaskID        string
	IsFromOwner   bool
	Replied       *Message

	parser *Parser
}

// Parser normalizes updates. It carries the collaborators the helpers of the
// produced messages need.
type Parser struct {
	cfg           *config.Config
	commands      Lookup
	conversations *conversation.Registry
	logger        *messaging.ChannelLogger
}

// NewParser creates a parser. commands, conversations and logger may be nil, in
// which case no command is recognized, GetResponse fails and Log is a no-op.
func NewParser(cfg *config.Config, commands Lookup, conversations *conversation.Registry, logger *messaging.ChannelLogger) *Parser {
	if cfg == nil {
		cfg = config.New()
	}
	return &Parser{cfg: cfg, commands: commands, conversations: conversations, logger: logger}
}

// Config returns the configuration used for trigger and owner checks.
func (p *Parser) Config() *config.Config { return p.cfg }

// Parse normalizes u as received by client.
func (p *Parser) Parse(client messaging.Client, u *models.Update) (*Message, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if u == nil {
		return nil, fmt.Errorf("update cannot be nil")
	}

	switch u.Kind {
	case models.UpdateMessage, models.UpdateEditedMessage:
		if err := u.Message.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s update: %w", u.Kind, err)
		}
		return p.Wrap(client, u.Kind, u.Message), nil

	case models.UpdateCallbackQuery:
		q := u.CallbackQuery
		if q == nil {
			return nil, fmt.Errorf("callback query update without payload")
		}
		m := &Message{Kind: u.Kind, Client: client, Raw: q.Message, From: q.From, Callback: q, Text: q.Data, parser: p}
		if q.Message != nil {
			m.TaskID = q.Message.Key()
		} else {
			m.TaskID = "-" + q.ID
		}
		p.normalize(m)
		return m, nil

	case models.UpdateInlineResult:
		r := u.InlineResult
		if r == nil {
			return nil, fmt.Errorf("inline result update without payload")
		}
		m := &Message{Kind: u.Kind, Client: client, From: r.From, InlineResult: r, Text: r.Query, TaskID: "-" + r.InlineMessageID, parser: p}
		p.normalize(m)
		return m, nil
	}
	return nil, fmt.Errorf("unsupported update kind %q", u.Kind)
}

// Plain wraps u without deriving command fields. Only the text and the task id
// are set.
func (p *Parser) Plain(client messaging.Client, u *models.Update) *Message {
	m := &Message{Kind: u.Kind, Client: client, Raw: u.EffectiveMessage(), From: u.EffectiveUser(), parser: p}
	switch {
	case u.CallbackQuery != nil:
		m.Callback = u.CallbackQuery
		m.Text = u.CallbackQuery.Data
		m.TaskID = "-" + u.CallbackQuery.ID
	case u.InlineResult != nil:
		m.InlineResult = u.InlineResult
		m.Text = u.InlineResult.Query
		m.TaskID = "-" + u.InlineResult.InlineMessageID
	}
	if m.Raw != nil {
		if m.Text == "" {
			m.Text = m.Raw.Text
		}
		m.TaskID = m.Raw.Key()
	}
	return m
}

// Wrap normalizes a raw message. The replied message, if any, is wrapped too.
func (p *Parser) Wrap(client messaging.Client, kind models.UpdateKind, raw *models.Message) *Message {
	m := &Message{Kind: kind, Client: client, Raw: raw, From: raw.From, Text: raw.Text, TaskID: raw.Key(), parser: p}
	p.normalize(m)
	if raw.ReplyTo != nil {
		m.Replied = p.Wrap(client, models.UpdateMessage, raw.ReplyTo)
	}
	return m
}

func (p *Parser) normalize(m *Message) {
	m.TextList = strings.Fields(m.Text)
	m.IsFromOwner = m.From != nil && m.Client != nil && p.cfg.IsOwnerOn(m.Client.Network(), m.From.ID)

	if m.IsFromOwner && !m.Client.Identity().IsBot() {
		m.Trigger = p.cfg.CmdTrigger
	} else {
		m.Trigger = p.cfg.SudoTrigger
	}

	for _, tok := range m.TextList {
		if strings.HasPrefix(tok, "-") {
			m.Flags = append(m.Flags, tok)
		}
	}

	if len(m.TextList) > 1 {
		t := strings.TrimLeftFunc(m.Text, unicode.IsSpace)
		if i := strings.IndexFunc(t, unicode.IsSpace); i >= 0 {
			m.Input = strings.TrimLeftFunc(t[i:], unicode.IsSpace)
		}
	}
	m.FilteredInput = filterFlags(m.Input, m.Flags)

	if len(m.TextList) > 0 && p.commands != nil {
		name, ok := strings.CutPrefix(m.TextList[0], m.Trigger)
		// Inline queries and button data name the command without a trigger.
		if !ok && (m.Kind == models.UpdateCallbackQuery || m.Kind == models.UpdateInlineResult) {
			ok = true
		}
		if ok && name != "" && p.commands.Exists(name) {
			m.Cmd = name
		}
	}
}

// filterFlags removes flags from the first line of input.
func filterFlags(input string, flags []string) string {
	if input == "" || len(flags) == 0 {
		return input
	}
	first, rest, multi := strings.Cut(input, "\n")
	words := strings.Split(first, " ")
	kept := words[:0]
	for _, w := range words {
		isFlag := false
		for _, f := range flags {
			if w == f {
				isFlag = true
				break
			}
		}
		if !isFlag {
			kept = append(kept, w)
		}
	}
	first = strings.Join(kept, " ")
	if multi {
		return first + "\n" + rest
	}
	return first
}

// ChatID returns the chat of the message or 0.
func (m *Message) ChatID() int64 {
	if m.Raw == nil {
		return 0
	}
	return m.Raw.Chat.ID
}

// ID returns the chat message id or 0.
func (m *Message) ID() int {
	if m.Raw == nil {
		return 0
	}
	return m.Raw.ID
}

// SenderID returns the author's id or 0.
func (m *Message) SenderID() int64 {
	if m.From == nil {
		return 0
	}
	return m.From.ID
}

// ReplyID returns the id of the replied message or 0.
func (m *Message) ReplyID() int {
	return m.Raw.ReplyToMessageID()
}

// ReplyTextList returns the tokens of the replied message.
func (m *Message) ReplyTextList() []string {
	if m.Replied == nil {
		return nil
	}
	return m.Replied.TextList
}

// RepliedTaskID returns the task id of the replied message or "".
func (m *Message) RepliedTaskID() string {
	if m.Replied == nil {
		return ""
	}
	return m.Replied.TaskID
}

// HasFlag reports whether flag was passed.
func (m *Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IsCommand reports whether the message invokes a registered command.
func (m *Message) IsCommand() bool { return m.Cmd != "" }

// Opts configures Reply and Edit.
type Opts struct {
	DeleteIn     time.Duration
	Block        bool
	DocumentName string
	Send         []messaging.SendOption
}

// Option is a functional option for Reply and Edit.
type Option func(*Opts)

// DeleteIn removes the resulting message after d. With block the call waits for
// the deletion, otherwise it happens in the background.
func DeleteIn(d time.Duration, block bool) Option {
	return func(o *Opts) {
		o.DeleteIn = d
		o.Block = block
	}
}

// AsDocument sets the file name used when the text is too long.
func AsDocument(name string) Option {
	return func(o *Opts) {
		o.DocumentName = name
	}
}

// WithSendOptions passes options through to the client.
func WithSendOptions(opts ...messaging.SendOption) Option {
	return func(o *Opts) {
		o.Send = append(o.Send, opts...)
	}
}

func applyOpts(opts []Option) Opts {
	o := Opts{DocumentName: messaging.DefaultDocumentName}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Reply sends text to the chat as a reply to m.
func (m *Message) Reply(ctx context.Context, text string, opts ...Option) (*Message, error) {
	if m.Raw == nil {
		return nil, ErrNoChat
	}
	o := applyOpts(opts)
	send := append([]messaging.SendOption{messaging.WithReplyTo(m.Raw.ID)}, o.Send...)
	sent, err := messaging.SendText(ctx, m.Client, m.Raw.Chat.ID, text, o.DocumentName, send...)
	if err != nil {
		return nil, fmt.Errorf("failed to reply to %s: %w", m.TaskID, err)
	}
	messaging.DeleteAfter(ctx, m.Client, sent, o.DeleteIn, o.Block)
	return m.parser.Wrap(m.Client, models.UpdateMessage, sent), nil
}

// Edit replaces the text of m. Text too long for a message replaces m with a
// document instead.
func (m *Message) Edit(ctx context.Context, text string, opts ...Option) (*Message, error) {
	if m.Raw == nil {
		return nil, ErrNoChat
	}
	if text == "" {
		return nil, models.ErrEmptyText
	}
	o := applyOpts(opts)

	if utf8.RuneCountInString(text) >= models.MaxTextLength {
		if err := m.Client.DeleteMessages(ctx, m.Raw.Chat.ID, m.Raw.ID); err != nil {
			slog.Warn("Message.Edit: failed to delete message before sending document", "error", err, "task_id", m.TaskID)
		}
		sent, err := messaging.SendText(ctx, m.Client, m.Raw.Chat.ID, text, o.DocumentName, o.Send...)
		if err != nil {
			return nil, fmt.Errorf("failed to send %s as document: %w", m.TaskID, err)
		}
		messaging.DeleteAfter(ctx, m.Client, sent, o.DeleteIn, o.Block)
		return m.parser.Wrap(m.Client, models.UpdateMessage, sent), nil
	}

	edited, err := m.Client.EditMessage(ctx, m.Raw.Chat.ID, m.Raw.ID, text, o.Send...)
	if err != nil {
		return nil, fmt.Errorf("failed to edit %s: %w", m.TaskID, err)
	}
	m.Text = edited.Text
	messaging.DeleteAfter(ctx, m.Client, edited, o.DeleteIn, o.Block)
	return m.parser.Wrap(m.Client, models.UpdateEditedMessage, edited), nil
}

// Delete removes m, and the message it replies to when alsoReplied is set.
func (m *Message) Delete(ctx context.Context, alsoReplied bool) error {
	if m.Raw == nil {
		return ErrNoChat
	}
	ids := []int{m.Raw.ID}
	if alsoReplied && m.Replied != nil {
		ids = append(ids, m.Replied.ID())
	}
	if err := m.Client.DeleteMessages(ctx, m.Raw.Chat.ID, ids...); err != nil {
		return fmt.Errorf("failed to delete %s: %w", m.TaskID, err)
	}
	return nil
}

// GetResponse waits for the next matching message in m's chat. It returns nil
// when nothing arrives in time.
func (m *Message) GetResponse(ctx context.Context, opts ...conversation.Option) (*models.Message, error) {
	if m.Raw == nil {
		return nil, ErrNoChat
	}
	if m.parser.conversations == nil {
		return nil, fmt.Errorf("no conversation registry configured")
	}
	opts = append([]conversation.Option{conversation.WithTimeout(DefaultResponseTimeout)}, opts...)
	return m.parser.conversations.GetResponse(ctx, m.Client, m.Raw.Chat.ID, opts...)
}

// Log copies m to the log chat.
func (m *Message) Log(ctx context.Context) (*models.Message, error) {
	if m.Raw == nil {
		return m.parser.logger.LogText(ctx, m.Text, "")
	}
	return m.parser.logger.LogMessage(ctx, m.Raw)
}

// Answer acknowledges a callback query. It is a no-op for other updates.
func (m *Message) Answer(ctx context.Context, text string) error {
	if m.Callback == nil {
		return nil
	}
	return m.Client.AnswerCallback(ctx, m.Callback.ID, text)
}
