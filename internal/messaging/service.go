// Package messaging defines the chat client abstraction consumed by the
// dispatcher, together with delivery helpers shared by every client.
package messaging

import (
	"context"

	"github.com/BTreeMap/UBCore/internal/models"
)

// UpdateHandler receives every inbound update observed by a client.
type UpdateHandler func(ctx context.Context, client Client, update *models.Update)

// SendOptions holds per-call delivery settings.
type SendOptions struct {
	ReplyTo        int    // message id to reply to
	DisablePreview bool   // disable link previews
	Silent         bool   // deliver without notification
	ParseMode      string // transport specific markup mode, e.g. "HTML"
}

// SendOption defines a delivery option.
type SendOption func(*SendOptions)

// WithReplyTo makes the sent message a reply to messageID.
func WithReplyTo(messageID int) SendOption {
	return func(o *SendOptions) {
		o.ReplyTo = messageID
	}
}

// WithoutPreview disables link previews.
func WithoutPreview() SendOption {
	return func(o *SendOptions) {
		o.DisablePreview = true
	}
}

// WithSilent delivers the message without a notification.
func WithSilent() SendOption {
	return func(o *SendOptions) {
		o.Silent = true
	}
}

// WithParseMode sets the markup mode of the text.
func WithParseMode(mode string) SendOption {
	return func(o *SendOptions) {
		o.ParseMode = mode
	}
}

// ApplySendOptions folds opts into a SendOptions value.
func ApplySendOptions(opts ...SendOption) SendOptions {
	var o SendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client is a logged-in chat account. Implementations must be safe for
// concurrent use and comparable, since the dispatcher and the conversation
// registry use client equality as identity.
type Client interface {
	// Identity reports whether this client is a user or a bot account.
	Identity() models.Identity

	// Network reports the chat service the client is connected to.
	Network() models.Network

	// Name returns a short label used in logs.
	Name() string

	// Start begins receiving updates and delivering them to handler. It returns
	// once the client is connected; delivery continues until ctx is done or Stop
	// is called.
	Start(ctx context.Context, handler UpdateHandler) error

	// Stop disconnects the client.
	Stop() error

	// SendMessage sends a text message.
	SendMessage(ctx context.Context, chatID int64, text string, opts ...SendOption) (*models.Message, error)

	// EditMessage replaces the text of a message sent by this client.
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, opts ...SendOption) (*models.Message, error)

	// DeleteMessages deletes messages from a chat.
	DeleteMessages(ctx context.Context, chatID int64, messageIDs ...int) error

	// SendDocument uploads data as a file named name.
	SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string, opts ...SendOption) (*models.Message, error)

	// ResolveChat turns a chat reference such as "@username" into a chat id.
	ResolveChat(ctx context.Context, ref string) (int64, error)

	// AnswerCallback acknowledges a button press. Clients without inline
	// keyboards return nil.
	AnswerCallback(ctx context.Context, queryID string, text string) error
}
