// Package conversation lets handlers send a message and wait for the reply that
// matches given criteria, without the transport knowing about the waiter.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/UBCore/internal/filters"
	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/models"
)

// DefaultTimeout is the wait used when neither the conversation nor the call
// sets one.
const DefaultTimeout = 10 * time.Second

// Opts holds the match criteria and policy of a conversation.
type Opts struct {
	Filter           filters.Filter // custom predicate
	FromUsers        []int64        // accepted authors
	ReplyToMessageID int            // required replied message
	ReplyToUserID    int64          // required author of the replied message
	Timeout          time.Duration  // default wait
	Exclusive        bool           // refuse to open next to another conversation
}

// Option defines a conversation option.
type Option func(*Opts)

// WithFilter sets a custom predicate. It is combined with the structural
// conditions using AND.
func WithFilter(f filters.Filter) Option {
	return func(o *Opts) {
		o.Filter = f
	}
}

// FromUsers only accepts messages authored by one of ids.
func FromUsers(ids ...int64) Option {
	return func(o *Opts) {
		o.FromUsers = append(o.FromUsers, ids...)
	}
}

// ReplyingTo only accepts replies to messageID.
func ReplyingTo(messageID int) Option {
	return func(o *Opts) {
		o.ReplyToMessageID = messageID
	}
}

// ReplyingToUser only accepts replies to messages authored by userID.
func ReplyingToUser(userID int64) Option {
	return func(o *Opts) {
		o.ReplyToUserID = userID
	}
}

// WithTimeout sets the default wait of the conversation.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// Exclusive makes Open fail with ErrDuplicateConversation when the chat already
// has a registered conversation.
func Exclusive() Option {
	return func(o *Opts) {
		o.Exclusive = true
	}
}

// Conversation is one registered wait on a chat. It must be closed when the
// caller is done with it; Registry.Do does that automatically.
type Conversation struct {
	id       string
	registry *Registry
	client   messaging.Client
	chatID   int64
	opts     Opts

	mu        sync.Mutex
	slot      chan *models.Message
	responses []*models.Message
	closed    bool
	done      chan struct{}
}

// ID returns the conversation's unique id.
func (c *Conversation) ID() string { return c.id }

// ChatID returns the chat the conversation listens on.
func (c *Conversation) ChatID() int64 { return c.chatID }

// Client returns the client that owns the conversation.
func (c *Conversation) Client() messaging.Client { return c.client }

// Exclusive reports whether the conversation was opened exclusively.
func (c *Conversation) Exclusive() bool { return c.opts.Exclusive }

// Timeout returns the default wait.
func (c *Conversation) Timeout() time.Duration { return c.opts.Timeout }

// Responses returns every message delivered so far, oldest first.
func (c *Conversation) Responses() []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.responses)
}

// Match reports whether m, seen by client, satisfies the conversation.
func (c *Conversation) Match(client messaging.Client, m *models.Message) bool {
	if m == nil || client != c.client {
		return false
	}
	if c.opts.Filter != nil && !c.opts.Filter(client, m) {
		return false
	}
	if len(c.opts.FromUsers) > 0 {
		if m.From == nil || !slices.Contains(c.opts.FromUsers, m.From.ID) {
			return false
		}
	}
	if c.opts.ReplyToMessageID != 0 && m.ReplyToMessageID() != c.opts.ReplyToMessageID {
		return false
	}
	if c.opts.ReplyToUserID != 0 {
		if m.ReplyTo == nil || m.ReplyTo.From == nil || m.ReplyTo.From.ID != c.opts.ReplyToUserID {
			return false
		}
	}
	return true
}

// deliver records m and fulfils the pending slot. A message that nobody has
// consumed yet is superseded by the newer one.
func (c *Conversation) deliver(m *models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.responses = append(c.responses, m)
	select {
	case c.slot <- m:
	default:
		select {
		case <-c.slot:
		default:
		}
		c.slot <- m
	}
	return true
}

// WaitResponse blocks until a matching message is delivered, the timeout
// elapses, ctx is done or the conversation is closed. A timeout <= 0 uses the
// conversation's default. Expiry returns a *TimeoutError. Concurrent calls on
// the same conversation are not supported.
func (c *Conversation) WaitResponse(ctx context.Context, timeout time.Duration) (*models.Message, error) {
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	slot := c.slot
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-slot:
		c.renew(slot)
		return m, nil
	case <-timer.C:
		slog.Debug("Conversation.WaitResponse: timed out", "conversation_id", c.id, "chat_id", c.chatID, "timeout", timeout)
		return nil, &TimeoutError{ChatID: c.chatID, Wait: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// renew replaces a consumed slot with a fresh one, carrying over a message
// delivered between the receive and the swap.
func (c *Conversation) renew(consumed chan *models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot != consumed {
		return
	}
	fresh := make(chan *models.Message, 1)
	select {
	case pending := <-consumed:
		fresh <- pending
	default:
	}
	c.slot = fresh
}

// Send sends text to the conversation's chat. Text that does not fit into a
// message is sent as a document.
func (c *Conversation) Send(ctx context.Context, text string, opts ...messaging.SendOption) (*models.Message, error) {
	return messaging.SendText(ctx, c.client, c.chatID, text, "", opts...)
}

// SendDocument uploads data to the conversation's chat.
func (c *Conversation) SendDocument(ctx context.Context, name string, data []byte, caption string, opts ...messaging.SendOption) (*models.Message, error) {
	return c.client.SendDocument(ctx, c.chatID, name, data, caption, opts...)
}

// SendAndWait sends text and waits for the response. A timeout is not an
// error here: the response is simply nil.
func (c *Conversation) SendAndWait(ctx context.Context, text string, timeout time.Duration, opts ...messaging.SendOption) (sent, response *models.Message, err error) {
	sent, err = c.Send(ctx, text, opts...)
	if err != nil {
		return nil, nil, err
	}
	response, err = c.WaitResponse(ctx, timeout)
	if errors.Is(err, ErrConversationTimeout) {
		return sent, nil, nil
	}
	return sent, response, err
}

// Close deregisters the conversation and releases any waiter. It is safe to
// call more than once.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.registry.remove(c)
}
