package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/models"
	"github.com/google/uuid"
)

// Registry tracks the open conversations of every chat.
type Registry struct {
	mu             sync.Mutex
	byChat         map[int64][]*Conversation
	defaultTimeout time.Duration
}

// NewRegistry creates an empty registry. defaultTimeout applies to
// conversations opened without WithTimeout.
func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Registry{
		byChat:         make(map[int64][]*Conversation),
		defaultTimeout: defaultTimeout,
	}
}

// Open registers a conversation on chatID owned by client. With Exclusive it
// fails with a *DuplicateError if the chat already has a conversation.
func (r *Registry) Open(ctx context.Context, client messaging.Client, chatID int64, opts ...Option) (*Conversation, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if chatID == 0 {
		return nil, models.ErrInvalidChatID
	}

	cfg := Opts{Timeout: r.defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = r.defaultTimeout
	}

	c := &Conversation{
		id:       uuid.NewString(),
		registry: r,
		client:   client,
		chatID:   chatID,
		opts:     cfg,
		slot:     make(chan *models.Message, 1),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	if cfg.Exclusive && len(r.byChat[chatID]) > 0 {
		r.mu.Unlock()
		slog.Debug("ConversationRegistry.Open: duplicate conversation refused", "chat_id", chatID)
		return nil, &DuplicateError{ChatID: chatID}
	}
	r.byChat[chatID] = append(r.byChat[chatID], c)
	r.mu.Unlock()

	slog.Debug("ConversationRegistry.Open: conversation registered",
		"conversation_id", c.id, "chat_id", chatID, "client", client.Name(), "exclusive", cfg.Exclusive, "timeout", cfg.Timeout)
	return c, nil
}

// OpenRef resolves a chat reference such as "@username" through client and
// opens a conversation on the resulting chat.
func (r *Registry) OpenRef(ctx context.Context, client messaging.Client, ref string, opts ...Option) (*Conversation, error) {
	chatID, err := client.ResolveChat(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chat %q: %w", ref, err)
	}
	return r.Open(ctx, client, chatID, opts...)
}

// Do opens a conversation, runs fn with it and closes it on every exit path,
// including panics and context cancellation.
func (r *Registry) Do(ctx context.Context, client messaging.Client, chatID int64, fn func(*Conversation) error, opts ...Option) error {
	c, err := r.Open(ctx, client, chatID, opts...)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

// GetResponse waits once for the next matching message on chatID. A timeout
// yields a nil message and a nil error.
func (r *Registry) GetResponse(ctx context.Context, client messaging.Client, chatID int64, opts ...Option) (*models.Message, error) {
	var resp *models.Message
	err := r.Do(ctx, client, chatID, func(c *Conversation) error {
		m, err := c.WaitResponse(ctx, 0)
		resp = m
		return err
	}, opts...)
	if errors.Is(err, ErrConversationTimeout) {
		return nil, nil
	}
	return resp, err
}

// Deliver hands m to every conversation on its chat that matches, in
// registration order, and returns how many received it. Reaction-only updates
// are ignored.
func (r *Registry) Deliver(client messaging.Client, m *models.Message) int {
	if m == nil || m.HasReactions {
		return 0
	}

	r.mu.Lock()
	list := slices.Clone(r.byChat[m.Chat.ID])
	r.mu.Unlock()

	delivered := 0
	for _, c := range list {
		if !c.Match(client, m) {
			continue
		}
		if c.deliver(m) {
			delivered++
		}
	}
	if delivered > 0 {
		slog.Debug("ConversationRegistry.Deliver: message delivered", "chat_id", m.Chat.ID, "message_id", m.ID, "conversations", delivered)
	}
	return delivered
}

// Has reports whether chatID has at least one open conversation.
func (r *Registry) Has(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byChat[chatID]) > 0
}

// Count returns the number of open conversations on chatID.
func (r *Registry) Count(chatID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byChat[chatID])
}

// Info is a read-only view of an open conversation.
type Info struct {
	ID        string `json:"id"`
	ChatID    int64  `json:"chat_id"`
	Client    string `json:"client"`
	Exclusive bool   `json:"exclusive"`
	Responses int    `json:"responses"`
}

// Snapshot lists every open conversation, grouped by chat in registration
// order.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	var all []*Conversation
	for _, list := range r.byChat {
		all = append(all, list...)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(all))
	for _, c := range all {
		infos = append(infos, Info{
			ID:        c.id,
			ChatID:    c.chatID,
			Client:    c.client.Name(),
			Exclusive: c.opts.Exclusive,
			Responses: len(c.Responses()),
		})
	}
	slices.SortStableFunc(infos, func(a, b Info) int {
		switch {
		case a.ChatID < b.ChatID:
			return -1
		case a.ChatID > b.ChatID:
			return 1
		}
		return 0
	})
	return infos
}

func (r *Registry) remove(c *Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byChat[c.chatID]
	if i := slices.Index(list, c); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(r.byChat, c.chatID)
	} else {
		r.byChat[c.chatID] = list
	}
	slog.Debug("ConversationRegistry: conversation removed", "conversation_id", c.id, "chat_id", c.chatID)
}
