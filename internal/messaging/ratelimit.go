package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/UBCore/internal/models"
	"golang.org/x/time/rate"
)

// Default outbound limits per chat.
const (
	DefaultOutboundRate  = 1.0
	DefaultOutboundBurst = 5
)

// RateLimitedClient wraps a Client and throttles outbound calls per chat so a
// runaway handler cannot trip the network's flood protection.
type RateLimitedClient struct {
	Client
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewRateLimitedClient wraps c with a per-chat token bucket.
func NewRateLimitedClient(c Client, perSecond float64, burst int) *RateLimitedClient {
	if perSecond <= 0 {
		perSecond = DefaultOutboundRate
	}
	if burst <= 0 {
		burst = DefaultOutboundBurst
	}
	return &RateLimitedClient{
		Client:   c,
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[int64]*rate.Limiter),
	}
}

// Unwrap returns the wrapped client.
func (r *RateLimitedClient) Unwrap() Client {
	return r.Client
}

func (r *RateLimitedClient) wait(ctx context.Context, chatID int64) error {
	r.mu.Lock()
	l, ok := r.limiters[chatID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[chatID] = l
	}
	r.mu.Unlock()
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("outbound rate limit wait for chat %d: %w", chatID, err)
	}
	return nil
}

// Start passes r, not the wrapped client, to handler so replies sent through
// the update's client are throttled too.
func (r *RateLimitedClient) Start(ctx context.Context, handler UpdateHandler) error {
	return r.Client.Start(ctx, func(ctx context.Context, _ Client, u *models.Update) {
		handler(ctx, r, u)
	})
}

func (r *RateLimitedClient) SendMessage(ctx context.Context, chatID int64, text string, opts ...SendOption) (*models.Message, error) {
	if err := r.wait(ctx, chatID); err != nil {
		return nil, err
	}
	return r.Client.SendMessage(ctx, chatID, text, opts...)
}

func (r *RateLimitedClient) EditMessage(ctx context.Context, chatID int64, messageID int, text string, opts ...SendOption) (*models.Message, error) {
	if err := r.wait(ctx, chatID); err != nil {
		return nil, err
	}
	return r.Client.EditMessage(ctx, chatID, messageID, text, opts...)
}

func (r *RateLimitedClient) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string, opts ...SendOption) (*models.Message, error) {
	if err := r.wait(ctx, chatID); err != nil {
		return nil, err
	}
	return r.Client.SendDocument(ctx, chatID, name, data, caption, opts...)
}
