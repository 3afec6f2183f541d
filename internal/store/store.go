// Package store provides the settings store used by UBCore.
//
// Settings are small string values keyed by name, such as the persisted client
// mode. SQLite and PostgreSQL back the store in production; an in-memory store
// serves tests and deployments without a database.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a setting does not exist.
var ErrNotFound = errors.New("setting not found")

// Setting is a stored key/value pair.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettingsStore persists settings.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Setting, error)
	Close() error
}

// Opts holds configuration for the database backed stores.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option defines a configuration option for the stores.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for
// PostgreSQL URLs and keyword/value strings, "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	// keyword/value form, e.g. "host=localhost user=ubcore dbname=ubcore"
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the store matching the DSN type. An empty DSN gives an
// in-memory store.
func Open(opts ...Option) (SettingsStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("Store.Open: no database configured, using in-memory settings")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

// GetJSON decodes the setting key into v.
func GetJSON(ctx context.Context, s SettingsStore, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode setting %s: %w", key, err)
	}
	return nil
}

// SetJSON stores v encoded as JSON under key.
func SetJSON(ctx context.Context, s SettingsStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data))
}

// InMemoryStore is a SettingsStore kept in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	settings map[string]Setting
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{settings: make(map[string]Setting)}
}

func (s *InMemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.settings[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return st.Value, nil
}

func (s *InMemoryStore) Set(_ context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("setting key cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settings, key)
	return nil
}

func (s *InMemoryStore) List(_ context.Context) ([]Setting, error) {
	s.mu.RLock()
	out := make([]Setting, 0, len(s.settings))
	for _, st := range s.settings {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
