package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/dispatcher"
	"github.com/BTreeMap/UBCore/internal/message"
	"github.com/BTreeMap/UBCore/internal/store"
)

const (
	// ModeKey is the settings key holding the persisted client mode.
	ModeKey = "client_mode"
	// DefaultModeGuard is how long repeated mode commands are ignored. In dual
	// mode both clients see the same command.
	DefaultModeGuard = time.Second
)

// Mode provides the mode command and restores the persisted mode at startup.
type Mode struct {
	cfg    *config.Config
	store  store.SettingsStore
	guard  time.Duration
	recent atomic.Bool
}

// NewMode creates the mode plugin.
func NewMode(cfg *config.Config, s store.SettingsStore, guard time.Duration) *Mode {
	return &Mode{cfg: cfg, store: s, guard: guard}
}

func (p *Mode) Name() string { return "mode" }

func (p *Mode) Register(r *command.Registrar) error {
	return r.Add([]string{"mode"}, p.mode, command.WithoutSudo(), command.WithDoc(`CMD: MODE
    INFO: Changes mode to bot or dual.
    USAGE: .mode bot | .mode dual`))
}

// Init restores the persisted mode.
func (p *Mode) Init(ctx context.Context) error {
	v, err := p.store.Get(ctx, ModeKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read client mode: %w", err)
	}
	mode, err := config.ParseMode(v)
	if err != nil {
		return err
	}
	p.cfg.SetMode(mode)
	slog.Info("Mode.Init: restored client mode", "mode", mode)
	return nil
}

func (p *Mode) mode(ctx context.Context, m *message.Message) error {
	if !p.recent.CompareAndSwap(false, true) {
		return dispatcher.ErrStopPropagation
	}
	defer time.AfterFunc(p.guard, func() { p.recent.Store(false) })

	mode, err := config.ParseMode(strings.ToLower(strings.TrimSpace(m.Input)))
	if err != nil {
		_, err := m.Reply(ctx, "Invalid Mode\nAvailable Modes: <code>dual</code> | <code>bot</code>", asHTML)
		return err
	}
	if mode == p.cfg.Mode() {
		_, err := m.Reply(ctx, fmt.Sprintf("Already on %s mode.", code(string(mode))), asHTML)
		return err
	}

	p.cfg.SetMode(mode)
	if err := p.store.Set(ctx, ModeKey, string(mode)); err != nil {
		slog.Error("Mode.mode: failed to persist client mode", "mode", mode, "error", err)
	}
	_, err = m.Reply(ctx, fmt.Sprintf("Mode changed to %s", code(string(mode))), asHTML)
	return err
}
