// Package dispatcher routes inbound updates to conversation waiters, command
// handlers and custom handlers, running each handler as a cancellable task.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/BTreeMap/UBCore/internal/cache"
	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/conversation"
	"github.com/BTreeMap/UBCore/internal/message"
	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/models"
)

// InFlight tracks the updates the user client is processing so the bot client
// can skip them.
type InFlight interface {
	Claim(ctx context.Context, key string) error
	Claimed(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// TextCache remembers the last text seen per update key.
type TextCache interface {
	Last(ctx context.Context, key string) (string, bool, error)
	Remember(ctx context.Context, key, text string) error
}

// Opts configures a Dispatcher.
type Opts struct {
	InFlight  InFlight
	TextCache TextCache
	Logger    *messaging.ChannelLogger
	// Paired is set when a user and a bot client share the same chats.
	Paired bool
	// OnFault receives every contained handler failure.
	OnFault func(ctx context.Context, fault *HandlerFault)
	Now     func() time.Time
}

// Option is a functional option for New.
type Option func(*Opts)

// WithInFlight sets the in-flight tracker.
func WithInFlight(f InFlight) Option {
	return func(o *Opts) {
		o.InFlight = f
	}
}

// WithTextCache sets the text cache.
func WithTextCache(c TextCache) Option {
	return func(o *Opts) {
		o.TextCache = c
	}
}

// WithLogger sets the log chat logger used for cancellation notices.
func WithLogger(l *messaging.ChannelLogger) Option {
	return func(o *Opts) {
		o.Logger = l
	}
}

// WithPairedClients enables race suppression between the user and bot client.
func WithPairedClients(paired bool) Option {
	return func(o *Opts) {
		o.Paired = paired
	}
}

// WithFaultHook sets a callback for contained handler failures.
func WithFaultHook(fn func(ctx context.Context, fault *HandlerFault)) Option {
	return func(o *Opts) {
		o.OnFault = fn
	}
}

// WithClock overrides the time source used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Dispatcher is the single entry point for handler execution.
type Dispatcher struct {
	cfg           *config.Config
	commands      *command.Registry
	conversations *conversation.Registry
	parser        *message.Parser
	privileges    *Privileges
	tasks         *Tasks
	opts          Opts
}

// New creates a dispatcher. Without WithInFlight and WithTextCache it uses
// in-process caches.
func New(cfg *config.Config, commands *command.Registry, conversations *conversation.Registry, opts ...Option) (*Dispatcher, error) {
	if cfg == nil || commands == nil || conversations == nil {
		return nil, fmt.Errorf("config, command registry and conversation registry are required")
	}
	o := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.InFlight == nil {
		f, err := cache.NewInFlight(cache.DefaultCapacity, cache.DefaultClaimTTL)
		if err != nil {
			return nil, err
		}
		o.InFlight = f
	}
	if o.TextCache == nil {
		c, err := cache.NewTextCache(cache.DefaultCapacity, cfg.StalenessWindow)
		if err != nil {
			return nil, err
		}
		o.TextCache = c
	}

	return &Dispatcher{
		cfg:           cfg,
		commands:      commands,
		conversations: conversations,
		parser:        message.NewParser(cfg, commands, conversations, o.Logger),
		privileges:    NewPrivileges(cfg, commands),
		tasks:         NewTasks(),
		opts:          o,
	}, nil
}

// Parser returns the parser used to normalize updates.
func (d *Dispatcher) Parser() *message.Parser { return d.parser }

// Tasks returns the running task table.
func (d *Dispatcher) Tasks() *Tasks { return d.tasks }

// Privileges returns the privilege checks.
func (d *Dispatcher) Privileges() *Privileges { return d.privileges }

// Conversations returns the conversation registry.
func (d *Dispatcher) Conversations() *conversation.Registry { return d.conversations }

// Commands returns the command registry.
func (d *Dispatcher) Commands() *command.Registry { return d.commands }

// Cancel cancels the tasks running under taskID.
func (d *Dispatcher) Cancel(taskID string) (int, error) {
	return d.tasks.Cancel(taskID)
}

// DispatchOpts controls a single Dispatch call.
type DispatchOpts struct {
	// Handler runs instead of the command named by the update.
	Handler command.Handler
	// CheckReactions drops repeated texts and stale updates.
	CheckReactions bool
	// ModeSensitive enables race suppression between paired clients.
	ModeSensitive bool
	// IsCommand deletes the owner's trigger message after success and stops
	// propagation afterwards.
	IsCommand bool
	// UseCustomObject derives the command fields of the message.
	UseCustomObject bool
}

// DispatchOption is a functional option for Dispatch.
type DispatchOption func(*DispatchOpts)

// WithHandler runs h instead of looking up a command.
func WithHandler(h command.Handler) DispatchOption {
	return func(o *DispatchOpts) {
		o.Handler = h
	}
}

// SkipReactionCheck disables text repeat and staleness suppression.
func SkipReactionCheck() DispatchOption {
	return func(o *DispatchOpts) {
		o.CheckReactions = false
	}
}

// ModeInsensitive disables race suppression.
func ModeInsensitive() DispatchOption {
	return func(o *DispatchOpts) {
		o.ModeSensitive = false
	}
}

// NotCommand treats the handler as a plain handler.
func NotCommand() DispatchOption {
	return func(o *DispatchOpts) {
		o.IsCommand = false
	}
}

// PlainObject hands the handler a message without derived command fields.
func PlainObject() DispatchOption {
	return func(o *DispatchOpts) {
		o.UseCustomObject = false
	}
}

// AsCommand enables the owner message cleanup and the final stop signal.
func AsCommand() DispatchOption {
	return func(o *DispatchOpts) {
		o.IsCommand = true
	}
}

// CheckReactions enables text repeat and staleness suppression.
func CheckReactions() DispatchOption {
	return func(o *DispatchOpts) {
		o.CheckReactions = true
	}
}

// ModeSensitive enables race suppression between paired clients.
func ModeSensitive() DispatchOption {
	return func(o *DispatchOpts) {
		o.ModeSensitive = true
	}
}

// Dispatch runs the handler for u received by client. Handler failures and
// cancellations are contained; the returned error is nil or a propagation
// signal.
func (d *Dispatcher) Dispatch(ctx context.Context, client messaging.Client, u *models.Update, opts ...DispatchOption) error {
	o := DispatchOpts{CheckReactions: true, ModeSensitive: true, IsCommand: true, UseCustomObject: true}
	for _, opt := range opts {
		opt(&o)
	}
	if client == nil || u == nil {
		return fmt.Errorf("client and update are required")
	}

	raw := u.EffectiveMessage()
	key := ""
	if raw != nil {
		key = raw.Key()
	}

	if o.ModeSensitive && key != "" && d.racing() {
		if client.Identity().IsUser() {
			if err := d.opts.InFlight.Claim(ctx, key); err != nil {
				slog.Warn("Dispatcher.Dispatch: failed to claim update", "key", key, "error", err)
			} else {
				defer d.releaseLater(key)
			}
		} else {
			handled, err := d.claimedByPrimary(ctx, key)
			if err != nil {
				return nil
			}
			if handled {
				slog.Debug("Dispatcher.Dispatch: update handled by user client", "key", key, "client", client.Name())
				return ErrStopPropagation
			}
		}
	}

	if o.CheckReactions && raw != nil && u.IsMessage() {
		if d.dropRepeated(ctx, raw) {
			return ErrStopPropagation
		}
	}

	var m *message.Message
	if o.UseCustomObject {
		parsed, err := d.parser.Parse(client, u)
		if err != nil {
			slog.Warn("Dispatcher.Dispatch: failed to normalize update", "error", err, "kind", u.Kind)
			return nil
		}
		m = parsed
	} else {
		m = d.parser.Plain(client, u)
	}

	handler := o.Handler
	if handler == nil {
		cmd, ok := d.commands.Get(m.Cmd)
		if !ok {
			return nil
		}
		handler = cmd.Handler
	}

	err := d.run(ctx, client, u, m, handler)
	switch {
	case err == nil:
		if o.IsCommand && m.IsFromOwner && m.Raw != nil {
			if err := m.Delete(ctx, false); err != nil {
				slog.Debug("Dispatcher.Dispatch: failed to delete trigger message", "task_id", m.TaskID, "error", err)
			}
		}
	case IsPropagation(err):
		return err
	}

	if o.IsCommand {
		return ErrStopPropagation
	}
	return nil
}

func (d *Dispatcher) racing() bool {
	return d.opts.Paired && d.cfg.Mode() == config.ModeDual
}

// claimedByPrimary waits the grace period and reports whether the user client
// claimed key in the meantime.
func (d *Dispatcher) claimedByPrimary(ctx context.Context, key string) (bool, error) {
	timer := time.NewTimer(d.cfg.RaceGrace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
	}
	handled, err := d.opts.InFlight.Claimed(ctx, key)
	if err != nil {
		slog.Warn("Dispatcher.Dispatch: failed to check in-flight update", "key", key, "error", err)
		return false, nil
	}
	return handled, nil
}

// releaseLater drops the claim on key after the release delay, leaving the bot
// client's grace check time to see it.
func (d *Dispatcher) releaseLater(key string) {
	time.AfterFunc(d.cfg.InFlightRelease, func() {
		if err := d.opts.InFlight.Release(context.Background(), key); err != nil {
			slog.Warn("Dispatcher.releaseLater: failed to release update", "key", key, "error", err)
		}
	})
}

// dropRepeated reports whether raw repeats the last text seen under its key or
// is older than the staleness window. Otherwise it records the text.
func (d *Dispatcher) dropRepeated(ctx context.Context, raw *models.Message) bool {
	key := raw.Key()
	last, ok, err := d.opts.TextCache.Last(ctx, key)
	if err != nil {
		slog.Warn("Dispatcher.Dispatch: text cache lookup failed", "key", key, "error", err)
	}
	if ok && last == raw.Text {
		slog.Debug("Dispatcher.Dispatch: dropping repeated text", "key", key)
		return true
	}
	if !raw.Date.IsZero() && d.opts.Now().Sub(raw.Date) >= d.cfg.StalenessWindow {
		slog.Debug("Dispatcher.Dispatch: dropping stale update", "key", key, "date", raw.Date)
		return true
	}
	if err := d.opts.TextCache.Remember(ctx, key, raw.Text); err != nil {
		slog.Warn("Dispatcher.Dispatch: text cache store failed", "key", key, "error", err)
	}
	return false
}

type result struct {
	err   error
	stack []byte
}

// run executes handler as a task named by m.TaskID and returns nil, a
// propagation signal, or the contained failure.
func (d *Dispatcher) run(ctx context.Context, client messaging.Client, u *models.Update, m *message.Message, handler command.Handler) error {
	taskCtx, finish := d.tasks.start(ctx, TaskInfo{
		ID:      m.TaskID,
		Command: m.Cmd,
		ChatID:  m.ChatID(),
		Client:  client.Name(),
		Started: time.Now(),
	})

	done := make(chan result, 1)
	go func() {
		defer finish()
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("panic: %v", rec), stack: debug.Stack()}
			}
		}()
		done <- result{err: handler(taskCtx, m)}
	}()

	var res result
	select {
	case res = <-done:
	case <-taskCtx.Done():
		// finish cancels the task context after the result is sent.
		select {
		case res = <-done:
		default:
			res = result{err: context.Cause(taskCtx)}
		}
	}

	if errors.Is(context.Cause(taskCtx), ErrTaskCancelled) {
		d.reportCancelled(ctx, m)
		return ErrTaskCancelled
	}
	if res.err == nil {
		return nil
	}
	if IsPropagation(res.err) {
		return res.err
	}
	if ctx.Err() != nil {
		slog.Debug("Dispatcher.Dispatch: handler stopped by shutdown", "task_id", m.TaskID, "error", res.err)
		return res.err
	}

	fault := &HandlerFault{TaskID: m.TaskID, Command: m.Cmd, Update: u, Err: res.err, Stack: res.stack}
	slog.Error("Dispatcher.Dispatch: handler failed",
		"error", res.err,
		"task_id", m.TaskID,
		"command", m.Cmd,
		"chat_id", m.ChatID(),
		"sender_id", m.SenderID(),
		"client", client.Name(),
		"text", m.Text,
		"panic", res.stack != nil)
	if d.opts.OnFault != nil {
		d.opts.OnFault(context.WithoutCancel(ctx), fault)
	}
	return fault
}

func (d *Dispatcher) reportCancelled(ctx context.Context, m *message.Message) {
	slog.Info("Dispatcher.Dispatch: task cancelled", "task_id", m.TaskID, "command", m.Cmd)
	text := "<b>#Cancelled</b>:\n<code>" + html.EscapeString(m.Text) + "</code>"
	if _, err := d.opts.Logger.LogText(context.WithoutCancel(ctx), text, ""); err != nil {
		slog.Warn("Dispatcher.Dispatch: failed to report cancellation", "task_id", m.TaskID, "error", err)
	}
}
