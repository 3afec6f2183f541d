package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MaxConcurrentInits bounds how many plugin Init hooks run at once.
const MaxConcurrentInits = 8

// Plugin is a set of commands registered together.
type Plugin interface {
	Name() string
	Register(r *Registrar) error
}

// Initializer is implemented by plugins with startup work. Init runs once
// after every plugin has been registered.
type Initializer interface {
	Init(ctx context.Context) error
}

// LoadError reports a plugin that failed to register or initialize.
type LoadError struct {
	Plugin string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin %s: %v", e.Plugin, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Registrar registers the commands of one plugin.
type Registrar struct {
	registry *Registry
	plugin   string
	names    []string
	seen     map[string]bool
}

// Add registers h under names. The plugin name is the default category and the
// calling file the default source path.
func (r *Registrar) Add(names []string, h Handler, opts ...Option) error {
	for _, name := range names {
		if r.seen[name] {
			return fmt.Errorf("%w: %q in plugin %s", ErrCommandExists, name, r.plugin)
		}
	}
	defaults := []Option{WithCategory(r.plugin)}
	if _, file, _, ok := runtime.Caller(1); ok {
		defaults = append(defaults, WithPath(file))
	}
	opts = append(defaults, opts...)
	if err := r.registry.Register(names, h, opts...); err != nil {
		return err
	}
	for _, name := range names {
		r.seen[name] = true
		r.names = append(r.names, name)
	}
	return nil
}

// Names returns the names registered so far.
func (r *Registrar) Names() []string {
	return append([]string(nil), r.names...)
}

// Loader registers plugins into a Registry.
type Loader struct {
	registry *Registry

	mu      sync.Mutex
	plugins []Plugin
}

// NewLoader creates a loader for registry.
func NewLoader(registry *Registry, plugins ...Plugin) *Loader {
	return &Loader{registry: registry, plugins: plugins}
}

// Add queues more plugins.
func (l *Loader) Add(plugins ...Plugin) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.plugins = append(l.plugins, plugins...)
}

// Load registers every plugin and then runs the Init hooks concurrently. A
// failing plugin does not stop the others: its commands stay registered but
// are not marked loaded, and its *LoadError is part of the joined error.
// A plugin whose Init fails has its commands marked not loaded again.
func (l *Loader) Load(ctx context.Context) error {
	l.mu.Lock()
	plugins := append([]Plugin(nil), l.plugins...)
	l.mu.Unlock()

	type registered struct {
		plugin Plugin
		names  []string
	}
	var errs []error
	var ready []registered
	for _, p := range plugins {
		reg := &Registrar{registry: l.registry, plugin: p.Name(), seen: make(map[string]bool)}
		if err := registerSafely(p, reg); err != nil {
			slog.Error("Loader.Load: plugin failed to register", "plugin", p.Name(), "error", err)
			errs = append(errs, &LoadError{Plugin: p.Name(), Err: err})
			continue
		}
		l.registry.SetLoaded(true, reg.Names()...)
		ready = append(ready, registered{plugin: p, names: reg.Names()})
		slog.Debug("Loader.Load: plugin registered", "plugin", p.Name(), "commands", reg.Names())
	}

	initErrs := make([]error, len(ready))
	var g errgroup.Group
	g.SetLimit(MaxConcurrentInits)
	for i, r := range ready {
		initer, ok := r.plugin.(Initializer)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := initer.Init(ctx); err != nil {
				slog.Error("Loader.Load: plugin init failed", "plugin", r.plugin.Name(), "error", err)
				initErrs[i] = &LoadError{Plugin: r.plugin.Name(), Err: fmt.Errorf("init: %w", err)}
				return initErrs[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i, initErr := range initErrs {
			if initErr == nil {
				continue
			}
			l.registry.SetLoaded(false, ready[i].names...)
			errs = append(errs, initErr)
		}
	}

	slog.Info("Loader.Load: plugins loaded", "plugins", len(plugins), "failed", len(errs), "commands", l.registry.Len())
	return errors.Join(errs...)
}

func registerSafely(p Plugin, r *Registrar) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during registration: %v", rec)
		}
	}()
	return p.Register(r)
}
