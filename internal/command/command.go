// Package command keeps the process-wide table of chat commands and loads the
// plugins that register them.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/UBCore/internal/message"
)

// DefaultDoc is shown for commands registered without documentation.
const DefaultDoc = "Not Documented."

var (
	// ErrCommandExists is returned when a plugin registers the same name twice.
	ErrCommandExists = errors.New("command already registered")
	// ErrInvalidCommand is returned for empty names or nil handlers.
	ErrInvalidCommand = errors.New("invalid command")
)

// Handler runs a command.
type Handler func(ctx context.Context, m *message.Message) error

// Command is one registered command.
type Command struct {
	Name     string  `json:"name"`
	Handler  Handler `json:"-"`
	Path     string  `json:"path"`
	Category string  `json:"category"`
	Doc      string  `json:"doc"`
	// Sudo allows sudo users to run the command.
	Sudo bool `json:"sudo"`
	// Loaded is set once the plugin defining the command finished registering
	// without error.
	Loaded bool `json:"loaded"`
}

// Opts holds registration options.
type Opts struct {
	Doc      string
	Category string
	Path     string
	Sudo     bool
}

// Option is a functional option for Register.
type Option func(*Opts)

// WithDoc sets the help text.
func WithDoc(doc string) Option {
	return func(o *Opts) {
		o.Doc = doc
	}
}

// WithCategory sets the help category.
func WithCategory(category string) Option {
	return func(o *Opts) {
		o.Category = category
	}
}

// WithPath overrides the source path recorded for the command.
func WithPath(path string) Option {
	return func(o *Opts) {
		o.Path = path
	}
}

// WithoutSudo restricts the command to the owner and super users.
func WithoutSudo() Option {
	return func(o *Opts) {
		o.Sudo = false
	}
}

// Registry maps command names to commands. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	cmds map[string]*Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{cmds: make(map[string]*Command)}
}

// Register adds h under every name. A name that is already registered is
// replaced, so reloading a plugin updates its commands in place.
func (r *Registry) Register(names []string, h Handler, opts ...Option) error {
	cmds, err := build(names, h, opts)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		if _, ok := r.cmds[c.Name]; ok {
			slog.Debug("CommandRegistry.Register: replacing command", "command", c.Name)
		}
		r.cmds[c.Name] = c
	}
	return nil
}

func build(names []string, h Handler, opts []Option) ([]*Command, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", ErrInvalidCommand)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: at least one name is required", ErrInvalidCommand)
	}

	o := Opts{Sudo: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Path == "" {
		o.Path = handlerFile(h)
	}
	if o.Category == "" {
		o.Category = filepath.Base(filepath.Dir(o.Path))
	}
	if strings.TrimSpace(o.Doc) == "" {
		o.Doc = DefaultDoc
	}

	cmds := make([]*Command, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || strings.ContainsAny(name, " \t\n") {
			return nil, fmt.Errorf("%w: bad name %q", ErrInvalidCommand, name)
		}
		cmds = append(cmds, &Command{
			Name:     name,
			Handler:  h,
			Path:     o.Path,
			Category: o.Category,
			Doc:      o.Doc,
			Sudo:     o.Sudo,
		})
	}
	return cmds, nil
}

// handlerFile returns the source file defining h.
func handlerFile(h Handler) string {
	fn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
	if fn == nil {
		return ""
	}
	file, _ := fn.FileLine(fn.Entry())
	return file
}

// Get returns a copy of the named command.
func (r *Registry) Get(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cmds[name]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// Exists reports whether name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cmds[name]
	return ok
}

// Remove deletes the named commands.
func (r *Registry) Remove(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		delete(r.cmds, name)
	}
}

// SetLoaded sets the loaded flag of the named commands.
func (r *Registry) SetLoaded(loaded bool, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if c, ok := r.cmds[name]; ok {
			c.Loaded = loaded
		}
	}
}

// Len returns the number of registered names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cmds)
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cmds))
	for name := range r.cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns copies of every command, sorted by name.
func (r *Registry) List() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByCategory groups the sorted command names by category.
func (r *Registry) ByCategory() map[string][]string {
	out := make(map[string][]string)
	for _, c := range r.List() {
		out[c.Category] = append(out[c.Category], c.Name)
	}
	return out
}

// Search returns the sorted names containing substr.
func (r *Registry) Search(substr string) []string {
	return slices.DeleteFunc(r.Names(), func(name string) bool {
		return !strings.Contains(name, substr)
	})
}
