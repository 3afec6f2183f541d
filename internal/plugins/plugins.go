// Package plugins provides the default commands every UBCore deployment
// ships with.
package plugins

import (
	"html"
	"strings"
	"time"

	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/message"
	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/store"
)

// CoreRepo is the upstream repository of the framework itself.
const CoreRepo = "https://github.com/BTreeMap/UBCore"

// Canceller cancels running tasks by id.
type Canceller interface {
	Cancel(taskID string) (int, error)
}

// Opts holds configuration shared by the default plugins.
type Opts struct {
	Store     store.SettingsStore
	ModeGuard time.Duration
	CoreRepo  string
}

// Option defines a configuration option for the default plugins.
type Option func(*Opts)

// WithStore persists settings such as the client mode.
func WithStore(s store.SettingsStore) Option {
	return func(o *Opts) {
		o.Store = s
	}
}

// WithModeGuard sets how long the mode command ignores repeated invocations.
func WithModeGuard(d time.Duration) Option {
	return func(o *Opts) {
		o.ModeGuard = d
	}
}

// WithCoreRepo overrides the framework repository link shown by repo and ci.
func WithCoreRepo(url string) Option {
	return func(o *Opts) {
		o.CoreRepo = url
	}
}

// Defaults returns the default plugins.
func Defaults(cfg *config.Config, commands *command.Registry, tasks Canceller, opts ...Option) []command.Plugin {
	o := Opts{ModeGuard: DefaultModeGuard, CoreRepo: CoreRepo}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Store == nil {
		o.Store = store.NewInMemoryStore()
	}
	return []command.Plugin{
		NewCancel(tasks),
		NewHelp(commands),
		NewCmdInfo(cfg, commands, o.CoreRepo),
		NewMode(cfg, o.Store, o.ModeGuard),
		NewRepo(cfg, o.CoreRepo),
		NewPing(),
	}
}

var asHTML = message.WithSendOptions(messaging.WithParseMode("HTML"))

func code(s string) string {
	return "<code>" + html.EscapeString(s) + "</code>"
}

// dedent strips one level of four-space indentation from every line.
func dedent(doc string) string {
	lines := strings.Split(doc, "\n")
	for i, l := range lines {
		lines[i] = strings.Replace(l, "    ", "", 1)
	}
	return strings.Join(lines, "\n")
}
