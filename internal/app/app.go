// Package app wires the UBCore modules together: settings store, chat
// clients, caches, dispatcher, router, default plugins and the admin API.
package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"

	"github.com/BTreeMap/UBCore/internal/api"
	"github.com/BTreeMap/UBCore/internal/cache"
	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/conversation"
	"github.com/BTreeMap/UBCore/internal/dispatcher"
	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/plugins"
	"github.com/BTreeMap/UBCore/internal/store"
	"github.com/BTreeMap/UBCore/internal/telegram"
	"github.com/BTreeMap/UBCore/internal/whatsapp"
	"github.com/redis/go-redis/v9"
)

// ErrNoClients is returned when neither a user nor a bot client is configured.
var ErrNoClients = errors.New("no chat client configured: set WHATSAPP_DB_DSN or TELEGRAM_BOT_TOKEN")

// Opts holds the bootstrap configuration.
type Opts struct {
	DatabaseURL   string // settings store DSN; empty keeps settings in memory
	WhatsAppDSN   string // whatsmeow device store; empty disables the user client
	QRPath        string
	NumericCode   bool
	TelegramToken string // empty disables the bot client
	RedisURL      string // shared caches; empty keeps them in process
	APIAddr       string // empty disables the admin API
	APIToken      string
	OutboundRate  float64
	OutboundBurst int

	// Clients replaces the WhatsApp and Telegram clients.
	Clients []messaging.Client
	Plugins []command.Plugin
}

// Option defines a configuration option for the bootstrap.
type Option func(*Opts)

// WithDatabaseURL sets the settings store DSN.
func WithDatabaseURL(dsn string) Option {
	return func(o *Opts) {
		o.DatabaseURL = dsn
	}
}

// WithWhatsApp enables the WhatsApp user client on the given device store.
func WithWhatsApp(dsn, qrPath string, numericCode bool) Option {
	return func(o *Opts) {
		o.WhatsAppDSN = dsn
		o.QRPath = qrPath
		o.NumericCode = numericCode
	}
}

// WithTelegramToken enables the Telegram bot client.
func WithTelegramToken(token string) Option {
	return func(o *Opts) {
		o.TelegramToken = token
	}
}

// WithRedisURL shares the in-flight tracker and text cache through Redis.
func WithRedisURL(url string) Option {
	return func(o *Opts) {
		o.RedisURL = url
	}
}

// WithAPI enables the admin API on addr. A non-empty token is required as a
// bearer token.
func WithAPI(addr, token string) Option {
	return func(o *Opts) {
		o.APIAddr = addr
		o.APIToken = token
	}
}

// WithOutboundLimit sets the per-chat outbound rate and burst.
func WithOutboundLimit(perSecond float64, burst int) Option {
	return func(o *Opts) {
		o.OutboundRate = perSecond
		o.OutboundBurst = burst
	}
}

// WithClients uses the given clients instead of building WhatsApp and
// Telegram clients.
func WithClients(clients ...messaging.Client) Option {
	return func(o *Opts) {
		o.Clients = append(o.Clients, clients...)
	}
}

// WithPlugins loads extra plugins after the default ones.
func WithPlugins(p ...command.Plugin) Option {
	return func(o *Opts) {
		o.Plugins = append(o.Plugins, p...)
	}
}

// App is a fully wired UBCore instance.
type App struct {
	Config        *config.Config
	Store         store.SettingsStore
	Commands      *command.Registry
	Conversations *conversation.Registry
	Dispatcher    *dispatcher.Dispatcher
	Router        *dispatcher.Router
	API           *api.Server

	user    messaging.Client
	bot     messaging.Client
	logger  *messaging.ChannelLogger
	closers []func() error
}

// New builds an App. Plugin load failures are logged and do not abort the
// bootstrap; every other error does.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := Opts{OutboundRate: messaging.DefaultOutboundRate, OutboundBurst: messaging.DefaultOutboundBurst}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg}
	if err := a.build(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o Opts) error {
	st, err := store.Open(store.WithDSN(o.DatabaseURL))
	if err != nil {
		return fmt.Errorf("failed to open settings store: %w", err)
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	if err := a.buildClients(o); err != nil {
		return err
	}
	if a.user == nil && a.bot == nil {
		return ErrNoClients
	}
	a.logger = messaging.NewChannelLogger(a.Config.LogChat, a.bot, a.user)

	paired := pairable(a.user, a.bot)
	if a.user != nil && a.bot != nil && !paired {
		slog.Info("App.New: user and bot clients are on different networks, race suppression disabled",
			"user_network", a.user.Network(), "bot_network", a.bot.Network())
	}
	dopts := []dispatcher.Option{
		dispatcher.WithLogger(a.logger),
		dispatcher.WithPairedClients(paired),
		dispatcher.WithFaultHook(a.reportFault),
	}
	if o.RedisURL != "" {
		rdb, err := cache.NewRedisClient(ctx, o.RedisURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rdb.Close)
		dopts = append(dopts, redisCaches(rdb, a.Config)...)
	}

	a.Commands = command.NewRegistry()
	a.Conversations = conversation.NewRegistry(a.Config.ConversationTimeout)
	d, err := dispatcher.New(a.Config, a.Commands, a.Conversations, dopts...)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	a.Dispatcher = d
	a.Router = dispatcher.NewRouter(d)

	loader := command.NewLoader(a.Commands, plugins.Defaults(a.Config, a.Commands, d, plugins.WithStore(st))...)
	loader.Add(o.Plugins...)
	if err := loader.Load(ctx); err != nil {
		slog.Warn("App.New: some plugins failed to load", "error", err)
		if _, logErr := a.logger.LogText(ctx, html.EscapeString(err.Error()), "warn"); logErr != nil {
			slog.Debug("App.New: failed to report plugin errors", "error", logErr)
		}
	}

	if o.APIAddr != "" {
		a.API = api.NewServer(a.Config, d, api.WithAddr(o.APIAddr), api.WithToken(o.APIToken))
	}
	slog.Info("App.New: modules wired",
		"user_client", a.user != nil, "bot_client", a.bot != nil, "commands", a.Commands.Len(),
		"mode", a.Config.Mode(), "redis", o.RedisURL != "", "api", o.APIAddr != "")
	return nil
}

// pairable reports whether user and bot share a network. Only then do they see
// the same chats and updates, which race suppression relies on.
func pairable(user, bot messaging.Client) bool {
	return user != nil && bot != nil && user.Network() == bot.Network()
}

func redisCaches(rdb *redis.Client, cfg *config.Config) []dispatcher.Option {
	return []dispatcher.Option{
		dispatcher.WithInFlight(cache.NewRedisInFlight(rdb, cache.DefaultKeyPrefix, cache.DefaultClaimTTL)),
		dispatcher.WithTextCache(cache.NewRedisTextCache(rdb, cache.DefaultKeyPrefix, cfg.StalenessWindow)),
	}
}

func (a *App) buildClients(o Opts) error {
	clients := o.Clients
	if len(clients) == 0 {
		if o.WhatsAppDSN != "" {
			waOpts := []whatsapp.Option{whatsapp.WithDBDSN(o.WhatsAppDSN)}
			if o.QRPath != "" {
				waOpts = append(waOpts, whatsapp.WithQRCodeOutput(o.QRPath))
			}
			if o.NumericCode {
				waOpts = append(waOpts, whatsapp.WithNumericCode())
			}
			wa, err := whatsapp.NewClient(waOpts...)
			if err != nil {
				return fmt.Errorf("failed to create WhatsApp client: %w", err)
			}
			clients = append(clients, wa)
		}
		if o.TelegramToken != "" {
			tg, err := telegram.NewClient(telegram.WithToken(o.TelegramToken))
			if err != nil {
				return fmt.Errorf("failed to create Telegram client: %w", err)
			}
			clients = append(clients, tg)
		}
	}

	for _, c := range clients {
		limited := messaging.NewRateLimitedClient(c, o.OutboundRate, o.OutboundBurst)
		switch {
		case c.Identity().IsUser() && a.user == nil:
			a.user = limited
		case c.Identity().IsBot() && a.bot == nil:
			a.bot = limited
		default:
			return fmt.Errorf("duplicate %s client %q", c.Identity(), c.Name())
		}
	}
	return nil
}

// User returns the user client or nil.
func (a *App) User() messaging.Client { return a.user }

// Bot returns the bot client or nil.
func (a *App) Bot() messaging.Client { return a.bot }

// Run starts the clients and the admin API and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	var started []messaging.Client
	defer func() {
		for _, c := range started {
			if err := c.Stop(); err != nil {
				slog.Warn("App.Run: failed to stop client", "client", c.Name(), "error", err)
			}
		}
	}()

	for _, c := range []messaging.Client{a.user, a.bot} {
		if c == nil {
			continue
		}
		if err := c.Start(ctx, a.Router.HandleUpdate); err != nil {
			return fmt.Errorf("failed to start %s client: %w", c.Name(), err)
		}
		started = append(started, c)
		slog.Info("App.Run: client started", "client", c.Name(), "identity", c.Identity())
	}
	if _, err := a.logger.LogText(ctx, "<b>#Started</b>\nMode: <code>"+string(a.Config.Mode())+"</code>", ""); err != nil {
		slog.Warn("App.Run: failed to send start notice", "error", err)
	}

	if a.API != nil {
		if err := a.API.Start(ctx); err != nil {
			return err
		}
		return nil
	}
	<-ctx.Done()
	return nil
}

// Close releases the store and cache connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) reportFault(ctx context.Context, f *dispatcher.HandlerFault) {
	text := "<b>#Error</b>\n<b>Task</b>: <code>" + html.EscapeString(f.TaskID) + "</code>"
	if f.Command != "" {
		text += "\n<b>Command</b>: <code>" + html.EscapeString(f.Command) + "</code>"
	}
	if f.Update != nil && f.Update.Message != nil {
		m := f.Update.Message
		text += fmt.Sprintf("\n<b>Chat</b>: <code>%d</code>\n<b>Sender</b>: <code>%d</code>", m.Chat.ID, m.SenderID())
	}
	text += "\n<pre>" + html.EscapeString(f.Err.Error()) + "</pre>"
	if _, err := a.logger.LogText(ctx, text, ""); err != nil {
		slog.Warn("App.reportFault: failed to report fault", "task_id", f.TaskID, "error", err)
	}
}

// Run builds an App from cfg and runs it until ctx is done.
func Run(ctx context.Context, cfg *config.Config, opts ...Option) error {
	a, err := New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("App.Run: failed to close resources", "error", err)
		}
	}()
	return a.Run(ctx)
}
