package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BTreeMap/UBCore/internal/app"
	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/lockfile"
	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/util"
	"github.com/joho/godotenv"
)

const (
	// DefaultStateDir holds the lock file and the default databases.
	DefaultStateDir = "/var/lib/ubcore"
	// DefaultWhatsAppDBFileName is the whatsmeow device store inside the state directory.
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the settings store inside the state directory.
	DefaultAppDBFileName = "ubcore.db"
)

// Env holds the environment configuration the flags default to.
type Env struct {
	StateDir      string
	DatabaseURL   string
	WhatsAppDSN   string
	TelegramToken string
	RedisURL      string
	APIAddr       string
	APIToken      string
	LogLevel      string
	OutboundRate  float64
	OutboundBurst int
	NoWhatsApp    bool
}

// Flags holds the parsed command line.
type Flags struct {
	stateDir      string
	databaseURL   string
	whatsAppDSN   string
	telegramToken string
	redisURL      string
	apiAddr       string
	apiToken      string
	logLevel      string
	qrOutput      string
	numeric       bool
	noWhatsApp    bool
	outboundRate  float64
	outboundBurst int
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("UBCore failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("UBCore exited successfully")
}

func run(args []string) error {
	loadDotEnv()
	env := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(env, args)
	if err != nil {
		return err
	}
	level, err := parseLogLevel(flags.logLevel)
	if err != nil {
		return err
	}
	initializeLogger(os.Stdout, level)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	lock, err := lockfile.Acquire(flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping UBCore", "state_dir", flags.stateDir, "mode", cfg.Mode(),
		"whatsapp", !flags.noWhatsApp, "telegram", flags.telegramToken != "", "api_addr", flags.apiAddr)
	return app.Run(ctx, cfg, buildAppOptions(flags)...)
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env file: %v\n", err)
	}
}

// initializeLogger installs a text handler on w as the default logger.
func initializeLogger(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// loadEnvironmentConfig reads the process environment and fills in the
// defaults derived from the state directory.
func loadEnvironmentConfig() Env {
	env := Env{
		StateDir:      util.StringEnv("UBCORE_STATE_DIR", DefaultStateDir),
		DatabaseURL:   util.StringEnv("DATABASE_URL", ""),
		WhatsAppDSN:   util.StringEnv("WHATSAPP_DB_DSN", ""),
		TelegramToken: util.StringEnv("TELEGRAM_BOT_TOKEN", ""),
		RedisURL:      util.StringEnv("REDIS_URL", ""),
		APIAddr:       util.StringEnv("API_ADDR", ""),
		APIToken:      util.StringEnv("API_TOKEN", ""),
		LogLevel:      util.StringEnv("UBCORE_LOG_LEVEL", "info"),
		OutboundRate:  util.ParseFloatEnv("OUTBOUND_RATE", messaging.DefaultOutboundRate),
		OutboundBurst: int(util.ParseInt64Env("OUTBOUND_BURST", messaging.DefaultOutboundBurst)),
		NoWhatsApp:    util.ParseBoolEnv("WHATSAPP_DISABLED", false),
	}
	return env
}

// parseCommandLineFlags parses args with env as defaults. Database paths left
// at their defaults follow -state-dir.
func parseCommandLineFlags(env Env, args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("ubcore", flag.ContinueOnError)
	fs.StringVar(&f.stateDir, "state-dir", env.StateDir, "state directory for the lock file and default databases (overrides $UBCORE_STATE_DIR)")
	fs.StringVar(&f.databaseURL, "db-dsn", env.DatabaseURL, "settings database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)")
	fs.StringVar(&f.whatsAppDSN, "whatsapp-db-dsn", env.WhatsAppDSN, "WhatsApp device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&f.telegramToken, "telegram-token", env.TelegramToken, "Telegram bot token (overrides $TELEGRAM_BOT_TOKEN)")
	fs.StringVar(&f.redisURL, "redis-url", env.RedisURL, "Redis URL for shared caches (overrides $REDIS_URL)")
	fs.StringVar(&f.apiAddr, "api-addr", env.APIAddr, "admin API address, empty to disable (overrides $API_ADDR)")
	fs.StringVar(&f.apiToken, "api-token", env.APIToken, "admin API bearer token (overrides $API_TOKEN)")
	fs.StringVar(&f.logLevel, "log-level", env.LogLevel, "log level: debug, info, warn or error (overrides $UBCORE_LOG_LEVEL)")
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&f.numeric, "numeric-code", false, "print the raw WhatsApp login code instead of a QR code")
	fs.BoolVar(&f.noWhatsApp, "no-whatsapp", env.NoWhatsApp, "run without the WhatsApp user client (overrides $WHATSAPP_DISABLED)")
	fs.Float64Var(&f.outboundRate, "outbound-rate", env.OutboundRate, "messages per second per chat (overrides $OUTBOUND_RATE)")
	fs.IntVar(&f.outboundBurst, "outbound-burst", env.OutboundBurst, "outbound burst per chat (overrides $OUTBOUND_BURST)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if f.databaseURL == "" {
		f.databaseURL = filepath.Join(f.stateDir, DefaultAppDBFileName)
	}
	if f.whatsAppDSN == "" {
		f.whatsAppDSN = "file:" + filepath.Join(f.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	return f, nil
}

func buildAppOptions(f Flags) []app.Option {
	opts := []app.Option{
		app.WithDatabaseURL(f.databaseURL),
		app.WithOutboundLimit(f.outboundRate, f.outboundBurst),
	}
	if !f.noWhatsApp {
		opts = append(opts, app.WithWhatsApp(f.whatsAppDSN, f.qrOutput, f.numeric))
	}
	if f.telegramToken != "" {
		opts = append(opts, app.WithTelegramToken(f.telegramToken))
	}
	if f.redisURL != "" {
		opts = append(opts, app.WithRedisURL(f.redisURL))
	}
	if f.apiAddr != "" {
		opts = append(opts, app.WithAPI(f.apiAddr, f.apiToken))
	}
	return opts
}
