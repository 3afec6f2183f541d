// Package config holds the runtime configuration of UBCore.
//
// Static settings are plain fields set once at startup. The client mode and the
// privilege lists can change while the bot runs and are guarded by a lock.
package config

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/UBCore/internal/models"
	"github.com/BTreeMap/UBCore/internal/util"
)

// Mode selects which clients act on commands.
type Mode string

const (
	// ModeDual runs the user and the bot client side by side.
	ModeDual Mode = "dual"
	// ModeBot lets only the bot client act on commands.
	ModeBot Mode = "bot"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDual:
		return ModeDual, nil
	case ModeBot:
		return ModeBot, nil
	}
	return "", fmt.Errorf("invalid mode %q: available modes are dual and bot", s)
}

// Default configuration values.
const (
	DefaultCmdTrigger          = "."
	DefaultSudoTrigger         = "!"
	DefaultBotName             = "UBCore"
	DefaultRaceGrace           = 500 * time.Millisecond
	DefaultInFlightRelease     = time.Second
	DefaultStalenessWindow     = 6 * time.Hour
	DefaultConversationTimeout = 10 * time.Second
)

// Config is the process-wide configuration.
type Config struct {
	CmdTrigger   string
	SudoTrigger  string
	OwnerID      int64
	LogChat      int64
	DevMode      bool
	LoadHandlers bool
	BotName      string
	UpstreamRepo string

	// RaceGrace is how long the bot client waits before checking whether the
	// user client already claimed an update.
	RaceGrace time.Duration
	// InFlightRelease is how long the user client keeps its claim after the
	// handler finished.
	InFlightRelease time.Duration
	// StalenessWindow is the age after which updates are ignored.
	StalenessWindow time.Duration
	// ConversationTimeout is the default wait of conversations.
	ConversationTimeout time.Duration

	// NetworkOwners overrides OwnerID per network, since one person has a
	// different id on every chat service.
	NetworkOwners map[models.Network]int64

	mu                 sync.RWMutex
	mode               Mode
	sudo               bool
	sudoUsers          []int64
	superUsers         []int64
	disabledSuperUsers []int64
}

// New returns a configuration with default values.
func New() *Config {
	return &Config{
		CmdTrigger:          DefaultCmdTrigger,
		SudoTrigger:         DefaultSudoTrigger,
		LoadHandlers:        true,
		BotName:             DefaultBotName,
		RaceGrace:           DefaultRaceGrace,
		InFlightRelease:     DefaultInFlightRelease,
		StalenessWindow:     DefaultStalenessWindow,
		ConversationTimeout: DefaultConversationTimeout,
		mode:                ModeDual,
	}
}

// Load reads the configuration from the environment on top of the defaults.
func Load() (*Config, error) {
	c := New()
	c.CmdTrigger = util.StringEnv("CMD_TRIGGER", c.CmdTrigger)
	c.SudoTrigger = util.StringEnv("SUDO_TRIGGER", c.SudoTrigger)
	c.OwnerID = util.ParseInt64Env("OWNER_ID", 0)
	c.NetworkOwners = make(map[models.Network]int64)
	for network, env := range map[models.Network]string{
		models.NetworkWhatsApp: "WHATSAPP_OWNER_ID",
		models.NetworkTelegram: "TELEGRAM_OWNER_ID",
	} {
		if id := util.ParseInt64Env(env, 0); id != 0 {
			c.NetworkOwners[network] = id
		}
	}
	c.LogChat = util.ParseInt64Env("LOG_CHAT", 0)
	c.DevMode = util.ParseBoolEnv("DEV_MODE", false)
	c.LoadHandlers = util.ParseBoolEnv("LOAD_HANDLERS", true)
	c.BotName = util.StringEnv("BOT_NAME", c.BotName)
	c.UpstreamRepo = util.StringEnv("UPSTREAM_REPO", "")
	c.RaceGrace = util.ParseDurationEnv("RACE_GRACE", c.RaceGrace)
	c.InFlightRelease = util.ParseDurationEnv("IN_FLIGHT_RELEASE", c.InFlightRelease)
	c.StalenessWindow = util.ParseDurationEnv("STALENESS_WINDOW", c.StalenessWindow)
	c.ConversationTimeout = util.ParseDurationEnv("CONVERSATION_TIMEOUT", c.ConversationTimeout)

	c.sudo = util.ParseBoolEnv("SUDO", false)
	c.sudoUsers = util.ParseInt64ListEnv("SUDO_USERS")
	c.superUsers = util.ParseInt64ListEnv("SUPERUSERS")
	c.disabledSuperUsers = util.ParseInt64ListEnv("DISABLED_SUPERUSERS")

	if raw := util.StringEnv("MODE", ""); raw != "" {
		mode, err := ParseMode(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse MODE: %w", err)
		}
		c.mode = mode
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the static settings.
func (c *Config) Validate() error {
	if c.CmdTrigger == "" || c.SudoTrigger == "" {
		return fmt.Errorf("command and sudo triggers cannot be empty")
	}
	if c.RaceGrace < 0 || c.InFlightRelease < 0 || c.StalenessWindow <= 0 {
		return fmt.Errorf("race grace, in-flight release and staleness window must not be negative")
	}
	return nil
}

// Mode returns the current client mode.
func (c *Config) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode changes the client mode.
func (c *Config) SetMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = m
}

// SudoEnabled reports whether sudo users may run commands.
func (c *Config) SudoEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sudo
}

// SetSudo enables or disables sudo access.
func (c *Config) SetSudo(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sudo = enabled
}

// OwnerOn returns the owner's id on network, falling back to OwnerID.
func (c *Config) OwnerOn(network models.Network) int64 {
	if id, ok := c.NetworkOwners[network]; ok && id != 0 {
		return id
	}
	return c.OwnerID
}

// IsOwnerOn reports whether userID is the owner's id on network.
func (c *Config) IsOwnerOn(network models.Network, userID int64) bool {
	return userID != 0 && userID == c.OwnerOn(network)
}

// IsSudoUser reports whether userID is in the sudo list.
func (c *Config) IsSudoUser(userID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.sudoUsers, userID)
}

// IsSuperUser reports whether userID is an enabled super user.
func (c *Config) IsSuperUser(userID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.superUsers, userID) && !slices.Contains(c.disabledSuperUsers, userID)
}

// SetSudoUsers replaces the sudo list.
func (c *Config) SetSudoUsers(ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sudoUsers = slices.Clone(ids)
}

// SetSuperUsers replaces the super user list and its disabled subset.
func (c *Config) SetSuperUsers(ids, disabled []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.superUsers = slices.Clone(ids)
	c.disabledSuperUsers = slices.Clone(disabled)
}

// SudoUsers returns a copy of the sudo list.
func (c *Config) SudoUsers() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.sudoUsers)
}
