package dispatcher

import (
	"strings"

	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/filters"
	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/models"
)

// Privileges decides who may run which command.
type Privileges struct {
	cfg      *config.Config
	commands *command.Registry
}

// NewPrivileges creates the privilege checks for cfg and commands.
func NewPrivileges(cfg *config.Config, commands *command.Registry) *Privileges {
	return &Privileges{cfg: cfg, commands: commands}
}

func basicCheck(m *models.Message) bool {
	return m != nil && m.Chat.ID != 0 && m.Text != "" && m.From != nil
}

// lookup resolves the first token of text, with trigger stripped, to a command.
// With sudo the command must also be loaded and open to sudo users.
func (p *Privileges) lookup(text, trigger string, sudo bool) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	name, ok := strings.CutPrefix(fields[0], trigger)
	if !ok {
		return false
	}
	c, ok := p.commands.Get(name)
	if !ok {
		return false
	}
	if sudo {
		return c.Loaded && c.Sudo
	}
	return true
}

// Owner accepts owner commands sent with the command trigger from the owner's
// own chat or from the account itself.
func (p *Privileges) Owner(client messaging.Client, m *models.Message) bool {
	if !basicCheck(m) || !strings.HasPrefix(m.Text, p.cfg.CmdTrigger) || !p.cfg.IsOwnerOn(client.Network(), m.From.ID) {
		return false
	}
	if m.Chat.ID != p.cfg.OwnerOn(client.Network()) && !m.Outgoing {
		return false
	}
	return p.lookup(m.Text, p.cfg.CmdTrigger, false)
}

// OwnerSudo accepts owner commands sent with the sudo trigger to a client that
// is not the user account.
func (p *Privileges) OwnerSudo(client messaging.Client, m *models.Message) bool {
	if !basicCheck(m) || !strings.HasPrefix(m.Text, p.cfg.SudoTrigger) || !p.cfg.IsOwnerOn(client.Network(), m.From.ID) {
		return false
	}
	if client.Identity().IsUser() {
		return false
	}
	return p.lookup(m.Text, p.cfg.SudoTrigger, false)
}

// Sudo accepts commands from sudo users while sudo is enabled.
func (p *Privileges) Sudo(_ messaging.Client, m *models.Message) bool {
	if !p.cfg.SudoEnabled() || !basicCheck(m) || !strings.HasPrefix(m.Text, p.cfg.SudoTrigger) || !p.cfg.IsSudoUser(m.From.ID) {
		return false
	}
	return p.lookup(m.Text, p.cfg.SudoTrigger, true)
}

// SuperUser accepts commands from enabled super users.
func (p *Privileges) SuperUser(_ messaging.Client, m *models.Message) bool {
	if !basicCheck(m) || !strings.HasPrefix(m.Text, p.cfg.SudoTrigger) || !p.cfg.IsSuperUser(m.From.ID) {
		return false
	}
	return p.lookup(m.Text, p.cfg.SudoTrigger, false)
}

// Client restricts which client answers sudo and super users: in bot mode only
// the bot, and in private chats the bot unless both clients are active.
func (p *Privileges) Client(client messaging.Client, m *models.Message) bool {
	mode := p.cfg.Mode()
	if m != nil && m.Chat.IsPrivate() {
		return mode != config.ModeBot || client.Identity().IsBot()
	}
	if mode == config.ModeBot {
		return client.Identity().IsBot()
	}
	return true
}

// Command is the filter of the command handler group.
func (p *Privileges) Command() filters.Filter {
	return filters.Or(
		p.Owner,
		p.OwnerSudo,
		filters.And(p.Client, filters.Or(p.Sudo, p.SuperUser)),
	)
}

// UserAllowed reports whether userID on network may run the named command from
// a button or an inline query, where no trigger or chat is involved.
func (p *Privileges) UserAllowed(network models.Network, userID int64, name string) bool {
	if userID == 0 {
		return false
	}
	c, ok := p.commands.Get(name)
	if !ok {
		return false
	}
	if p.cfg.IsOwnerOn(network, userID) || p.cfg.IsSuperUser(userID) {
		return true
	}
	return p.cfg.SudoEnabled() && p.cfg.IsSudoUser(userID) && c.Loaded && c.Sudo
}
