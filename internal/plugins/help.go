package plugins

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/message"
)

// Help provides the help command.
type Help struct {
	commands *command.Registry
}

// NewHelp creates the help plugin.
func NewHelp(commands *command.Registry) *Help {
	return &Help{commands: commands}
}

func (p *Help) Name() string { return "help" }

func (p *Help) Register(r *command.Registrar) error {
	return r.Add([]string{"help"}, p.help, command.WithDoc(`CMD: HELP
    INFO: Check info about the available commands.
    USAGE: .help | .help help`))
}

func (p *Help) help(ctx context.Context, m *message.Message) error {
	name := strings.TrimSpace(m.Input)
	if name == "" {
		_, err := m.Reply(ctx, p.list(), asHTML, message.DeleteIn(30*time.Second, false))
		return err
	}

	cmd, ok := p.commands.Get(name)
	if !ok {
		text := fmt.Sprintf("Invalid <b>%s</b>, check %shelp", html.EscapeString(name), m.Trigger)
		_, err := m.Reply(ctx, text, asHTML, message.DeleteIn(5*time.Second, false))
		return err
	}
	_, err := m.Reply(ctx, "<pre>"+html.EscapeString(dedent(cmd.Doc))+"</pre>", asHTML, message.DeleteIn(30*time.Second, false))
	return err
}

// list renders every command name grouped by category.
func (p *Help) list() string {
	groups := p.commands.ByCategory()
	categories := make([]string, 0, len(groups))
	for c := range groups {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var b strings.Builder
	for _, c := range categories {
		title := c
		if title != "" {
			title = strings.ToUpper(title[:1]) + title[1:]
		}
		fmt.Fprintf(&b, "\n\n<b>%s:</b>\n<pre>%s</pre>", html.EscapeString(title), html.EscapeString(strings.Join(groups[c], ", ")))
	}
	return strings.TrimSpace(b.String())
}
