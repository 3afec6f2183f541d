package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/message"
	"github.com/BTreeMap/UBCore/internal/messaging"
)

// CmdInfo provides the ci and s commands.
type CmdInfo struct {
	cfg      *config.Config
	commands *command.Registry
	coreRepo string
}

// NewCmdInfo creates the command info plugin.
func NewCmdInfo(cfg *config.Config, commands *command.Registry, coreRepo string) *CmdInfo {
	return &CmdInfo{cfg: cfg, commands: commands, coreRepo: coreRepo}
}

func (p *CmdInfo) Name() string { return "cmdinfo" }

func (p *CmdInfo) Register(r *command.Registrar) error {
	if err := r.Add([]string{"ci"}, p.info, command.WithDoc(`CMD: CI (CMD INFO)
    INFO: Show where a command is defined.
    USAGE: .ci ci`)); err != nil {
		return err
	}
	return r.Add([]string{"s"}, p.search, command.WithDoc(`CMD: S (SEARCH)
    INFO: Search the registered commands.
    USAGE: .s he`))
}

// relPath trims a source path down to its location inside the repository.
func relPath(path string) string {
	path = filepath.ToSlash(path)
	for _, root := range []string{"/internal/", "/cmd/", "/plugins/"} {
		if i := strings.LastIndex(path, root); i >= 0 {
			return path[i+1:]
		}
	}
	return filepath.Base(path)
}

func (p *CmdInfo) info(ctx context.Context, m *message.Message) error {
	name := strings.TrimSpace(m.FilteredInput)
	cmd, ok := p.commands.Get(name)
	if !ok {
		_, err := m.Reply(ctx, "Give a valid cmd.", message.DeleteIn(5*time.Second, false))
		return err
	}

	path := relPath(cmd.Path)
	repo := p.cfg.UpstreamRepo
	if strings.HasPrefix(path, "internal/plugins/") || repo == "" {
		repo = p.coreRepo
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Command</b>: %s", code(cmd.Name))
	fmt.Fprintf(&b, "\n<b>Path</b>: %s", code(path))
	fmt.Fprintf(&b, "\n<b>Category</b>: %s", code(cmd.Category))
	fmt.Fprintf(&b, "\n<b>Sudo</b>: %s", code(fmt.Sprint(cmd.Sudo)))
	fmt.Fprintf(&b, "\n<b>Loaded</b>: %s", code(fmt.Sprint(cmd.Loaded)))
	if repo != "" {
		link := strings.TrimSuffix(repo, "/") + "/blob/main/" + path
		fmt.Fprintf(&b, "\n\n<b>Link</b>: <a href='%s'>Github</a>", link)
	}
	_, err := m.Reply(ctx, "<blockquote>"+b.String()+"</blockquote>", asHTML,
		message.WithSendOptions(messaging.WithoutPreview()))
	return err
}

func (p *CmdInfo) search(ctx context.Context, m *message.Message) error {
	if m.Input == "" {
		_, err := m.Reply(ctx, "Give some input to search in commands.")
		return err
	}
	names := p.commands.Search(m.Input)
	if names == nil {
		names = []string{}
	}
	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	_, err = m.Reply(ctx, "<pre>"+string(data)+"</pre>", asHTML)
	return err
}
