package plugins

import (
	"context"
	"fmt"

	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/message"
	"github.com/BTreeMap/UBCore/internal/messaging"
)

// Repo provides the repo command.
type Repo struct {
	cfg      *config.Config
	coreRepo string
}

// NewRepo creates the repo plugin.
func NewRepo(cfg *config.Config, coreRepo string) *Repo {
	return &Repo{cfg: cfg, coreRepo: coreRepo}
}

func (p *Repo) Name() string { return "repo" }

func (p *Repo) Register(r *command.Registrar) error {
	return r.Add([]string{"repo"}, p.repo, command.WithDoc(`CMD: REPO
    INFO: Show repository urls.`))
}

func (p *Repo) repo(ctx context.Context, m *message.Message) error {
	text := fmt.Sprintf("UBCore: <a href='%s'>HERE</a>", p.coreRepo)
	if p.cfg.UpstreamRepo != "" {
		text = fmt.Sprintf("%s: <a href='%s'>HERE</a>\n%s", p.cfg.BotName, p.cfg.UpstreamRepo, text)
	}
	_, err := m.Reply(ctx, text, asHTML, message.WithSendOptions(messaging.WithoutPreview()))
	return err
}
