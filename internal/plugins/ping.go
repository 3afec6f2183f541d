package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/message"
)

// Ping provides the ping command.
type Ping struct {
	now func() time.Time
}

// NewPing creates the ping plugin.
func NewPing() *Ping {
	return &Ping{now: time.Now}
}

func (p *Ping) Name() string { return "ping" }

func (p *Ping) Register(r *command.Registrar) error {
	return r.Add([]string{"ping"}, p.ping, command.WithDoc(`CMD: PING
    INFO: Check the round trip time to the chat server.`))
}

func (p *Ping) ping(ctx context.Context, m *message.Message) error {
	start := p.now()
	reply, err := m.Reply(ctx, "Pong!")
	if err != nil {
		return err
	}
	elapsed := p.now().Sub(start)
	_, err = reply.Edit(ctx, fmt.Sprintf("Pong! %s", code(elapsed.Round(time.Millisecond).String())), asHTML)
	return err
}
