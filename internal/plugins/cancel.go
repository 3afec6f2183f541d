package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/dispatcher"
	"github.com/BTreeMap/UBCore/internal/message"
)

// Cancel provides the c command.
type Cancel struct {
	tasks Canceller
}

// NewCancel creates the cancel plugin.
func NewCancel(tasks Canceller) *Cancel {
	return &Cancel{tasks: tasks}
}

func (p *Cancel) Name() string { return "cancel" }

func (p *Cancel) Register(r *command.Registrar) error {
	return r.Add([]string{"c"}, p.cancel, command.WithDoc(`CMD: CANCEL
    INFO: Cancel a running command by replying to its message or its response.
    USAGE: .c | .c -i <task id>`))
}

func (p *Cancel) cancel(ctx context.Context, m *message.Message) error {
	var taskID string
	if m.HasFlag("-i") {
		if last := m.TextList[len(m.TextList)-1]; last != "-i" {
			taskID = last
		}
	} else {
		taskID = m.RepliedTaskID()
	}
	if taskID == "" {
		_, err := m.Reply(ctx, "Reply to a command or the bot's response message.", message.DeleteIn(8*time.Second, false))
		return err
	}

	n, err := p.tasks.Cancel(taskID)
	if errors.Is(err, dispatcher.ErrTaskNotFound) {
		_, err := m.Reply(ctx, "Task not in currently running tasks.", message.DeleteIn(8*time.Second, false))
		return err
	}
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Task: %s\nCancelled: %s", code(taskID), code(fmt.Sprint(n)))
	_, err = m.Reply(ctx, text, asHTML, message.DeleteIn(5*time.Second, false))
	return err
}
