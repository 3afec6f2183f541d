package message

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/conversation"
	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ownerID = 42

type commandSet map[string]bool

func (c commandSet) Exists(name string) bool { return c[name] }

func newParser(t *testing.T) (*Parser, *conversation.Registry) {
	t.Helper()
	cfg := config.New()
	cfg.OwnerID = ownerID
	reg := conversation.NewRegistry(time.Second)
	return NewParser(cfg, commandSet{"ping": true, "help": true}, reg, nil), reg
}

func textMessage(chatID int64, id int, from int64, text string) *models.Message {
	return &models.Message{
		ID:   id,
		Chat: models.Chat{ID: chatID, Type: models.ChatTypeGroup},
		From: &models.User{ID: from},
		Text: text,
		Date: time.Now(),
	}
}

func TestParseDerivedFields(t *testing.T) {
	p, _ := newParser(t)
	user := messaging.NewMockClient(models.IdentityUser, "user")

	m, err := p.Parse(user, models.NewMessageUpdate(textMessage(-100, 7, ownerID, ".ping -d -s do something\nsecond -x line")))
	require.NoError(t, err)

	assert.Equal(t, ".", m.Trigger)
	assert.Equal(t, "ping", m.Cmd)
	assert.True(t, m.IsCommand())
	assert.True(t, m.IsFromOwner)
	assert.Equal(t, []string{"-d", "-s", "-x"}, m.Flags)
	assert.Equal(t, "-d -s do something\nsecond -x line", m.Input)
	assert.Equal(t, "do something\nsecond -x line", m.FilteredInput)
	assert.Equal(t, "-100-7", m.TaskID)
	assert.True(t, m.HasFlag("-d"))
}

func TestTriggerSelection(t *testing.T) {
	p, _ := newParser(t)
	user := messaging.NewMockClient(models.IdentityUser, "user")
	bot := messaging.NewMockClient(models.IdentityBot, "bot")

	tests := []struct {
		name    string
		client  messaging.Client
		from    int64
		text    string
		trigger string
		cmd     string
	}{
		{"owner on user client", user, ownerID, ".ping", ".", "ping"},
		{"owner on bot client", bot, ownerID, "!ping", "!", "ping"},
		{"owner on bot client with cmd trigger", bot, ownerID, ".ping", "!", ""},
		{"sudo user", user, 7, "!help", "!", "help"},
		{"unknown command", user, ownerID, ".nope", ".", ""},
		{"no trigger", user, ownerID, "ping", ".", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := p.Parse(tt.client, models.NewMessageUpdate(textMessage(1, 1, tt.from, tt.text)))
			require.NoError(t, err)
			assert.Equal(t, tt.trigger, m.Trigger)
			assert.Equal(t, tt.cmd, m.Cmd)
		})
	}
}

func TestParseEmptyAndSingleToken(t *testing.T) {
	p, _ := newParser(t)
	user := messaging.NewMockClient(models.IdentityUser, "user")

	m, err := p.Parse(user, models.NewMessageUpdate(textMessage(1, 1, ownerID, "")))
	require.NoError(t, err)
	assert.Empty(t, m.TextList)
	assert.Empty(t, m.Cmd)

	m, err = p.Parse(user, models.NewMessageUpdate(textMessage(1, 2, ownerID, "  .ping  ")))
	require.NoError(t, err)
	assert.Equal(t, "ping", m.Cmd)
	assert.Empty(t, m.Input)
}

func TestParseReplied(t *testing.T) {
	p, _ := newParser(t)
	user := messaging.NewMockClient(models.IdentityUser, "user")
	raw := textMessage(5, 10, ownerID, ".c")
	raw.ReplyTo = textMessage(5, 9, ownerID, ".ping now")

	m, err := p.Parse(user, models.NewMessageUpdate(raw))
	require.NoError(t, err)
	require.NotNil(t, m.Replied)
	assert.Equal(t, 9, m.ReplyID())
	assert.Equal(t, "5-9", m.RepliedTaskID())
	assert.Equal(t, []string{".ping", "now"}, m.ReplyTextList())
}

func TestParseCallbackAndInline(t *testing.T) {
	p, _ := newParser(t)
	bot := messaging.NewMockClient(models.IdentityBot, "bot")

	q := &models.CallbackQuery{ID: "cb1", From: &models.User{ID: 3}, Data: "!help ping", Message: textMessage(8, 4, 2000, "menu")}
	m, err := p.Parse(bot, models.NewCallbackQueryUpdate(q))
	require.NoError(t, err)
	assert.Equal(t, "help", m.Cmd)
	assert.Equal(t, "8-4", m.TaskID)
	require.NoError(t, m.Answer(context.Background(), ""))
	assert.Equal(t, []string{"cb1"}, bot.Answered())

	r := &models.InlineResult{ResultID: "r", From: &models.User{ID: 3}, Query: "ping hello", InlineMessageID: "abc"}
	m, err = p.Parse(bot, models.NewInlineResultUpdate(r))
	require.NoError(t, err)
	assert.Equal(t, "-abc", m.TaskID)
	assert.Equal(t, "ping", m.Cmd)
	assert.Equal(t, "hello", m.Input)
	_, err = m.Reply(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoChat)
}

func TestParseRejectsInvalid(t *testing.T) {
	p, _ := newParser(t)
	user := messaging.NewMockClient(models.IdentityUser, "user")

	_, err := p.Parse(user, &models.Update{Kind: models.UpdateMessage})
	assert.Error(t, err)
	_, err = p.Parse(user, &models.Update{Kind: "poll"})
	assert.Error(t, err)
}

func TestReplyAndEdit(t *testing.T) {
	p, _ := newParser(t)
	user := messaging.NewMockClient(models.IdentityUser, "user")
	ctx := context.Background()

	m, err := p.Parse(user, models.NewMessageUpdate(textMessage(1, 50, ownerID, ".ping")))
	require.NoError(t, err)

	reply, err := m.Reply(ctx, "pong")
	require.NoError(t, err)
	assert.Equal(t, 50, reply.ReplyID())
	require.Len(t, user.Sent(), 1)

	edited, err := reply.Edit(ctx, "pong!")
	require.NoError(t, err)
	assert.Equal(t, "pong!", edited.Text)
	assert.Equal(t, "pong!", reply.Text)

	long := strings.Repeat("a", models.MaxTextLength)
	doc, err := reply.Edit(ctx, long)
	require.NoError(t, err)
	assert.True(t, user.WasDeleted(1, reply.ID()))
	require.Len(t, user.Documents(), 1)
	assert.Equal(t, "output.txt", user.Documents()[0].Document.Name)
	assert.Equal(t, doc.ID(), user.Documents()[0].ID)
}

func TestReplyDeleteIn(t *testing.T) {
	p, _ := newParser(t)
	user := messaging.NewMockClient(models.IdentityUser, "user")

	m, err := p.Parse(user, models.NewMessageUpdate(textMessage(1, 1, ownerID, "hi")))
	require.NoError(t, err)

	reply, err := m.Reply(context.Background(), "bye", DeleteIn(10*time.Millisecond, true))
	require.NoError(t, err)
	assert.True(t, user.WasDeleted(1, reply.ID()))
}

func TestDeleteAlsoReplied(t *testing.T) {
	p, _ := newParser(t)
	user := messaging.NewMockClient(models.IdentityUser, "user")
	raw := textMessage(3, 11, ownerID, "x")
	raw.ReplyTo = textMessage(3, 10, 9, "y")

	m, err := p.Parse(user, models.NewMessageUpdate(raw))
	require.NoError(t, err)
	require.NoError(t, m.Delete(context.Background(), true))
	assert.True(t, user.WasDeleted(3, 11))
	assert.True(t, user.WasDeleted(3, 10))
}

func TestGetResponse(t *testing.T) {
	p, reg := newParser(t)
	user := messaging.NewMockClient(models.IdentityUser, "user")

	m, err := p.Parse(user, models.NewMessageUpdate(textMessage(100, 1, ownerID, ".ask")))
	require.NoError(t, err)

	go func() {
		for !reg.Has(100) {
			time.Sleep(5 * time.Millisecond)
		}
		reg.Deliver(user, textMessage(100, 2, 5, "42"))
	}()

	resp, err := m.GetResponse(context.Background(), conversation.FromUsers(5))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "42", resp.Text)
	assert.False(t, reg.Has(100))

	resp, err = m.GetResponse(context.Background(), conversation.WithTimeout(20*time.Millisecond))
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestLogWithoutLogChat(t *testing.T) {
	p, _ := newParser(t)
	user := messaging.NewMockClient(models.IdentityUser, "user")
	m, err := p.Parse(user, models.NewMessageUpdate(textMessage(1, 1, ownerID, "hi")))
	require.NoError(t, err)

	sent, err := m.Log(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sent)
}
