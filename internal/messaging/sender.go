package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/UBCore/internal/models"
)

// DefaultDocumentName is the file name used when text is too long for a message.
const DefaultDocumentName = "output.txt"

// SendText sends text to chatID, falling back to a document named name when the
// text does not fit into a single message.
func SendText(ctx context.Context, c Client, chatID int64, text, name string, opts ...SendOption) (*models.Message, error) {
	if c == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if chatID == 0 {
		return nil, models.ErrInvalidChatID
	}
	if text == "" {
		return nil, models.ErrEmptyText
	}
	if utf8.RuneCountInString(text) < models.MaxTextLength {
		return c.SendMessage(ctx, chatID, text, opts...)
	}
	if name == "" {
		name = DefaultDocumentName
	}
	slog.Debug("SendText: text exceeds message limit, sending document", "chat_id", chatID, "length", len(text), "name", name)
	return c.SendDocument(ctx, chatID, name, []byte(text), "", opts...)
}

// DeleteAfter deletes a message once delay has elapsed. When block is false the
// wait happens in the background and DeleteAfter returns immediately. The
// deletion is abandoned if ctx is done first.
func DeleteAfter(ctx context.Context, c Client, m *models.Message, delay time.Duration, block bool) {
	if m == nil || delay <= 0 {
		return
	}
	run := func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			slog.Debug("DeleteAfter: context done before deletion", "chat_id", m.Chat.ID, "message_id", m.ID)
			return
		case <-timer.C:
		}
		if err := c.DeleteMessages(context.WithoutCancel(ctx), m.Chat.ID, m.ID); err != nil {
			slog.Warn("DeleteAfter: delete failed", "error", err, "chat_id", m.Chat.ID, "message_id", m.ID)
		}
	}
	if block {
		run()
		return
	}
	go run()
}

// ChannelLogger mirrors log lines to a log chat.
type ChannelLogger struct {
	client Client
	chatID int64
}

// NewChannelLogger creates a logger sending through the first non-nil client.
// Pass the bot client first so log traffic does not come from the user account.
func NewChannelLogger(chatID int64, clients ...Client) *ChannelLogger {
	l := &ChannelLogger{chatID: chatID}
	for _, c := range clients {
		if c != nil {
			l.client = c
			break
		}
	}
	return l
}

// ChatID returns the log chat id.
func (l *ChannelLogger) ChatID() int64 {
	return l.chatID
}

// LogText sends text to the log chat. A non-empty kind ("info", "warn",
// "error") is also written to slog and prefixed to the text as "#KIND".
func (l *ChannelLogger) LogText(ctx context.Context, text, kind string) (*models.Message, error) {
	if kind != "" {
		switch strings.ToLower(kind) {
		case "debug":
			slog.Debug(text)
		case "warn", "warning":
			slog.Warn(text)
		case "error":
			slog.Error(text)
		default:
			slog.Info(text)
		}
		text = "#" + strings.ToUpper(kind) + "\n" + text
	}
	if l == nil || l.client == nil || l.chatID == 0 {
		slog.Debug("ChannelLogger: no log chat configured, text not sent")
		return nil, nil
	}
	return SendText(ctx, l.client, l.chatID, text, "log.txt", WithoutPreview(), WithParseMode("HTML"))
}

// LogMessage copies a message's text to the log chat.
func (l *ChannelLogger) LogMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	if m == nil {
		return nil, models.ErrNilMessage
	}
	header := fmt.Sprintf("#MESSAGE from %d in %d", m.SenderID(), m.Chat.ID)
	return l.LogText(ctx, header+"\n"+m.Text, "")
}
