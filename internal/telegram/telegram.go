// Package telegram implements the bot-identity chat client over the Telegram
// Bot API.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DefaultPollTimeout is the long polling timeout in seconds.
const DefaultPollTimeout = 60

// Opts holds configuration options for the Telegram client.
type Opts struct {
	Token       string
	APIEndpoint string // Bot API endpoint format, e.g. "https://api.telegram.org/bot%s/%s"
	PollTimeout int
	Debug       bool
}

// Option defines a configuration option for the Telegram client.
type Option func(*Opts)

// WithToken sets the bot token.
func WithToken(token string) Option {
	return func(o *Opts) {
		o.Token = token
	}
}

// WithAPIEndpoint points the client at a different Bot API server.
func WithAPIEndpoint(endpoint string) Option {
	return func(o *Opts) {
		o.APIEndpoint = endpoint
	}
}

// WithPollTimeout sets the long polling timeout in seconds.
func WithPollTimeout(seconds int) Option {
	return func(o *Opts) {
		o.PollTimeout = seconds
	}
}

// WithDebug enables request logging in the Bot API library.
func WithDebug() Option {
	return func(o *Opts) {
		o.Debug = true
	}
}

// slogLogger sends Bot API library output to slog.
type slogLogger struct{}

func (slogLogger) Println(v ...interface{}) {
	slog.Debug("telegram_api: " + strings.TrimSpace(fmt.Sprint(v...)))
}

func (slogLogger) Printf(format string, v ...interface{}) {
	slog.Debug("telegram_api: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Client is a messaging.Client logged in as a Telegram bot.
type Client struct {
	bot  *tgbotapi.BotAPI
	opts Opts

	mu      sync.Mutex
	started bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

var _ messaging.Client = (*Client)(nil)

// NewClient authorizes the bot token and returns the client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{PollTimeout: DefaultPollTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token not set")
	}

	if err := tgbotapi.SetLogger(slogLogger{}); err != nil {
		slog.Warn("Telegram.NewClient: failed to redirect library logger", "error", err)
	}

	var (
		bot *tgbotapi.BotAPI
		err error
	)
	if cfg.APIEndpoint != "" {
		bot, err = tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, cfg.APIEndpoint)
	} else {
		bot, err = tgbotapi.NewBotAPI(cfg.Token)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to authorize telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug
	slog.Info("Telegram bot authorized", "username", bot.Self.UserName, "id", bot.Self.ID)
	return &Client{bot: bot, opts: cfg}, nil
}

// Identity implements messaging.Client.
func (c *Client) Identity() models.Identity { return models.IdentityBot }

// Network implements messaging.Client.
func (c *Client) Network() models.Network { return models.NetworkTelegram }

// Name implements messaging.Client.
func (c *Client) Name() string { return "bot" }

// Self returns the bot account.
func (c *Client) Self() models.User {
	return *convertUser(&c.bot.Self)
}

// Start begins long polling and hands every update to handler in its own
// goroutine, so a handler waiting for a conversation reply does not block the
// delivery of that reply.
func (c *Client) Start(ctx context.Context, handler messaging.UpdateHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("telegram client already started")
	}
	c.started = true

	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.opts.PollTimeout
	u.AllowedUpdates = []string{"message", "edited_message", "callback_query", "chosen_inline_result"}
	updates := c.bot.GetUpdatesChan(u)

	ctx, cancel := context.WithCancel(ctx)
	c.stop = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-ctx.Done()
		c.bot.StopReceivingUpdates()
	}()

	go func() {
		for raw := range updates {
			upd := convertUpdate(&raw, c.bot.Self.ID)
			if upd == nil {
				continue
			}
			go handler(ctx, c, upd)
		}
		slog.Debug("Telegram.Start: update channel closed")
	}()

	slog.Info("Telegram client polling for updates", "username", c.bot.Self.UserName)
	return nil
}

// Stop ends long polling.
func (c *Client) Stop() error {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.started = false
	c.mu.Unlock()
	if stop != nil {
		stop()
		c.wg.Wait()
	}
	return nil
}

// SendMessage implements messaging.Client.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts ...messaging.SendOption) (*models.Message, error) {
	o := messaging.ApplySendOptions(opts...)
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = o.ReplyTo
	msg.ParseMode = o.ParseMode
	msg.DisableWebPagePreview = o.DisablePreview
	msg.DisableNotification = o.Silent

	sent, err := c.bot.Send(msg)
	if err != nil {
		slog.Error("Telegram.SendMessage failed", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to send message to %d: %w", chatID, err)
	}
	return convertMessage(&sent, c.bot.Self.ID), nil
}

// EditMessage implements messaging.Client.
func (c *Client) EditMessage(ctx context.Context, chatID int64, messageID int, text string, opts ...messaging.SendOption) (*models.Message, error) {
	o := messaging.ApplySendOptions(opts...)
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = o.ParseMode
	edit.DisableWebPagePreview = o.DisablePreview

	sent, err := c.bot.Send(edit)
	if err != nil {
		slog.Error("Telegram.EditMessage failed", "error", err, "chat_id", chatID, "message_id", messageID)
		return nil, fmt.Errorf("failed to edit message %d in %d: %w", messageID, chatID, err)
	}
	return convertMessage(&sent, c.bot.Self.ID), nil
}

// DeleteMessages implements messaging.Client. The Bot API deletes one message
// per request; the first failure is returned after trying every id.
func (c *Client) DeleteMessages(ctx context.Context, chatID int64, messageIDs ...int) error {
	var first error
	for _, id := range messageIDs {
		if _, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, id)); err != nil {
			slog.Debug("Telegram.DeleteMessages failed", "error", err, "chat_id", chatID, "message_id", id)
			if first == nil {
				first = fmt.Errorf("failed to delete message %d in %d: %w", id, chatID, err)
			}
		}
	}
	return first
}

// SendDocument implements messaging.Client.
func (c *Client) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string, opts ...messaging.SendOption) (*models.Message, error) {
	o := messaging.ApplySendOptions(opts...)
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = caption
	doc.ParseMode = o.ParseMode
	doc.ReplyToMessageID = o.ReplyTo
	doc.DisableNotification = o.Silent

	sent, err := c.bot.Send(doc)
	if err != nil {
		slog.Error("Telegram.SendDocument failed", "error", err, "chat_id", chatID, "name", name)
		return nil, fmt.Errorf("failed to send document to %d: %w", chatID, err)
	}
	return convertMessage(&sent, c.bot.Self.ID), nil
}

// ResolveChat implements messaging.Client for "@username" references.
func (c *Client) ResolveChat(ctx context.Context, ref string) (int64, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, fmt.Errorf("resolve %q: %w", ref, messaging.ErrChatNotFound)
	}
	if !strings.HasPrefix(ref, "@") {
		ref = "@" + ref
	}
	chat, err := c.bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{SuperGroupUsername: ref}})
	if err != nil {
		return 0, fmt.Errorf("resolve %q: %w: %v", ref, messaging.ErrChatNotFound, err)
	}
	return chat.ID, nil
}

// AnswerCallback implements messaging.Client.
func (c *Client) AnswerCallback(ctx context.Context, queryID string, text string) error {
	if _, err := c.bot.Request(tgbotapi.NewCallback(queryID, text)); err != nil {
		return fmt.Errorf("failed to answer callback %s: %w", queryID, err)
	}
	return nil
}

func convertUser(u *tgbotapi.User) *models.User {
	if u == nil {
		return nil
	}
	return &models.User{ID: u.ID, Username: u.UserName, FirstName: u.FirstName, IsBot: u.IsBot}
}

func convertChat(c *tgbotapi.Chat) models.Chat {
	if c == nil {
		return models.Chat{}
	}
	return models.Chat{ID: c.ID, Type: models.ChatType(c.Type), Title: c.Title, Username: c.UserName}
}

func unixTime(sec int) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0)
}

// convertMessage maps a Bot API message. selfID marks messages sent by the bot
// as outgoing.
func convertMessage(m *tgbotapi.Message, selfID int64) *models.Message {
	if m == nil {
		return nil
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	out := &models.Message{
		ID:       m.MessageID,
		Chat:     convertChat(m.Chat),
		From:     convertUser(m.From),
		Text:     text,
		Date:     unixTime(m.Date),
		EditDate: unixTime(m.EditDate),
		Outgoing: m.From != nil && m.From.ID == selfID,
	}
	if m.Document != nil {
		out.Document = &models.Document{Name: m.Document.FileName, Size: int64(m.Document.FileSize)}
	}
	if m.ReplyToMessage != nil {
		reply := convertMessage(m.ReplyToMessage, selfID)
		reply.ReplyTo = nil
		out.ReplyTo = reply
	}
	return out
}

// convertUpdate maps the update kinds the dispatcher handles and returns nil
// for the rest.
func convertUpdate(u *tgbotapi.Update, selfID int64) *models.Update {
	switch {
	case u.Message != nil:
		return models.NewMessageUpdate(convertMessage(u.Message, selfID))
	case u.EditedMessage != nil:
		return models.NewEditedMessageUpdate(convertMessage(u.EditedMessage, selfID))
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		return models.NewCallbackQueryUpdate(&models.CallbackQuery{
			ID:              q.ID,
			From:            convertUser(q.From),
			Message:         convertMessage(q.Message, selfID),
			InlineMessageID: q.InlineMessageID,
			Data:            q.Data,
		})
	case u.ChosenInlineResult != nil:
		r := u.ChosenInlineResult
		return models.NewInlineResultUpdate(&models.InlineResult{
			ResultID:        r.ResultID,
			From:            convertUser(r.From),
			Query:           r.Query,
			InlineMessageID: r.InlineMessageID,
		})
	}
	return nil
}
