// Package whatsapp implements the user-identity chat client on top of the
// Whatsmeow library.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/models"
	"github.com/BTreeMap/UBCore/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// DefaultSQLitePath is the default path of the whatsmeow device database.
const DefaultSQLitePath = "/var/lib/ubcore/whatsmeow.db"

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw login code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the login code instead of rendering a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// conn is the part of *whatsmeow.Client the client drives.
type conn interface {
	Connect() error
	Disconnect()
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	BuildEdit(chat types.JID, id types.MessageID, newContent *waE2E.Message) *waE2E.Message
	BuildRevoke(chat, sender types.JID, id types.MessageID) *waE2E.Message
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// Client is a messaging.Client logged in as a WhatsApp user account.
type Client struct {
	wa       conn
	self     types.JID
	loggedIn bool
	opts     Opts
	ids      *IDMap

	mu      sync.Mutex
	ctx     context.Context
	handler messaging.UpdateHandler
	cancel  context.CancelFunc
}

var _ messaging.Client = (*Client)(nil)

// needsForeignKeyWarning reports whether dsn is a SQLite DSN without foreign
// keys enabled, which whatsmeow strongly recommends.
func needsForeignKeyWarning(dsn string) bool {
	if store.DetectDSNType(dsn) != "sqlite3" {
		return false
	}
	return !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "foreign_keys")
}

// NewClient opens the whatsmeow device store. The connection and, for a new
// device, the login flow happen in Start.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}
	dbDriver := store.DetectDSNType(dbDSN)
	if needsForeignKeyWarning(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"The whatsmeow library strongly recommends enabling foreign keys for data integrity. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	wa := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	ids, err := NewIDMap(DefaultMessageCapacity, DefaultMessageTTL)
	if err != nil {
		return nil, err
	}
	c := newClient(wa, ids, cfg)
	if wa.Store.ID != nil {
		c.self = wa.Store.ID.ToNonAD()
		c.loggedIn = true
	}
	return c, nil
}

func newClient(wa conn, ids *IDMap, cfg Opts) *Client {
	c := &Client{wa: wa, ids: ids, opts: cfg}
	wa.AddEventHandler(c.handleEvent)
	return c
}

// Identity implements messaging.Client.
func (c *Client) Identity() models.Identity { return models.IdentityUser }

// Network implements messaging.Client.
func (c *Client) Network() models.Network { return models.NetworkWhatsApp }

// Name implements messaging.Client.
func (c *Client) Name() string { return "user" }

// IDs exposes the id translation table.
func (c *Client) IDs() *IDMap { return c.ids }

// Start connects to WhatsApp, running the QR login flow first when the device
// is not paired yet. Every inbound message is handed to handler in its own
// goroutine.
func (c *Client) Start(ctx context.Context, handler messaging.UpdateHandler) error {
	c.mu.Lock()
	if c.handler != nil {
		c.mu.Unlock()
		return fmt.Errorf("whatsapp client already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.ctx, c.handler, c.cancel = ctx, handler, cancel
	loggedIn := c.loggedIn
	c.mu.Unlock()
	if loggedIn {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := c.wa.Connect(); err != nil {
			c.reset()
			return fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("WhatsApp client connected", "jid", c.selfJID().String())
		return nil
	}

	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, err := c.wa.GetQRChannel(ctx)
	if err != nil {
		c.reset()
		return fmt.Errorf("failed to open WhatsApp QR channel: %w", err)
	}
	if err := c.wa.Connect(); err != nil {
		c.reset()
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if c.opts.QRPath != "" {
		f, err := os.Create(c.opts.QRPath)
		if err != nil {
			c.reset()
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if c.opts.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		case "success":
			slog.Info("WhatsApp login succeeded")
		default:
			slog.Warn("WhatsApp login event", "event", evt.Event)
		}
	}
	return nil
}

func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.handler, c.cancel = nil, nil, nil
}

// Stop disconnects from WhatsApp.
func (c *Client) Stop() error {
	c.reset()
	c.wa.Disconnect()
	return nil
}

func (c *Client) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		c.mu.Lock()
		ctx, handler := c.ctx, c.handler
		c.mu.Unlock()
		if handler == nil {
			return
		}
		if upd := c.convertEvent(v); upd != nil {
			go handler(ctx, c, upd)
		}
	case *events.PairSuccess:
		c.mu.Lock()
		c.self = v.ID.ToNonAD()
		c.loggedIn = true
		c.mu.Unlock()
	case *events.Connected:
		slog.Debug("WhatsApp connected")
	case *events.Disconnected:
		slog.Warn("WhatsApp disconnected")
	case *events.LoggedOut:
		slog.Error("WhatsApp session logged out", "reason", v.Reason)
	}
}

func (c *Client) chatJID(chatID int64) (types.JID, error) {
	jid, ok := c.ids.JID(chatID)
	if !ok {
		return types.EmptyJID, fmt.Errorf("chat %d: %w", chatID, messaging.ErrChatNotFound)
	}
	return jid, nil
}

func (c *Client) send(ctx context.Context, chatID int64, jid types.JID, msg *waE2E.Message, text string) (*models.Message, error) {
	resp, err := c.wa.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("WhatsApp.SendMessage failed", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to send message to %d: %w", chatID, err)
	}
	num := c.ids.MessageNum(MessageRef{Chat: jid, Sender: c.selfJID(), ID: resp.ID, FromMe: true, Text: text, Date: resp.Timestamp})
	return &models.Message{
		ID:       num,
		Chat:     chatFor(jid, c.ids),
		From:     c.selfUser(),
		Text:     text,
		Date:     resp.Timestamp,
		Outgoing: true,
	}, nil
}

func (c *Client) selfJID() types.JID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Client) selfUser() *models.User {
	return &models.User{ID: c.ids.ChatID(c.selfJID())}
}

// contextInfo quotes message num for a reply.
func (c *Client) contextInfo(num int) *waE2E.ContextInfo {
	ref, ok := c.ids.Lookup(num)
	if !ok {
		return nil
	}
	info := &waE2E.ContextInfo{
		StanzaID:      proto.String(ref.ID),
		QuotedMessage: &waE2E.Message{Conversation: proto.String(ref.Text)},
	}
	if !ref.Sender.IsEmpty() {
		info.Participant = proto.String(ref.Sender.String())
	}
	return info
}

// SendMessage implements messaging.Client. HTML markup is rewritten into
// WhatsApp formatting.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts ...messaging.SendOption) (*models.Message, error) {
	o := messaging.ApplySendOptions(opts...)
	jid, err := c.chatJID(chatID)
	if err != nil {
		return nil, err
	}
	if o.ParseMode == "HTML" {
		text = htmlToWhatsApp(text)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if o.ReplyTo != 0 {
		if info := c.contextInfo(o.ReplyTo); info != nil {
			msg = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text:        proto.String(text),
				ContextInfo: info,
			}}
		}
	}
	return c.send(ctx, chatID, jid, msg, text)
}

// EditMessage implements messaging.Client.
func (c *Client) EditMessage(ctx context.Context, chatID int64, messageID int, text string, opts ...messaging.SendOption) (*models.Message, error) {
	o := messaging.ApplySendOptions(opts...)
	jid, err := c.chatJID(chatID)
	if err != nil {
		return nil, err
	}
	ref, ok := c.ids.Lookup(messageID)
	if !ok {
		return nil, fmt.Errorf("message %d in %d is no longer known", messageID, chatID)
	}
	if o.ParseMode == "HTML" {
		text = htmlToWhatsApp(text)
	}

	edit := c.wa.BuildEdit(jid, ref.ID, &waE2E.Message{Conversation: proto.String(text)})
	resp, err := c.wa.SendMessage(ctx, jid, edit)
	if err != nil {
		slog.Error("WhatsApp.EditMessage failed", "error", err, "chat_id", chatID, "message_id", messageID)
		return nil, fmt.Errorf("failed to edit message %d in %d: %w", messageID, chatID, err)
	}
	c.ids.SetText(messageID, text)
	return &models.Message{
		ID:       messageID,
		Chat:     chatFor(jid, c.ids),
		From:     c.selfUser(),
		Text:     text,
		Date:     ref.Date,
		EditDate: resp.Timestamp,
		Outgoing: true,
	}, nil
}

// DeleteMessages implements messaging.Client by revoking each message. Other
// people's messages can only be revoked in groups the account administers.
func (c *Client) DeleteMessages(ctx context.Context, chatID int64, messageIDs ...int) error {
	jid, err := c.chatJID(chatID)
	if err != nil {
		return err
	}
	var first error
	for _, id := range messageIDs {
		ref, ok := c.ids.Lookup(id)
		if !ok {
			if first == nil {
				first = fmt.Errorf("message %d in %d is no longer known", id, chatID)
			}
			continue
		}
		sender := types.EmptyJID
		if !ref.FromMe {
			sender = ref.Sender
		}
		if _, err := c.wa.SendMessage(ctx, jid, c.wa.BuildRevoke(jid, sender, ref.ID)); err != nil {
			slog.Debug("WhatsApp.DeleteMessages failed", "error", err, "chat_id", chatID, "message_id", id)
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
	jid, err := c.chatJID(chatID)
	if err != nil {
		return nil, err
	}
	up, err := c.wa.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return nil, fmt.Errorf("failed to upload document %s: %w", name, err)
	}
	if o.ParseMode == "HTML" {
		caption = htmlToWhatsApp(caption)
	}
	doc := &waE2E.DocumentMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		Mimetype:      proto.String(http.DetectContentType(data)),
		FileName:      proto.String(name),
		Title:         proto.String(name),
	}
	if caption != "" {
		doc.Caption = proto.String(caption)
	}
	if o.ReplyTo != 0 {
		doc.ContextInfo = c.contextInfo(o.ReplyTo)
	}

	sent, err := c.send(ctx, chatID, jid, &waE2E.Message{DocumentMessage: doc}, caption)
	if err != nil {
		return nil, err
	}
	sent.Document = &models.Document{Name: name, Size: int64(len(data))}
	return sent, nil
}

// ResolveChat implements messaging.Client. It accepts phone numbers such as
// "+15551234567" and full JIDs such as "120363000000000000@g.us".
func (c *Client) ResolveChat(ctx context.Context, ref string) (int64, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, fmt.Errorf("resolve %q: %w", ref, messaging.ErrChatNotFound)
	}
	if strings.Contains(ref, "@") && !strings.HasPrefix(ref, "@") {
		jid, err := types.ParseJID(ref)
		if err != nil {
			return 0, fmt.Errorf("resolve %q: %w: %v", ref, messaging.ErrChatNotFound, err)
		}
		return c.ids.ChatID(jid), nil
	}
	number := strings.NewReplacer("+", "", " ", "", "-", "").Replace(ref)
	if number == "" || strings.Trim(number, "0123456789") != "" {
		return 0, fmt.Errorf("resolve %q: %w", ref, messaging.ErrChatNotFound)
	}
	return c.ids.ChatID(types.NewJID(number, types.DefaultUserServer)), nil
}

// AnswerCallback implements messaging.Client. WhatsApp has no inline buttons.
func (c *Client) AnswerCallback(ctx context.Context, queryID string, text string) error {
	return nil
}
