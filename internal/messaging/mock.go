package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/UBCore/internal/models"
)

// ErrChatNotFound is returned when a chat reference cannot be resolved.
var ErrChatNotFound = errors.New("chat not found")

// Deletion records one DeleteMessages call on a MockClient.
type Deletion struct {
	ChatID     int64
	MessageIDs []int
}

// MockClient is an in-memory Client for tests and dry runs. It records every
// outbound call and lets callers inject inbound updates.
type MockClient struct {
	identity models.Identity
	name     string
	self     models.User

	mu        sync.Mutex
	network   models.Network
	nextID    int
	handler   UpdateHandler
	chats     map[string]int64
	sent      []*models.Message
	edited    []*models.Message
	documents []*models.Message
	deleted   []Deletion
	answered  []string

	// SendErr, when set, is returned by every outbound call.
	SendErr error
}

// NewMockClient creates a mock client with the given identity on the Telegram
// network.
func NewMockClient(identity models.Identity, name string) *MockClient {
	selfID := int64(1000)
	if identity.IsBot() {
		selfID = 2000
	}
	return &MockClient{
		identity: identity,
		name:     name,
		network:  models.NetworkTelegram,
		self:     models.User{ID: selfID, Username: name, IsBot: identity.IsBot()},
		nextID:   1,
		chats:    make(map[string]int64),
	}
}

// Identity implements Client.
func (m *MockClient) Identity() models.Identity { return m.identity }

// Network implements Client.
func (m *MockClient) Network() models.Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.network
}

// SetNetwork moves the mock to another network.
func (m *MockClient) SetNetwork(n models.Network) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.network = n
}

// Name implements Client.
func (m *MockClient) Name() string { return m.name }

// Self returns the account the mock is logged in as.
func (m *MockClient) Self() models.User { return m.self }

// Start records the handler used by Inject.
func (m *MockClient) Start(ctx context.Context, handler UpdateHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	return nil
}

// Stop implements Client.
func (m *MockClient) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = nil
	return nil
}

// Inject delivers an update to the handler passed to Start, synchronously.
func (m *MockClient) Inject(ctx context.Context, u *models.Update) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(ctx, m, u)
	}
}

// AddChat makes ref resolvable to chatID.
func (m *MockClient) AddChat(ref string, chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[strings.TrimPrefix(ref, "@")] = chatID
}

func (m *MockClient) newMessage(chatID int64, text string, o SendOptions) *models.Message {
	id := m.nextID
	m.nextID++
	self := m.self
	msg := &models.Message{
		ID:       id,
		Chat:     models.Chat{ID: chatID},
		From:     &self,
		Text:     text,
		Date:     time.Now(),
		Outgoing: true,
	}
	if o.ReplyTo != 0 {
		msg.ReplyTo = &models.Message{ID: o.ReplyTo, Chat: msg.Chat}
	}
	return msg
}

// SendMessage implements Client.
func (m *MockClient) SendMessage(ctx context.Context, chatID int64, text string, opts ...SendOption) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	msg := m.newMessage(chatID, text, ApplySendOptions(opts...))
	m.sent = append(m.sent, msg)
	return msg, nil
}

// EditMessage implements Client.
func (m *MockClient) EditMessage(ctx context.Context, chatID int64, messageID int, text string, opts ...SendOption) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	self := m.self
	msg := &models.Message{
		ID:       messageID,
		Chat:     models.Chat{ID: chatID},
		From:     &self,
		Text:     text,
		Date:     time.Now(),
		EditDate: time.Now(),
		Outgoing: true,
	}
	m.edited = append(m.edited, msg)
	return msg, nil
}

// DeleteMessages implements Client.
func (m *MockClient) DeleteMessages(ctx context.Context, chatID int64, messageIDs ...int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.deleted = append(m.deleted, Deletion{ChatID: chatID, MessageIDs: append([]int(nil), messageIDs...)})
	return nil
}

// SendDocument implements Client. The document content is kept as the text.
func (m *MockClient) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string, opts ...SendOption) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	msg := m.newMessage(chatID, caption, ApplySendOptions(opts...))
	msg.Document = &models.Document{Name: name, Size: int64(len(data))}
	m.documents = append(m.documents, msg)
	return msg, nil
}

// ResolveChat implements Client. Numeric references resolve to themselves.
func (m *MockClient) ResolveChat(ctx context.Context, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.chats[strings.TrimPrefix(ref, "@")]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("resolve %q: %w", ref, ErrChatNotFound)
}

// AnswerCallback implements Client.
func (m *MockClient) AnswerCallback(ctx context.Context, queryID string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answered = append(m.answered, queryID)
	return nil
}

// Sent returns a copy of every sent text message.
func (m *MockClient) Sent() []*models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Message(nil), m.sent...)
}

// Edited returns a copy of every edit.
func (m *MockClient) Edited() []*models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Message(nil), m.edited...)
}

// Documents returns a copy of every sent document.
func (m *MockClient) Documents() []*models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Message(nil), m.documents...)
}

// Deleted returns a copy of every deletion.
func (m *MockClient) Deleted() []Deletion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Deletion(nil), m.deleted...)
}

// WasDeleted reports whether messageID was deleted from chatID.
func (m *MockClient) WasDeleted(chatID int64, messageID int) bool {
	for _, d := range m.Deleted() {
		if d.ChatID != chatID {
			continue
		}
		for _, id := range d.MessageIDs {
			if id == messageID {
				return true
			}
		}
	}
	return false
}

// Answered returns the ids of acknowledged callback queries.
func (m *MockClient) Answered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.answered...)
}
