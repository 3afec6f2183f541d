// Package testutil provides common test fixtures and helpers for UBCore tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/conversation"
	"github.com/BTreeMap/UBCore/internal/dispatcher"
	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/models"
)

// Identifiers used by the fixtures.
const (
	OwnerID  int64 = 42
	LogChat  int64 = -500
	TestChat int64 = -100
)

// TB is the subset of testing.TB the assertion helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// Env is a fully wired dispatcher with a user and a bot mock client.
type Env struct {
	Config        *config.Config
	Commands      *command.Registry
	Conversations *conversation.Registry
	Dispatcher    *dispatcher.Dispatcher
	Router        *dispatcher.Router
	User          *messaging.MockClient
	Bot           *messaging.MockClient

	nextID atomic.Int64
}

// NewEnv builds an Env owned by OwnerID with short race timings. configure may
// adjust the configuration before the dispatcher is created.
func NewEnv(t *testing.T, configure ...func(*config.Config)) *Env {
	t.Helper()
	cfg := config.New()
	cfg.OwnerID = OwnerID
	cfg.LogChat = LogChat
	cfg.RaceGrace = 50 * time.Millisecond
	cfg.InFlightRelease = 200 * time.Millisecond
	for _, fn := range configure {
		fn(cfg)
	}

	e := &Env{
		Config:        cfg,
		Commands:      command.NewRegistry(),
		Conversations: conversation.NewRegistry(time.Second),
		User:          messaging.NewMockClient(models.IdentityUser, "user"),
		Bot:           messaging.NewMockClient(models.IdentityBot, "bot"),
	}
	e.nextID.Store(1000)
	d, err := dispatcher.New(cfg, e.Commands, e.Conversations,
		dispatcher.WithLogger(messaging.NewChannelLogger(LogChat, e.Bot)))
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	e.Dispatcher = d
	e.Router = dispatcher.NewRouter(d)
	return e
}

// Load registers plugins and fails the test on any load error.
func (e *Env) Load(t *testing.T, plugins ...command.Plugin) {
	t.Helper()
	if err := command.NewLoader(e.Commands, plugins...).Load(context.Background()); err != nil {
		t.Fatalf("failed to load plugins: %v", err)
	}
}

// Message builds an inbound message in chatID from the given sender.
func (e *Env) Message(chatID int64, from int64, text string) *models.Message {
	return &models.Message{
		ID:   int(e.nextID.Add(1)),
		Chat: models.Chat{ID: chatID, Type: models.ChatTypeSupergroup},
		From: &models.User{ID: from},
		Text: text,
		Date: time.Now(),
	}
}

// Send routes a new message through the router as if client received it and
// returns the message. Owner messages seen by the user client are outgoing.
func (e *Env) Send(ctx context.Context, client messaging.Client, chatID int64, from int64, text string) *models.Message {
	m := e.Message(chatID, from, text)
	m.Outgoing = client.Identity().IsUser() && e.Config.IsOwnerOn(client.Network(), from)
	e.Router.Route(ctx, client, models.NewMessageUpdate(m))
	return m
}

// Replies returns the texts client sent as replies to messageID.
func Replies(c *messaging.MockClient, messageID int) []string {
	var out []string
	for _, m := range c.Sent() {
		if m.ReplyTo != nil && m.ReplyTo.ID == messageID {
			out = append(out, m.Text)
		}
	}
	return out
}

// LastReply returns the last reply to messageID or "".
func LastReply(c *messaging.MockClient, messageID int) string {
	replies := Replies(c, messageID)
	if len(replies) == 0 {
		return ""
	}
	return replies[len(replies)-1]
}

// SentContaining reports whether client sent a message containing substr to chatID.
func SentContaining(c *messaging.MockClient, chatID int64, substr string) bool {
	for _, m := range c.Sent() {
		if m.Chat.ID == chatID && strings.Contains(m.Text, substr) {
			return true
		}
	}
	return false
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body any) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
