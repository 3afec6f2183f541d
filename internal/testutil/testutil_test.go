package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/message"
)

type echoPlugin struct{}

func (echoPlugin) Name() string { return "echo" }

func (echoPlugin) Register(r *command.Registrar) error {
	return r.Add([]string{"echo"}, func(ctx context.Context, m *message.Message) error {
		_, err := m.Reply(ctx, m.Input)
		return err
	})
}

func TestEnvRoutesCommands(t *testing.T) {
	env := NewEnv(t)
	env.Load(t, echoPlugin{})

	in := env.Send(context.Background(), env.User, TestChat, OwnerID, ".echo hello")
	if got := LastReply(env.User, in.ID); got != "hello" {
		t.Errorf("expected reply hello, got %q", got)
	}
	if !env.User.WasDeleted(TestChat, in.ID) {
		t.Error("expected owner command message to be deleted")
	}
	if SentContaining(env.User, LogChat, "hello") {
		t.Error("nothing should be logged for a successful command")
	}
}

func TestNewEnvConfigure(t *testing.T) {
	env := NewEnv(t, func(cfg *config.Config) {
		cfg.CmdTrigger = "/"
		cfg.SetMode(config.ModeBot)
	})
	if env.Config.CmdTrigger != "/" {
		t.Errorf("expected trigger /, got %q", env.Config.CmdTrigger)
	}
	if env.Config.Mode() != config.ModeBot {
		t.Errorf("expected bot mode, got %s", env.Config.Mode())
	}

	a := env.Message(TestChat, OwnerID, "x")
	b := env.Message(TestChat, OwnerID, "y")
	if a.ID == b.ID {
		t.Error("message ids must be unique")
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")

			if tt.shouldFail != mockT.failed {
				t.Errorf("expected failed=%v, got %v", tt.shouldFail, mockT.failed)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name           string
		jsonBody       string
		expectedStatus string
		shouldFail     bool
	}{
		{"valid JSON with matching status", `{"status":"ok","data":"test"}`, "ok", false},
		{"valid JSON with different status", `{"status":"error","data":"test"}`, "ok", true},
		{"invalid JSON", `{"status":}`, "ok", true},
		{"missing status field", `{"data":"test"}`, "ok", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)

			response := AssertJSONResponse(mockT, rr, tt.expectedStatus)

			if tt.shouldFail != mockT.failed {
				t.Errorf("expected failed=%v, got %v (%s)", tt.shouldFail, mockT.failed, mockT.errorMsg)
			}
			if !tt.shouldFail && response == nil {
				t.Error("Expected response map to be returned")
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		body   any
	}{
		{"GET request with no body", "GET", "/tasks", nil},
		{"DELETE request", "DELETE", "/tasks/-100-10", nil},
		{"POST request with JSON body", "POST", "/test", map[string]string{"key": "value"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := CreateHTTPRequest(t, tt.method, tt.url, tt.body)
			if req.Method != tt.method {
				t.Errorf("Expected method %s, got %s", tt.method, req.Method)
			}
			if req.URL.Path != tt.url {
				t.Errorf("Expected URL %s, got %s", tt.url, req.URL.Path)
			}
			if (tt.body != nil) != (req.Header.Get("Content-Type") == "application/json") {
				t.Error("content type should be set only for JSON bodies")
			}
		})
	}
}

func TestMustJSON(t *testing.T) {
	data := MustMarshalJSON(t, map[string]any{"key": "value", "number": 123})

	var target map[string]any
	MustUnmarshalJSON(t, data, &target)
	if target["key"] != "value" {
		t.Errorf("Expected key to be 'value', got %v", target["key"])
	}
	if target["number"].(float64) != 123 {
		t.Errorf("Expected number to be 123, got %v", target["number"])
	}

	mockT := &mockTestingT{}
	MustUnmarshalJSON(mockT, []byte("{"), &target)
	if !mockT.failed {
		t.Error("expected invalid JSON to fail")
	}
}

// mockTestingT records failures instead of stopping the test.
type mockTestingT struct {
	failed   bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...any) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...any) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}
