package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/message"
	"github.com/BTreeMap/UBCore/internal/models"
	"github.com/BTreeMap/UBCore/internal/testutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newServer(t *testing.T, opts ...Option) (*Server, *testutil.Env) {
	t.Helper()
	env := testutil.NewEnv(t)
	return NewServer(env.Config, env.Dispatcher, opts...), env
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	s, _ := newServer(t, WithToken("secret"))
	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/healthz", nil))

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	resp := testutil.AssertJSONResponse(t, rr, StatusOK)
	result := resp["result"].(map[string]any)
	assert.Equal(t, "dual", result["mode"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	s, _ := newServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rr := serve(s, req)
	assert.Equal(t, "abc", rr.Header().Get("X-Request-ID"))
}

func TestAuthentication(t *testing.T) {
	s, _ := newServer(t, WithToken("secret"))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.CreateHTTPRequest(t, http.MethodGet, "/commands", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := serve(s, req)
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
			if tt.want == http.StatusUnauthorized {
				testutil.AssertJSONResponse(t, rr, StatusError)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	s, env := newServer(t)
	require.NoError(t, env.Commands.Register([]string{"ping"}, func(context.Context, *message.Message) error { return nil }, command.WithDoc("Pong.")))

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/commands", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "commands")

	var resp struct {
		Status string `json:"status"`
		Result []struct {
			Name string `json:"name"`
			Doc  string `json:"doc"`
		} `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	require.Len(t, resp.Result, 1)
	assert.Equal(t, "ping", resp.Result[0].Name)
	assert.Equal(t, "Pong.", resp.Result[0].Doc)
}

func TestTasksAndCancel(t *testing.T) {
	s, env := newServer(t)
	started := make(chan struct{})
	require.NoError(t, env.Commands.Register([]string{"sleep"}, func(ctx context.Context, m *message.Message) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	env.Commands.SetLoaded(true, "sleep")

	in := env.Message(testutil.TestChat, testutil.OwnerID, ".sleep")
	in.Outgoing = true
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.Router.Route(context.Background(), env.User, models.NewMessageUpdate(in))
	}()
	<-started

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/tasks", nil))
	var tasks struct {
		Result []struct {
			ID     string `json:"id"`
			ChatID int64  `json:"chat_id"`
		} `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &tasks)
	require.Len(t, tasks.Result, 1)
	assert.Equal(t, in.Key(), tasks.Result[0].ID)
	assert.Equal(t, testutil.TestChat, tasks.Result[0].ChatID)

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodDelete, "/tasks/"+in.Key(), nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cancel")
	resp := testutil.AssertJSONResponse(t, rr, StatusOK)
	assert.Equal(t, float64(1), resp["result"].(map[string]any)["cancelled"])
	<-done

	rr = serve(s, testutil.CreateHTTPRequest(t, http.MethodDelete, "/tasks/"+in.Key(), nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "cancel again")
	testutil.AssertJSONResponse(t, rr, StatusError)
}

func TestConversations(t *testing.T) {
	s, env := newServer(t)
	conv, err := env.Conversations.Open(context.Background(), env.Bot, testutil.TestChat)
	require.NoError(t, err)
	defer conv.Close()

	rr := serve(s, testutil.CreateHTTPRequest(t, http.MethodGet, "/conversations", nil))
	var resp struct {
		Result []struct {
			ChatID int64  `json:"chat_id"`
			Client string `json:"client"`
		} `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	require.Len(t, resp.Result, 1)
	assert.Equal(t, testutil.TestChat, resp.Result[0].ChatID)
	assert.Equal(t, "bot", resp.Result[0].Client)
}

func TestStartStopsOnCancel(t *testing.T) {
	s, _ := newServer(t, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()
	cancel()
	assert.NoError(t, <-errCh)
}
