package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoflow/backend/internal/actionlog"
	"github.com/autoflow/backend/internal/adapter"
	"github.com/autoflow/backend/internal/core"
	"github.com/autoflow/backend/internal/credentials"
	"github.com/autoflow/backend/internal/events"
	"github.com/autoflow/backend/internal/executor"
	"github.com/autoflow/backend/internal/rollback"
	"github.com/autoflow/backend/internal/users"
)

type testServer struct {
	router http.Handler
	fake   *adapter.FakeAdapter
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fake := adapter.NewFakeAdapter(core.ServiceSlack)
	registry := adapter.NewRegistry(fake)

	conns := credentials.NewMemoryStore()
	tokens := credentials.NewManager(conns, registry, credentials.NewMemoryStateCache(), nil, nil, credentials.ManagerConfig{})

	records := actionlog.NewMemoryStore()
	exec := executor.New(records, tokens, registry, nil, nil, executor.Config{RetryBackoff: time.Millisecond})
	rb := rollback.NewEngine(records, exec, nil, nil)
	um := users.NewManager(users.NewMemoryStore(), "0123456789abcdef0123456789abcdef")
	bus := events.NewEventBus()

	srv := NewServer(tokens, exec, rb, records, um, bus)
	ts := &testServer{router: srv.Router(), fake: fake}

	// Register and log in.
	resp := ts.request(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"username": "alice", "email": "alice@example.com", "password": "hunter2",
	}, "")
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = ts.request(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": "alice", "password": "hunter2",
	}, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)
	ts.token = login.Token
	return ts
}

func (ts *testServer) request(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

// connect walks the full authorize flow against the fake provider.
func (ts *testServer) connect(t *testing.T) {
	t.Helper()
	resp := ts.request(t, http.MethodPost, "/api/v1/connections/slack", map[string]string{
		"redirect_uri": "https://app.example/cb",
	}, ts.token)
	require.Equal(t, http.StatusOK, resp.Code)

	var out struct {
		AuthorizeURL string `json:"authorize_url"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	u, err := url.Parse(out.AuthorizeURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	resp = ts.request(t, http.MethodGet,
		"/api/v1/oauth/callback?state="+url.QueryEscape(state)+"&code=the-code", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)
}

// ============================================================================
// AUTH AND CONNECTIONS
// ============================================================================

func TestAPI_RequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodGet, "/api/v1/connections", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = ts.request(t, http.MethodGet, "/api/v1/connections", nil, "garbage-token")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAPI_ConnectFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t)

	resp := ts.request(t, http.MethodGet, "/api/v1/connections", nil, ts.token)
	require.Equal(t, http.StatusOK, resp.Code)

	var out struct {
		Connections []struct {
			Service string `json:"service"`
			Status  string `json:"status"`
		} `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.Len(t, out.Connections, 1)
	assert.Equal(t, "slack", out.Connections[0].Service)
	assert.Equal(t, "authorized", out.Connections[0].Status)

	// Token material never appears in API responses.
	assert.NotContains(t, resp.Body.String(), "access-the-code")
}

func TestAPI_CallbackRejectsReplayedState(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodPost, "/api/v1/connections/slack", map[string]string{
		"redirect_uri": "https://app.example/cb",
	}, ts.token)
	require.Equal(t, http.StatusOK, resp.Code)
	var out struct {
		AuthorizeURL string `json:"authorize_url"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	u, _ := url.Parse(out.AuthorizeURL)
	state := u.Query().Get("state")

	first := ts.request(t, http.MethodGet, "/api/v1/oauth/callback?state="+state+"&code=c", nil, "")
	require.Equal(t, http.StatusOK, first.Code)

	replay := ts.request(t, http.MethodGet, "/api/v1/oauth/callback?state="+state+"&code=c", nil, "")
	assert.Equal(t, http.StatusBadRequest, replay.Code)
}

func TestAPI_ConnectUnknownService(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodPost, "/api/v1/connections/gitlab", map[string]string{
		"redirect_uri": "https://app.example/cb",
	}, ts.token)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

// ============================================================================
// PLANS, HISTORY, ROLLBACK
// ============================================================================

func TestAPI_PlanHistoryRollback(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t)
	ts.fake.Script("sendMessage",
		core.Params{"ts": "170.001"},
		adapter.RollbackHint{Operation: "deleteMessage", Params: core.Params{"ts": "170.001"}})
	ts.fake.Script("deleteMessage", core.Params{"deleted": true}, adapter.IrreversibleHint())

	// Submit a one-step plan.
	resp := ts.request(t, http.MethodPost, "/api/v1/plans", map[string]interface{}{
		"command": "tell ops",
		"steps": []map[string]interface{}{
			{"service": "slack", "operation": "sendMessage", "params": map[string]interface{}{"channel": "#ops"}},
		},
	}, ts.token)
	require.Equal(t, http.StatusOK, resp.Code)

	var planOut struct {
		Actions []struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &planOut))
	require.Len(t, planOut.Actions, 1)
	assert.Equal(t, "succeeded", planOut.Actions[0].Status)
	actionID := planOut.Actions[0].ID

	// History shows a reversible summary with a duration.
	resp = ts.request(t, http.MethodGet, "/api/v1/actions?reversible=true", nil, ts.token)
	require.Equal(t, http.StatusOK, resp.Code)
	var histOut struct {
		Actions []actionlog.Summary `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &histOut))
	require.Len(t, histOut.Actions, 1)
	assert.True(t, histOut.Actions[0].Reversible)

	// Roll it back.
	resp = ts.request(t, http.MethodPost, fmt.Sprintf("/api/v1/actions/%d/rollback", actionID),
		map[string]string{"reason": "wrong channel"}, ts.token)
	require.Equal(t, http.StatusOK, resp.Code)
	var rolled actionlog.ActionRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rolled))
	assert.Equal(t, actionlog.StatusRolledBack, rolled.Status)

	// Double rollback conflicts.
	resp = ts.request(t, http.MethodPost, fmt.Sprintf("/api/v1/actions/%d/rollback", actionID),
		map[string]string{"reason": "again"}, ts.token)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestAPI_ActionDetailScopedToOwner(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t)
	resp := ts.request(t, http.MethodPost, "/api/v1/plans", map[string]interface{}{
		"steps": []map[string]interface{}{
			{"service": "slack", "operation": "sendMessage"},
		},
	}, ts.token)
	require.Equal(t, http.StatusOK, resp.Code)

	// A second user cannot see alice's action.
	reg := ts.request(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"username": "bob", "email": "bob@example.com", "password": "hunter2",
	}, "")
	require.Equal(t, http.StatusCreated, reg.Code)
	login := ts.request(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": "bob", "password": "hunter2",
	}, "")
	var bob struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(login.Body.Bytes(), &bob))

	resp = ts.request(t, http.MethodGet, "/api/v1/actions/1", nil, bob.Token)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = ts.request(t, http.MethodGet, "/api/v1/actions/1", nil, ts.token)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestAPI_Health(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.request(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.Code)
}
