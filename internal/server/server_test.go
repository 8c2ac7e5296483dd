package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitfleet/orchestra/internal/auth"
	"github.com/orbitfleet/orchestra/internal/bus"
	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/orchestrator"
	"github.com/orbitfleet/orchestra/internal/registry"
	"github.com/orbitfleet/orchestra/internal/server"
	"github.com/orbitfleet/orchestra/internal/storage"
	"github.com/orbitfleet/orchestra/internal/testutil"
)

var testDB *storage.DB
var testLogger *slog.Logger

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	testLogger = testutil.TestLogger()
	db, err := tc.NewTestDB(context.Background(), testLogger)
	if err != nil {
		panic(err)
	}
	testDB = db

	os.Exit(m.Run())
}

type fakeSecrets map[string]string

func (f fakeSecrets) Lookup(name string) (string, bool) {
	v, ok := f[name]
	return v, ok && v != ""
}

// noopDiscipline satisfies orchestrator.Discipline without ever running an
// LLM call — these tests exercise the HTTP contract, not agent execution.
type noopDiscipline struct{}

func (noopDiscipline) Activate(ctx context.Context, desc model.AgentDescriptor) (func(context.Context), error) {
	return func(context.Context) {}, nil
}

const triageDescriptor = `
name: triage-bot
mode: autonomous
system_prompt: "You triage bugs."
llm:
  provider: anthropic
  model: claude-3-5-sonnet
`

// testServer wires an orchestrator, JWT manager, and server.Server against a
// fresh descriptor directory and returns an httptest.Server driving the
// exported Handler plus a valid operator bearer token.
func testServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "triage.yaml"), []byte(triageDescriptor), 0o644))

	reg := registry.New(dir, fakeSecrets{"ANTHROPIC_API_KEY": "sk-test"}, false, testLogger)
	b := bus.New(testDB.Pool(), testLogger)
	store := storage.NewStore(testDB, testLogger, time.Minute)

	o := orchestrator.New(reg, b, store, testLogger)
	o.RegisterDiscipline(model.ModeAutonomous, noopDiscipline{})
	require.NoError(t, o.Start(context.Background()))

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	srv := server.New(server.Config{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}, o, store, jwtMgr, nil, testLogger)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	token, _, err := jwtMgr.IssueToken("op-1", auth.RoleOperator)
	require.NoError(t, err)
	return ts, token
}

func doRequest(t *testing.T, ts *httptest.Server, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestServer_HealthIsPublic(t *testing.T) {
	ts, _ := testServer(t)
	resp := doRequest(t, ts, http.MethodGet, "/health", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_SubmitRequiresAuth(t *testing.T) {
	ts, _ := testServer(t)
	resp := doRequest(t, ts, http.MethodPost, "/v1/tasks", "", map[string]any{"agent_name": "triage-bot"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_SubmitAndCancel(t *testing.T) {
	ts, token := testServer(t)

	resp := doRequest(t, ts, http.MethodPost, "/v1/tasks", token, map[string]any{
		"agent_name": "triage-bot",
		"payload":    map[string]any{"bug_id": "1"},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var submitBody struct {
		Data struct {
			ExecutionID string `json:"execution_id"`
			TraceID     string `json:"trace_id"`
			Status      string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitBody))
	require.NotEmpty(t, submitBody.Data.ExecutionID)
	require.Equal(t, "QUEUED", submitBody.Data.Status)

	cancelResp := doRequest(t, ts, http.MethodPost, "/v1/tasks/"+submitBody.Data.ExecutionID+"/cancel", token, nil)
	defer cancelResp.Body.Close()
	require.Equal(t, http.StatusOK, cancelResp.StatusCode)

	var cancelBody struct {
		Data struct {
			Cancelled      bool   `json:"cancelled"`
			PreviousStatus string `json:"previous_status"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(cancelResp.Body).Decode(&cancelBody))
	require.True(t, cancelBody.Data.Cancelled)
	require.Equal(t, "QUEUED", cancelBody.Data.PreviousStatus)
}

func TestServer_CancelUnknownExecutionReturns404(t *testing.T) {
	ts, token := testServer(t)
	resp := doRequest(t, ts, http.MethodPost, "/v1/tasks/"+model.NewExecutionID().String()+"/cancel", token, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SlackWebhookReturns404WhenGatewayDisabled(t *testing.T) {
	ts, _ := testServer(t)
	resp := doRequest(t, ts, http.MethodPost, "/gateway/slack/events", "", map[string]any{"type": "url_verification"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_OpenAPISpecServedWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "triage.yaml"), []byte(triageDescriptor), 0o644))

	reg := registry.New(dir, fakeSecrets{"ANTHROPIC_API_KEY": "sk-test"}, false, testLogger)
	b := bus.New(testDB.Pool(), testLogger)
	store := storage.NewStore(testDB, testLogger, time.Minute)

	o := orchestrator.New(reg, b, store, testLogger)
	o.RegisterDiscipline(model.ModeAutonomous, noopDiscipline{})
	require.NoError(t, o.Start(context.Background()))

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	srv := server.New(server.Config{
		ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second,
		OpenAPISpec: []byte("openapi: 3.1.0\n"),
	}, o, store, jwtMgr, nil, testLogger)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp := doRequest(t, ts, http.MethodGet, "/openapi.yaml", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
