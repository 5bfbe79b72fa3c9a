package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outcomelabs/flowd/internal/handler"
	"github.com/outcomelabs/flowd/internal/orchestrator"
	"github.com/outcomelabs/flowd/internal/session"
	"github.com/outcomelabs/flowd/internal/store"
	"github.com/outcomelabs/flowd/internal/workflow"
)

func newTestServer(t *testing.T) (*Server, session.Service) {
	t.Helper()
	reg := handler.NewRegistry()
	for _, n := range []string{
		handler.NameDiscovery, handler.NameAnalysis, handler.NameInterventionDesign,
		handler.NameFinancialModeling, handler.NameSystemMapping,
		handler.NameOutcomeEngineering, handler.NameCoordinator,
	} {
		require.NoError(t, reg.Register(n, handler.Func(
			func(_ context.Context, name, query string, _ handler.InvocationContext) (*handler.Result, error) {
				return &handler.Result{Content: name + ": " + query}, nil
			})))
	}
	orch, err := orchestrator.New(reg, nil)
	require.NoError(t, err)
	svc, err := session.NewService(session.Config{}, store.NewMemory(), orch, nil, nil, nil)
	require.NoError(t, err)

	srv, err := NewServer(svc, nil, nil, Config{})
	require.NoError(t, err)
	return srv, svc
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer_RequiresService(t *testing.T) {
	_, err := NewServer(nil, nil, nil, Config{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQuery(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/query",
		`{"query":"hello","user_id":"u1","options":{"initial_stage":"discovery"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result session.QueryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.SessionID)
	assert.NotEmpty(t, result.TraceID)
	assert.Equal(t, workflow.StageDiscovery, result.Stage)
	assert.Contains(t, result.Response.Content, "discovery: hello")
}

func TestQuery_Validation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/query", `{"user_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/query", `{"query":"q"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/query", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSession(t *testing.T) {
	srv, svc := newTestServer(t)

	res, err := svc.HandleQuery(context.Background(), session.Request{Query: "q", UserID: "u1"})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+res.SessionID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), res.SessionID)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessions(t *testing.T) {
	srv, svc := newTestServer(t)

	_, err := svc.HandleQuery(context.Background(), session.Request{Query: "q", UserID: "u1"})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var summaries []store.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	assert.Len(t, summaries, 1)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSessions_InvalidLimit(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, raw := range []string{"10abc", "abc", "-1", "1.5"} {
		rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions?user_id=u1&limit="+raw, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s must be rejected", raw)
	}
}

func TestAbandonSession(t *testing.T) {
	srv, svc := newTestServer(t)

	res, err := svc.HandleQuery(context.Background(), session.Request{Query: "q", UserID: "u1"})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+res.SessionID+"/abandon", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestCleanup(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/admin/cleanup", `{"older_than":"24h"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CleanupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Removed)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/admin/cleanup", `{"older_than":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecall_DisabledWithoutArchiver(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/recall?user_id=u1&q=test", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
