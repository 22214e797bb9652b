package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roamdex/roamdex/internal/doccache"
	"github.com/roamdex/roamdex/internal/fanout"
	"github.com/roamdex/roamdex/internal/search"
)

func newTestServer(t *testing.T) (*Server, *doccache.Cache) {
	t.Helper()
	reg := fanout.New(nil)
	coord := search.New(nil, nil, 90, nil)
	cache := doccache.New()
	s := New(":0", reg, coord, cache, nil, nil, 0)
	return s, cache
}

func TestServer_HealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	mux, err := s.Mux()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_NodeExportMissingNode(t *testing.T) {
	s, _ := newTestServer(t)
	mux, err := s.Mux()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/nodes/missing/html", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_NodeExportRendersCachedContent(t *testing.T) {
	s, cache := newTestServer(t)
	cache.SubmitContent("n1", "a.org", "* Heading\nsome body\n")

	mux, err := s.Mux()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/nodes/n1/html", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		HTML string `json:"html"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.HTML, "<h1>")
}

func TestServer_LatexRenderWithoutRendererConfigured(t *testing.T) {
	s, _ := newTestServer(t)
	mux, err := s.Mux()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/latex/render", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_EditorNotifyOpenedBroadcastsNodeVisited(t *testing.T) {
	s, _ := newTestServer(t)
	mux, err := s.Mux()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/editor?task=opened&id=n1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_EditorNotifyOpenedRequiresID(t *testing.T) {
	s, _ := newTestServer(t)
	mux, err := s.Mux()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/editor?task=opened", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_EditorNotifyModifiedBroadcastsBufferModified(t *testing.T) {
	s, _ := newTestServer(t)
	mux, err := s.Mux()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/editor?task=modified", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_EditorNotifyRejectsUnknownTask(t *testing.T) {
	s, _ := newTestServer(t)
	mux, err := s.Mux()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/editor?task=bogus", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ClientIDsAreUnique(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "127.0.0.1:1234"

	id1 := s.clientID(req)
	id2 := s.clientID(req)
	require.NotEqual(t, id1, id2, "sequential connections from the same peer must get distinct ids")
	require.Len(t, id1, 36) // canonical UUID string form
}
