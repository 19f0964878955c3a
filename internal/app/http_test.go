package app

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/api/internal/auth"
)

func tokenFor(t *testing.T, sess Session) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.Identity{UserID: sess.UserID, Name: sess.Name}, time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

func do(t *testing.T, h http.Handler, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var payload map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), rr.Body.String())
	}
	return rr, payload
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()

	rr, body := do(t, h, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["ok"])

	rr, body = do(t, h, http.MethodGet, "/api/ready", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestRequestsWithoutTokenAreUnauthenticated(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()

	rr, body := do(t, h, http.MethodGet, "/api/projects", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHENTICATED", body["code"])

	rr, _ = do(t, h, http.MethodGet, "/api/projects", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestBoardOverHTTP(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()
	token := tokenFor(t, alice)

	rr, body := do(t, h, http.MethodPost, "/api/projects", token, `{"name":"Launch"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	columns := body["columns"].([]any)
	require.Len(t, columns, 3)
	projectID := body["project"].(map[string]any)["id"].(string)
	todo := columns[0].(map[string]any)["id"].(string)
	done := columns[2].(map[string]any)["id"].(string)

	rr, body = do(t, h, http.MethodPost, "/api/columns/"+todo+"/cards", token, `{"title":"Ship it","labels":["launch"]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	cardID := body["id"].(string)

	rr, body = do(t, h, http.MethodPost, "/api/cards/"+cardID+"/move", token, `{"toColumnId":"`+done+`","toIndex":5}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, todo, body["fromColumnId"])
	assert.Equal(t, done, body["card"].(map[string]any)["columnId"])

	rr, body = do(t, h, http.MethodPost, "/api/cards/"+cardID+"/move", token, `{"toColumnId":"`+done+`"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INDEX_REQUIRED", body["code"])

	rr, body = do(t, h, http.MethodPost, "/api/cards/card_missing/move", token, `{"toColumnId":"`+done+`","toIndex":0}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])
	assert.Equal(t, "card", body["details"].(map[string]any)["entity"])

	rr, body = do(t, h, http.MethodGet, "/api/projects/"+projectID+"/activities?limit=10", token, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["activities"], 2)

	rr, body = do(t, h, http.MethodGet, "/api/projects/"+projectID+"/board", tokenFor(t, bob), "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", body["code"])
}

func TestPagesOverHTTP(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()
	token := tokenFor(t, alice)
	board := f.project(t)

	rr, body := do(t, h, http.MethodPost, "/api/projects/"+board.Project.ID+"/pages", token, `{"title":"Roadmap"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	pageID := body["id"].(string)

	rr, body = do(t, h, http.MethodPut, "/api/pages/"+pageID, token, `{"title":"Roadmap","content":"<p>one</p>"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, float64(1), body["version"].(map[string]any)["version"])
	firstVersion := body["version"].(map[string]any)["id"].(string)

	rr, _ = do(t, h, http.MethodPut, "/api/pages/"+pageID, token, `{"title":"","content":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = do(t, h, http.MethodPut, "/api/pages/"+pageID, token, `{"title":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, body = do(t, h, http.MethodPost, "/api/pages/"+pageID+"/versions/"+firstVersion+"/restore", token, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, float64(2), body["version"].(map[string]any)["version"])
	assert.Equal(t, float64(1), body["restoredFrom"])

	rr, body = do(t, h, http.MethodGet, "/api/pages/"+pageID+"/versions", token, "")
	require.Equal(t, http.StatusOK, rr.Code)
	versions := body["versions"].([]any)
	require.Len(t, versions, 2)
	_, hasContent := versions[0].(map[string]any)["content"]
	assert.False(t, hasContent, "listings leave content out")

	rr, _ = do(t, h, http.MethodGet, "/api/pages/"+pageID+"/export?format=html", token, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Disposition"), `filename="Roadmap.html"`)
	assert.Contains(t, rr.Body.String(), "<p>one</p>")

	rr, body = do(t, h, http.MethodGet, "/api/pages/"+pageID+"/export?format=odt", token, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "UNSUPPORTED_FORMAT", body["code"])

	rr, body = do(t, h, http.MethodGet, "/api/search?q=roadmap", token, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["results"], 1)
}

func TestAccessLogCarriesRequestID(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "req-42", rr.Header().Get("X-Request-ID"))

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message == "http.request" && e.Data["requestId"] == "req-42" {
			found = true
			assert.Equal(t, log.InfoLevel, e.Level)
			assert.Equal(t, http.StatusOK, e.Data["status"])
			assert.Equal(t, "/api/health", e.Data["path"])
		}
	}
	assert.True(t, found, "access log entry missing")

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestPresenceStreamSendsRoster(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(NewHTTPServer(f.svc, "*").Handler())
	defer srv.Close()
	board := f.project(t)
	page, err := f.svc.CreatePage(context.Background(), alice, board.Project.ID, "Doc", "")
	require.NoError(t, err)
	_, err = f.svc.PublishPresence(context.Background(), alice, page.ID, "conn-a", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/pages/"+page.ID+"/presence/stream?token="+tokenFor(t, alice), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: roster\n", event)
	data, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(data, "data: "))

	var roster struct {
		Members []struct {
			ConnectionID string `json:"connectionId"`
			DisplayName  string `json:"displayName"`
		} `json:"members"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &roster))
	require.Len(t, roster.Members, 1)
	assert.Equal(t, "conn-a", roster.Members[0].ConnectionID)
	assert.Equal(t, "Alice", roster.Members[0].DisplayName)
}
