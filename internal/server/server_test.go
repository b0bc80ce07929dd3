package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"gateline/internal/auth"
	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/engine"
	"gateline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:   testSecret,
			AgentKeyTag: cfg.Auth.AgentKeyTag,
			TokenTTL:    time.Hour,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearerFor(t *testing.T, userID, role string) map[string]string {
	t.Helper()
	token, err := auth.SignSession(testSecret, userID, userID+"@example.com", role, time.Hour)
	if err != nil {
		t.Fatalf("sign session: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error
}

func seedProject(t *testing.T, srv *testServer, owner map[string]string, id string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":   id,
		"name": "Project " + id,
	}, owner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
}

func seedItem(t *testing.T, srv *testServer, owner map[string]string, projectID, title string) ItemResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/items", map[string]any{
		"title": title,
	}, owner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item: %d %s", res.StatusCode, string(data))
	}
	var it ItemResponse
	if err := json.Unmarshal(data, &it); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	return it
}

func issueKey(t *testing.T, srv *testServer, owner map[string]string, projectID string) IssuedKeyResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/agent-keys", map[string]any{
		"name": "ci agent",
	}, owner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue key: %d %s", res.StatusCode, string(data))
	}
	var issued IssuedKeyResponse
	if err := json.Unmarshal(data, &issued); err != nil {
		t.Fatalf("unmarshal issued key: %v", err)
	}
	return issued
}

func resolutionBody() map[string]any {
	return map[string]any{
		"chatSessionId":  "sess-http",
		"resolutionNote": "patched the handler",
		"codeChanges":    "diff --git a/h.go b/h.go",
		"commandOutputs": []map[string]any{{"command": "go test ./...", "output": "ok", "exitCode": 0}},
	}
}

func TestAgentResolveAndReviewOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	owner := bearerFor(t, "owner-1", "member")
	seedProject(t, srv, owner, "p1")
	item := seedItem(t, srv, owner, "p1", "broken search")
	issued := issueKey(t, srv, owner, "p1")
	agent := map[string]string{"X-Agent-Key": issued.Token}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/resolve", resolutionBody(), agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", res.StatusCode, string(data))
	}
	var resolved ItemResponse
	_ = json.Unmarshal(data, &resolved)
	if resolved.Status != "in_review" {
		t.Fatalf("expected in_review, got %s", resolved.Status)
	}

	// agents cannot approve their own work
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/review", map[string]any{
		"decision": "approve",
	}, agent)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for agent review, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "forbidden" {
		t.Fatalf("expected forbidden code, got %s", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/review", map[string]any{
		"decision": "approve",
		"note":     "verified locally",
	}, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var approved ItemResponse
	_ = json.Unmarshal(data, &approved)
	if approved.Status != "resolved" {
		t.Fatalf("expected resolved, got %s", approved.Status)
	}

	// resolved rejects further agent submissions
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/resolve", resolutionBody(), agent)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on resolved item, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %s", code)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Agent-Key": "agk_bogus_key",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bogus agent key, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestRevokedKeyRejectedImmediately(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	owner := bearerFor(t, "owner-1", "member")
	seedProject(t, srv, owner, "p1")
	issued := issueKey(t, srv, owner, "p1")
	agent := map[string]string{"X-Agent-Key": issued.Token}

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("live key should authenticate, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/agent-keys/"+issued.KeyID, nil, owner)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke: %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, agent)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key should be rejected, got %d", res.StatusCode)
	}
}

func TestIssuedTokenNeverShownAgain(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	owner := bearerFor(t, "owner-1", "member")
	seedProject(t, srv, owner, "p1")
	issued := issueKey(t, srv, owner, "p1")
	if issued.Token == "" || !strings.HasPrefix(issued.Token, "agk_") {
		t.Fatalf("expected full token at issuance, got %q", issued.Token)
	}
	if parts := strings.SplitN(issued.Token, "_", 3); len(parts) != 3 || parts[1] != issued.KeyID {
		t.Fatalf("token does not embed key id: %q", issued.Token)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/p1/agent-keys", nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", res.StatusCode, string(data))
	}
	if strings.Contains(string(data), issued.Token) {
		t.Fatalf("listing leaked the token")
	}
	if strings.Contains(string(data), "secret") {
		t.Fatalf("listing leaked secret material: %s", string(data))
	}
}

func TestActivityCursorWalk(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	owner := bearerFor(t, "owner-1", "member")
	seedProject(t, srv, owner, "p1")
	for i := 0; i < 5; i++ {
		seedItem(t, srv, owner, "p1", fmt.Sprintf("item %d", i))
	}

	seen := map[int64]bool{}
	cursor := ""
	pages := 0
	for {
		url := srv.URL + "/v0/activity?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, owner)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list activity: %d %s", res.StatusCode, string(data))
		}
		var page paginatedEvents
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		if page.Page.Limit != 2 {
			t.Fatalf("expected limit 2, got %d", page.Page.Limit)
		}
		pages++
		for _, evt := range page.Items {
			if seen[evt.ID] {
				t.Fatalf("event %d appeared twice", evt.ID)
			}
			seen[evt.ID] = true
		}
		if page.Page.NextCursor == nil {
			if len(page.Items) == 2 && len(seen) < 5 {
				t.Fatalf("cursor ended early")
			}
			break
		}
		cursor = *page.Page.NextCursor
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 events across pages, got %d", len(seen))
	}
	if pages != 3 {
		t.Fatalf("expected 3 pages, got %d", pages)
	}
}

func TestInvalidCursorRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	owner := bearerFor(t, "owner-1", "member")
	seedProject(t, srv, owner, "p1")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/activity?cursor=not-a-cursor", nil, owner)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "invalid_cursor" {
		t.Fatalf("expected invalid_cursor code, got %s", code)
	}
}

func TestScopedVisibilityReadsAsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	owner := bearerFor(t, "owner-1", "member")
	stranger := bearerFor(t, "owner-2", "member")
	admin := bearerFor(t, "root", "admin")
	seedProject(t, srv, owner, "p1")
	item := seedItem(t, srv, owner, "p1", "private work")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items/"+item.ID, nil, stranger)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for stranger, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items/"+item.ID, nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin should read item, got %d", res.StatusCode)
	}

	// list responses filter rather than erroring
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, stranger)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list projects: %d", res.StatusCode)
	}
	var projects []ProjectResponse
	_ = json.Unmarshal(data, &projects)
	if len(projects) != 0 {
		t.Fatalf("stranger sees %d projects", len(projects))
	}
}

func TestValidationFailureStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	owner := bearerFor(t, "owner-1", "member")
	seedProject(t, srv, owner, "p1")
	item := seedItem(t, srv, owner, "p1", "needs evidence")
	issued := issueKey(t, srv, owner, "p1")
	agent := map[string]string{"X-Agent-Key": issued.Token}

	payload := resolutionBody()
	payload["resolutionNote"] = ""
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items/"+item.ID+"/resolve", payload, agent)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for missing note, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "validation_failed" {
		t.Fatalf("expected validation_failed code, got %s", code)
	}
}
