package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"feedloop/api/internal/auth"
	"feedloop/api/internal/collab"
	"feedloop/api/internal/config"
	"feedloop/api/internal/store"
)

type fakeStore struct {
	getSessionByNameFn   func(context.Context, string) (store.SessionRecord, error)
	listSessionsFn       func(context.Context, int) ([]store.SessionRecord, error)
	listRecentCommentsFn func(context.Context, string, int) ([]store.CommentRecord, error)
	pingFn               func(context.Context) error
}

func (f *fakeStore) GetSessionByName(ctx context.Context, name string) (store.SessionRecord, error) {
	if f.getSessionByNameFn != nil {
		return f.getSessionByNameFn(ctx, name)
	}
	return store.SessionRecord{}, sql.ErrNoRows
}

func (f *fakeStore) ListSessions(ctx context.Context, limit int) ([]store.SessionRecord, error) {
	if f.listSessionsFn != nil {
		return f.listSessionsFn(ctx, limit)
	}
	return nil, nil
}

func (f *fakeStore) ListRecentComments(ctx context.Context, sessionID string, limit int) ([]store.CommentRecord, error) {
	if f.listRecentCommentsFn != nil {
		return f.listRecentCommentsFn(ctx, sessionID, limit)
	}
	return nil, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type registryStore struct{}

func (registryStore) UpsertSession(_ context.Context, id, name, sessionType string) (store.SessionRecord, error) {
	return store.SessionRecord{ID: id, Name: name, Type: sessionType}, nil
}
func (registryStore) TouchSession(context.Context, string) error { return nil }
func (registryStore) InsertComment(context.Context, store.CommentRecord) error {
	return nil
}
func (registryStore) GetComment(context.Context, string, string) (store.CommentRecord, error) {
	return store.CommentRecord{}, sql.ErrNoRows
}
func (registryStore) ListRecentComments(context.Context, string, int) ([]store.CommentRecord, error) {
	return nil, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(collab.Broadcast) {}

var httpTestSecret = []byte("http-test-secret")

func readerToken(t *testing.T) string {
	t.Helper()
	token, err := auth.IssueToken(httpTestSecret, auth.Claims{
		Sub:  "u9",
		Name: "Reader",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken error = %v", err)
	}
	return token
}

func newTestService(fs *fakeStore) (*Service, *collab.Registry) {
	registry := collab.NewRegistry(registryStore{}, nil, nil, nopPublisher{}, collab.Options{})
	cfg := config.Config{RecentCommentLimit: 50, SessionIdleTimeout: 30 * time.Minute}
	return New(cfg, fs, registry), registry
}

func join(t *testing.T, registry *collab.Registry, session, userID, connID string) {
	t.Helper()
	_, err := registry.Join(context.Background(), session, auth.Principal{UserID: userID, DisplayName: "User"}, connID)
	if err != nil {
		t.Fatalf("Join error = %v", err)
	}
}

func TestListSessionsMergesLiveCounts(t *testing.T) {
	now := time.Now().UTC()
	fs := &fakeStore{
		listSessionsFn: func(context.Context, int) ([]store.SessionRecord, error) {
			return []store.SessionRecord{
				{ID: "ses_1", Name: "triage-2025-10-13", Type: "triage", CreatedAt: now, LastActivityAt: now},
				{ID: "ses_2", Name: "roadmap-q4", Type: "roadmap", CreatedAt: now, LastActivityAt: now},
			}, nil
		},
	}
	service, registry := newTestService(fs)
	join(t, registry, "triage-2025-10-13", "u1", "conn-a")
	join(t, registry, "triage-2025-10-13", "u2", "conn-b")

	items, err := service.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(items))
	}
	counts := map[string]int{}
	for _, item := range items {
		counts[item["name"].(string)] = item["activeCount"].(int)
	}
	if counts["triage-2025-10-13"] != 2 {
		t.Fatalf("triage activeCount = %d, want 2", counts["triage-2025-10-13"])
	}
	if counts["roadmap-q4"] != 0 {
		t.Fatalf("roadmap activeCount = %d, want 0", counts["roadmap-q4"])
	}
}

func TestGetSessionIncludesLiveParticipants(t *testing.T) {
	fs := &fakeStore{
		getSessionByNameFn: func(_ context.Context, name string) (store.SessionRecord, error) {
			return store.SessionRecord{ID: "ses_1", Name: name, Type: "triage"}, nil
		},
	}
	service, registry := newTestService(fs)
	join(t, registry, "triage-2025-10-13", "u1", "conn-a")

	payload, err := service.GetSession(context.Background(), "triage-2025-10-13")
	if err != nil {
		t.Fatalf("GetSession error = %v", err)
	}
	if payload["activeCount"].(int) != 1 {
		t.Fatalf("activeCount = %v, want 1", payload["activeCount"])
	}
	participants := payload["participants"].([]collab.Participant)
	if len(participants) != 1 || participants[0].UserID != "u1" {
		t.Fatalf("unexpected participants: %+v", participants)
	}
}

func TestGetSessionUnknownName(t *testing.T) {
	service, _ := newTestService(&fakeStore{})
	_, err := service.GetSession(context.Background(), "nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestSessionCommentsClampsLimit(t *testing.T) {
	var gotLimit int
	fs := &fakeStore{
		getSessionByNameFn: func(_ context.Context, name string) (store.SessionRecord, error) {
			return store.SessionRecord{ID: "ses_1", Name: name}, nil
		},
		listRecentCommentsFn: func(_ context.Context, _ string, limit int) ([]store.CommentRecord, error) {
			gotLimit = limit
			return nil, nil
		},
	}
	service, _ := newTestService(fs)

	if _, err := service.SessionComments(context.Background(), "triage-2025-10-13", 10_000); err != nil {
		t.Fatalf("SessionComments error = %v", err)
	}
	if gotLimit != 50 {
		t.Fatalf("limit = %d, want clamped to 50", gotLimit)
	}
	if _, err := service.SessionComments(context.Background(), "triage-2025-10-13", 0); err != nil {
		t.Fatalf("SessionComments error = %v", err)
	}
	if gotLimit != 50 {
		t.Fatalf("default limit = %d, want 50", gotLimit)
	}
}

func TestReadyEndpointReportsDatabaseFailure(t *testing.T) {
	fs := &fakeStore{
		pingFn: func(context.Context) error { return errors.New("connection refused") },
	}
	service, _ := newTestService(fs)
	server := NewHTTPServer(service, nil, "*", httpTestSecret)

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.OK || body.Status != "not_ready" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	service, _ := newTestService(&fakeStore{})
	server := NewHTTPServer(service, nil, "https://app.example.com", httpTestSecret)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "https://app.example.com" {
		t.Fatalf("CORS origin = %q", origin)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	service, _ := newTestService(&fakeStore{})
	server := NewHTTPServer(service, nil, "*", httpTestSecret)

	req := httptest.NewRequest(http.MethodGet, "/api/unknown", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Code != "NOT_FOUND" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestSessionNotFoundMapsTo404(t *testing.T) {
	service, _ := newTestService(&fakeStore{})
	server := NewHTTPServer(service, nil, "*", httpTestSecret)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil)
	req.Header.Set("Authorization", "Bearer "+readerToken(t))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSessionEndpointsRequireToken(t *testing.T) {
	service, _ := newTestService(&fakeStore{})
	server := NewHTTPServer(service, nil, "*", httpTestSecret)

	for _, path := range []string{"/api/sessions", "/api/sessions/triage-2025-10-13", "/api/sessions/triage-2025-10-13/comments"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: status = %d, want 401", path, rec.Code)
		}
		var body struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if body.Code != "UNAUTHORIZED" {
			t.Fatalf("%s: code = %q", path, body.Code)
		}
	}

	forged, err := auth.IssueToken([]byte("some other secret"), auth.Claims{
		Sub: "u9", Name: "Mallory", Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken error = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token: status = %d, want 401", rec.Code)
	}
}

func TestSessionListWithToken(t *testing.T) {
	fs := &fakeStore{
		listSessionsFn: func(context.Context, int) ([]store.SessionRecord, error) {
			return []store.SessionRecord{{ID: "ses_1", Name: "triage-2025-10-13", Type: "triage"}}, nil
		},
	}
	service, _ := newTestService(fs)
	server := NewHTTPServer(service, nil, "*", httpTestSecret)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+readerToken(t))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0]["name"] != "triage-2025-10-13" {
		t.Fatalf("unexpected items: %+v", body.Items)
	}
}
