package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"communityhub/internal/mocks"
	"communityhub/internal/presence"
	"communityhub/pkg/auth"
	"communityhub/pkg/types"
)

type stubGroups map[string]int

func (g stubGroups) Count(room string) int { return g[room] }
func (g stubGroups) GetStats() map[string]int {
	return map[string]int{"total_connections": len(g), "active_rooms": len(g)}
}

type stubSessions struct{}

func (stubSessions) Stats() map[string]int {
	return map[string]int{"connections": 2, "identified": 1, "anonymous": 1}
}

type fixture struct {
	server   *Server
	store    *mocks.MockMessageStore
	registry *presence.Registry
	signer   *auth.JWT
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	registry := presence.NewRegistry(nil)
	signer := auth.New("test-secret")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	server := NewServer(store, registry, stubGroups{"frontend": 3}, stubSessions{}, signer, DefaultConfig(), logger)
	return &fixture{server: server, store: store, registry: registry, signer: signer}
}

func (f *fixture) do(t *testing.T, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, r)
	return w
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	token, err := f.signer.Sign("u1", time.Hour)
	require.NoError(t, err)
	return token
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

// Functional Validation Tests

func TestServer_ListMessages(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// Given two stored messages
	messages := []*types.Message{
		{ID: "m1", Content: "first", Room: "frontend"},
		{ID: "m2", Content: "second", Room: "frontend"},
	}
	f.store.EXPECT().ListRecent(gomock.Any(), "frontend", 50).Return(messages, nil)

	// When an authenticated client asks for history
	w := f.do(t, http.MethodGet, "/api/communities/frontend/messages", f.token(t))

	// Then they come back in order
	req.Equal(http.StatusOK, w.Code)
	req.Equal("application/json", w.Header().Get("Content-Type"))
	body := decode[MessagesResponse](t, w)
	req.Len(body.Messages, 2)
	req.Equal("m1", body.Messages[0].ID)
}

func TestServer_ListMessagesLimit(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	f.store.EXPECT().ListRecent(gomock.Any(), "frontend", 10).Return([]*types.Message{}, nil)
	f.store.EXPECT().ListRecent(gomock.Any(), "frontend", 200).Return([]*types.Message{}, nil)

	req.Equal(http.StatusOK, f.do(t, http.MethodGet, "/api/communities/frontend/messages?limit=10", f.token(t)).Code)
	req.Equal(http.StatusOK, f.do(t, http.MethodGet, "/api/communities/frontend/messages?limit=5000", f.token(t)).Code)

	w := f.do(t, http.MethodGet, "/api/communities/frontend/messages?limit=-1", f.token(t))
	req.Equal(http.StatusBadRequest, w.Code)
	req.Equal(http.StatusBadRequest, decode[ErrorResponse](t, w).Code)
}

func TestServer_ListMessagesRequiresToken(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/communities/frontend/messages", "")
	req.Equal(http.StatusUnauthorized, w.Code)
	req.Equal("Authentication required", decode[ErrorResponse](t, w).Message)

	w = f.do(t, http.MethodGet, "/api/communities/frontend/messages", "garbage")
	req.Equal(http.StatusUnauthorized, w.Code)
	req.Equal("Invalid token", decode[ErrorResponse](t, w).Message)
}

func TestServer_ListMessagesStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.EXPECT().ListRecent(gomock.Any(), "frontend", 50).Return(nil, errors.New("disk gone"))

	w := f.do(t, http.MethodGet, "/api/communities/frontend/messages", f.token(t))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "disk gone")
}

func TestServer_InvalidSlug(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/communities/bad$slug/online", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_OnlineUsers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// Given an empty room the list is empty, not null
	w := f.do(t, http.MethodGet, "/api/communities/frontend/online", "")
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`{"users":[]}`, w.Body.String())

	// Given a member
	f.registry.Join("frontend", types.Member{UserID: "u1", DisplayName: "alice", ConnectionID: "c1"})
	w = f.do(t, http.MethodGet, "/api/communities/frontend/online", "")
	req.JSONEq(`{"users":[{"_id":"u1","username":"alice","socketId":"c1"}]}`, w.Body.String())
}

func TestServer_RoomStats(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.registry.Join("frontend", types.Member{UserID: "u1", ConnectionID: "c1"})
	f.store.EXPECT().CountByRoom(gomock.Any(), "frontend").Return(12, nil)

	w := f.do(t, http.MethodGet, "/api/communities/frontend/stats", "")

	req.Equal(http.StatusOK, w.Code)
	req.Equal(RoomStatsResponse{Slug: "frontend", TotalMessages: 12, OnlineUsers: 1, Connections: 3},
		decode[RoomStatsResponse](t, w))
}

func TestServer_OnlineRooms(t *testing.T) {
	f := newFixture(t)
	f.registry.Join("frontend", types.Member{UserID: "u1", ConnectionID: "c1"})
	f.registry.Join("frontend", types.Member{UserID: "u2", ConnectionID: "c2"})
	f.registry.Join("backend", types.Member{UserID: "u3", ConnectionID: "c3"})

	w := f.do(t, http.MethodGet, "/api/communities/online", "")
	require.JSONEq(t, `{"rooms":{"frontend":2,"backend":1}}`, w.Body.String())
}

func TestServer_HealthCheck(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	f.store.EXPECT().HealthCheck(gomock.Any()).Return(nil)
	w := f.do(t, http.MethodGet, "/health", "")
	req.Equal(http.StatusOK, w.Code)
	body := decode[HealthResponse](t, w)
	req.Equal("healthy", body.Status)
	req.Equal(2, body.Sessions["connections"])

	f.store.EXPECT().HealthCheck(gomock.Any()).Return(errors.New("locked"))
	w = f.do(t, http.MethodGet, "/health", "")
	req.Equal(http.StatusServiceUnavailable, w.Code)
	req.Equal("error: locked", decode[HealthResponse](t, w).Database)
}

// Technical Validation Tests

func TestServer_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/communities/online", "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_CORS(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// Given a preflight from the configured origin
	r := httptest.NewRequest(http.MethodOptions, "/api/communities/online", nil)
	r.Header.Set("Origin", "http://localhost:5173")
	r.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, r)

	req.Equal("http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	// Given a foreign origin no allow header is set
	r = httptest.NewRequest(http.MethodGet, "/api/communities/online", nil)
	r.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	f.server.ServeHTTP(w, r)
	req.Empty(w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_HistoryOpenWithoutVerifier(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	store.EXPECT().ListRecent(gomock.Any(), "frontend", 50).Return([]*types.Message{}, nil)
	server := NewServer(store, presence.NewRegistry(nil), stubGroups{}, stubSessions{}, nil, DefaultConfig(), nil)

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/communities/frontend/messages", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"messages":[]}`, w.Body.String())
}
