package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/farmchat/internal/delivery"
	"github.com/eldtechnologies/farmchat/internal/history"
	"github.com/eldtechnologies/farmchat/internal/models"
	"github.com/eldtechnologies/farmchat/internal/presence"
	"github.com/eldtechnologies/farmchat/internal/protocol"
	"github.com/eldtechnologies/farmchat/internal/store"
)

type pushConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *pushConn) ID() string { return "push-conn" }

func (c *pushConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

type testEnv struct {
	mux      http.Handler
	store    *store.SQLiteStore
	registry *presence.Registry
}

func newTestEnv(t *testing.T, redis *store.RedisStore) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.UpsertUser(ctx, models.UserProfile{ID: 1, Name: "Wanjiru", Role: "farmer"}))
	require.NoError(t, st.UpsertUser(ctx, models.UserProfile{ID: 2, Name: "Otieno", Role: "agronomist"}))

	reg := presence.NewRegistry()
	h := NewHandler(Deps{
		Store:    st,
		Redis:    redis,
		History:  history.NewService(st, st, zerolog.Nop()),
		Router:   delivery.NewRouter(reg, st, zerolog.Nop(), delivery.Options{}),
		Registry: reg,
		Instance: "test",
	})

	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/api/chat/history/{userId}/{otherUserId}", h.History)
	r.Post("/api/chat/send", h.Send)
	r.Get("/api/chat/recent/{userId}", h.Recent)
	r.Get("/api/chat/presence/{userId}", h.Presence)

	return &testEnv{mux: r, store: st, registry: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func TestSend_PersistsAndReturnsRecord(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/chat/send", SendMessageRequest{SenderID: 1, ReceiverID: 2, Message: "Is the maize dry yet?"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var msg models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.NotZero(t, msg.ID)
	assert.Equal(t, models.UserID(1), msg.SenderID)
	assert.Equal(t, "Is the maize dry yet?", msg.Content)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestSend_PushesToOnlineRecipient(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := &pushConn{}
	env.registry.Register(2, conn)

	rec := env.do(t, http.MethodPost, "/api/chat/send", SendMessageRequest{SenderID: 1, ReceiverID: 2, Message: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, conn.frames, 1)
	ev, err := protocol.Decode(conn.frames[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", ev.(protocol.ReceiveMessage).Message)
}

func TestSend_Rejects(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/chat/send", SendMessageRequest{SenderID: 1, ReceiverID: 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/chat/send", SendMessageRequest{SenderID: 1, ReceiverID: 1, Message: "me"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/send", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	env.mux.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestHistory_BothDirections(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/chat/send", SendMessageRequest{SenderID: 1, ReceiverID: 2, Message: "one"})
	env.do(t, http.MethodPost, "/api/chat/send", SendMessageRequest{SenderID: 2, ReceiverID: 1, Message: "two"})

	for _, path := range []string{"/api/chat/history/1/2", "/api/chat/history/2/1"} {
		rec := env.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var msgs []models.Message
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
		require.Len(t, msgs, 2, path)
		assert.Equal(t, "one", msgs[0].Content)
		assert.Equal(t, "two", msgs[1].Content)
	}
}

func TestHistory_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/chat/history/1/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHistory_InvalidIDs(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/chat/history/abc/2", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/chat/history/1/-3", nil).Code)
}

func TestRecent_IncludesProfiles(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/chat/send", SendMessageRequest{SenderID: 1, ReceiverID: 2, Message: "price of beans?"})
	env.do(t, http.MethodPost, "/api/chat/send", SendMessageRequest{SenderID: 2, ReceiverID: 1, Image: []byte{1, 2, 3}})

	rec := env.do(t, http.MethodGet, "/api/chat/recent/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var convs []models.RecentConversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	require.Len(t, convs, 1)
	conv := convs[0]
	assert.Equal(t, models.UserID(2), conv.PeerID)
	assert.Equal(t, "Otieno", conv.Name)
	assert.Equal(t, "agronomist", conv.Role)
	assert.Equal(t, models.ImageSentinel, conv.LastMessage)
}

func TestRecent_NoConversations(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/chat/recent/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPresence(t *testing.T) {
	mr := miniredis.RunT(t)
	rs, err := store.NewRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })

	seen := time.Date(2026, 6, 1, 7, 0, 0, 0, time.UTC)
	require.NoError(t, rs.MarkOnline(context.Background(), 5, "other-instance", "conn-1", seen))

	env := newTestEnv(t, rs)
	env.registry.Register(1, &pushConn{})

	var resp PresenceResponse
	rec := env.do(t, http.MethodGet, "/api/chat/presence/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Online)
	assert.True(t, resp.Local)

	rec = env.do(t, http.MethodGet, "/api/chat/presence/5", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Online)
	assert.False(t, resp.Local)
	assert.Equal(t, seen.Format(time.RFC3339), resp.LastSeen)

	rec = env.do(t, http.MethodGet, "/api/chat/presence/9", nil)
	resp = PresenceResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Online)
	assert.Empty(t, resp.LastSeen)
}

func TestHealthAndStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/chat/send", SendMessageRequest{SenderID: 1, ReceiverID: 2, Message: "hi"})

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "pass", health.Checks["database"].Status)
	assert.Equal(t, "skip", health.Checks["redis"].Status)

	rec = env.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalMessages)
	assert.Equal(t, int64(1), stats.TotalConversations)
	assert.Equal(t, "just now", stats.LastActivity)
}

func TestFormatTimeAgo(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "just now", formatTimeAgo(now.Add(-10*time.Second)))
	assert.Equal(t, "1 minute ago", formatTimeAgo(now.Add(-90*time.Second)))
	assert.Equal(t, "5 hours ago", formatTimeAgo(now.Add(-5*time.Hour-time.Minute)))
	assert.Equal(t, "2 days ago", formatTimeAgo(now.Add(-49*time.Hour)))
}
