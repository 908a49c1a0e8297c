package delivery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/farmchat/internal/models"
	"github.com/eldtechnologies/farmchat/internal/presence"
	"github.com/eldtechnologies/farmchat/internal/protocol"
)

// indexEntry is the last-message row kept per user pair. User1ID is the smaller id.
type indexEntry struct {
	User1ID         models.UserID
	User2ID         models.UserID
	LastMessage     string
	LastMessageTime time.Time
	LastMessageID   int64
}

// memStore is an in-memory Store with the same upsert semantics as the SQL stores.
type memStore struct {
	mu          sync.Mutex
	nextID      int64
	messages    []models.Message
	index       map[[2]models.UserID]indexEntry
	appendErr   error
	upsertErrs  int // number of upsert calls to fail before succeeding
	upsertCalls int
	events      *[]string
}

func newMemStore() *memStore {
	return &memStore{index: make(map[[2]models.UserID]indexEntry)}
}

func (s *memStore) AppendMessage(ctx context.Context, senderID, receiverID models.UserID, content string, image []byte, at time.Time) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events != nil {
		*s.events = append(*s.events, "append")
	}
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	s.nextID++
	msg := models.Message{ID: s.nextID, SenderID: senderID, ReceiverID: receiverID, Content: content, Image: image, CreatedAt: at}
	s.messages = append(s.messages, msg)
	return &msg, nil
}

func (s *memStore) UpsertConversation(ctx context.Context, a, b models.UserID, lastMessage string, at time.Time, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	if s.upsertErrs > 0 {
		s.upsertErrs--
		return errors.New("index unavailable")
	}
	lo, hi := models.CanonicalPair(a, b)
	key := [2]models.UserID{lo, hi}
	cur, ok := s.index[key]
	if ok && (cur.LastMessageTime.After(at) || (cur.LastMessageTime.Equal(at) && cur.LastMessageID > messageID)) {
		return nil
	}
	s.index[key] = indexEntry{User1ID: lo, User2ID: hi, LastMessage: lastMessage, LastMessageTime: at, LastMessageID: messageID}
	return nil
}

func (s *memStore) history(a, b models.UserID) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) summary(a, b models.UserID) (indexEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo, hi := models.CanonicalPair(a, b)
	sum, ok := s.index[[2]models.UserID{lo, hi}]
	return sum, ok
}

type recordingConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	err    error
	events *[]string
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		*c.events = append(*c.events, "push")
	}
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *recordingConn) received(t *testing.T) []protocol.ReceiveMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ReceiveMessage, 0, len(c.frames))
	for _, f := range c.frames {
		ev, err := protocol.Decode(f)
		require.NoError(t, err)
		out = append(out, ev.(protocol.ReceiveMessage))
	}
	return out
}

type fakeRelay struct {
	published []models.UserID
	err       error
}

func (r *fakeRelay) Publish(ctx context.Context, receiverID models.UserID, event []byte) error {
	r.published = append(r.published, receiverID)
	return r.err
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestRouter(st *memStore, reg *presence.Registry, opts Options) *Router {
	if opts.Now == nil {
		c := &clock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
		opts.Now = c.Now
	}
	opts.IndexRetryBackoff = time.Millisecond
	return NewRouter(reg, st, zerolog.Nop(), opts)
}

func TestSend_RecipientOnline(t *testing.T) {
	st := newMemStore()
	reg := presence.NewRegistry()
	bob := &recordingConn{id: "bob"}
	reg.Register(2, bob)
	r := newTestRouter(st, reg, Options{})

	msg, err := r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Content: "hello"})
	require.NoError(t, err)

	got := bob.received(t)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Message)
	assert.Equal(t, models.UserID(1), got[0].SenderID)
	assert.True(t, got[0].Timestamp.Equal(msg.CreatedAt))

	history := st.history(1, 2)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)

	sum, ok := st.summary(2, 1)
	require.True(t, ok)
	assert.Equal(t, "hello", sum.LastMessage)
	assert.True(t, sum.LastMessageTime.Equal(msg.CreatedAt))
}

func TestSend_RecipientOffline(t *testing.T) {
	st := newMemStore()
	reg := presence.NewRegistry()
	alice := &recordingConn{id: "alice"}
	reg.Register(1, alice)
	r := newTestRouter(st, reg, Options{})

	_, err := r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Content: "hi"})
	require.NoError(t, err)

	assert.Empty(t, alice.received(t))
	assert.Len(t, st.history(2, 1), 1)
	sum, ok := st.summary(1, 2)
	require.True(t, ok)
	assert.Equal(t, "hi", sum.LastMessage)
}

func TestSend_ReplyAdvancesIndex(t *testing.T) {
	st := newMemStore()
	r := newTestRouter(st, presence.NewRegistry(), Options{})
	ctx := context.Background()

	m1, err := r.Send(ctx, SendRequest{SenderID: 1, ReceiverID: 2, Content: "first"})
	require.NoError(t, err)
	m2, err := r.Send(ctx, SendRequest{SenderID: 2, ReceiverID: 1, Content: "second"})
	require.NoError(t, err)
	require.True(t, m1.CreatedAt.Before(m2.CreatedAt))

	sum, ok := st.summary(1, 2)
	require.True(t, ok)
	assert.Equal(t, "second", sum.LastMessage)
	assert.True(t, sum.LastMessageTime.Equal(m2.CreatedAt))
}

func TestSend_AfterDisconnectBehavesOffline(t *testing.T) {
	st := newMemStore()
	reg := presence.NewRegistry()
	alice := &recordingConn{id: "alice"}
	reg.Register(1, alice)
	reg.RemoveByConnection(alice)
	r := newTestRouter(st, reg, Options{})

	_, ok := reg.Lookup(1)
	require.False(t, ok)

	_, err := r.Send(context.Background(), SendRequest{SenderID: 2, ReceiverID: 1, Content: "are you there?"})
	require.NoError(t, err)
	assert.Empty(t, alice.received(t))
	assert.Len(t, st.history(1, 2), 1)
}

func TestSend_ImageOnlyUsesSentinel(t *testing.T) {
	st := newMemStore()
	r := newTestRouter(st, presence.NewRegistry(), Options{})

	msg, err := r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Image: []byte{0x89, 0x50}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50}, msg.Image)

	sum, _ := st.summary(1, 2)
	assert.Equal(t, models.ImageSentinel, sum.LastMessage)
}

func TestSend_BlankTextWithImageUsesSentinel(t *testing.T) {
	st := newMemStore()
	r := newTestRouter(st, presence.NewRegistry(), Options{})

	_, err := r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Content: "   ", Image: []byte{1, 2}})
	require.NoError(t, err)

	sum, ok := st.summary(1, 2)
	require.True(t, ok)
	assert.Equal(t, models.ImageSentinel, sum.LastMessage)
}

func TestSend_Validation(t *testing.T) {
	st := newMemStore()
	r := newTestRouter(st, presence.NewRegistry(), Options{})

	long := make([]rune, MaxContentLength+1)
	for i := range long {
		long[i] = 'a'
	}

	cases := map[string]SendRequest{
		"missing sender":   {ReceiverID: 2, Content: "x"},
		"missing receiver": {SenderID: 1, Content: "x"},
		"self":             {SenderID: 1, ReceiverID: 1, Content: "x"},
		"empty":            {SenderID: 1, ReceiverID: 2, Content: "   "},
		"too long":         {SenderID: 1, ReceiverID: 2, Content: string(long)},
	}
	for name, req := range cases {
		_, err := r.Send(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidMessage, name)
	}
	assert.Empty(t, st.messages)
}

func TestSend_LivePushFailureIsNotFatal(t *testing.T) {
	st := newMemStore()
	reg := presence.NewRegistry()
	reg.Register(2, &recordingConn{id: "bob", err: presence.ErrSendBufferFull})
	r := newTestRouter(st, reg, Options{})

	msg, err := r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Content: "hello"})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Len(t, st.history(1, 2), 1)
}

func TestSend_PersistFailureSkipsIndex(t *testing.T) {
	st := newMemStore()
	st.appendErr = errors.New("connection refused")
	r := newTestRouter(st, presence.NewRegistry(), Options{})

	_, err := r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Content: "hello"})
	require.ErrorIs(t, err, ErrPersistFailed)
	assert.Zero(t, st.upsertCalls)
	_, ok := st.summary(1, 2)
	assert.False(t, ok)
}

func TestSend_IndexFailureRetried(t *testing.T) {
	st := newMemStore()
	st.upsertErrs = 2
	r := newTestRouter(st, presence.NewRegistry(), Options{IndexRetries: 3})

	_, err := r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 3, st.upsertCalls)
	_, ok := st.summary(1, 2)
	assert.True(t, ok)
}

func TestSend_IndexFailureExhaustedStillSucceeds(t *testing.T) {
	st := newMemStore()
	st.upsertErrs = 10
	r := newTestRouter(st, presence.NewRegistry(), Options{IndexRetries: 2})

	msg, err := r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Content: "hello"})
	require.NoError(t, err)
	assert.NotNil(t, msg)
	assert.Equal(t, 2, st.upsertCalls)
	assert.Len(t, st.history(1, 2), 1)
}

func TestSend_PushOrdering(t *testing.T) {
	for _, persistFirst := range []bool{false, true} {
		var events []string
		st := newMemStore()
		st.events = &events
		reg := presence.NewRegistry()
		reg.Register(2, &recordingConn{id: "bob", events: &events})
		r := newTestRouter(st, reg, Options{PersistBeforePush: persistFirst})

		_, err := r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Content: "x"})
		require.NoError(t, err)

		if persistFirst {
			assert.Equal(t, []string{"append", "push"}, events)
		} else {
			assert.Equal(t, []string{"push", "append"}, events)
		}
	}
}

func TestSend_PersistBeforePushSkipsPushOnFailure(t *testing.T) {
	st := newMemStore()
	st.appendErr = errors.New("disk full")
	reg := presence.NewRegistry()
	bob := &recordingConn{id: "bob"}
	reg.Register(2, bob)
	r := newTestRouter(st, reg, Options{PersistBeforePush: true})

	_, err := r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Content: "x"})
	require.ErrorIs(t, err, ErrPersistFailed)
	assert.Empty(t, bob.received(t))
}

func TestSend_CancelledContextStillPersists(t *testing.T) {
	st := newMemStore()
	r := newTestRouter(st, presence.NewRegistry(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Send(ctx, SendRequest{SenderID: 1, ReceiverID: 2, Content: "late"})
	require.NoError(t, err)
	assert.Len(t, st.history(1, 2), 1)
}

func TestSend_RelayWhenRecipientNotLocal(t *testing.T) {
	st := newMemStore()
	reg := presence.NewRegistry()
	bob := &recordingConn{id: "bob"}
	reg.Register(2, bob)
	relay := &fakeRelay{}
	r := newTestRouter(st, reg, Options{})
	r.SetRelay(relay)

	_, err := r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 3, Content: "remote"})
	require.NoError(t, err)
	_, err = r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Content: "local"})
	require.NoError(t, err)

	assert.Equal(t, []models.UserID{3}, relay.published)
	assert.Len(t, bob.received(t), 1)
}

func TestSend_RelayFailureIsNotFatal(t *testing.T) {
	st := newMemStore()
	r := newTestRouter(st, presence.NewRegistry(), Options{})
	r.SetRelay(&fakeRelay{err: errors.New("nats: connection closed")})

	_, err := r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 3, Content: "remote"})
	require.NoError(t, err)
	assert.Len(t, st.history(1, 3), 1)
}

func TestSend_ConcurrentBothDirectionsConverge(t *testing.T) {
	st := newMemStore()
	reg := presence.NewRegistry()
	alice := &recordingConn{id: "alice"}
	bob := &recordingConn{id: "bob"}
	reg.Register(1, alice)
	reg.Register(2, bob)
	r := newTestRouter(st, reg, Options{})

	const perSide = 25
	var wg sync.WaitGroup
	for i := 0; i < perSide; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.Send(context.Background(), SendRequest{SenderID: 1, ReceiverID: 2, Content: "a->b"})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := r.Send(context.Background(), SendRequest{SenderID: 2, ReceiverID: 1, Content: "b->a"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history := st.history(1, 2)
	require.Len(t, history, 2*perSide)
	latest := history[len(history)-1]
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt))
	}

	sum, ok := st.summary(1, 2)
	require.True(t, ok)
	assert.True(t, sum.LastMessageTime.Equal(latest.CreatedAt))
	assert.Equal(t, latest.Content, sum.LastMessage)

	assert.Len(t, alice.received(t), perSide)
	assert.Len(t, bob.received(t), perSide)
}
