package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/pkg/types"
)

func msg(role, content string) types.Message {
	return types.Message{Role: role, Content: content}
}

// stubRecognizer records PushAudio and Stop calls.
type stubRecognizer struct {
	mu      sync.Mutex
	chunks  [][]byte
	stopped bool
}

func (r *stubRecognizer) PushAudio(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *stubRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return nil
}

func (r *stubRecognizer) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	s := NewStore(bus.New(nil), nil, opts...)
	t.Cleanup(s.Close)
	return s
}

func TestStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)

	sess := s.Create(context.Background(), "app-1")
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, "app-1", sess.AppID)

	got, ok := s.Get(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, 1, s.Len())
}

func TestStore_CreateWithIDIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	first := s.CreateWithID(context.Background(), "client-chosen", "app-1")
	second := s.CreateWithID(context.Background(), "client-chosen", "app-2")
	assert.Same(t, first, second)
	assert.Equal(t, "app-1", second.AppID, "existing session is returned unchanged")
	assert.Equal(t, 1, s.Len())
}

func TestStore_CreatePublishesEvent(t *testing.T) {
	events := bus.New(nil)
	var mu sync.Mutex
	var got []bus.Event
	events.Subscribe(func(_ context.Context, ev bus.Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	})

	s := NewStore(events, nil)
	t.Cleanup(s.Close)

	sess := s.Create(context.Background(), "app-1")
	s.Destroy(context.Background(), sess.ID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, bus.EventSessionCreated, got[0].EventType)
	assert.Equal(t, "app-1", got[0].Data["app_id"])
	assert.Equal(t, bus.EventSessionDestroyed, got[1].EventType)
}

func TestStore_DestroyStopsRecognition(t *testing.T) {
	s := newTestStore(t)
	sess := s.Create(context.Background(), "app-1")

	rec := &stubRecognizer{}
	require.NoError(t, sess.StartAudio(16000, "PCM16", rec))

	s.Destroy(context.Background(), sess.ID)
	assert.True(t, rec.Stopped())
	_, ok := s.Get(sess.ID)
	assert.False(t, ok)
}

func TestStore_DestroyUnknownIsNoop(t *testing.T) {
	s := newTestStore(t)
	s.Destroy(context.Background(), "ghost")
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := newTestStore(t)

	a := s.Create(context.Background(), "app")
	time.Sleep(2 * time.Millisecond)
	b := s.Create(context.Background(), "app")

	list := s.List()
	require.Len(t, list, 2)
	assert.Same(t, b, list[0])
	assert.Same(t, a, list[1])
}

func TestStore_CloseDestroysEverything(t *testing.T) {
	s := NewStore(bus.New(nil), nil)
	s.Create(context.Background(), "app")
	s.Create(context.Background(), "app")

	s.Close()
	assert.Equal(t, 0, s.Len())
	s.Close() // idempotent
}

func TestSession_AppendAndConversationCopy(t *testing.T) {
	sess := New("s-1", "app")
	sess.Append(
		msg("user", "hi"),
		msg("assistant", "hello"),
	)

	conv := sess.Conversation()
	require.Len(t, conv, 2)
	conv[0].Content = "mutated"
	assert.Equal(t, "hi", sess.Conversation()[0].Content)
}

func TestSession_HasSystemMessage(t *testing.T) {
	sess := New("s-1", "app")
	assert.False(t, sess.HasSystemMessage())
	sess.Append(msg("system", "be brief"))
	assert.True(t, sess.HasSystemMessage())
}

func TestSession_Reset(t *testing.T) {
	sess := New("s-1", "app")
	sess.Append(msg("user", "hi"))
	sess.Reset()
	assert.Empty(t, sess.Conversation())
}

func TestSession_AudioLifecycle(t *testing.T) {
	sess := New("s-1", "app")
	rec := &stubRecognizer{}

	require.NoError(t, sess.StartAudio(16000, "PCM16", rec))
	rate, enc, active := sess.AudioParams()
	assert.Equal(t, 16000, rate)
	assert.Equal(t, "PCM16", enc)
	assert.True(t, active)
	assert.NotNil(t, sess.Recognition())

	// A second stream on the same session is rejected.
	assert.Error(t, sess.StartAudio(8000, "PCM8", &stubRecognizer{}))

	got := sess.EndAudio()
	assert.Same(t, rec, Recognizer(got))
	assert.Nil(t, sess.Recognition())
	assert.Nil(t, sess.EndAudio(), "second EndAudio returns nil")
}

func TestSession_TouchUpdatesActivity(t *testing.T) {
	sess := New("s-1", "app")
	before := sess.LastActivity()
	time.Sleep(2 * time.Millisecond)
	sess.Touch()
	assert.True(t, sess.LastActivity().After(before))
}
