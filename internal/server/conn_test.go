package server

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/internal/session"
	sttmock "github.com/parley-ai/parley/pkg/provider/stt/mock"
	"github.com/parley-ai/parley/pkg/provider/vad"
	"github.com/parley-ai/parley/pkg/types"
)

func wsRequest(headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestHandleClientWS_MissingAppID(t *testing.T) {
	s, _ := newControlSurface(t)
	s.authenticate = func(string) bool { return true }

	rr := httptest.NewRecorder()
	s.handleClientWS(rr, wsRequest(nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "x-app-id")
}

func TestHandleClientWS_RejectedAPIKey(t *testing.T) {
	s, _ := newControlSurface(t)
	s.authenticate = func(key string) bool { return key == "open-sesame" }

	rr := httptest.NewRecorder()
	s.handleClientWS(rr, wsRequest(map[string]string{
		"x-app-id":  "app-1",
		"x-api-key": "wrong",
	}))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid api key")
}

func TestHandleClientWS_ConnectionLimit(t *testing.T) {
	s, _ := newControlSurface(t)
	s.authenticate = func(string) bool { return true }
	s.cfg.Limits.MaxConnections = 1
	s.serverMetrics.ConnectionOpened()

	rr := httptest.NewRecorder()
	s.handleClientWS(rr, wsRequest(map[string]string{"x-app-id": "app-1"}))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "connection limit")
}

// stubVADEngine hands out recording sessions so tests can see which stream's
// audio reached which VAD session.
type stubVADEngine struct {
	mu       sync.Mutex
	sessions []*stubVADSession
}

func (e *stubVADEngine) NewSession(vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &stubVADSession{}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *stubVADEngine) all() []*stubVADSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*stubVADSession, len(e.sessions))
	copy(out, e.sessions)
	return out
}

type stubVADSession struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (s *stubVADSession) ProcessChunk(pcm []byte) ([]types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.chunks = append(s.chunks, cp)
	return nil, nil
}

func (s *stubVADSession) WindowSize() int { return 512 }
func (s *stubVADSession) Reset()          {}

func (s *stubVADSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubVADSession) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *stubVADSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// newAudioConn builds a clientConn over a mock provider stack. The audio
// handlers never write frames on their success paths, so no WebSocket is
// needed.
func newAudioConn(t *testing.T) (*clientConn, *sttmock.Provider, *stubVADEngine, *session.Store) {
	t.Helper()
	s, store := newControlSurface(t)
	sttProv := &sttmock.Provider{}
	engine := &stubVADEngine{}
	s.sttProvider = sttProv
	s.vadEngine = engine
	s.otelMetrics = observe.DefaultMetrics()

	c := &clientConn{
		srv:       s,
		connID:    "conn-1",
		appID:     "app",
		logger:    slog.Default(),
		pipelines: make(map[string]*audioPipeline),
	}
	return c, sttProv, engine, store
}

func pcmChunk(pcm []byte) *protocol.ClientAudioChunk {
	return &protocol.ClientAudioChunk{Chunk: base64.StdEncoding.EncodeToString(pcm)}
}

func TestAudioPipelines_SessionsIsolatedOnOneConnection(t *testing.T) {
	c, sttProv, engine, store := newAudioConn(t)
	ctx := context.Background()

	sessA := store.Create(ctx, "app")
	sessB := store.Create(ctx, "app")
	start := &protocol.ClientAudioStart{SampleRate: 16000, Encoding: protocol.EncodingPCM16}
	require.NoError(t, c.handleAudioStart(ctx, sessA, start))
	require.NoError(t, c.handleAudioStart(ctx, sessB, start))

	streams := sttProv.Sessions()
	require.Len(t, streams, 2)
	vads := engine.all()
	require.Len(t, vads, 2)
	vadA, vadB := vads[0], vads[1]

	require.NoError(t, c.handleAudioChunk(ctx, sessA, pcmChunk([]byte{1, 0, 1, 0})))
	require.NoError(t, c.handleAudioChunk(ctx, sessB, pcmChunk([]byte{2, 0, 2, 0})))

	// Each session's audio drives its own VAD session and upstream stream.
	assert.Equal(t, 1, vadA.chunkCount())
	assert.Equal(t, 1, vadB.chunkCount())
	assert.Eventually(t, func() bool { return len(streams[0].Audio()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(streams[1].Audio()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{1, 0, 1, 0}, streams[0].Audio()[0])
	assert.Equal(t, []byte{2, 0, 2, 0}, streams[1].Audio()[0])

	// Ending A's stream must not tear down B's pipeline.
	require.NoError(t, c.handleAudioEnd(ctx, sessA, &protocol.ClientAudioEnd{}))
	assert.True(t, vadA.isClosed())
	assert.False(t, vadB.isClosed())

	require.NoError(t, c.handleAudioChunk(ctx, sessB, pcmChunk([]byte{3, 0, 3, 0})))
	assert.Equal(t, 2, vadB.chunkCount())
	assert.Eventually(t, func() bool { return len(streams[1].Audio()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestTeardown_StopsEveryPipeline(t *testing.T) {
	c, sttProv, engine, store := newAudioConn(t)
	ctx := context.Background()

	sessA := store.Create(ctx, "app")
	sessB := store.Create(ctx, "app")
	start := &protocol.ClientAudioStart{SampleRate: 16000, Encoding: protocol.EncodingPCM16}
	require.NoError(t, c.handleAudioStart(ctx, sessA, start))
	require.NoError(t, c.handleAudioStart(ctx, sessB, start))

	c.teardown()

	for _, v := range engine.all() {
		assert.True(t, v.isClosed())
	}
	for _, s := range sttProv.Sessions() {
		assert.True(t, s.Closed())
	}
	assert.Nil(t, sessA.Recognition())
	assert.Nil(t, sessB.Recognition())
}

func TestHandleAudioStart_SecondStartRejected(t *testing.T) {
	c, sttProv, _, store := newAudioConn(t)
	ctx := context.Background()

	sess := store.Create(ctx, "app")
	start := &protocol.ClientAudioStart{SampleRate: 16000, Encoding: protocol.EncodingPCM16}
	require.NoError(t, c.handleAudioStart(ctx, sess, start))

	err := c.handleAudioStart(ctx, sess, start)
	require.Error(t, err)

	// The rejected attempt leaves no half-built pipeline behind: only the
	// original stream is open and it still accepts audio.
	assert.Len(t, sttProv.Sessions(), 1)
	c.audioMu.Lock()
	assert.Len(t, c.pipelines, 1)
	c.audioMu.Unlock()
	require.NoError(t, c.handleAudioChunk(ctx, sess, pcmChunk([]byte{1, 0})))
}
