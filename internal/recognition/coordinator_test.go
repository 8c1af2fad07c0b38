package recognition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/provider/stt"
	sttmock "github.com/parley-ai/parley/pkg/provider/stt/mock"
	"github.com/parley-ai/parley/pkg/types"
)

// fixedDetector always returns the same end-of-utterance score.
type fixedDetector struct {
	score     float64
	threshold float64
}

func (d fixedDetector) PredictEndOfTurn(context.Context, []types.Message) float64 { return d.score }
func (d fixedDetector) Threshold() float64                                        { return d.threshold }

// collector gathers coordinator callbacks for assertions.
type collector struct {
	mu          sync.Mutex
	transcripts []types.Transcript
	turns       []string
	errs        []error
	turnCh      chan string
}

func newCollector() *collector {
	return &collector{turnCh: make(chan string, 8)}
}

func (c *collector) onTranscript(t types.Transcript) {
	c.mu.Lock()
	c.transcripts = append(c.transcripts, t)
	c.mu.Unlock()
}

func (c *collector) onTurnEnd(transcript string) {
	c.mu.Lock()
	c.turns = append(c.turns, transcript)
	c.mu.Unlock()
	c.turnCh <- transcript
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *collector) waitTurn(t *testing.T) string {
	t.Helper()
	select {
	case turn := <-c.turnCh:
		return turn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a committed turn")
		return ""
	}
}

func (c *collector) errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func newRunning(t *testing.T, provider *sttmock.Provider, col *collector, opts func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{
		STT:          provider,
		Stream:       stt.StreamConfig{SampleRate: 16000, Encoding: "PCM16"},
		OnTranscript: col.onTranscript,
		OnTurnEnd:    col.onTurnEnd,
		OnError:      col.onError,
		MinDelay:     20 * time.Millisecond,
		MaxDelay:     150 * time.Millisecond,
	}
	if opts != nil {
		opts(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func final(text string) types.Transcript {
	return types.Transcript{Text: text, IsFinal: true}
}

func interim(text string) types.Transcript {
	return types.Transcript{Text: text}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{STT: &sttmock.Provider{}})
	assert.Error(t, err, "callbacks are required")
}

func TestStart_StreamFailure(t *testing.T) {
	provider := &sttmock.Provider{StartErr: errors.New("dial refused")}
	col := newCollector()
	c, err := New(Config{
		STT:          provider,
		OnTranscript: col.onTranscript,
		OnTurnEnd:    col.onTurnEnd,
	})
	require.NoError(t, err)

	err = c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial refused")
}

func TestPushAudio_ReachesSTTStream(t *testing.T) {
	provider := &sttmock.Provider{}
	col := newCollector()
	c := newRunning(t, provider, col, nil)

	require.NoError(t, c.PushAudio([]byte{1, 2, 3}))
	require.NoError(t, c.PushAudio([]byte{4, 5}))

	sess := provider.Sessions()[0]
	require.Eventually(t, func() bool {
		return len(sess.Audio()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{1, 2, 3}, sess.Audio()[0])
}

func TestPushAudio_BeforeStart(t *testing.T) {
	col := newCollector()
	c, err := New(Config{
		STT:          &sttmock.Provider{},
		OnTranscript: col.onTranscript,
		OnTurnEnd:    col.onTurnEnd,
	})
	require.NoError(t, err)
	assert.Error(t, c.PushAudio([]byte{1}))
}

func TestFinals_AccumulateAndCommit(t *testing.T) {
	provider := &sttmock.Provider{}
	col := newCollector()
	c := newRunning(t, provider, col, func(cfg *Config) {
		cfg.Detector = fixedDetector{score: 0.9, threshold: 0.6}
	})

	sess := provider.Sessions()[0]
	sess.Emit(final("book a table"))
	sess.Emit(final("for two people"))

	turn := col.waitTurn(t)
	assert.Equal(t, "book a table for two people", turn, "finals are space-joined")

	acc, _ := c.Transcript()
	assert.Empty(t, acc, "accumulator clears before the callback fires")
}

func TestInterim_ReplacesPreviousHypothesis(t *testing.T) {
	provider := &sttmock.Provider{}
	col := newCollector()
	c := newRunning(t, provider, col, func(cfg *Config) {
		// Keep the commit far away so the interim state is observable.
		cfg.MinDelay = time.Minute
		cfg.MaxDelay = time.Minute
	})

	sess := provider.Sessions()[0]
	sess.Emit(interim("book a"))
	sess.Emit(interim("book a table"))

	require.Eventually(t, func() bool {
		_, i := c.Transcript()
		return i == "book a table"
	}, time.Second, 5*time.Millisecond)

	col.mu.Lock()
	defer col.mu.Unlock()
	assert.Len(t, col.transcripts, 2, "every hypothesis reaches the client callback")
	assert.Empty(t, col.turns)
}

func TestDetector_IncompleteUtteranceWaitsLonger(t *testing.T) {
	provider := &sttmock.Provider{}
	col := newCollector()
	c := newRunning(t, provider, col, func(cfg *Config) {
		cfg.Detector = fixedDetector{score: 0.1, threshold: 0.6}
		cfg.MinDelay = 10 * time.Millisecond
		cfg.MaxDelay = 300 * time.Millisecond
	})
	_ = c

	start := time.Now()
	provider.Sessions()[0].Emit(final("I want pizza and"))
	col.waitTurn(t)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestVADStart_CancelsPendingCommit(t *testing.T) {
	provider := &sttmock.Provider{}
	col := newCollector()
	c := newRunning(t, provider, col, func(cfg *Config) {
		cfg.MinDelay = 80 * time.Millisecond
		cfg.MaxDelay = 80 * time.Millisecond
	})

	sess := provider.Sessions()[0]
	sess.Emit(final("so about that"))

	// Let the commit arm, then signal that the user resumed talking.
	require.Eventually(t, func() bool {
		acc, _ := c.Transcript()
		return acc == "so about that"
	}, time.Second, 5*time.Millisecond)
	c.HandleVADEvent(types.VADEvent{Type: types.VADStartOfSpeech})

	time.Sleep(200 * time.Millisecond)
	col.mu.Lock()
	assert.Empty(t, col.turns, "no commit while the user is speaking")
	col.mu.Unlock()

	// Silence re-arms the commit with the same transcript.
	c.HandleVADEvent(types.VADEvent{Type: types.VADEndOfSpeech})
	assert.Equal(t, "so about that", col.waitTurn(t))
}

func TestNewFinal_ReArmsCommitWithFullTranscript(t *testing.T) {
	provider := &sttmock.Provider{}
	col := newCollector()
	c := newRunning(t, provider, col, func(cfg *Config) {
		cfg.MinDelay = 60 * time.Millisecond
		cfg.MaxDelay = 60 * time.Millisecond
	})
	_ = c

	sess := provider.Sessions()[0]
	sess.Emit(final("first part"))
	time.Sleep(20 * time.Millisecond)
	sess.Emit(final("second part"))

	assert.Equal(t, "first part second part", col.waitTurn(t))
	col.mu.Lock()
	assert.Len(t, col.turns, 1, "the first commit was superseded, not doubled")
	col.mu.Unlock()
}

func TestStop_PreventsCommit(t *testing.T) {
	provider := &sttmock.Provider{}
	col := newCollector()
	c := newRunning(t, provider, col, func(cfg *Config) {
		cfg.MinDelay = 50 * time.Millisecond
		cfg.MaxDelay = 50 * time.Millisecond
	})

	sess := provider.Sessions()[0]
	sess.Emit(final("half finished thought"))
	require.Eventually(t, func() bool {
		acc, _ := c.Transcript()
		return acc != ""
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())
	assert.True(t, sess.Closed())

	time.Sleep(120 * time.Millisecond)
	col.mu.Lock()
	assert.Empty(t, col.turns)
	col.mu.Unlock()
}

func TestStreamEndingUnexpectedlyReportsError(t *testing.T) {
	provider := &sttmock.Provider{}
	col := newCollector()
	c := newRunning(t, provider, col, nil)
	_ = c

	// Closing the session without Stop simulates the upstream dropping.
	require.NoError(t, provider.Sessions()[0].Close())

	require.Eventually(t, func() bool {
		return len(col.errors()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, col.errors()[0].Error(), "ended unexpectedly")
}

func TestClearUserTurn(t *testing.T) {
	provider := &sttmock.Provider{}
	col := newCollector()
	c := newRunning(t, provider, col, func(cfg *Config) {
		cfg.MinDelay = time.Minute
		cfg.MaxDelay = time.Minute
	})

	provider.Sessions()[0].Emit(final("scratch that"))
	require.Eventually(t, func() bool {
		acc, _ := c.Transcript()
		return acc == "scratch that"
	}, time.Second, 5*time.Millisecond)

	c.ClearUserTurn()
	acc, interim := c.Transcript()
	assert.Empty(t, acc)
	assert.Empty(t, interim)
}

func TestStop_BeforeStart(t *testing.T) {
	// A coordinator abandoned before Start (the stream it was built for was
	// rejected) is released by Stop alone.
	provider := &sttmock.Provider{}
	col := newCollector()
	c, err := New(Config{
		STT:          provider,
		OnTranscript: col.onTranscript,
		OnTurnEnd:    col.onTurnEnd,
	})
	require.NoError(t, err)

	require.NoError(t, c.Stop())

	// Stopped coordinators never open a stream and reject audio.
	require.NoError(t, c.Start(context.Background()))
	assert.Empty(t, provider.Sessions())
	assert.Error(t, c.PushAudio([]byte{0}))
}
