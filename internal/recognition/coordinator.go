// Package recognition implements the per-session audio pipeline: it feeds
// raw PCM to the streaming STT provider, accumulates final transcripts into
// an in-progress user turn, reacts to VAD events, and commits the turn to the
// agent loop after an adaptive endpointing delay.
//
// Endpointing balances latency against interrupting the user: when the turn
// detector judges the utterance complete the delay is short, otherwise the
// coordinator waits long enough for the user to continue. Two rules drive
// commits:
//
//  1. The turn is committed with the transcript as it stands after the delay,
//     never before, so finals arriving during the delay are not lost.
//  2. Every new final transcript re-arms the decision: the in-flight commit
//     is cancelled and a fresh one starts with the updated transcript.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/provider/turn"
	"github.com/parley-ai/parley/pkg/types"
)

const (
	// defaultMinDelay applies when the utterance looks complete.
	defaultMinDelay = 500 * time.Millisecond

	// defaultMaxDelay applies when the user is likely mid-thought.
	defaultMaxDelay = 3 * time.Second

	// audioQueueSize bounds the frames buffered ahead of the STT stream.
	audioQueueSize = 256

	// stopGrace bounds how long Stop waits for the workers to drain before
	// forcing cancellation.
	stopGrace = 2 * time.Second
)

// Config assembles a Coordinator.
type Config struct {
	// STT opens the upstream transcription stream.
	STT stt.Provider

	// Stream holds the audio parameters for the STT session.
	Stream stt.StreamConfig

	// Detector scores end-of-utterance probability. Nil means every commit
	// decision uses MinDelay.
	Detector turn.Detector

	// History supplies the conversation so far for the detector. May be nil.
	History func() []types.Message

	// OnTranscript receives every interim and final transcript for client
	// delivery. Required.
	OnTranscript func(t types.Transcript)

	// OnTurnEnd receives the committed user turn. Required.
	OnTurnEnd func(transcript string)

	// OnError receives pipeline failures. The coordinator is torn down after
	// reporting; the caller may recreate it. Optional.
	OnError func(err error)

	// MinDelay and MaxDelay bound the endpointing wait. Zero values use the
	// defaults (0.5 s and 3 s).
	MinDelay time.Duration
	MaxDelay time.Duration

	Logger *slog.Logger
}

// Coordinator owns one audio stream's pipeline. Create with New, feed with
// PushAudio and HandleVADEvent, stop with Stop.
type Coordinator struct {
	cfg Config

	baseCtx context.Context
	cancel  context.CancelFunc

	audioQueue chan []byte

	mu                sync.Mutex
	started           bool
	stopped           bool
	audioTranscript   string
	interimTranscript string
	speaking          bool
	lastFinalAt       time.Time
	eouCancel         context.CancelFunc
	eouGen            uint64

	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

// New creates a Coordinator. Start must be called before audio is pushed.
func New(cfg Config) (*Coordinator, error) {
	if cfg.STT == nil {
		return nil, errors.New("recognition: STT provider is required")
	}
	if cfg.OnTranscript == nil || cfg.OnTurnEnd == nil {
		return nil, errors.New("recognition: OnTranscript and OnTurnEnd callbacks are required")
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = defaultMinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		baseCtx:    ctx,
		cancel:     cancel,
		audioQueue: make(chan []byte, audioQueueSize),
		logger:     logger.With("component", "recognition"),
	}, nil
}

// Start opens the STT stream and launches the pump and consume workers.
// Calling Start again on a running coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	handle, err := c.cfg.STT.StartStream(ctx, c.cfg.Stream)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return fmt.Errorf("recognition: open stt stream: %w", err)
	}

	c.wg.Add(2)
	go c.pumpLoop(handle)
	go c.consumeLoop(handle)
	return nil
}

// PushAudio enqueues one PCM chunk for the STT stream. It blocks only on the
// queue's backpressure bound.
func (c *Coordinator) PushAudio(chunk []byte) error {
	c.mu.Lock()
	stopped := c.stopped || !c.started
	c.mu.Unlock()
	if stopped {
		return errors.New("recognition: coordinator is not running")
	}

	select {
	case c.audioQueue <- chunk:
		return nil
	case <-c.baseCtx.Done():
		return errors.New("recognition: coordinator is shutting down")
	}
}

// HandleVADEvent reacts to one VAD decision for the session's audio.
func (c *Coordinator) HandleVADEvent(ev types.VADEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	switch ev.Type {
	case types.VADStartOfSpeech:
		c.speaking = true
		// The user resumed talking; a pending commit would cut them off.
		c.cancelEOULocked()
	case types.VADEndOfSpeech:
		c.speaking = false
		if strings.TrimSpace(c.audioTranscript) != "" {
			c.scheduleEOULocked()
		}
	case types.VADContinuing:
	}
}

// ClearUserTurn zeroes the in-progress turn accumulator.
func (c *Coordinator) ClearUserTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioTranscript = ""
	c.interimTranscript = ""
	c.lastFinalAt = time.Time{}
}

// Transcript returns the accumulated final transcript and the latest interim
// hypothesis for the in-progress turn.
func (c *Coordinator) Transcript() (accumulated, interim string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioTranscript, c.interimTranscript
}

// Stop drains the audio queue through a sentinel, closes the STT stream, and
// waits up to a short grace period before forcing cancellation. No turn is
// committed once Stop has returned. Safe to call more than once.
func (c *Coordinator) Stop() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.cancelEOULocked()
		started := c.started
		c.mu.Unlock()

		if !started {
			c.cancel()
			return
		}

		// The nil sentinel tells the pump to flush and close the stream.
		select {
		case c.audioQueue <- nil:
		case <-time.After(stopGrace):
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stopGrace):
			c.logger.Warn("recognition workers did not drain in time, forcing cancellation")
		}
		c.cancel()
	})
	return nil
}

// pumpLoop forwards queued audio to the STT stream until the sentinel or
// cancellation, then closes the stream so the consume loop finishes.
func (c *Coordinator) pumpLoop(handle stt.SessionHandle) {
	defer c.wg.Done()
	defer func() { _ = handle.Close() }()

	for {
		select {
		case chunk := <-c.audioQueue:
			if chunk == nil {
				return
			}
			if err := handle.SendAudio(chunk); err != nil {
				c.reportError(fmt.Errorf("recognition: send audio: %w", err))
				return
			}
		case <-c.baseCtx.Done():
			return
		}
	}
}

// consumeLoop drains the STT results and maintains the turn accumulator.
func (c *Coordinator) consumeLoop(handle stt.SessionHandle) {
	defer c.wg.Done()

	for t := range handle.Results() {
		if t.IsFinal {
			c.mu.Lock()
			if c.stopped {
				c.mu.Unlock()
				return
			}
			c.audioTranscript = strings.TrimSpace(c.audioTranscript + " " + t.Text)
			c.interimTranscript = ""
			c.lastFinalAt = time.Now()
			// Every final re-arms the endpointing decision.
			c.scheduleEOULocked()
			c.mu.Unlock()
		} else {
			c.mu.Lock()
			if c.stopped {
				c.mu.Unlock()
				return
			}
			c.interimTranscript = t.Text
			c.mu.Unlock()
		}

		c.cfg.OnTranscript(t)
	}

	// The results channel closing without Stop means the upstream failed.
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if !stopped {
		c.reportError(errors.New("recognition: stt stream ended unexpectedly"))
	}
}

// cancelEOULocked cancels the pending commit task. Caller holds c.mu.
func (c *Coordinator) cancelEOULocked() {
	if c.eouCancel != nil {
		c.eouCancel()
		c.eouCancel = nil
	}
	c.eouGen++
}

// scheduleEOULocked cancels any prior commit task and spawns a fresh one with
// the current transcript. Caller holds c.mu.
func (c *Coordinator) scheduleEOULocked() {
	c.cancelEOULocked()

	ctx, cancel := context.WithCancel(c.baseCtx)
	c.eouCancel = cancel
	gen := c.eouGen
	transcript := c.audioTranscript

	c.wg.Add(1)
	go c.runEOU(ctx, gen, transcript)
}

// runEOU performs one commit attempt: score, sleep the chosen delay, then
// re-read and commit the transcript if it is still the current attempt.
func (c *Coordinator) runEOU(ctx context.Context, gen uint64, transcript string) {
	defer c.wg.Done()

	delay := c.chooseDelay(ctx, transcript)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	// Re-read after the sleep: tardy finals have been folded in by now.
	c.mu.Lock()
	if gen != c.eouGen || c.stopped {
		c.mu.Unlock()
		return
	}
	final := strings.TrimSpace(c.audioTranscript)
	if final == "" {
		c.mu.Unlock()
		return
	}
	c.audioTranscript = ""
	c.interimTranscript = ""
	c.lastFinalAt = time.Time{}
	c.eouCancel = nil
	c.eouGen++
	c.mu.Unlock()

	c.cfg.OnTurnEnd(final)
}

// chooseDelay picks the endpointing wait from the detector's score. Detector
// failures score 0.0, which maximises the delay.
func (c *Coordinator) chooseDelay(ctx context.Context, transcript string) time.Duration {
	if c.cfg.Detector == nil {
		return c.cfg.MinDelay
	}

	var history []types.Message
	if c.cfg.History != nil {
		history = c.cfg.History()
	}
	history = append(history, types.Message{Role: "user", Content: transcript})

	p := c.cfg.Detector.PredictEndOfTurn(ctx, history)
	if p >= c.cfg.Detector.Threshold() {
		return c.cfg.MinDelay
	}
	return c.cfg.MaxDelay
}

// reportError forwards a pipeline failure to the configured callback.
func (c *Coordinator) reportError(err error) {
	c.logger.Error("recognition pipeline failure", "error", err)
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
