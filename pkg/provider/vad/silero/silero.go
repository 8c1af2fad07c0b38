// Package silero implements the vad.Engine interface with a Silero-style
// window model: fixed windows of 256 samples at 8 kHz or 512 at 16 kHz, a
// small context carried between windows (32 and 64 samples respectively), and
// a per-session speaking state machine deriving start/end-of-speech events.
//
// The speech scorer itself sits behind the Model interface. Deployments with
// a real Silero ONNX runtime plug it in via WithModelFactory; the default is
// an energy-based scorer that needs no model file.
package silero

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/vad"
	"github.com/parley-ai/parley/pkg/types"
)

// Model scores one fixed window of float32 samples in [-1, 1], prefixed with
// the context tail of the previous window. Implementations may keep recurrent
// state between calls; Reset clears it.
type Model interface {
	// Predict returns the speech probability for one window in [0, 1].
	Predict(samples []float32) (float64, error)

	// Reset clears recurrent state.
	Reset()
}

// windowSamples returns the model window and context lengths for a sample
// rate, or 0, 0 if the rate is unsupported.
func windowSamples(sampleRate int) (window, context int) {
	switch sampleRate {
	case 8000:
		return 256, 32
	case 16000:
		return 512, 64
	default:
		return 0, 0
	}
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithModelFactory sets the per-session Model constructor. Each session gets
// its own Model because recurrent state is per-stream.
func WithModelFactory(f func() Model) Option {
	return func(e *Engine) { e.newModel = f }
}

// Engine implements vad.Engine.
type Engine struct {
	newModel func() Model
}

var _ vad.Engine = (*Engine)(nil)

// New creates an Engine. Without options it scores windows with an
// energy-based model.
func New(opts ...Option) *Engine {
	e := &Engine{
		newModel: func() Model { return NewEnergyModel() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	window, contextLen := windowSamples(cfg.SampleRate)
	if window == 0 {
		return nil, fmt.Errorf("silero: unsupported sample rate %d (want 8000 or 16000)", cfg.SampleRate)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("silero: threshold %v out of range [0, 1]", cfg.Threshold)
	}

	return &session{
		model:      e.newModel(),
		threshold:  cfg.Threshold,
		window:     window,
		contextLen: contextLen,
		context:    make([]float32, contextLen),
	}, nil
}

// session implements vad.SessionHandle. It is not safe for concurrent use.
type session struct {
	mu sync.Mutex

	model      Model
	threshold  float64
	window     int
	contextLen int

	// context is the tail of the previous window, prepended to each new
	// window before scoring. Fixed size for the session's lifetime.
	context []float32

	speaking bool
	closed   bool
}

var _ vad.SessionHandle = (*session)(nil)

// WindowSize implements vad.SessionHandle.
func (s *session) WindowSize() int { return s.window }

// ProcessChunk implements vad.SessionHandle.
func (s *session) ProcessChunk(pcm []byte) ([]types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("silero: session is closed")
	}

	windowBytes := s.window * 2
	total := len(pcm) / windowBytes
	if total == 0 {
		return nil, nil
	}

	// Exact multiples consume every window; anything else takes only the
	// last complete window.
	windows := make([][]byte, 0, total)
	if len(pcm)%windowBytes == 0 {
		for i := 0; i < total; i++ {
			windows = append(windows, pcm[i*windowBytes:(i+1)*windowBytes])
		}
	} else {
		start := (total - 1) * windowBytes
		windows = append(windows, pcm[start:start+windowBytes])
	}

	events := make([]types.VADEvent, 0, len(windows))
	for _, w := range windows {
		ev, err := s.processWindow(w)
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// processWindow scores one window and advances the state machine.
func (s *session) processWindow(raw []byte) (types.VADEvent, error) {
	samples := make([]float32, s.contextLen+s.window)
	copy(samples, s.context)
	for i := 0; i < s.window; i++ {
		v := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
		samples[s.contextLen+i] = float32(v) / 32768.0
	}

	p, err := s.model.Predict(samples)
	if err != nil {
		return types.VADEvent{}, fmt.Errorf("silero: predict: %w", err)
	}

	copy(s.context, samples[len(samples)-s.contextLen:])

	ev := types.VADEvent{Probability: p}
	switch {
	case !s.speaking && p >= s.threshold:
		s.speaking = true
		ev.Type = types.VADStartOfSpeech
	case s.speaking && p < s.threshold:
		s.speaking = false
		ev.Type = types.VADEndOfSpeech
	default:
		ev.Type = types.VADContinuing
	}
	return ev, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	for i := range s.context {
		s.context[i] = 0
	}
	s.model.Reset()
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// EnergyModel scores windows by normalised RMS energy with a short decay so
// brief dips inside a word do not flip the decision. It is the default when
// no ONNX runtime is wired in.
type EnergyModel struct {
	// noiseFloor is the RMS level treated as certain silence.
	noiseFloor float64

	// speechLevel is the RMS level treated as certain speech.
	speechLevel float64

	prev float64
}

// NewEnergyModel creates an EnergyModel with levels tuned for 16-bit speech
// normalised to [-1, 1].
func NewEnergyModel() *EnergyModel {
	return &EnergyModel{
		noiseFloor:  0.005,
		speechLevel: 0.06,
	}
}

var _ Model = (*EnergyModel)(nil)

// Predict maps the window's RMS linearly between the noise floor and the
// speech level, smoothed against the previous score.
func (m *EnergyModel) Predict(samples []float32) (float64, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	var p float64
	switch {
	case rms <= m.noiseFloor:
		p = 0
	case rms >= m.speechLevel:
		p = 1
	default:
		p = (rms - m.noiseFloor) / (m.speechLevel - m.noiseFloor)
	}

	// Exponential smoothing carries speech evidence over short dips.
	p = 0.7*p + 0.3*m.prev
	m.prev = p
	return p, nil
}

// Reset clears the smoothing state.
func (m *EnergyModel) Reset() { m.prev = 0 }
