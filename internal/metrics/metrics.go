// Package metrics keeps in-memory per-session and per-server counters with
// moving latency averages. Snapshots feed the HTTP read-model and the
// metrics_updated bus event; export to Prometheus happens in the observe
// package.
package metrics

import (
	"sync"
	"time"
)

// latencyWindow is how many recent samples a moving average covers.
const latencyWindow = 50

// movingAverage is a fixed-window mean over the most recent samples.
type movingAverage struct {
	samples [latencyWindow]float64
	count   int
	next    int
	sum     float64
}

func (m *movingAverage) add(v float64) {
	if m.count == latencyWindow {
		m.sum -= m.samples[m.next]
	} else {
		m.count++
	}
	m.samples[m.next] = v
	m.sum += v
	m.next = (m.next + 1) % latencyWindow
}

func (m *movingAverage) mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// SessionSnapshot is an immutable view of one session's counters.
type SessionSnapshot struct {
	SessionID         string  `json:"session_id"`
	MessagesReceived  int64   `json:"messages_received"`
	AudioChunks       int64   `json:"audio_chunks"`
	Transcriptions    int64   `json:"transcriptions"`
	AgentResponses    int64   `json:"agent_responses"`
	ToolCalls         int64   `json:"tool_calls"`
	Errors            int64   `json:"errors"`
	AvgSTTLatencyMs   float64 `json:"avg_stt_latency_ms"`
	AvgAgentLatencyMs float64 `json:"avg_agent_latency_ms"`
}

// Session tracks counters for one session. Safe for concurrent use.
type Session struct {
	mu sync.Mutex

	sessionID        string
	messagesReceived int64
	audioChunks      int64
	transcriptions   int64
	agentResponses   int64
	toolCalls        int64
	errors           int64

	sttLatency   movingAverage
	agentLatency movingAverage
}

// NewSession creates a Session metrics record.
func NewSession(sessionID string) *Session {
	return &Session{sessionID: sessionID}
}

// RecordMessage counts one received client message.
func (s *Session) RecordMessage() {
	s.mu.Lock()
	s.messagesReceived++
	s.mu.Unlock()
}

// RecordAudioChunk counts one received audio chunk.
func (s *Session) RecordAudioChunk() {
	s.mu.Lock()
	s.audioChunks++
	s.mu.Unlock()
}

// RecordTranscription counts one final transcript and its latency.
func (s *Session) RecordTranscription(latency time.Duration) {
	s.mu.Lock()
	s.transcriptions++
	s.sttLatency.add(float64(latency.Milliseconds()))
	s.mu.Unlock()
}

// RecordAgentResponse counts one completed agent turn and its latency.
func (s *Session) RecordAgentResponse(latency time.Duration) {
	s.mu.Lock()
	s.agentResponses++
	s.agentLatency.add(float64(latency.Milliseconds()))
	s.mu.Unlock()
}

// RecordToolCall counts one tool invocation.
func (s *Session) RecordToolCall() {
	s.mu.Lock()
	s.toolCalls++
	s.mu.Unlock()
}

// RecordError counts one error surfaced to the client.
func (s *Session) RecordError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// Snapshot returns the current counter values.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		SessionID:         s.sessionID,
		MessagesReceived:  s.messagesReceived,
		AudioChunks:       s.audioChunks,
		Transcriptions:    s.transcriptions,
		AgentResponses:    s.agentResponses,
		ToolCalls:         s.toolCalls,
		Errors:            s.errors,
		AvgSTTLatencyMs:   s.sttLatency.mean(),
		AvgAgentLatencyMs: s.agentLatency.mean(),
	}
}

// ServerSnapshot is an immutable view of the whole server's counters.
type ServerSnapshot struct {
	ActiveConnections int64   `json:"active_connections"`
	TotalSessions     int64   `json:"total_sessions"`
	MessagesReceived  int64   `json:"messages_received"`
	AudioChunks       int64   `json:"audio_chunks"`
	Transcriptions    int64   `json:"transcriptions"`
	AgentResponses    int64   `json:"agent_responses"`
	ToolCalls         int64   `json:"tool_calls"`
	Errors            int64   `json:"errors"`
	AvgSTTLatencyMs   float64 `json:"avg_stt_latency_ms"`
	AvgAgentLatencyMs float64 `json:"avg_agent_latency_ms"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// Server aggregates counters across all sessions. Safe for concurrent use.
type Server struct {
	mu sync.Mutex

	startedAt         time.Time
	activeConnections int64
	totalSessions     int64
	messagesReceived  int64
	audioChunks       int64
	transcriptions    int64
	agentResponses    int64
	toolCalls         int64
	errors            int64

	sttLatency   movingAverage
	agentLatency movingAverage
}

// NewServer creates a Server metrics record with uptime starting now.
func NewServer() *Server {
	return &Server{startedAt: time.Now()}
}

// ConnectionOpened increments the active connection gauge.
func (s *Server) ConnectionOpened() {
	s.mu.Lock()
	s.activeConnections++
	s.mu.Unlock()
}

// ConnectionClosed decrements the active connection gauge.
func (s *Server) ConnectionClosed() {
	s.mu.Lock()
	if s.activeConnections > 0 {
		s.activeConnections--
	}
	s.mu.Unlock()
}

// SessionCreated counts one session over the server's lifetime.
func (s *Server) SessionCreated() {
	s.mu.Lock()
	s.totalSessions++
	s.mu.Unlock()
}

// RecordMessage counts one received client message.
func (s *Server) RecordMessage() {
	s.mu.Lock()
	s.messagesReceived++
	s.mu.Unlock()
}

// RecordAudioChunk counts one received audio chunk.
func (s *Server) RecordAudioChunk() {
	s.mu.Lock()
	s.audioChunks++
	s.mu.Unlock()
}

// RecordTranscription counts one final transcript and its latency.
func (s *Server) RecordTranscription(latency time.Duration) {
	s.mu.Lock()
	s.transcriptions++
	s.sttLatency.add(float64(latency.Milliseconds()))
	s.mu.Unlock()
}

// RecordAgentResponse counts one completed agent turn and its latency.
func (s *Server) RecordAgentResponse(latency time.Duration) {
	s.mu.Lock()
	s.agentResponses++
	s.agentLatency.add(float64(latency.Milliseconds()))
	s.mu.Unlock()
}

// RecordToolCall counts one tool invocation.
func (s *Server) RecordToolCall() {
	s.mu.Lock()
	s.toolCalls++
	s.mu.Unlock()
}

// RecordError counts one error.
func (s *Server) RecordError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// ActiveConnections returns the current gauge value.
func (s *Server) ActiveConnections() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConnections
}

// Snapshot returns the current counter values.
func (s *Server) Snapshot() ServerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServerSnapshot{
		ActiveConnections: s.activeConnections,
		TotalSessions:     s.totalSessions,
		MessagesReceived:  s.messagesReceived,
		AudioChunks:       s.audioChunks,
		Transcriptions:    s.transcriptions,
		AgentResponses:    s.agentResponses,
		ToolCalls:         s.toolCalls,
		Errors:            s.errors,
		AvgSTTLatencyMs:   s.sttLatency.mean(),
		AvgAgentLatencyMs: s.agentLatency.mean(),
		UptimeSeconds:     time.Since(s.startedAt).Seconds(),
	}
}
