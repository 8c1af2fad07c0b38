package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMovingAverage_Empty(t *testing.T) {
	var m movingAverage
	assert.Equal(t, 0.0, m.mean())
}

func TestMovingAverage_PartialWindow(t *testing.T) {
	var m movingAverage
	m.add(10)
	m.add(20)
	m.add(30)
	assert.Equal(t, 20.0, m.mean())
}

func TestMovingAverage_EvictsOldest(t *testing.T) {
	var m movingAverage
	for range latencyWindow {
		m.add(100)
	}
	assert.Equal(t, 100.0, m.mean())

	// One more sample pushes the oldest 100 out of the window.
	m.add(100 + latencyWindow)
	assert.InDelta(t, 101.0, m.mean(), 1e-9)
}

func TestSession_Snapshot(t *testing.T) {
	s := NewSession("s-1")
	s.RecordMessage()
	s.RecordAudioChunk()
	s.RecordAudioChunk()
	s.RecordTranscription(100 * time.Millisecond)
	s.RecordTranscription(300 * time.Millisecond)
	s.RecordAgentResponse(2 * time.Second)
	s.RecordToolCall()
	s.RecordError()

	snap := s.Snapshot()
	assert.Equal(t, "s-1", snap.SessionID)
	assert.Equal(t, int64(1), snap.MessagesReceived)
	assert.Equal(t, int64(2), snap.AudioChunks)
	assert.Equal(t, int64(2), snap.Transcriptions)
	assert.Equal(t, int64(1), snap.AgentResponses)
	assert.Equal(t, int64(1), snap.ToolCalls)
	assert.Equal(t, int64(1), snap.Errors)
	assert.Equal(t, 200.0, snap.AvgSTTLatencyMs)
	assert.Equal(t, 2000.0, snap.AvgAgentLatencyMs)
}

func TestServer_ConnectionGauge(t *testing.T) {
	s := NewServer()
	s.ConnectionOpened()
	s.ConnectionOpened()
	s.ConnectionClosed()
	assert.Equal(t, int64(1), s.ActiveConnections())

	// The gauge never goes negative.
	s.ConnectionClosed()
	s.ConnectionClosed()
	assert.Equal(t, int64(0), s.ActiveConnections())
}

func TestServer_Snapshot(t *testing.T) {
	s := NewServer()
	s.SessionCreated()
	s.SessionCreated()
	s.RecordMessage()
	s.RecordAgentResponse(time.Second)

	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.TotalSessions)
	assert.Equal(t, int64(1), snap.MessagesReceived)
	assert.Equal(t, 1000.0, snap.AvgAgentLatencyMs)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, 0.0)
}
