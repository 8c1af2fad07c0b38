package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/internal/recognition"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/provider/vad"
	"github.com/parley-ai/parley/pkg/types"
)

const (
	// keepaliveInterval is how often an idle connection is pinged.
	keepaliveInterval = 20 * time.Second

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second
)

// clientConn is the per-connection state for one client WebSocket.
type clientConn struct {
	srv    *Server
	ws     *websocket.Conn
	connID string
	appID  string
	sess   *session.Session
	logger *slog.Logger

	writeMu   sync.Mutex
	lastWrite time.Time

	// turnMu serializes agent turns; a session runs at most one at a time.
	turnMu sync.Mutex

	// audioMu guards pipelines: one connection can interleave frames for
	// several sessions, so the audio state attached between audio_start and
	// audio_end is keyed by session id.
	audioMu   sync.Mutex
	pipelines map[string]*audioPipeline
}

// audioPipeline is one session's recognition state: the endpointing
// coordinator plus the optional VAD session and its normalizer.
type audioPipeline struct {
	coord       *recognition.Coordinator
	vadSess     vad.SessionHandle
	vadNorm     *audio.Normalizer
	lastChunkAt time.Time
}

// handleClientWS authenticates the upgrade request, accepts the WebSocket,
// and runs the read-dispatch loop until the client disconnects.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	appID := r.Header.Get("x-app-id")
	if appID == "" {
		http.Error(w, `{"error":"missing x-app-id header"}`, http.StatusUnauthorized)
		return
	}
	if !s.authenticate(r.Header.Get("x-api-key")) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
		return
	}
	if max := s.cfg.Limits.MaxConnections; max > 0 && s.serverMetrics.ActiveConnections() >= int64(max) {
		http.Error(w, `{"error":"connection limit reached"}`, http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.serverMetrics.ConnectionOpened()
	s.otelMetrics.ActiveConnections.Add(ctx, 1)
	defer func() {
		s.serverMetrics.ConnectionClosed()
		s.otelMetrics.ActiveConnections.Add(context.Background(), -1)
	}()

	sess := s.store.Create(ctx, appID)
	s.serverMetrics.SessionCreated()

	connID := uuid.NewString()
	c := &clientConn{
		srv:       s,
		ws:        ws,
		connID:    connID,
		appID:     appID,
		sess:      sess,
		logger:    s.logger.With("connection_id", connID, "session_id", sess.ID),
		lastWrite: time.Now(),
		pipelines: make(map[string]*audioPipeline),
	}

	defer c.teardown()

	if err := c.writeFrame(ctx, protocol.TypeServerConnected, sess.ID, protocol.ServerConnected{
		SessionID: sess.ID,
		Metadata: map[string]string{
			"app_id":        appID,
			"connection_id": c.connID,
		},
	}); err != nil {
		c.logger.Warn("sending server_connected", "error", err)
		ws.Close(websocket.StatusInternalError, "handshake failed")
		return
	}

	go c.keepaliveLoop(ctx)

	c.readLoop(ctx)
	ws.Close(websocket.StatusNormalClosure, "bye")
}

// readLoop reads frames until the connection drops, translating every
// dispatch failure into exactly one server_error frame.
func (c *clientConn) readLoop(ctx context.Context) {
	for {
		_, raw, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				c.logger.Info("client disconnected")
			} else {
				c.logger.Warn("read failed", "error", err)
			}
			return
		}

		if err := c.dispatch(ctx, raw); err != nil {
			perr := protocol.Classify(err)
			c.sess.Metrics.RecordError()
			c.srv.serverMetrics.RecordError()
			c.srv.otelMetrics.RecordError(ctx, string(perr.Kind))
			c.logger.Warn("frame rejected", "error_code", perr.Kind, "error", perr)

			if err := c.sendError(ctx, c.sess.ID, perr); err != nil {
				c.logger.Warn("sending server_error", "error", err)
				return
			}
			if perr.Kind == protocol.KindAuthentication {
				return
			}
		}
	}
}

// dispatch validates one client frame and routes it to the right handler.
func (c *clientConn) dispatch(ctx context.Context, raw []byte) error {
	msg, err := protocol.DecodeClient(raw)
	if err != nil {
		return err
	}

	sess := c.resolveSession(ctx, msg.SessionID)
	sess.Touch()

	switch msg.Type {
	case protocol.TypeClientText:
		return c.handleText(ctx, sess, msg.Text)
	case protocol.TypeClientAudioStart:
		return c.handleAudioStart(ctx, sess, msg.AudioStart)
	case protocol.TypeClientAudioChunk:
		return c.handleAudioChunk(ctx, sess, msg.AudioChunk)
	case protocol.TypeClientAudioEnd:
		return c.handleAudioEnd(ctx, sess, msg.AudioEnd)
	default:
		return protocol.ValidationError("unknown message type %q", msg.Type)
	}
}

// resolveSession maps the frame's session id to a live session, creating one
// under the client-chosen id on first reference.
func (c *clientConn) resolveSession(ctx context.Context, id string) *session.Session {
	if id == c.sess.ID {
		return c.sess
	}
	if sess, ok := c.srv.store.Get(id); ok {
		return sess
	}
	sess := c.srv.store.CreateWithID(ctx, id, c.appID)
	c.srv.serverMetrics.SessionCreated()
	return sess
}

// handleText runs an agent turn for a typed message. The turn runs on its own
// goroutine so audio frames keep flowing while the model streams.
func (c *clientConn) handleText(ctx context.Context, sess *session.Session, p *protocol.ClientText) error {
	c.srv.serverMetrics.RecordMessage()
	c.srv.otelMetrics.RecordMessage(ctx, protocol.TypeClientText)

	go c.runAgentTurn(ctx, sess, p.Text, p.Metadata)
	return nil
}

// runAgentTurn executes one serialized turn and reports failures as
// server_error frames.
func (c *clientConn) runAgentTurn(ctx context.Context, sess *session.Session, text string, metadata map[string]any) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	start := time.Now()
	emit := func(msgType string, payload any) error {
		return c.writeFrame(ctx, msgType, sess.ID, payload)
	}

	err := c.srv.loop.ProcessText(ctx, sess, text, metadata, emit)
	c.srv.otelMetrics.AgentDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		perr := protocol.Classify(protocol.AgentError("agent turn failed", err))
		c.srv.otelMetrics.RecordError(ctx, string(perr.Kind))
		if serr := c.sendError(ctx, sess.ID, perr); serr != nil {
			c.logger.Warn("sending server_error", "error", serr)
		}
	}
}

// handleAudioStart builds the recognition pipeline for the stream: an STT
// session, optionally a VAD session, and the endpointing coordinator.
func (c *clientConn) handleAudioStart(ctx context.Context, sess *session.Session, p *protocol.ClientAudioStart) error {
	emit := func(msgType string, payload any) error {
		return c.writeFrame(ctx, msgType, sess.ID, payload)
	}

	coord, err := recognition.New(recognition.Config{
		STT: c.srv.sttProvider,
		Stream: stt.StreamConfig{
			SampleRate: p.SampleRate,
			Encoding:   string(p.Encoding),
			Language:   c.srv.cfg.STT.Language,
		},
		Detector: c.srv.detector,
		History:  sess.Conversation,
		OnTranscript: func(t types.Transcript) {
			c.onTranscript(ctx, sess, emit, t)
		},
		OnTurnEnd: func(transcript string) {
			go c.runAgentTurn(ctx, sess, transcript, nil)
		},
		OnError: func(err error) {
			perr := protocol.Classify(protocol.STTError("speech recognition failed", stt.Retriable(err), err))
			c.srv.otelMetrics.RecordError(ctx, string(perr.Kind))
			if serr := c.sendError(ctx, sess.ID, perr); serr != nil {
				c.logger.Warn("sending server_error", "error", serr)
			}
		},
		MinDelay: c.srv.cfg.Endpointing.MinDelay,
		MaxDelay: c.srv.cfg.Endpointing.MaxDelay,
		Logger:   c.logger,
	})
	if err != nil {
		return protocol.AudioError("building recognition pipeline", err)
	}

	if err := sess.StartAudio(p.SampleRate, string(p.Encoding), coord); err != nil {
		_ = coord.Stop()
		return protocol.ValidationError("%v", err)
	}

	if err := coord.Start(ctx); err != nil {
		sess.EndAudio()
		_ = coord.Stop()
		return protocol.STTError("opening transcription stream", stt.Retriable(err), err)
	}

	// The detection models accept 8 and 16 kHz PCM16 mono; other streams are
	// normalized down to 16 kHz before scoring.
	var (
		vadSess vad.SessionHandle
		vadNorm *audio.Normalizer
	)
	if c.srv.vadEngine != nil {
		vadRate := p.SampleRate
		if vadRate != 8000 && vadRate != 16000 {
			vadRate = 16000
		}
		if vadRate != p.SampleRate || p.Encoding != protocol.EncodingPCM16 {
			vadNorm = audio.NewNormalizer(audio.Format{
				SampleRate: p.SampleRate,
				Channels:   1,
				Encoding:   string(p.Encoding),
			}, vadRate)
		}

		vadSess, err = c.srv.vadEngine.NewSession(vad.Config{
			SampleRate: vadRate,
			Threshold:  c.srv.cfg.VAD.Threshold,
		})
		if err != nil {
			// Endpointing degrades to transcript-driven commits; the stream
			// still works.
			c.logger.Warn("vad unavailable for stream", "sample_rate", p.SampleRate, "error", err)
			vadSess = nil
			vadNorm = nil
		}
	}

	c.audioMu.Lock()
	c.pipelines[sess.ID] = &audioPipeline{
		coord:       coord,
		vadSess:     vadSess,
		vadNorm:     vadNorm,
		lastChunkAt: time.Now(),
	}
	c.audioMu.Unlock()

	c.logger.Info("audio stream started",
		"sample_rate", p.SampleRate, "encoding", p.Encoding, "vad", vadSess != nil)
	return nil
}

// handleAudioChunk feeds one decoded PCM chunk through VAD and into the
// transcription stream.
func (c *clientConn) handleAudioChunk(ctx context.Context, sess *session.Session, p *protocol.ClientAudioChunk) error {
	rec := sess.Recognition()
	if rec == nil {
		return protocol.ValidationError("no active audio stream; send client_audio_start first")
	}

	chunk, err := p.Decode()
	if err != nil {
		return err
	}

	sess.Metrics.RecordAudioChunk()
	c.srv.serverMetrics.RecordAudioChunk()
	c.srv.otelMetrics.AudioChunks.Add(ctx, 1)

	var (
		coord   *recognition.Coordinator
		vadSess vad.SessionHandle
		vadNorm *audio.Normalizer
	)
	c.audioMu.Lock()
	if pl := c.pipelines[sess.ID]; pl != nil {
		pl.lastChunkAt = time.Now()
		coord, vadSess, vadNorm = pl.coord, pl.vadSess, pl.vadNorm
	}
	c.audioMu.Unlock()

	if vadSess != nil && coord != nil {
		vadChunk := chunk
		if vadNorm != nil {
			vadChunk = vadNorm.Normalize(chunk)
		}
		if len(vadChunk) > 0 {
			events, verr := vadSess.ProcessChunk(vadChunk)
			if verr != nil {
				return protocol.AudioError("voice activity detection failed", verr)
			}
			for _, ev := range events {
				coord.HandleVADEvent(ev)
			}
		}
	}

	if err := rec.PushAudio(chunk); err != nil {
		return protocol.STTError("pushing audio upstream", stt.Retriable(err), err)
	}
	return nil
}

// handleAudioEnd flushes an optional final chunk and tears the pipeline down.
func (c *clientConn) handleAudioEnd(ctx context.Context, sess *session.Session, p *protocol.ClientAudioEnd) error {
	final, err := p.DecodeFinal()
	if err != nil {
		return err
	}

	rec := sess.EndAudio()
	if rec == nil {
		return protocol.ValidationError("no active audio stream to end")
	}

	if len(final) > 0 {
		sess.Metrics.RecordAudioChunk()
		c.srv.serverMetrics.RecordAudioChunk()
		c.srv.otelMetrics.AudioChunks.Add(ctx, 1)
		if perr := rec.PushAudio(final); perr != nil {
			c.logger.Warn("pushing final chunk", "error", perr)
		}
	}

	c.closeAudioPipeline(sess.ID)

	if err := rec.Stop(); err != nil {
		return protocol.STTError("closing transcription stream", stt.Retriable(err), err)
	}
	c.logger.Info("audio stream ended")
	return nil
}

// onTranscript forwards transcripts to the client and records STT latency on
// finals, measured from the most recent audio chunk.
func (c *clientConn) onTranscript(ctx context.Context, sess *session.Session, emit agentEmit, t types.Transcript) {
	var confidence *float64
	if t.IsFinal {
		confidence = &t.Confidence

		var latency time.Duration
		c.audioMu.Lock()
		if pl := c.pipelines[sess.ID]; pl != nil {
			latency = time.Since(pl.lastChunkAt)
		}
		c.audioMu.Unlock()

		sess.Metrics.RecordTranscription(latency)
		c.srv.serverMetrics.RecordTranscription(latency)
		c.srv.otelMetrics.Transcriptions.Add(ctx, 1)
		c.srv.otelMetrics.STTDuration.Record(ctx, latency.Seconds())
	}

	if err := emit(protocol.TypeServerSTT, protocol.ServerSTT{
		Text:       t.Text,
		IsFinal:    t.IsFinal,
		Confidence: confidence,
	}); err != nil {
		c.logger.Warn("sending server_stt", "error", err)
	}
}

// agentEmit matches agentloop.Emit without importing it here.
type agentEmit = func(msgType string, payload any) error

// closeAudioPipeline releases one session's VAD session and forgets its
// coordinator.
func (c *clientConn) closeAudioPipeline(sessionID string) {
	c.audioMu.Lock()
	pl := c.pipelines[sessionID]
	delete(c.pipelines, sessionID)
	c.audioMu.Unlock()

	if pl != nil && pl.vadSess != nil {
		if err := pl.vadSess.Close(); err != nil {
			c.logger.Warn("closing vad session", "session_id", sessionID, "error", err)
		}
	}
}

// teardown stops every in-flight audio pipeline when the connection drops.
// The sessions themselves stay in the store until the idle sweeper reaps them.
func (c *clientConn) teardown() {
	c.audioMu.Lock()
	pipelines := c.pipelines
	c.pipelines = make(map[string]*audioPipeline)
	c.audioMu.Unlock()

	for id, pl := range pipelines {
		if sess, ok := c.srv.store.Get(id); ok {
			if rec := sess.EndAudio(); rec != nil {
				if err := rec.Stop(); err != nil {
					c.logger.Warn("stopping recognition on disconnect", "session_id", id, "error", err)
				}
			}
		}
		if pl.vadSess != nil {
			if err := pl.vadSess.Close(); err != nil {
				c.logger.Warn("closing vad session", "session_id", id, "error", err)
			}
		}
	}
}

// keepaliveLoop pings the client every interval the connection sits idle,
// falling back to an application-level heartbeat frame when the protocol
// ping fails.
func (c *clientConn) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.writeMu.Lock()
		idle := time.Since(c.lastWrite)
		c.writeMu.Unlock()
		if idle < keepaliveInterval {
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.ws.Ping(pingCtx)
		cancel()
		if err == nil {
			c.markWrite()
			continue
		}

		c.writeMu.Lock()
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		werr := c.ws.Write(wctx, websocket.MessageText, protocol.Heartbeat)
		wcancel()
		if werr == nil {
			c.lastWrite = time.Now()
		}
		c.writeMu.Unlock()

		if werr != nil {
			c.logger.Info("keepalive failed, closing connection", "ping_error", err, "heartbeat_error", werr)
			c.ws.Close(websocket.StatusGoingAway, "keepalive failed")
			return
		}
	}
}

// writeFrame encodes and sends one server frame. Writes are serialized.
func (c *clientConn) writeFrame(ctx context.Context, msgType, sessionID string, payload any) error {
	raw, err := protocol.Encode(msgType, sessionID, payload)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, raw)
}

// sendError encodes and sends a server_error frame.
func (c *clientConn) sendError(ctx context.Context, sessionID string, perr *protocol.Error) error {
	raw, err := protocol.EncodeError(sessionID, perr)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, raw)
}

func (c *clientConn) writeRaw(ctx context.Context, raw []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(wctx, websocket.MessageText, raw); err != nil {
		return protocol.ConnectionError("writing frame", err)
	}
	c.lastWrite = time.Now()
	return nil
}

func (c *clientConn) markWrite() {
	c.writeMu.Lock()
	c.lastWrite = time.Now()
	c.writeMu.Unlock()
}
