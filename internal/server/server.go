// Package server hosts the WebSocket endpoint, the HTTP control surface, and
// the dashboard channel. It wires the plugin registry, the session store, the
// recognition pipeline, and the agent loop into one runnable process.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/internal/agentloop"
	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/dashboard"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/plugin"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/tool"
	"github.com/parley-ai/parley/internal/tool/builtin"
	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/provider/turn"
	"github.com/parley-ai/parley/pkg/provider/vad"
)

// shutdownTimeout bounds the HTTP servers' graceful drain.
const shutdownTimeout = 10 * time.Second

// AuthFunc validates the x-api-key header. An empty implementation accepting
// everything is used when no key requirement is configured.
type AuthFunc func(apiKey string) bool

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAuth installs the API-key validator.
func WithAuth(fn AuthFunc) Option {
	return func(s *Server) { s.authenticate = fn }
}

// WithTools registers additional tools before the server starts.
func WithTools(kits ...tool.Toolkit) Option {
	return func(s *Server) {
		for _, kit := range kits {
			s.tools.RegisterToolkit(kit)
		}
	}
}

// Server is the assembled process. Create with New, run with Run.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	events        *bus.Bus
	store         *session.Store
	serverMetrics *metrics.Server
	otelMetrics   *observe.Metrics
	readModel     *dashboard.ReadModel

	plugins  *plugin.Registry
	tools    *tool.Registry
	executor *tool.Executor
	loop     *agentloop.Loop

	sttProvider stt.Provider
	llmModel    llm.Provider
	vadEngine   vad.Engine
	detector    turn.Detector

	authenticate AuthFunc
	mcpClient    *tool.MCPClient

	httpServer    *http.Server
	metricsServer *http.Server
}

// New resolves the configured providers through the plugin registry and
// assembles the server.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:           cfg,
		logger:        logger.With("component", "server"),
		events:        bus.New(logger),
		serverMetrics: metrics.NewServer(),
		otelMetrics:   observe.DefaultMetrics(),
		plugins:       plugin.NewRegistry(logger),
		tools:         tool.NewRegistry(logger),
		authenticate:  func(string) bool { return true },
	}
	s.store = session.NewStore(s.events, logger,
		session.WithIdleTimeout(cfg.Limits.SessionIdleTimeout))
	s.readModel = dashboard.New(s.store, s.serverMetrics)
	s.executor = tool.NewExecutor(s.tools, logger)

	plugin.RegisterBuiltins(s.plugins, logger)
	s.tools.RegisterToolkit(builtin.Toolkit())

	for _, o := range opts {
		o(s)
	}

	if err := s.resolveProviders(); err != nil {
		s.store.Close()
		return nil, err
	}

	if err := s.importMCPServers(); err != nil {
		s.store.Close()
		return nil, err
	}

	loop, err := agentloop.New(agentloop.Config{
		Provider:      s.llmModel,
		Registry:      s.tools,
		Executor:      s.executor,
		Events:        s.events,
		ServerMetrics: s.serverMetrics,
		Instructions:  cfg.LLM.Instructions,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		ToolCallLimit: cfg.LLM.ToolCallLimit,
		Logger:        logger,
	})
	if err != nil {
		s.store.Close()
		return nil, err
	}
	s.loop = loop

	return s, nil
}

// resolveProviders turns the configured specs into runtime handlers.
func (s *Server) resolveProviders() error {
	cfg := s.cfg

	sttHandler, err := s.plugins.Resolve(plugin.CategorySTT, cfg.STT.Spec, plugin.Config{
		Model:      cfg.STT.Model,
		Language:   cfg.STT.Language,
		SampleRate: cfg.STT.SampleRate,
		ModelPath:  cfg.STT.WhisperModelPath,
		Extra: map[string]string{
			"api_key":    cfg.STT.DeepgramAPIKey,
			"server_url": cfg.STT.WhisperServerURL,
		},
	})
	if err != nil {
		return fmt.Errorf("server: resolve stt: %w", err)
	}
	provider, ok := sttHandler.(stt.Provider)
	if !ok {
		return fmt.Errorf("server: stt plugin %q returned %T, not a stt.Provider", cfg.STT.Spec, sttHandler)
	}
	s.sttProvider = provider

	if cfg.STT.FallbackSpec != "" {
		standbyHandler, err := s.plugins.Resolve(plugin.CategorySTT, cfg.STT.FallbackSpec, plugin.Config{
			Language:   cfg.STT.Language,
			SampleRate: cfg.STT.SampleRate,
			ModelPath:  cfg.STT.WhisperModelPath,
			Extra: map[string]string{
				"api_key":    cfg.STT.DeepgramAPIKey,
				"server_url": cfg.STT.WhisperServerURL,
			},
		})
		if err != nil {
			return fmt.Errorf("server: resolve stt fallback: %w", err)
		}
		standby, ok := standbyHandler.(stt.Provider)
		if !ok {
			return fmt.Errorf("server: stt fallback plugin %q returned %T, not a stt.Provider", cfg.STT.FallbackSpec, standbyHandler)
		}
		failover := resilience.NewSTTFailover(provider, cfg.STT.Spec, resilience.BreakerConfig{}, s.logger)
		failover.Add(cfg.STT.FallbackSpec, standby)
		s.sttProvider = failover
	}

	llmHandler, err := s.plugins.Resolve(plugin.CategoryLLM, cfg.LLM.Spec, plugin.Config{
		Model: cfg.LLM.Model,
		Extra: map[string]string{"api_key": cfg.LLM.APIKey},
	})
	if err != nil {
		return fmt.Errorf("server: resolve llm: %w", err)
	}
	model, ok := llmHandler.(llm.Provider)
	if !ok {
		return fmt.Errorf("server: llm plugin %q returned %T, not a llm.Provider", cfg.LLM.Spec, llmHandler)
	}
	s.llmModel = model

	if cfg.LLM.FallbackSpec != "" {
		standbyHandler, err := s.plugins.Resolve(plugin.CategoryLLM, cfg.LLM.FallbackSpec, plugin.Config{
			Extra: map[string]string{"api_key": cfg.LLM.APIKey},
		})
		if err != nil {
			return fmt.Errorf("server: resolve llm fallback: %w", err)
		}
		standby, ok := standbyHandler.(llm.Provider)
		if !ok {
			return fmt.Errorf("server: llm fallback plugin %q returned %T, not a llm.Provider", cfg.LLM.FallbackSpec, standbyHandler)
		}
		failover := resilience.NewLLMFailover(model, cfg.LLM.Spec, resilience.BreakerConfig{}, s.logger)
		failover.Add(cfg.LLM.FallbackSpec, standby)
		s.llmModel = failover
	}

	if cfg.VAD.Enabled {
		vadHandler, err := s.plugins.Resolve(plugin.CategoryVAD, cfg.VAD.Spec, plugin.Config{
			Threshold: cfg.VAD.Threshold,
			ModelPath: cfg.VAD.ModelPath,
		})
		if err != nil {
			return fmt.Errorf("server: resolve vad: %w", err)
		}
		engine, ok := vadHandler.(vad.Engine)
		if !ok {
			return fmt.Errorf("server: vad plugin %q returned %T, not a vad.Engine", cfg.VAD.Spec, vadHandler)
		}
		s.vadEngine = engine
	}

	if cfg.TurnDetector.Enabled {
		turnHandler, err := s.plugins.Resolve(plugin.CategoryTurnDetector, cfg.TurnDetector.Spec, plugin.Config{
			Threshold: cfg.TurnDetector.Threshold,
			ModelPath: cfg.TurnDetector.ModelPath,
		})
		if err != nil {
			return fmt.Errorf("server: resolve turn detector: %w", err)
		}
		detector, ok := turnHandler.(turn.Detector)
		if !ok {
			return fmt.Errorf("server: turn plugin %q returned %T, not a turn.Detector", cfg.TurnDetector.Spec, turnHandler)
		}
		s.detector = detector
	}

	return nil
}

// importMCPServers connects to the configured MCP servers and registers their
// tool catalogues.
func (s *Server) importMCPServers() error {
	if len(s.cfg.Tools.MCPServers) == 0 {
		return nil
	}

	s.mcpClient = tool.NewMCPClient()
	for _, srv := range s.cfg.Tools.MCPServers {
		// The context also governs stdio child processes, so it must
		// outlive the import.
		err := s.mcpClient.ImportServer(context.Background(), s.tools, tool.MCPServerConfig{
			Name:         srv.Name,
			Transport:    tool.MCPTransport(srv.Transport),
			Command:      srv.Command,
			Env:          srv.Env,
			URL:          srv.URL,
			Instructions: srv.Instructions,
		})
		if err != nil {
			return fmt.Errorf("server: import mcp server %q: %w", srv.Name, err)
		}
		s.logger.Info("imported mcp server", "name", srv.Name, "transport", srv.Transport)
	}
	return nil
}

// Run serves until ctx is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(s.otelMetrics)(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen on %s: %w", addr, err)
		}
		return nil
	})

	if s.cfg.Metrics.Enabled {
		metricsAddr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Metrics.Port))
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		s.metricsServer = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			s.logger.Info("metrics listening", "addr", metricsAddr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: metrics listen on %s: %w", metricsAddr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

// shutdown drains the HTTP servers and closes the session store.
func (s *Server) shutdown() {
	s.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http server shutdown", "error", err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics server shutdown", "error", err)
		}
	}
	if s.mcpClient != nil {
		if err := s.mcpClient.Close(); err != nil {
			s.logger.Warn("mcp client shutdown", "error", err)
		}
	}
	s.store.Close()
}

// routes builds the main mux: the client WebSocket, the dashboard channel,
// and the REST control surface.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleClientWS)
	mux.HandleFunc("GET /ws/dashboard", s.handleDashboardWS)

	healthHandler := health.New(s.serverMetrics.ActiveConnections)
	healthHandler.Register(mux)

	mux.HandleFunc("GET /metrics", s.handleMetricsSnapshot)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionDetail)
	mux.HandleFunc("GET /api/sessions/{id}/history", s.handleSessionHistory)
	mux.HandleFunc("GET /api/dashboard/metrics", s.handleDashboardMetrics)
	mux.HandleFunc("GET /api/config", s.handleConfig)

	return mux
}
