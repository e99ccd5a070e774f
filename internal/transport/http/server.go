// Package http provides the HTTP transport layer for EventRelay.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /v1/events
//	POST   /v1/events/batch
//	POST   /v1/worker/drain
//	POST   /v1/retries/sweep
//	GET    /v1/stats
//	GET    /v1/dead-letters
//	POST   /v1/dead-letters/replay
//	GET    /v1/dead-letters/ws
//	GET    /metrics
//
// The drain and sweep routes let an external scheduler drive the pipeline
// instead of the binary's own trigger loops.
package http

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/eventrelay/internal/config"
	"github.com/snehjoshi/eventrelay/internal/logging"
	"github.com/snehjoshi/eventrelay/internal/metrics"
	"github.com/snehjoshi/eventrelay/internal/pipeline"
	transportws "github.com/snehjoshi/eventrelay/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with EventRelay route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around p. reg may be nil, in which case /metrics is
// not mounted. The caller is responsible for calling ListenAndServe / Shutdown.
func New(p *pipeline.Pipeline, cfg *config.Config, nodeID string, reg *metrics.Registry, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	h := &Handler{pipeline: p, nodeID: nodeID, logger: logger}
	ws := &transportws.Handler{Source: p, Logger: logger}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Submission
	mux.HandleFunc("POST /v1/events", h.submitEvent)
	mux.HandleFunc("POST /v1/events/batch", h.submitBatch)

	// External triggers
	mux.HandleFunc("POST /v1/worker/drain", h.drain)
	mux.HandleFunc("POST /v1/retries/sweep", h.sweep)

	// Inspection
	mux.HandleFunc("GET /v1/stats", h.stats)
	mux.HandleFunc("GET /v1/dead-letters", h.listDeadLetters)
	mux.HandleFunc("POST /v1/dead-letters/replay", h.replayDeadLetters)

	// WebSocket live tail of the dead letter archive
	mux.Handle("GET /v1/dead-letters/ws", ws)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	rps := float64(cfg.API.MaxRate)
	burst := cfg.API.Burst
	if rps <= 0 {
		rps = 100
	}
	if burst <= 0 {
		burst = 200
	}

	// Build middleware chain: request id → logging → auth → rate-limit
	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware(maxRequestBodyBytes(cfg.Submit.MaxPayloadBytes)),
		RequestIDMiddleware,
		LoggingMiddleware(logger, reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(rps, burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
