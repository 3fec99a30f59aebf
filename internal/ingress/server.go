// Package ingress translates external HTTP requests into orchestrator and
// feasibility-engine invocations, and emits versioned, enveloped responses.
// Routers are thin: validate, delegate, respond. No inline geometric or
// physical computation lives here.
package ingress

import (
	"context"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/rmos/core/internal/advisory"
	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/config"
	"github.com/rmos/core/internal/feedback"
	"github.com/rmos/core/internal/governance"
	"github.com/rmos/core/internal/pipeline"
	"github.com/rmos/core/internal/telemetry"
)

// Server assembles and runs the ingress HTTP surface.
type Server struct {
	mux      goahttp.Muxer
	registry *governance.Registry
	limiter  *governance.RateLimiter
	logger   telemetry.Logger
	addr     string
	debug    bool
}

// Deps bundles every component the ingress layer routes into.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Advisory     *advisory.Subsystem
	Store        artifact.Store
	Feedback     *feedback.Loop
	Registry     *governance.Registry
	Cfg          config.Config
	ToolKinds    []string
	EngineVersion string
	// Log receives request-scoped warnings (deprecation hits). Nil falls
	// back to a no-op logger.
	Log telemetry.Logger
	// SandboxProducer is the optional AI advisory Producer. Nil unless
	// ANTHROPIC_API_KEY was configured at startup; the suggest-and-attach
	// route falls back to a synchronous attach when nil.
	SandboxProducer advisory.Producer
}

// New builds the ingress server, mounting the per-tool pipeline surface
// (generated uniformly from the closed tool vocabulary), the run/attachment
// surface, and the governance surface.
func New(deps Deps) *Server {
	mux := goahttp.NewMuxer()

	logger := deps.Log
	if logger == nil {
		logger, _, _ = telemetry.Noop()
	}

	s := &Server{
		mux:      mux,
		registry: deps.Registry,
		limiter:  governance.NewRateLimiter(deps.Cfg.RateLimitRPS, deps.Cfg.RateLimitBurst),
		logger:   logger,
		addr:     deps.Cfg.ListenAddr,
		debug:    deps.Cfg.DebugEnabled,
	}

	mountToolRoutes(mux, deps)
	mountRunRoutes(mux, deps)
	mountGovernanceRoutes(mux, deps)

	return s
}

// Run starts the HTTP server and blocks until ctx is cancelled, then drains
// in-flight requests with a 30s shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	var handler http.Handler = s.mux
	handler = deprecationMiddleware(s.registry, s.logger, handler)
	handler = s.limiter.Middleware(handler)
	if s.debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{Addr: s.addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "HTTP server listening on %q", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Printf(ctx, "shutting down HTTP server at %q", s.addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "failed to shutdown: %v", err)
		return err
	}
	wg.Wait()
	return nil
}
