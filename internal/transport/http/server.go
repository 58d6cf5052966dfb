// Package http provides the local HTTP surface of relayfeed.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /healthz
//	GET    /feeds
//	GET    /feeds/{name}
//	POST   /feeds/{name}/reload
//	POST   /feeds/{name}/refresh
//	POST   /feeds/{name}/retry
//	POST   /feeds/{name}/visible/{id}
//	PUT    /feeds/{name}/lookback
//	GET    /feeds/{name}/ws
//	GET    /events/{id}/counts
//	POST   /lists/blocked
//	POST   /lists/muted
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/relayfeed/internal/metrics"
	transportws "github.com/snehjoshi/relayfeed/internal/transport/websocket"
)

// Options are the optional collaborators of the server.
type Options struct {
	// Counts serves /events/{id}/counts when set.
	Counts CountSource
	// Lists serves /lists/* when set.
	Lists ListEditor
	// Relays reports connected relays on /healthz.
	Relays func() []string
	// Metrics serves /metrics and records request metrics when set.
	Metrics *metrics.Registry
	// APIKey enables X-Api-Key authentication when non-empty.
	APIKey string
	// RateLimit is requests per second per client IP; 0 means 50.
	RateLimit float64
	Burst     int
}

// Server wraps the stdlib HTTP server with relayfeed route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server over feeds.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(feeds []Feed, opts Options) *Server {
	h := newHandler(feeds, opts)
	ws := &transportws.Handler{Lookup: func(name string) (transportws.Feed, bool) {
		f, ok := h.feeds[name]
		return f, ok
	}}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.health)

	// Feeds
	mux.HandleFunc("GET /feeds", h.listFeeds)
	mux.HandleFunc("GET /feeds/{name}", h.getFeed)
	mux.HandleFunc("POST /feeds/{name}/reload", h.reloadFeed)
	mux.HandleFunc("POST /feeds/{name}/refresh", h.refreshFeed)
	mux.HandleFunc("POST /feeds/{name}/retry", h.retryFeed)
	mux.HandleFunc("POST /feeds/{name}/visible/{id}", h.visible)
	mux.HandleFunc("PUT /feeds/{name}/lookback", h.setLookback)

	// WebSocket push
	mux.Handle("GET /feeds/{name}/ws", ws)

	// Interaction counts
	mux.HandleFunc("GET /events/{id}/counts", h.counts)

	// Block / mute lists
	mux.HandleFunc("POST /lists/blocked", h.block)
	mux.HandleFunc("POST /lists/muted", h.mute)

	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	rps, burst := opts.RateLimit, opts.Burst
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = int(2 * rps)
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(opts.Metrics),
		AuthMiddleware(opts.APIKey),
		RateLimitMiddleware(rps, burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:     handler,
			ReadTimeout: 15 * time.Second,
			// No WriteTimeout: it would cut long-lived feed streams.
			IdleTimeout: 120 * time.Second,
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
