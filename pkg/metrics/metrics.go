// Package metrics exposes the resolver's Prometheus metrics. Collectors are
// defined with promauto in the packages that update them (inat, ratelimit,
// retry, batch, taxon, cache) and land in the default registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer every collector is created in.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server serves /metrics until its context ends.
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// Listen binds addr and prepares a metrics server.
func Listen(addr string, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   logger.With().Str("component", "metrics").Logger(),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is done, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.Addr()).Msg("Serving metrics")
		errCh <- s.srv.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
		return nil
	}
}

// Metrics Documentation
//
// API client (pkg/inat):
//   - inat_requests_total{endpoint, status}
//   - inat_request_duration_seconds{endpoint}
//   - inat_errors_total{class}: client, server, rate_limit, network, not_found, parse
//
// Admission (pkg/ratelimit):
//   - inat_rate_limit_delay_seconds: current spacing between requests
//   - inat_rate_limit_throttles_total
//   - inat_rate_limit_wait_seconds
//
// Retries (pkg/retry):
//   - inat_retries_total{operation}
//   - inat_retry_backoff_seconds{operation}
//   - inat_retry_exhausted_total{operation}
//
// Fetching (pkg/batch):
//   - inat_batch_fallbacks_total
//   - inat_batch_outcomes_total{status}: found, missing, failed
//
// Resolution (pkg/taxon):
//   - inat_ancestor_cache_hits_total
//   - inat_ancestor_cache_misses_total
//
// Response cache (pkg/cache):
//   - inat_cache_hits_total{kind}
//   - inat_cache_misses_total{kind}
//   - inat_cache_errors_total{operation}
//
// Example Prometheus Queries:
//
//   # Throttling pressure
//   inat_rate_limit_delay_seconds > 1
//
//   # Share of chunks falling back to single fetches
//   rate(inat_batch_fallbacks_total[5m]) /
//   rate(inat_requests_total{endpoint="observations"}[5m])
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(inat_request_duration_seconds_bucket[5m]))
