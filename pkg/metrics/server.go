package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fanyadan/my-slurm/pkg/log"
)

// NewMux serves /metrics, /health, /ready and /live
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/ready", ReadyHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}

// Serve runs the metrics listener on addr until ctx is cancelled. Listener
// errors are logged; they never stop the bootstrap.
func Serve(ctx context.Context, addr string) {
	logger := log.WithComponent("metrics")

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("Serving metrics and health endpoints")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn().Err(err).Str("addr", addr).Msg("Metrics listener failed")
	}
}
