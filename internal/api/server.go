package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	serverReadHeaderTimeout = 10 * time.Second
	serverReadTimeout       = 30 * time.Second
	serverIdleTimeout       = 2 * time.Minute
	serverShutdownTimeout   = 5 * time.Second
)

// NewServer builds an http.Server with the collector's timeouts and request
// logging.
func NewServer(addr string, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

// Serve runs every server until ctx is canceled or one of them fails, then
// shuts all of them down. listeners, when non-nil, supplies pre-bound
// listeners by index.
func Serve(ctx context.Context, logger *slog.Logger, servers []*http.Server, listeners []net.Listener) error {
	if logger == nil {
		logger = slog.Default()
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, server := range servers {
		var ln net.Listener
		if i < len(listeners) {
			ln = listeners[i]
		}
		g.Go(func() error {
			var err error
			if ln != nil {
				err = server.Serve(ln)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		var errs []error
		for _, server := range servers {
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown server", "addr", server.Addr, "error", err)
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
