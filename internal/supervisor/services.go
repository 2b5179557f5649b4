package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Runner adapts anything with a blocking Run method to a suture service.
type Runner struct {
	name string
	run  func(ctx context.Context) error
}

// NewRunner wraps run as a supervised service.
func NewRunner(name string, run func(ctx context.Context) error) *Runner {
	return &Runner{name: name, run: run}
}

func (r *Runner) Serve(ctx context.Context) error {
	if err := r.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

func (r *Runner) String() string { return r.name }

// HTTPServer is the listen/shutdown pair the HTTP service needs.
type HTTPServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// HTTPService supervises an HTTP server, translating context cancellation
// into a bounded graceful shutdown.
type HTTPService struct {
	name            string
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server as a supervised service.
func NewHTTPService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{name: name, server: server, shutdownTimeout: shutdownTimeout}
}

func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return ctx.Err()
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPService) String() string { return s.name }
