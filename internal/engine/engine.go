package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"tengine/internal/limit"
	"tengine/internal/logging"
	"tengine/internal/probe"
	"tengine/internal/queue"
	"tengine/internal/telemetry"
	"tengine/internal/transport"
)

// Engine owns the running endpoints of one transform engine process.
type Engine struct {
	grpc    *transport.Server
	http    *telemetry.Server
	queue   *queue.Listener
	health  transport.Health
	limiter *limit.Limiter
	log     *telemetry.Log
	closers []io.Closer
	logger  *slog.Logger

	shutdownTimeout time.Duration
}

func (e *Engine) GRPCAddr() string { return e.grpc.Addr() }
func (e *Engine) HTTPAddr() string { return e.http.Addr() }

// Run serves every endpoint until ctx is done or one of them fails, then
// drains in-flight work and releases the backends.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 3)
	serve := func(name string, fn func() error) {
		go func() {
			err := fn()
			if err != nil {
				e.logger.Error("endpoint stopped", slog.String("endpoint", name), logging.Err(err))
			}
			errc <- err
		}()
	}
	running := 2
	serve("grpc", e.grpc.Serve)
	serve("http", e.http.Serve)
	if e.queue != nil {
		running++
		serve("queue", func() error { return e.queue.Run(ctx) })
	}

	var first error
	select {
	case <-ctx.Done():
	case first = <-errc:
		running--
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), e.shutdownTimeout)
	defer stop()
	e.grpc.Stop(shutdownCtx)
	if err := e.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		e.logger.Warn("http shutdown", logging.Err(err))
	}
	e.closeAll()
	for ; running > 0; running-- {
		select {
		case err := <-errc:
			if first == nil {
				first = err
			}
		case <-shutdownCtx.Done():
			return errors.Join(first, shutdownCtx.Err())
		}
	}
	e.logger.Info("engine stopped")
	return first
}

// closeAll releases everything except the servers, which Run stops.
func (e *Engine) closeAll() {
	if e.queue != nil {
		if err := e.queue.Close(); err != nil {
			e.logger.Warn("queue close", logging.Err(err))
		}
	}
	if e.limiter != nil {
		e.limiter.Close()
	}
	for _, c := range e.closers {
		_ = c.Close()
	}
	e.closers = nil
}

// abort undoes a partial Bootstrap.
func (e *Engine) abort() {
	if e.grpc != nil {
		_ = e.grpc.Close()
	}
	if e.http != nil {
		_ = e.http.Close()
	}
	e.closeAll()
}

// staticHealth answers every check positively. It stands in for the probe
// harness when no test file is configured.
type staticHealth struct{}

func (staticHealth) Live(context.Context) probe.Report  { return staticReport }
func (staticHealth) Ready(context.Context) probe.Report { return staticReport }

var staticReport = probe.Report{OK: true, Status: http.StatusOK, Message: "Success - No probe configured"}
