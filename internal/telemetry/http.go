package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tengine/internal/logging"
	"tengine/internal/probe"
)

// Health is the probe surface served on /live and /ready.
type Health interface {
	Live(ctx context.Context) probe.Report
	Ready(ctx context.Context) probe.Report
}

// Server exposes /metrics, /live, /ready and /log over HTTP.
type Server struct {
	srv    *http.Server
	lis    net.Listener
	logger *slog.Logger
}

type logLine struct {
	RequestID   string    `json:"requestId"`
	Transformer string    `json:"transformer,omitempty"`
	SourceType  string    `json:"sourceMimetype"`
	TargetType  string    `json:"targetMimetype"`
	SourceSize  int64     `json:"sourceSize"`
	TargetSize  int64     `json:"targetSize,omitempty"`
	Started     time.Time `json:"started"`
	ElapsedMS   int64     `json:"elapsedMs"`
	Status      int       `json:"status"`
	Message     string    `json:"message,omitempty"`
}

// Handler builds the HTTP mux. gatherer nil means the default gatherer.
func Handler(health Health, log *Log, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /live", func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, health.Live(r.Context()))
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, health.Ready(r.Context()))
	})
	mux.HandleFunc("GET /log", func(w http.ResponseWriter, _ *http.Request) {
		var lines []logLine
		if log != nil {
			for _, e := range log.Entries() {
				lines = append(lines, logLine{
					RequestID:   e.RequestID,
					Transformer: e.Transformer,
					SourceType:  e.SourceType,
					TargetType:  e.TargetType,
					SourceSize:  e.SourceSize,
					TargetSize:  e.TargetSize,
					Started:     e.Started,
					ElapsedMS:   e.Elapsed.Milliseconds(),
					Status:      e.Status,
					Message:     e.Message,
				})
			}
		}
		writeJSON(w, http.StatusOK, lines)
	})
	return mux
}

func writeReport(w http.ResponseWriter, r probe.Report) {
	status := r.Status
	if status == 0 {
		status = http.StatusOK
		if !r.OK {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Listen binds addr and prepares a Server for h.
func Listen(addr string, h http.Handler, logger *slog.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		srv:    &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second},
		lis:    lis,
		logger: logging.OrDefault(logger),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.lis.Addr().String() }

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.logger.Info("http listening", slog.String("addr", s.Addr()))
	if err := s.srv.Serve(s.lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Close releases a server that was never served.
func (s *Server) Close() error { return s.lis.Close() }
