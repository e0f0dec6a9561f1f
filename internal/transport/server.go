package transport

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"strconv"

	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	v1 "tengine/api/v1"
	"tengine/internal/limit"
	"tengine/internal/logging"
	"tengine/internal/probe"
	"tengine/internal/transform"
)

// Health service names understood by the gRPC health endpoint. The empty
// name is an alias for readiness.
const (
	ServiceLiveness  = "liveness"
	ServiceReadiness = "readiness"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req *transform.Request) (*transform.Result, error)
}

type Health interface {
	Live(ctx context.Context) probe.Report
	Ready(ctx context.Context) probe.Report
}

type Server struct {
	grpc *grpc.Server
	lis  net.Listener
	log  *slog.Logger
}

type ServerOption func(*serverConfig)

type serverConfig struct {
	limiter  *limit.Limiter
	maxBytes int
	logger   *slog.Logger
}

// WithLimiter bounds concurrent Transform calls.
func WithLimiter(l *limit.Limiter) ServerOption {
	return func(c *serverConfig) { c.limiter = l }
}

// WithMaxMessageBytes raises the gRPC message size limit in both directions.
func WithMaxMessageBytes(n int) ServerOption {
	return func(c *serverConfig) { c.maxBytes = n }
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(c *serverConfig) { c.logger = l }
}

// StartServer listens on addr and registers the transform and health
// services. Call Serve to accept connections.
func StartServer(addr string, d Dispatcher, h Health, opts ...ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewServer(lis, d, h, opts...), nil
}

// NewServer registers the services on an existing listener.
func NewServer(lis net.Listener, d Dispatcher, h Health, opts ...ServerOption) *Server {
	var cfg serverConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := logging.OrDefault(cfg.logger)

	var gopts []grpc.ServerOption
	if cfg.maxBytes > 0 {
		gopts = append(gopts, grpc.MaxRecvMsgSize(cfg.maxBytes), grpc.MaxSendMsgSize(cfg.maxBytes))
	}
	if cfg.limiter != nil {
		gopts = append(gopts, grpc.ChainUnaryInterceptor(limitInterceptor(cfg.limiter)))
	}
	s := &Server{
		grpc: grpc.NewServer(gopts...),
		lis:  lis,
		log:  logger,
	}
	v1.RegisterTransformServiceServer(s.grpc, &transformService{d: d})
	healthpb.RegisterHealthServer(s.grpc, &healthService{h: h})
	return s
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.lis.Addr().String() }

func (s *Server) Serve() error {
	s.log.Info("grpc listening", slog.String("addr", s.Addr()))
	return s.grpc.Serve(s.lis)
}

// Stop drains in-flight calls until ctx is done, then closes every
// connection, cancelling the calls still running.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("grpc drain timed out, closing connections", logging.Err(ctx.Err()))
		s.grpc.Stop()
	}
}

// Close releases a server that was never served.
func (s *Server) Close() error {
	s.grpc.Stop()
	return s.lis.Close()
}

func limitInterceptor(l *limit.Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod != v1.TransformService_Transform_FullMethodName {
			return handler(ctx, req)
		}
		if err := l.Acquire(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, status.FromContextError(ctx.Err()).Err()
			}
			return nil, status.Error(codes.Unavailable, "server is shutting down")
		}
		defer l.Release()
		return handler(ctx, req)
	}
}

// ----- services -----------------------------------------------------------

type transformService struct {
	v1.UnimplementedTransformServiceServer
	d Dispatcher
}

func (s *transformService) Transform(ctx context.Context, in *v1.TransformRequest) (*v1.TransformReply, error) {
	id := in.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	req := &transform.Request{
		RequestID:       id,
		SourceMediaType: in.SourceMimeType,
		TargetMediaType: in.TargetMimeType,
		TargetFilename:  in.TargetFileName,
		TargetExtension: in.TargetExtension,
		Options:         in.TransformRequestOptions,
		TransformerName: in.TransformerName,
	}
	if in.File != nil {
		req.SourceFilename = in.File.OriginalFileName
		req.SourceSize = in.File.Size
		if len(in.File.Content) > 0 {
			req.Content = bytes.NewReader(in.File.Content)
		}
	}
	res, err := s.d.Dispatch(ctx, req)
	if err != nil {
		return nil, StatusError(id, err)
	}
	return &v1.TransformReply{
		RequestID:   id,
		Transformer: res.Transformer,
		File:        res.Content,
		Size:        res.Size,
		ElapsedMS:   res.Elapsed.Milliseconds(),
		Status:      res.Status,
	}, nil
}

type healthService struct {
	healthpb.UnimplementedHealthServer
	h Health
}

func (s *healthService) Check(ctx context.Context, in *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	var r probe.Report
	switch in.GetService() {
	case ServiceLiveness:
		r = s.h.Live(ctx)
	case ServiceReadiness, "":
		r = s.h.Ready(ctx)
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", in.GetService())
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if r.OK {
		st = healthpb.HealthCheckResponse_SERVING
	}
	return &healthpb.HealthCheckResponse{Status: st}, nil
}

// ----- errors -------------------------------------------------------------

// StatusError converts a dispatcher error into a gRPC status carrying an
// ErrorInfo detail. Only the caller-safe message is sent.
func StatusError(requestID string, err error) error {
	e := transform.AsError(err)
	st := status.New(codeFor(e.Kind), e.Message)
	info := &errdetails.ErrorInfo{
		Reason: ReasonFor(e.Kind),
		Domain: v1.ErrorDomain,
		Metadata: map[string]string{
			"status":    strconv.Itoa(e.Status()),
			"requestId": requestID,
		},
	}
	if detailed, derr := st.WithDetails(info); derr == nil {
		st = detailed
	}
	return st.Err()
}

func codeFor(k transform.Kind) codes.Code {
	switch k.Class() {
	case transform.ClassBadRequest:
		return codes.InvalidArgument
	case transform.ClassResourceExhausted:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// ReasonFor returns the wire reason of k.
func ReasonFor(k transform.Kind) string {
	switch k {
	case transform.InvalidRequest:
		return v1.ReasonInvalidRequest
	case transform.NoMatchingTransformer:
		return v1.ReasonNoMatchingTransformer
	case transform.UnsupportedInput:
		return v1.ReasonUnsupportedInput
	case transform.StorageError:
		return v1.ReasonStorageError
	case transform.BackendError:
		return v1.ReasonBackendError
	default:
		return v1.ReasonInternalError
	}
}
