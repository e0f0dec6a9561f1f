package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	v1 "tengine/api/v1"
	"tengine/internal/logging"
)

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithRemoteTransformer forces the transformer the peer runs. Without it the
// peer's own registry selects one.
func WithRemoteTransformer(name string) RemoteOption {
	return func(r *Remote) { r.transformer = name }
}

func WithRemoteLogger(l *slog.Logger) RemoteOption {
	return func(r *Remote) { r.logger = l }
}

// Remote delegates transforms to another tengine over gRPC.
type Remote struct {
	addr        string
	conn        *grpc.ClientConn
	client      v1.TransformServiceClient
	transformer string
	logger      *slog.Logger
}

// DialRemote connects to the tengine at addr. maxBytes bounds the message
// size in both directions when positive.
func DialRemote(addr string, maxBytes int, opts ...RemoteOption) (*Remote, error) {
	dopts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if maxBytes > 0 {
		dopts = append(dopts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxBytes), grpc.MaxCallSendMsgSize(maxBytes)))
	}
	cc, err := grpc.NewClient(addr, dopts...)
	if err != nil {
		return nil, fmt.Errorf("remote executor %s: %w", addr, err)
	}
	r := NewRemote(addr, v1.NewTransformServiceClient(cc), opts...)
	r.conn = cc
	return r, nil
}

// NewRemote wraps an existing client.
func NewRemote(addr string, client v1.TransformServiceClient, opts ...RemoteOption) *Remote {
	r := &Remote{addr: addr, client: client}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger)
	return r
}

func (r *Remote) Transform(ctx context.Context, sourceType, targetType string, options map[string]string, sourcePath, targetPath string) error {
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	req := &v1.TransformRequest{
		File: &v1.File{
			OriginalFileName: filepath.Base(sourcePath),
			Size:             int64(len(content)),
			Content:          content,
		},
		SourceMimeType:          sourceType,
		TargetMimeType:          targetType,
		TargetFileName:          filepath.Base(targetPath),
		TransformRequestOptions: options,
		TransformerName:         r.transformer,
	}
	reply, err := r.client.Transform(ctx, req)
	if err != nil {
		if info, ok := v1.ErrorInfo(err); ok && info.GetReason() == v1.ReasonUnsupportedInput {
			return &UnsupportedInputError{Reason: status.Convert(err).Message(), Err: err}
		}
		return fmt.Errorf("remote %s: %w", r.addr, err)
	}
	if len(reply.File) == 0 {
		return errors.New("remote " + r.addr + " returned an empty result")
	}
	r.logger.Debug("remote transform completed",
		slog.String("addr", r.addr),
		slog.String(logging.FieldTransformer, reply.Transformer),
		slog.Int64("size", reply.Size),
	)
	return os.WriteFile(targetPath, reply.File, 0o600)
}

func (r *Remote) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
