package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	v1 "tengine/api/v1"
)

// Client talks to a running tengine over gRPC.
type Client struct {
	conn   *grpc.ClientConn
	svc    v1.TransformServiceClient
	health healthpb.HealthClient
}

// Dial connects to addr. Without extra options the connection is plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:   cc,
		svc:    v1.NewTransformServiceClient(cc),
		health: healthpb.NewHealthClient(cc),
	}, nil
}

func (c *Client) Transform(ctx context.Context, req *v1.TransformRequest, opts ...grpc.CallOption) (*v1.TransformReply, error) {
	return c.svc.Transform(ctx, req, opts...)
}

// Check asks the health service about service (liveness or readiness).
func (c *Client) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
