// Package probe checks the gRPC health endpoint of a running API.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"catequiz.org/internal/audit"
)

var (
	ErrNotServing     = errors.New("service not serving")
	ErrUnknownService = errors.New("unknown service")
	ErrUnavailable    = errors.New("health endpoint unavailable")
)

// Client wraps a health client connection.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial creates a client; without options the transport is insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Check returns nil when service reports SERVING. An empty service asks
// about the server as a whole.
func (c *Client) Check(ctx context.Context, service string) error {
	resp, err := c.health.Check(withRequestID(ctx), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return mapHealthError(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
	}
	return nil
}

// WaitServing polls Check until it succeeds or ctx ends.
func (c *Client) WaitServing(ctx context.Context, service string, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		err := c.Check(ctx, service)
		if err == nil || errors.Is(err, ErrUnknownService) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last: %v)", ctx.Err(), err)
		case <-t.C:
		}
	}
}

func withRequestID(ctx context.Context) context.Context {
	if id := audit.RequestIDFromContext(ctx); id != "" {
		return metadata.AppendToOutgoingContext(ctx, "x-request-id", id)
	}
	return ctx
}

func mapHealthError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrUnknownService, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	default:
		return err
	}
}
