package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophbot/internal/logging"
	"github.com/dmitrijs2005/gophbot/internal/server/reconnect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	srv := NewGRPCServer("127.0.0.1:0", logging.Discard(), NewHealth())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	select {
	case err := <-done:
		t.Fatalf("server exited too early: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on graceful stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop within timeout after context cancel")
	}
}

func TestRun_ReturnsErrorOnBadAddress(t *testing.T) {
	t.Parallel()

	srv := NewGRPCServer("127.0.0.1:99999", logging.Discard(), NewHealth())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Run(ctx); err == nil {
		t.Fatal("expected error from Run on bad address, got nil")
	}
}

func TestHealth_SessionStatus(t *testing.T) {
	h := NewHealth()
	ctx := context.Background()

	st, err := h.Status(ctx, "")
	if err != nil || st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("daemon status = %v, %v; want SERVING", st, err)
	}

	if _, err := h.Status(ctx, ServiceName("s1")); status.Code(err) != codes.NotFound {
		t.Fatalf("unknown session: want NotFound, got %v", err)
	}

	steps := []struct {
		state reconnect.State
		want  healthpb.HealthCheckResponse_ServingStatus
	}{
		{reconnect.StateConnecting, healthpb.HealthCheckResponse_NOT_SERVING},
		{reconnect.StateOpen, healthpb.HealthCheckResponse_SERVING},
		{reconnect.StateClosedRetryable, healthpb.HealthCheckResponse_NOT_SERVING},
		{reconnect.StateOpen, healthpb.HealthCheckResponse_SERVING},
		{reconnect.StateClosedTerminal, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, step := range steps {
		h.SessionStateChanged("s1", step.state)
		got, err := h.Status(ctx, "gophbot.session.s1")
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", step.state, err)
		}
		if got != step.want {
			t.Fatalf("%s: got %v, want %v", step.state, got, step.want)
		}
	}

	h.Shutdown()
	if st, _ := h.Status(ctx, ""); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("after shutdown: got %v", st)
	}
}

func TestLoggingInterceptor_PassesThrough(t *testing.T) {
	s := NewGRPCServer("", logging.Discard(), NewHealth())
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	boom := status.Error(codes.Internal, "boom")

	resp, err := s.loggingInterceptor(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		return "ok", nil
	})
	if err != nil || resp != "ok" {
		t.Fatalf("got %v, %v", resp, err)
	}

	_, err = s.loggingInterceptor(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}
