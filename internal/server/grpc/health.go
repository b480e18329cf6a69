package grpc

import (
	"context"

	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/server/reconnect"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health publishes daemon and per-session liveness through the standard
// grpc.health.v1 service. The empty service name is the daemon itself.
type Health struct {
	srv *health.Server
}

func NewHealth() *Health {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &Health{srv: srv}
}

// ServiceName is the health service name of one session.
func ServiceName(sessionID string) string {
	return common.SessionServicePrefix + sessionID
}

// SessionStateChanged marks a session SERVING while its connection is open.
func (h *Health) SessionStateChanged(sessionID string, state reconnect.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == reconnect.StateOpen {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(ServiceName(sessionID), status)
}

// Status reports the current status of service.
func (h *Health) Status(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Shutdown flips every service to NOT_SERVING.
func (h *Health) Shutdown() { h.srv.Shutdown() }
