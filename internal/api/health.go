package api

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/rpc"
	"github.com/matheus3301/roomsync/internal/status"
)

// Health reports the room service as SERVING while the session is READY and
// NOT_SERVING otherwise. The overall server ("") is always SERVING.
type Health struct {
	server *health.Server
	bus    *bus.Bus
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealth creates a health reporter starting in the machine's current state.
func NewHealth(b *bus.Bus, m *status.Machine, logger *zap.Logger) *Health {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Health{server: health.NewServer(), bus: b, logger: logger}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.set(m.Current())
	return h
}

// Server is registered on the gRPC server.
func (h *Health) Server() *health.Server {
	return h.server
}

// Start follows status changes until Stop.
func (h *Health) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	ch, unsub := h.bus.Subscribe(bus.KindStatusChanged, 64)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					h.set(change.To)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends status tracking and marks everything NOT_SERVING.
func (h *Health) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.server.Shutdown()
}

func (h *Health) set(s status.State) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s == status.Ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.logger.Debug("health status", zap.String("state", string(s)), zap.Stringer("serving", st))
	h.server.SetServingStatus(rpc.ServiceName, st)
}
