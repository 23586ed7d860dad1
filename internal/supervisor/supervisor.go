// Package supervisor announces this instance to the fleet supervisor through
// the remote mirror: an active row at startup, a heartbeat every 30 seconds,
// and a stopped marker on graceful shutdown. Everything here is best-effort;
// a missing supervisor never affects trading.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"time"

	"hivebot/internal/mirror"
)

const heartbeatInterval = 30 * time.Second

// Registrar maintains this instance's row in the shared instances table.
type Registrar struct {
	mirror     *mirror.Mirror
	instanceID string
	apiPort    int
	logger     *slog.Logger
}

// New builds a registrar. With a disabled mirror every call is a no-op.
func New(m *mirror.Mirror, instanceID string, apiPort int, logger *slog.Logger) *Registrar {
	return &Registrar{
		mirror:     m,
		instanceID: instanceID,
		apiPort:    apiPort,
		logger:     logger.With("component", "supervisor"),
	}
}

func (r *Registrar) row() mirror.InstanceRow {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return mirror.InstanceRow{
		InstanceID: r.instanceID,
		Hostname:   hostname,
		APIPort:    r.apiPort,
		Status:     "active",
		LastSeen:   time.Now().UTC(),
	}
}

// Run registers immediately, then heartbeats until ctx is cancelled.
func (r *Registrar) Run(ctx context.Context) {
	if !r.mirror.Enabled() {
		r.logger.Debug("remote mirror disabled, skipping instance registration")
		return
	}

	r.mirror.PublishInstance(r.row())
	r.logger.Info("instance registered", "instance_id", r.instanceID, "api_port", r.apiPort)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mirror.PublishInstance(r.row())
		}
	}
}

// MarkStopped flips the row to stopped and flushes. Called once on shutdown.
func (r *Registrar) MarkStopped(ctx context.Context) {
	if !r.mirror.Enabled() {
		return
	}
	r.mirror.MarkStopped(ctx)
	r.logger.Info("instance marked stopped", "instance_id", r.instanceID)
}
