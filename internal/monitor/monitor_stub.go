//go:build !linux

package monitor

import (
	"context"
	"fmt"

	"github.com/genricoloni/nowplayd/internal/domain"
	"github.com/genricoloni/nowplayd/internal/metrics"
	"go.uber.org/zap"
)

// MprisMonitor stub for non-Linux platforms
type MprisMonitor struct {
	logger *zap.Logger
	events chan domain.PlayerEvent
}

// NewMprisMonitor creates a stub monitor that returns an error on non-Linux platforms
func NewMprisMonitor(logger *zap.Logger, _ domain.Config, _ *metrics.Metrics) *MprisMonitor {
	events := make(chan domain.PlayerEvent)
	close(events)
	return &MprisMonitor{logger: logger, events: events}
}

// Start returns an error indicating MPRIS monitoring is not supported on this platform
func (m *MprisMonitor) Start(ctx context.Context) error {
	return fmt.Errorf("MPRIS monitoring is only supported on Linux systems")
}

// Events returns a closed channel since monitoring is not available
func (m *MprisMonitor) Events() <-chan domain.PlayerEvent {
	return m.events
}

// Stop is a no-op on non-Linux platforms
func (m *MprisMonitor) Stop(ctx context.Context) error {
	return nil
}
