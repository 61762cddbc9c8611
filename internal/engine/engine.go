package engine

import (
	"context"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/genricoloni/nowplayd/internal/domain"
	"github.com/genricoloni/nowplayd/internal/metrics"
	"go.uber.org/zap"
)

// playerState is everything known about one player
type playerState struct {
	name       string
	status     domain.PlaybackStatus
	metadata   *domain.Metadata
	position   uint64
	observedAt time.Time
	rate       float64

	playingSince time.Time // last transition into playing
	changedAt    time.Time // last status, metadata or rate change
}

func (p *playerState) snapshot() *domain.MediaState {
	return &domain.MediaState{
		Status:      p.status,
		Player:      p.name,
		Metadata:    p.metadata,
		RawPosition: p.position,
		ObservedAt:  p.observedAt,
		Rate:        p.rate,
	}
}

// outranks reports whether p should be shown instead of other
func (p *playerState) outranks(other *playerState) bool {
	playing, otherPlaying := p.status == domain.StatusPlaying, other.status == domain.StatusPlaying
	if playing != otherPlaying {
		return playing
	}
	if !p.playingSince.Equal(other.playingSince) {
		return p.playingSince.After(other.playingSince)
	}
	if !p.changedAt.Equal(other.changedAt) {
		return p.changedAt.After(other.changedAt)
	}
	return p.name < other.name
}

// Synchronizer folds monitor events into a single MediaState snapshot.
// It is the only writer of the snapshot; readers go through Snapshot.
type Synchronizer struct {
	logger  *zap.Logger
	monitor domain.Monitor
	metrics *metrics.Metrics
	filters []*regexp.Regexp
	now     func() time.Time

	// Owned by the event loop
	players map[string]*playerState

	current atomic.Pointer[domain.MediaState]

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSynchronizer creates a synchronizer publishing the default snapshot
func NewSynchronizer(
	logger *zap.Logger,
	cfg domain.Config,
	mon domain.Monitor,
	m *metrics.Metrics,
) *Synchronizer {
	s := &Synchronizer{
		logger:  logger,
		monitor: mon,
		metrics: m,
		filters: cfg.GetAppNameFilters(),
		now:     time.Now,
		players: make(map[string]*playerState),
	}
	s.current.Store(domain.DefaultMediaState())
	return s
}

// Start launches the event processing loop in a goroutine.
// It returns immediately (non-blocking).
func (s *Synchronizer) Start(ctx context.Context) error {
	s.logger.Info("Synchronizer starting...")

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.runLoop(loopCtx)
	return nil
}

// Stop ends the event loop and waits for it to exit
func (s *Synchronizer) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.logger.Info("Synchronizer stopping...")
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest published state. It never blocks.
func (s *Synchronizer) Snapshot() *domain.MediaState {
	return s.current.Load()
}

func (s *Synchronizer) runLoop(ctx context.Context) {
	defer close(s.done)
	events := s.monitor.Events()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Synchronizer loop stopped")
			return

		case ev, ok := <-events:
			if !ok {
				s.logger.Info("Monitor events channel closed")
				return
			}
			s.HandleEvent(ev)
		}
	}
}

// HandleEvent applies one event and republishes the snapshot.
// It must only be called from a single goroutine.
func (s *Synchronizer) HandleEvent(ev domain.PlayerEvent) {
	at := ev.At
	if at.IsZero() {
		at = s.now()
	}

	switch ev.Kind {
	case domain.EventBusDisconnected:
		s.logger.Warn("Media bus disconnected, serving last known state")
		return

	case domain.EventBusConnected:
		present := make(map[string]struct{}, len(ev.Players))
		for _, name := range ev.Players {
			present[name] = struct{}{}
		}
		for name := range s.players {
			if _, ok := present[name]; !ok {
				delete(s.players, name)
			}
		}
		s.logger.Info("Media bus connected", zap.Int("players", len(ev.Players)))

	case domain.EventPlayerVanished:
		if _, ok := s.players[ev.Player]; !ok {
			return
		}
		delete(s.players, ev.Player)
		s.logger.Info("Player vanished", zap.String("player", ev.Player))

	case domain.EventPropertiesChanged:
		if !s.accepts(ev.Player) {
			s.logger.Debug("Ignoring filtered player", zap.String("player", ev.Player))
			return
		}
		s.apply(ev, at)

	default:
		s.logger.Debug("Ignoring unknown event", zap.Stringer("kind", ev.Kind))
		return
	}

	s.publish()
}

func (s *Synchronizer) apply(ev domain.PlayerEvent, at time.Time) {
	p, ok := s.players[ev.Player]
	if !ok {
		p = &playerState{
			name:       ev.Player,
			status:     domain.StatusNone,
			rate:       domain.DefaultRate,
			observedAt: at,
			changedAt:  at,
		}
		s.players[ev.Player] = p
	}

	statusChanged := ev.Status != nil && *ev.Status != p.status
	rateChanged := ev.Rate != nil && *ev.Rate != p.rate

	// Without a fresh position, carry the extrapolated one across the change
	if ev.Position == nil && (statusChanged || rateChanged) {
		p.position = p.snapshot().LivePosition(at)
		p.observedAt = at
	}

	if ev.Status != nil {
		if *ev.Status == domain.StatusPlaying && p.status != domain.StatusPlaying {
			p.playingSince = at
		}
		p.status = *ev.Status
	}
	if ev.HasMetadata {
		p.metadata = ev.Metadata
	}
	if ev.Rate != nil {
		p.rate = *ev.Rate
	}
	if ev.Position != nil {
		p.position = *ev.Position
		p.observedAt = at
	}

	if ev.Status != nil || ev.HasMetadata || ev.Rate != nil {
		p.changedAt = at
	}
}

// accepts reports whether a player passes the app name filters
func (s *Synchronizer) accepts(player string) bool {
	if len(s.filters) == 0 {
		return true
	}
	name := domain.AppName(player)
	for _, re := range s.filters {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func (s *Synchronizer) publish() {
	var active *playerState
	for _, p := range s.players {
		if active == nil || p.outranks(active) {
			active = p
		}
	}

	next := domain.DefaultMediaState()
	if active != nil {
		next = active.snapshot()
	}

	prev := s.current.Swap(next)
	if prev.Player != next.Player {
		s.logger.Info("Active player changed",
			zap.String("from", prev.Player),
			zap.String("to", next.Player))
	}
	s.metrics.SnapshotUpdated()
}
