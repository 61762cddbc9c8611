//go:build linux

package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/genricoloni/nowplayd/internal/domain"
	"github.com/genricoloni/nowplayd/internal/metrics"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	eventBuffer  = 64
	signalBuffer = 32
)

var (
	errConnectionLost = errors.New("session bus connection lost")
	errNotConnected   = errors.New("not connected to session bus")
)

// MprisMonitor monitors media playback via D-Bus MPRIS interface.
// It owns the bus session and re-establishes it with backoff when lost.
type MprisMonitor struct {
	logger          *zap.Logger
	cfg             domain.Config
	metrics         *metrics.Metrics
	dial            func() (DBusClient, error) // Opens a bus session
	now             func() time.Time
	events          chan domain.PlayerEvent
	mu              sync.RWMutex
	running         bool
	cancel          context.CancelFunc
	conn            DBusClient        // Interface for testability
	lastDropWarning time.Time         // Rate limiting for "channel full" warnings
	wg              sync.WaitGroup    // Tracks the session loop
	playerNames     map[string]string // Maps unique bus names (:1.45) to one well-known name per player (org.mpris.MediaPlayer2.spotify)
}

// NewMprisMonitor creates a new MPRIS monitor instance
func NewMprisMonitor(logger *zap.Logger, cfg domain.Config, m *metrics.Metrics) *MprisMonitor {
	return &MprisMonitor{
		logger:      logger,
		cfg:         cfg,
		metrics:     m,
		dial:        NewStdDBusClient,
		now:         time.Now,
		events:      make(chan domain.PlayerEvent, eventBuffer),
		playerNames: make(map[string]string),
	}
}

// Start begins monitoring for media events.
// It blocks until ctx is cancelled or Stop is called. Bus failures are
// retried, never returned.
func (m *MprisMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true

	monitorCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	m.logger.Info("MPRIS monitor started")
	m.run(monitorCtx)
	m.logger.Info("MPRIS monitor stopped")
	return monitorCtx.Err()
}

// Stop gracefully stops the monitor
func (m *MprisMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()

	if !m.running {
		m.mu.Unlock()
		return nil
	}

	if m.cancel != nil {
		m.cancel()
	}

	m.running = false
	m.mu.Unlock()

	// Closing the connection unblocks any in-flight D-Bus call
	m.closeConn()

	// Wait for the session loop to terminate before closing the channel
	// This prevents "send on closed channel" panic
	m.logger.Debug("Waiting for monitoring goroutines to finish")
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("monitor did not stop in time: %w", ctx.Err())
	}

	close(m.events)

	m.logger.Info("MPRIS monitor shutdown complete")
	return nil
}

// Events returns a read-only channel that emits PlayerEvents
func (m *MprisMonitor) Events() <-chan domain.PlayerEvent {
	return m.events
}

// run keeps a bus session alive until ctx is cancelled
func (m *MprisMonitor) run(ctx context.Context) {
	b := m.newBackOff()

	for {
		connected, err := m.session(ctx)
		if ctx.Err() != nil {
			return
		}

		if connected {
			// A session that came up counts as success: start over from min_delay
			m.metrics.BusDisconnected()
			b.Reset()
		}

		delay := b.NextBackOff()
		m.logger.Warn("D-Bus session unavailable, retrying",
			zap.Error(err),
			zap.Duration("retryIn", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *MprisMonitor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.GetMinDelay()
	b.MaxInterval = m.cfg.GetMaxDelay()
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // retry forever
	b.Reset()
	return b
}

// session runs one bus connection from dial to loss.
// connected reports whether the session got far enough to publish players.
func (m *MprisMonitor) session(ctx context.Context) (connected bool, err error) {
	conn, err := m.dial()
	if err != nil {
		return false, fmt.Errorf("session bus connection failed: %w", err)
	}

	// Protect connection assignment with mutex to avoid race with Stop()
	m.mu.Lock()
	m.conn = conn
	m.playerNames = make(map[string]string)
	m.mu.Unlock()
	defer m.closeConn()

	// Check if we were stopped while connecting to D-Bus
	if ctx.Err() != nil {
		m.logger.Info("Monitor stopped during D-Bus connection")
		return false, ctx.Err()
	}

	signals := make(chan *dbus.Signal, signalBuffer)
	conn.Signal(signals)

	if err := m.addMatchRules(conn); err != nil {
		return false, err
	}

	if err := m.detectExistingPlayers(ctx); err != nil {
		return false, err
	}

	m.watch(ctx, signals)
	if ctx.Err() != nil {
		return true, ctx.Err()
	}

	m.emit(ctx, domain.PlayerEvent{Kind: domain.EventBusDisconnected, At: m.now()})
	return true, errConnectionLost
}

// addMatchRules subscribes to the signals the monitor understands
func (m *MprisMonitor) addMatchRules(conn DBusClient) error {
	// Add match rule for PropertiesChanged signals on MPRIS interface
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(mprisPath),
		dbus.WithMatchInterface(dbusPropsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		m.logger.Error("Failed to add match signal", zap.Error(err))
		return fmt.Errorf("failed to add match signal: %w", err)
	}

	// Seeked is the only notification of position jumps
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(mprisPath),
		dbus.WithMatchInterface(mprisPlayerIface),
		dbus.WithMatchMember("Seeked"),
	); err != nil {
		m.logger.Warn("Failed to add Seeked match signal, seeks will be picked up by polling", zap.Error(err))
	}

	// Add match rule for NameOwnerChanged to track new/removed players dynamically
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusIface),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		m.logger.Warn("Failed to add NameOwnerChanged match signal", zap.Error(err))
		// Non-fatal, continue without dynamic tracking
	} else {
		m.logger.Info("Dynamic player tracking enabled via NameOwnerChanged")
	}

	return nil
}

// watch dispatches signals and polls positions until ctx is done or the
// signal channel is closed by a lost connection
func (m *MprisMonitor) watch(ctx context.Context, signals <-chan *dbus.Signal) {
	ticker := time.NewTicker(m.cfg.GetPollInterval())
	defer ticker.Stop()

	m.logger.Info("Signal monitoring started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Signal monitoring stopped")
			return
		case sig, ok := <-signals:
			if !ok {
				m.logger.Warn("D-Bus signal channel closed")
				return
			}
			if sig == nil {
				continue
			}
			m.dispatch(ctx, sig)
		case <-ticker.C:
			m.pollPositions(ctx)
		}
	}
}

func (m *MprisMonitor) dispatch(ctx context.Context, sig *dbus.Signal) {
	switch sig.Name {
	case signalNameOwnerChanged:
		m.handleNameOwnerChanged(ctx, sig)
	case signalSeeked:
		m.handleSeeked(ctx, sig)
	default:
		m.handleSignal(ctx, sig)
	}
}

func (m *MprisMonitor) client() DBusClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

func (m *MprisMonitor) closeConn() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		m.logger.Warn("Failed to close D-Bus connection", zap.Error(err))
	}
}

// emit delivers ev without ever dropping it. A full buffer is logged
// (rate limited) and the send then waits for the consumer or for ctx.
func (m *MprisMonitor) emit(ctx context.Context, ev domain.PlayerEvent) bool {
	select {
	case m.events <- ev:
		return true
	default:
	}

	m.logChannelFullWarning()

	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// detectExistingPlayers queries D-Bus for currently running MPRIS players,
// announces the player set and emits the full state of each
func (m *MprisMonitor) detectExistingPlayers(ctx context.Context) error {
	conn := m.client()
	if conn == nil {
		return errNotConnected
	}

	names, err := conn.ListNames()
	if err != nil {
		return fmt.Errorf("failed to list bus names: %w", err)
	}

	// Filter for MPRIS player names (org.mpris.MediaPlayer2.*)
	var candidates []string
	for _, name := range names {
		if strings.HasPrefix(name, domain.MprisBusPrefix) {
			candidates = append(candidates, name)
		}
	}
	sort.Strings(candidates)

	// A player may own several MPRIS names (vlc and vlc.instance<pid>).
	// It is tracked once, under the first of its names.
	owners := make(map[string]string, len(candidates))
	var players []string
	for _, name := range candidates {
		uniqueName, err := conn.GetNameOwner(name)
		if err != nil {
			m.logger.Warn("Failed to resolve player owner, skipping",
				zap.String("name", name),
				zap.Error(err))
			continue
		}
		if canonical, ok := owners[uniqueName]; ok {
			m.logger.Debug("Skipping additional name of a known player",
				zap.String("name", name),
				zap.String("player", canonical))
			continue
		}
		owners[uniqueName] = name
		players = append(players, name)
		m.logger.Info("Detected MPRIS player",
			zap.String("name", name),
			zap.String("unique", uniqueName))
	}

	m.mu.Lock()
	m.playerNames = owners
	m.mu.Unlock()

	m.emit(ctx, domain.PlayerEvent{
		Kind:    domain.EventBusConnected,
		Players: players,
		At:      m.now(),
	})

	for _, name := range players {
		if err := m.fetchPlayerState(ctx, name); err != nil {
			m.logger.Warn("Failed to fetch initial state",
				zap.String("player", name),
				zap.Error(err))
		}
	}

	m.logger.Info("Player detection complete", zap.Int("count", len(players)))
	return nil
}

// fetchPlayerState reads every tracked property of a player and emits them as one event
func (m *MprisMonitor) fetchPlayerState(ctx context.Context, playerName string) error {
	conn := m.client()
	if conn == nil {
		return errNotConnected
	}

	statusVariant, err := conn.GetProperty(playerName, mprisPath, propPlaybackStatus)
	if err != nil {
		return fmt.Errorf("failed to get playback status: %w", err)
	}

	status, ok := statusVariant.Value().(string)
	if !ok {
		return fmt.Errorf("invalid playback status format")
	}
	st := parseStatus(status)

	ev := domain.PlayerEvent{
		Kind:   domain.EventPropertiesChanged,
		Player: playerName,
		Status: &st,
	}

	variant, err := conn.GetProperty(playerName, mprisPath, propMetadata)
	if err != nil {
		m.logger.Debug("Failed to get metadata", zap.String("player", playerName), zap.Error(err))
	} else {
		ev.HasMetadata = true
		// SAFE CAST: Some players may return nil or unexpected types if not playing anything
		if metadata, ok := variant.Value().(map[string]dbus.Variant); ok {
			ev.Metadata = m.parseMetadata(metadata)
		} else {
			m.logger.Debug("Metadata variant is not a map, treating as no track", zap.String("player", playerName))
		}
	}

	if rate, ok := readRate(conn, playerName); ok {
		ev.Rate = &rate
	}
	if pos, ok := readPosition(conn, playerName); ok {
		ev.Position = &pos
	}
	ev.At = m.now()

	if m.emit(ctx, ev) {
		m.logger.Debug("Emitted player state",
			zap.String("player", playerName),
			zap.String("status", string(st)))
	}
	return nil
}

// pollPositions re-reads the position of every known player.
// MPRIS only signals seeks, so this bounds interpolation drift.
func (m *MprisMonitor) pollPositions(ctx context.Context) {
	conn := m.client()
	if conn == nil {
		return
	}

	m.mu.RLock()
	names := make([]string, 0, len(m.playerNames))
	for _, name := range m.playerNames {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		pos, ok := readPosition(conn, name)
		if !ok {
			continue
		}
		if !m.emit(ctx, domain.PlayerEvent{
			Kind:     domain.EventPropertiesChanged,
			Player:   name,
			Position: &pos,
			At:       m.now(),
		}) {
			return
		}
	}
}

// handleNameOwnerChanged processes NameOwnerChanged signals to track player lifecycle
func (m *MprisMonitor) handleNameOwnerChanged(ctx context.Context, sig *dbus.Signal) {
	if len(sig.Body) < 3 {
		return
	}

	name, ok := sig.Body[0].(string)
	if !ok || !strings.HasPrefix(name, domain.MprisBusPrefix) {
		return // Not an MPRIS player
	}

	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	// An ownership transfer is a release followed by an acquisition
	if oldOwner != "" {
		m.releaseName(ctx, name, oldOwner)
	}
	if newOwner != "" {
		m.acquireName(ctx, name, newOwner)
	}
}

// acquireName starts tracking a player under name unless its owner is
// already tracked under another name
func (m *MprisMonitor) acquireName(ctx context.Context, name, owner string) {
	m.mu.Lock()
	if canonical, ok := m.playerNames[owner]; ok {
		m.mu.Unlock()
		m.logger.Debug("Ignoring additional name of a known player",
			zap.String("name", name),
			zap.String("player", canonical))
		return
	}
	m.playerNames[owner] = name
	m.mu.Unlock()

	m.logger.Info("New MPRIS player detected",
		zap.String("player", name),
		zap.String("unique", owner))

	if err := m.fetchPlayerState(ctx, name); err != nil {
		m.logger.Warn("Failed to fetch state from new player",
			zap.String("player", name),
			zap.Error(err))
	}
}

// releaseName handles owner giving up name. Only the name a player is
// tracked under ends it; if the owner still holds another MPRIS name the
// player continues under that one.
func (m *MprisMonitor) releaseName(ctx context.Context, name, owner string) {
	m.mu.Lock()
	if m.playerNames[owner] != name {
		m.mu.Unlock()
		return
	}
	delete(m.playerNames, owner)
	m.mu.Unlock()

	m.logger.Info("MPRIS player removed",
		zap.String("player", name),
		zap.String("unique", owner))

	if !m.emit(ctx, domain.PlayerEvent{
		Kind:   domain.EventPlayerVanished,
		Player: name,
		At:     m.now(),
	}) {
		return
	}

	if alias, ok := m.remainingName(owner, name); ok {
		m.acquireName(ctx, alias, owner)
	}
}

// remainingName finds another MPRIS name still held by owner
func (m *MprisMonitor) remainingName(owner, released string) (string, bool) {
	conn := m.client()
	if conn == nil {
		return "", false
	}

	names, err := conn.ListNames()
	if err != nil {
		return "", false
	}
	sort.Strings(names)

	for _, name := range names {
		if name == released || !strings.HasPrefix(name, domain.MprisBusPrefix) {
			continue
		}
		if o, err := conn.GetNameOwner(name); err == nil && o == owner {
			return name, true
		}
	}
	return "", false
}

// handleSeeked processes Seeked signals, which carry the new position
func (m *MprisMonitor) handleSeeked(ctx context.Context, sig *dbus.Signal) {
	if len(sig.Body) < 1 {
		return
	}
	n, ok := toInt64(sig.Body[0])
	if !ok {
		return
	}
	pos := clampPosition(n)

	playerName, ok := m.getPlayerName(sig.Sender)
	if !ok {
		m.logger.Debug("Ignoring seek from untracked sender", zap.String("sender", sig.Sender))
		return
	}
	m.logger.Debug("Seek detected",
		zap.String("player", playerName),
		zap.Uint64("position", pos))

	m.emit(ctx, domain.PlayerEvent{
		Kind:     domain.EventPropertiesChanged,
		Player:   playerName,
		Position: &pos,
		At:       m.now(),
	})
}

// handleSignal processes a PropertiesChanged D-Bus signal
func (m *MprisMonitor) handleSignal(ctx context.Context, sig *dbus.Signal) {
	// PropertiesChanged signal has 3 arguments:
	// 1. Interface name (string)
	// 2. Changed properties (map[string]Variant)
	// 3. Invalidated properties ([]string)

	if sig.Name != signalPropertiesChanged {
		return
	}

	if len(sig.Body) < 2 {
		return
	}

	interfaceName, ok := sig.Body[0].(string)
	if !ok || interfaceName != mprisPlayerIface {
		return
	}

	changedProps, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	playerName, ok := m.getPlayerName(sig.Sender)
	if !ok {
		m.logger.Debug("Ignoring PropertiesChanged from untracked sender", zap.String("sender", sig.Sender))
		return
	}

	m.logger.Debug("Received PropertiesChanged signal",
		zap.String("sender", sig.Sender),
		zap.String("player", playerName),
		zap.Int("properties", len(changedProps)))

	ev := domain.PlayerEvent{
		Kind:   domain.EventPropertiesChanged,
		Player: playerName,
	}

	// A malformed property is skipped on its own, the rest still apply
	if statusVariant, ok := changedProps["PlaybackStatus"]; ok {
		if status, ok := statusVariant.Value().(string); ok {
			st := parseStatus(status)
			ev.Status = &st
		} else {
			m.logger.Warn("Invalid playback status format in signal, ignoring", zap.String("player", playerName))
		}
	}

	if metadataVariant, ok := changedProps["Metadata"]; ok {
		if metadata, ok := metadataVariant.Value().(map[string]dbus.Variant); ok {
			ev.HasMetadata = true
			ev.Metadata = m.parseMetadata(metadata)
		} else {
			m.logger.Warn("Invalid metadata format in signal, ignoring", zap.String("player", playerName))
		}
	}

	if rateVariant, ok := changedProps["Rate"]; ok {
		if rate, ok := rateVariant.Value().(float64); ok {
			ev.Rate = &rate
		}
	}

	// Not emitted by compliant players, but some do
	if posVariant, ok := changedProps["Position"]; ok {
		if n, ok := toInt64(posVariant.Value()); ok {
			pos := clampPosition(n)
			ev.Position = &pos
		}
	}

	if ev.Status == nil && !ev.HasMetadata && ev.Rate == nil && ev.Position == nil {
		return
	}

	// Re-anchor the position whenever the track or play state changes
	if (ev.Status != nil || ev.HasMetadata) && ev.Position == nil {
		if conn := m.client(); conn != nil {
			if pos, ok := readPosition(conn, sig.Sender); ok {
				ev.Position = &pos
			}
		}
	}
	ev.At = m.now()

	if m.emit(ctx, ev) {
		fields := []zap.Field{zap.String("player", playerName)}
		if ev.Status != nil {
			fields = append(fields, zap.String("status", string(*ev.Status)))
		}
		if ev.Metadata != nil && ev.Metadata.Title != nil {
			fields = append(fields, zap.String("title", *ev.Metadata.Title))
		}
		m.logger.Info("Media change detected", fields...)
	}
}

// parseMetadata converts MPRIS metadata to the domain model.
// An empty map means the player has no current track.
func (m *MprisMonitor) parseMetadata(metadata map[string]dbus.Variant) *domain.Metadata {
	if len(metadata) == 0 {
		return nil
	}

	meta := &domain.Metadata{}

	// Extract title
	if titleVar, ok := metadata["xesam:title"]; ok {
		if title, ok := titleVar.Value().(string); ok {
			meta.Title = &title
		}
	}

	// Extract artist (can be an array)
	if artistVar, ok := metadata["xesam:artist"]; ok {
		switch artists := artistVar.Value().(type) {
		case []string:
			if len(artists) > 0 {
				joined := strings.Join(artists, ", ")
				meta.Artist = &joined
			}
		case []interface{}:
			var names []string
			for _, a := range artists {
				if s, ok := a.(string); ok {
					names = append(names, s)
				}
			}
			if len(names) > 0 {
				joined := strings.Join(names, ", ")
				meta.Artist = &joined
			}
		case string:
			meta.Artist = &artists
		default:
			// Some non-compliant players may use unexpected types
			m.logger.Debug("Unexpected artist type in metadata",
				zap.String("type", fmt.Sprintf("%T", artistVar.Value())))
		}
	}

	// Extract album
	if albumVar, ok := metadata["xesam:album"]; ok {
		if album, ok := albumVar.Value().(string); ok {
			meta.Album = &album
		}
	}

	// Extract length (players disagree on signedness and width)
	if lengthVar, ok := metadata["mpris:length"]; ok {
		if n, ok := toInt64(lengthVar.Value()); ok && n >= 0 {
			length := uint64(n)
			meta.Length = &length
		}
	}

	// Extract art URL
	if artVar, ok := metadata["mpris:artUrl"]; ok {
		if artURL, ok := artVar.Value().(string); ok {
			if ref, ok := domain.ParseArtworkURL(artURL); ok {
				meta.Artwork = []domain.ArtworkRef{ref}
			} else {
				// Some players (browsers, local files) may send empty artUrl
				m.logger.Debug("Empty artUrl received")
			}
		}
	}

	return meta
}

// getPlayerName returns the well-known name a unique bus name is tracked under
func (m *MprisMonitor) getPlayerName(uniqueName string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wellKnown, ok := m.playerNames[uniqueName]
	return wellKnown, ok
}

// logChannelFullWarning logs a warning about channel being full, but rate-limited
// to avoid log spam during rapid track changes (e.g., fast skipping)
func (m *MprisMonitor) logChannelFullWarning() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit to max one warning per 5 seconds
	const warningInterval = 5 * time.Second
	now := m.now()

	if now.Sub(m.lastDropWarning) >= warningInterval {
		m.logger.Warn("Events channel full, waiting for the synchronizer",
			zap.Int("buffer", cap(m.events)))
		m.lastDropWarning = now
	}
}

func parseStatus(status string) domain.PlaybackStatus {
	switch status {
	case "Playing":
		return domain.StatusPlaying
	case "Paused":
		return domain.StatusPaused
	default:
		return domain.StatusNone
	}
}

func readPosition(conn DBusClient, dest string) (uint64, bool) {
	v, err := conn.GetProperty(dest, mprisPath, propPosition)
	if err != nil {
		return 0, false
	}
	n, ok := toInt64(v.Value())
	if !ok {
		return 0, false
	}
	return clampPosition(n), true
}

func readRate(conn DBusClient, dest string) (float64, bool) {
	v, err := conn.GetProperty(dest, mprisPath, propRate)
	if err != nil {
		return 0, false
	}
	rate, ok := v.Value().(float64)
	return rate, ok
}

func clampPosition(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int32:
		return int64(val), true
	case int16:
		return int64(val), true
	case int:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return math.MaxInt64, true
		}
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint16:
		return int64(val), true
	default:
		return 0, false
	}
}
