package domain

import (
	"context"
	"regexp"
	"time"
)

// Monitor defines the interface for monitoring media playback events
// Implementations should handle D-Bus/MPRIS communication
type Monitor interface {
	// Start begins monitoring for media events
	// It should block until context is cancelled or Stop is called
	Start(ctx context.Context) error

	// Stop gracefully stops the monitor
	Stop(ctx context.Context) error

	// Events returns a read-only channel that emits PlayerEvents
	// in the order they were observed on the bus
	Events() <-chan PlayerEvent
}

// StateSource publishes the current MediaState snapshot
type StateSource interface {
	// Snapshot returns the latest published state. It never blocks and
	// never returns nil.
	Snapshot() *MediaState
}

// ImageProcessor defines the interface for in-memory image processing
// This is OS-agnostic and works purely with byte streams
type ImageProcessor interface {
	// Process transforms image data (e.g. resize)
	// Returns the processed image bytes or an error
	Process(ctx context.Context, imageData []byte) ([]byte, error)
}

// Fetcher defines the interface for retrieving album artwork
type Fetcher interface {
	// Fetch reads image data from a local path
	// Returns the raw image bytes or an error
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// Config defines the interface for application configuration
type Config interface {
	// GetBindAddress returns the host:port the viewer server listens on
	GetBindAddress() string

	// GetMinDelay returns the first bus reconnect delay
	GetMinDelay() time.Duration

	// GetMaxDelay returns the cap for bus reconnect delays
	GetMaxDelay() time.Duration

	// GetPollInterval returns how often player positions are re-read
	GetPollInterval() time.Duration

	// GetAppNameFilters returns the player name filters; empty means any player
	GetAppNameFilters() []*regexp.Regexp

	// GetMaxArtworkSize returns the longest edge for local artwork, 0 for no resizing
	GetMaxArtworkSize() int

	// GetMaxArtworkBytes returns the read cap for local artwork files
	GetMaxArtworkBytes() int64

	// MetricsEnabled reports whether /metrics is served
	MetricsEnabled() bool
}
