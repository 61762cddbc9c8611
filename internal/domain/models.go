package domain

import (
	"net/url"
	"strings"
	"time"
)

// PlaybackStatus is the viewer-facing playback state
type PlaybackStatus string

const (
	// StatusNone indicates there is no track (stopped player or no player at all)
	StatusNone PlaybackStatus = "none"
	// StatusPlaying indicates the media is currently playing
	StatusPlaying PlaybackStatus = "playing"
	// StatusPaused indicates the media is paused
	StatusPaused PlaybackStatus = "paused"
)

// DefaultRate is the playback speed assumed until a player reports one
const DefaultRate = 1.0

// MprisBusPrefix starts the well-known bus name of every MPRIS player
const MprisBusPrefix = "org.mpris.MediaPlayer2."

// AppName returns the part of a player bus name after MprisBusPrefix,
// the part app_names filters are matched against
func AppName(player string) string {
	return strings.TrimPrefix(player, MprisBusPrefix)
}

// ArtworkKind tags the variant held by an ArtworkRef
type ArtworkKind int

const (
	// ArtworkLocalFile references an image on the local filesystem
	ArtworkLocalFile ArtworkKind = iota + 1
	// ArtworkRemoteURL references an image the viewer loads itself
	ArtworkRemoteURL
)

func (k ArtworkKind) String() string {
	switch k {
	case ArtworkLocalFile:
		return "file"
	case ArtworkRemoteURL:
		return "url"
	default:
		return "none"
	}
}

// ArtworkRef is a reference to a piece of artwork, either a local file or a
// remote URL. Values are comparable: two refs are the same artwork iff ==.
type ArtworkRef struct {
	kind  ArtworkKind
	value string // filesystem path or URL
	src   string // string as advertised by the player
}

// LocalFile builds a reference to an image on disk
func LocalFile(path string) ArtworkRef {
	u := url.URL{Scheme: "file", Path: path}
	return ArtworkRef{kind: ArtworkLocalFile, value: path, src: u.String()}
}

// RemoteURL builds a reference to an image the viewer fetches itself
func RemoteURL(rawURL string) ArtworkRef {
	return ArtworkRef{kind: ArtworkRemoteURL, value: rawURL, src: rawURL}
}

// ParseArtworkURL classifies an mpris:artUrl value.
// file:// URLs become local files, anything else non-empty is relayed as a URL.
func ParseArtworkURL(raw string) (ArtworkRef, bool) {
	if raw == "" {
		return ArtworkRef{}, false
	}
	if strings.HasPrefix(raw, "file://") {
		path := strings.TrimPrefix(raw, "file://")
		if u, err := url.Parse(raw); err == nil && u.Path != "" {
			path = u.Path
		}
		return ArtworkRef{kind: ArtworkLocalFile, value: path, src: raw}, true
	}
	return RemoteURL(raw), true
}

// Kind returns the variant tag
func (r ArtworkRef) Kind() ArtworkKind { return r.kind }

// Path returns the filesystem path of a local file reference
func (r ArtworkRef) Path() string {
	if r.kind != ArtworkLocalFile {
		return ""
	}
	return r.value
}

// URL returns the URL of a remote reference
func (r ArtworkRef) URL() string {
	if r.kind != ArtworkRemoteURL {
		return ""
	}
	return r.value
}

// Src returns the artwork location as the player advertised it
func (r ArtworkRef) Src() string { return r.src }

// IsZero reports whether r references nothing
func (r ArtworkRef) IsZero() bool { return r.kind == 0 }

// Metadata describes the current track. Nil pointers are fields the player
// did not report.
type Metadata struct {
	Title   *string
	Artist  *string
	Album   *string
	Length  *uint64 // microseconds
	Artwork []ArtworkRef
}

// MediaState is an immutable snapshot of what is playing.
// It is replaced wholesale on every update, never modified in place.
type MediaState struct {
	Status   PlaybackStatus
	Player   string // well-known bus name of the tracked player, empty when none
	Metadata *Metadata

	// RawPosition is only meaningful together with ObservedAt
	RawPosition uint64 // microseconds
	ObservedAt  time.Time
	Rate        float64
}

// DefaultMediaState returns the snapshot served when no player is known
func DefaultMediaState() *MediaState {
	return &MediaState{
		Status: StatusNone,
		Rate:   DefaultRate,
	}
}

// LivePosition extrapolates the playback position at now, in microseconds.
// While playing the raw position advances at Rate and is clamped to
// [0, Length]; otherwise the raw position is returned unchanged.
func (s *MediaState) LivePosition(now time.Time) uint64 {
	if s.Status != StatusPlaying {
		return s.RawPosition
	}

	elapsed := float64(now.Sub(s.ObservedAt)) / float64(time.Microsecond)
	pos := float64(s.RawPosition) + s.Rate*elapsed
	if pos < 0 {
		return 0
	}
	if s.Metadata != nil && s.Metadata.Length != nil && *s.Metadata.Length > 0 {
		if length := float64(*s.Metadata.Length); pos > length {
			return *s.Metadata.Length
		}
	}
	return uint64(pos)
}

// ArtworkAt returns the artwork reference at index, if any
func (s *MediaState) ArtworkAt(index int) (ArtworkRef, bool) {
	if s == nil || s.Metadata == nil || index < 0 || index >= len(s.Metadata.Artwork) {
		return ArtworkRef{}, false
	}
	return s.Metadata.Artwork[index], true
}

// EventKind identifies what a PlayerEvent reports
type EventKind int

const (
	// EventPropertiesChanged carries new values for one player's properties
	EventPropertiesChanged EventKind = iota
	// EventPlayerVanished reports that a player left the bus
	EventPlayerVanished
	// EventBusConnected reports a fresh bus session and the players present on it
	EventBusConnected
	// EventBusDisconnected reports that the bus session was lost
	EventBusDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventPropertiesChanged:
		return "properties-changed"
	case EventPlayerVanished:
		return "player-vanished"
	case EventBusConnected:
		return "bus-connected"
	case EventBusDisconnected:
		return "bus-disconnected"
	default:
		return "unknown"
	}
}

// PlayerEvent is a single update from the media-status bus.
// Nil fields were not part of the update.
type PlayerEvent struct {
	Kind    EventKind
	Player  string   // well-known name, e.g. org.mpris.MediaPlayer2.spotify
	Players []string // EventBusConnected only

	Status *PlaybackStatus
	// HasMetadata is set when Metadata was part of the update; Metadata may
	// then be nil, meaning the player has no current track.
	HasMetadata bool
	Metadata    *Metadata
	Position    *uint64 // microseconds
	Rate        *float64

	// At is when the update was observed; a Position is anchored to it
	At time.Time
}
