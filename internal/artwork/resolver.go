package artwork

import (
	"context"

	"github.com/genricoloni/nowplayd/internal/domain"
	"github.com/genricoloni/nowplayd/internal/metrics"
	"go.uber.org/zap"
)

// Result is the kind of an artwork response
type Result int

const (
	// Absent means there is no artwork at the index, or it could not be read
	Absent Result = iota
	// Unchanged means the connection already has this artwork
	Unchanged
	// Bytes carries the image itself
	Bytes
	// URL carries a remote location for the viewer to load
	URL
)

func (r Result) String() string {
	switch r {
	case Absent:
		return "absent"
	case Unchanged:
		return "unchanged"
	case Bytes:
		return "bytes"
	case URL:
		return "url"
	default:
		return "unknown"
	}
}

// Response is the payload for one artwork request
type Response struct {
	Result Result
	Data   []byte // Bytes only
	URL    string // URL only
}

// DeliveryRecords remembers, per artwork index, the last reference sent on
// one connection. It belongs to a single connection and is not safe for
// concurrent use.
type DeliveryRecords map[int]domain.ArtworkRef

// NewDeliveryRecords returns empty records for a fresh connection
func NewDeliveryRecords() DeliveryRecords {
	return make(DeliveryRecords)
}

// Resolver turns artwork references into responses, sending each
// reference at most once per connection
type Resolver struct {
	logger    *zap.Logger
	fetcher   domain.Fetcher
	processor domain.ImageProcessor
	metrics   *metrics.Metrics
}

// NewResolver creates a resolver reading local artwork through fetcher
func NewResolver(
	logger *zap.Logger,
	fetcher domain.Fetcher,
	processor domain.ImageProcessor,
	m *metrics.Metrics,
) *Resolver {
	return &Resolver{
		logger:    logger,
		fetcher:   fetcher,
		processor: processor,
		metrics:   m,
	}
}

// Resolve answers a request for the artwork at index of state.
// records is updated only when a payload is returned.
func (r *Resolver) Resolve(ctx context.Context, records DeliveryRecords, index int, state *domain.MediaState) Response {
	resp := r.resolve(ctx, records, index, state)
	r.metrics.ArtworkResponse(resp.Result.String())
	return resp
}

func (r *Resolver) resolve(ctx context.Context, records DeliveryRecords, index int, state *domain.MediaState) Response {
	ref, ok := state.ArtworkAt(index)
	if !ok {
		return Response{Result: Absent}
	}

	if last, ok := records[index]; ok && last == ref {
		return Response{Result: Unchanged}
	}

	switch ref.Kind() {
	case domain.ArtworkLocalFile:
		data, err := r.fetcher.Fetch(ctx, ref.Path())
		if err != nil {
			// Not recorded, so the next request tries again
			r.logger.Warn("Failed to read artwork",
				zap.String("path", ref.Path()),
				zap.Error(err))
			return Response{Result: Absent}
		}

		processed, err := r.processor.Process(ctx, data)
		if err != nil {
			r.logger.Debug("Artwork processing failed, sending original",
				zap.String("path", ref.Path()),
				zap.Error(err))
		} else {
			data = processed
		}

		records[index] = ref
		return Response{Result: Bytes, Data: data}

	case domain.ArtworkRemoteURL:
		records[index] = ref
		return Response{Result: URL, URL: ref.URL()}

	default:
		return Response{Result: Absent}
	}
}
