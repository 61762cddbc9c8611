package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/genricoloni/nowplayd/internal/artwork"
	"github.com/genricoloni/nowplayd/internal/domain"
	"github.com/genricoloni/nowplayd/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	writeTimeout  = 5 * time.Second
	artworkPrefix = "artwork/"
)

var nullPayload = []byte("null")

type requestKind int

const (
	requestIgnored requestKind = iota
	requestStatus
	requestArtwork
)

// parseRequest classifies an inbound message. Only text messages can ask
// for artwork; an empty message of either type asks for the status.
func parseRequest(typ websocket.MessageType, payload []byte) (requestKind, int) {
	if len(payload) == 0 {
		return requestStatus, 0
	}
	if typ != websocket.MessageText {
		return requestIgnored, 0
	}

	rest, ok := strings.CutPrefix(string(payload), artworkPrefix)
	if !ok {
		return requestIgnored, 0
	}
	index, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return requestIgnored, 0
	}
	return requestArtwork, int(index)
}

type statusResponse struct {
	PlaybackState domain.PlaybackStatus `json:"playbackState"`
	Position      uint64                `json:"position"`
	Metadata      *metadataResponse     `json:"metadata"`
}

type metadataResponse struct {
	Title   *string           `json:"title"`
	Artist  *string           `json:"artist"`
	Album   *string           `json:"album"`
	Length  *uint64           `json:"length"`
	Artwork []artworkResponse `json:"artwork"`
}

type artworkResponse struct {
	Src string `json:"src"`
}

func newStatusResponse(state *domain.MediaState, now time.Time) statusResponse {
	resp := statusResponse{
		PlaybackState: state.Status,
		Position:      state.LivePosition(now),
	}

	if md := state.Metadata; md != nil {
		art := make([]artworkResponse, 0, len(md.Artwork))
		for _, ref := range md.Artwork {
			art = append(art, artworkResponse{Src: ref.Src()})
		}
		resp.Metadata = &metadataResponse{
			Title:   md.Title,
			Artist:  md.Artist,
			Album:   md.Album,
			Length:  md.Length,
			Artwork: art,
		}
	}
	return resp
}

// viewer is one connection's request loop and its private delivery records
type viewer struct {
	logger   *zap.Logger
	conn     *websocket.Conn
	source   domain.StateSource
	resolver *artwork.Resolver
	metrics  *metrics.Metrics
	records  artwork.DeliveryRecords
}

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	v := &viewer{
		logger:   s.logger.With(zap.String("conn", uuid.NewString())),
		conn:     conn,
		source:   s.source,
		resolver: s.resolver,
		metrics:  s.metrics,
		records:  artwork.NewDeliveryRecords(),
	}

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	defer conn.Close(websocket.StatusInternalError, "")

	v.logger.Info("Viewer connected")
	v.run(ctx)
}

func (v *viewer) run(ctx context.Context) {
	for {
		typ, payload, err := v.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				v.logger.Info("Viewer disconnected")
			default:
				v.logger.Info("Viewer connection lost", zap.Error(err))
			}
			return
		}

		if err := v.handle(ctx, typ, payload); err != nil {
			v.logger.Warn("Failed to answer viewer", zap.Error(err))
			return
		}
	}
}

func (v *viewer) handle(ctx context.Context, typ websocket.MessageType, payload []byte) error {
	kind, index := parseRequest(typ, payload)

	switch kind {
	case requestStatus:
		v.metrics.Request(metrics.RequestStatus)
		data, err := json.Marshal(newStatusResponse(v.source.Snapshot(), time.Now()))
		if err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		return v.write(ctx, websocket.MessageText, data)

	case requestArtwork:
		v.metrics.Request(metrics.RequestArtwork)
		resp := v.resolver.Resolve(ctx, v.records, index, v.source.Snapshot())
		v.logger.Debug("Artwork request",
			zap.Int("index", index),
			zap.Stringer("result", resp.Result))

		switch resp.Result {
		case artwork.Bytes:
			return v.write(ctx, websocket.MessageBinary, resp.Data)
		case artwork.URL:
			return v.write(ctx, websocket.MessageText, []byte(resp.URL))
		default:
			return v.write(ctx, websocket.MessageText, nullPayload)
		}

	default:
		v.metrics.Request(metrics.RequestIgnored)
		v.logger.Debug("Ignoring unrecognized message",
			zap.Int("type", int(typ)),
			zap.Int("bytes", len(payload)))
		return nil
	}
}

func (v *viewer) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return v.conn.Write(ctx, typ, data)
}
