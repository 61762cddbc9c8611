package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Request(RequestStatus)
	m.Request(RequestArtwork)
	m.Request(RequestArtwork)
	m.ArtworkResponse("bytes")
	m.BusDisconnected()
	m.SnapshotUpdated()

	if got := testutil.ToFloat64(m.connectionsActive); got != 1 {
		t.Errorf("connections_active: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues(RequestArtwork)); got != 2 {
		t.Errorf("requests_total{artwork}: expected 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.artworkResponses.WithLabelValues("bytes")); got != 1 {
		t.Errorf("artwork_responses_total{bytes}: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.busDisconnects); got != 1 {
		t.Errorf("bus_disconnects_total: expected 1, got %v", got)
	}
}

// TestMetrics_IndependentRegistries verifies two instances can coexist in one process
func TestMetrics_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.SnapshotUpdated()

	if got := testutil.ToFloat64(b.snapshotUpdates); got != 0 {
		t.Errorf("expected isolated counters, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Request(RequestStatus)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `nowplayd_requests_total{kind="status"} 1`) {
		t.Errorf("exposition missing request counter:\n%s", body)
	}
}
