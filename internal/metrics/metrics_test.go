package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_IncGetReset(t *testing.T) {
	m := New()

	if got := m.Get(EventPublishReceived); got != 0 {
		t.Fatalf("fresh counter = %d, want 0", got)
	}

	m.Inc(EventPublishReceived)
	m.Inc(EventPublishReceived)
	m.Inc(EventWhisperReceived)

	if got := m.Get(EventPublishReceived); got != 2 {
		t.Fatalf("publish counter = %d, want 2", got)
	}
	if got := m.Get(EventWhisperReceived); got != 1 {
		t.Fatalf("whisper counter = %d, want 1", got)
	}

	m.Reset()
	if got := m.Get(EventPublishReceived); got != 0 {
		t.Fatalf("counter after reset = %d, want 0", got)
	}
}

func TestMetrics_SnapshotIsCopy(t *testing.T) {
	m := New()
	m.Inc("a")

	snap := m.Snapshot()
	snap["a"] = 99

	if got := m.Get("a"); got != 1 {
		t.Fatalf("mutating snapshot leaked into registry: got %d", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.Inc(EventPeerAttached)
	m.Inc(EventPeerAttached)
	m.Inc(EventFanoutDropped)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `fableboard_room_relay_events_total{event="peer_attached"} 2`) {
		t.Fatalf("missing peer_attached counter in:\n%s", body)
	}
	if !strings.Contains(body, `fableboard_room_relay_events_total{event="fanout_dropped"} 1`) {
		t.Fatalf("missing fanout_dropped counter in:\n%s", body)
	}
	if !strings.HasPrefix(body, "# HELP fableboard_room_relay_events_total") {
		t.Fatalf("missing HELP header in:\n%s", body)
	}
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
