package upstream

import (
	"testing"

	"github.com/aont/nhk-radio-recorder/store"
)

func TestParseTimestampISO8601(t *testing.T) {
	ts, ok := parseTimestampString("2026-08-01T09:00:00Z")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if ts.UTC().Hour() != 9 {
		t.Errorf("unexpected hour: %v", ts)
	}
}

func TestParseTimestampCompact(t *testing.T) {
	ts, ok := parseTimestampString("20260801090000")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if ts.Hour() != 9 || ts.Location() != localTZ {
		t.Errorf("unexpected compact parse: %v", ts)
	}
}

func TestParseTimestampEpoch(t *testing.T) {
	ts, ok := parseTimestamp(float64(1785574800))
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if ts.Year() < 2026 {
		t.Errorf("unexpected epoch parse: %v", ts)
	}
}

func TestMapServiceID(t *testing.T) {
	cases := map[string]store.ServiceID{
		"R1":     store.ServiceR1,
		"nhk-r2": store.ServiceR2,
		"RS":     store.ServiceR2,
		"fm-tokyo": store.ServiceFM,
	}
	for raw, want := range cases {
		got, ok := mapServiceID(raw)
		if !ok || got != want {
			t.Errorf("mapServiceID(%q) = %q, %v; want %q", raw, got, ok, want)
		}
	}
	if _, ok := mapServiceID("tv1"); ok {
		t.Error("expected no mapping for tv1")
	}
}

func TestNormalizeEventDropsEndBeforeStart(t *testing.T) {
	raw := map[string]any{
		"id":      "E1",
		"start":   "2026-08-01T09:00:00Z",
		"end":     "2026-08-01T08:00:00Z",
		"service": "r1",
		"area":    "Tokyo",
	}
	_, keep, err := normalizeEvent(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keep {
		t.Error("expected event to be dropped")
	}
}

func TestNormalizeEventMalformedService(t *testing.T) {
	raw := map[string]any{
		"id":      "E1",
		"start":   "2026-08-01T09:00:00Z",
		"end":     "2026-08-01T09:30:00Z",
		"service": "unknown-service",
	}
	_, _, err := normalizeEvent(raw)
	if !store.IsKind(err, store.KindUpstreamMalformed) {
		t.Fatalf("expected UpstreamMalformed, got %v", err)
	}
}

func TestNormalizeEventHappyPath(t *testing.T) {
	raw := map[string]any{
		"event_id": "E1",
		"start":    "2026-08-01T09:00:00Z",
		"end":      "2026-08-01T09:30:00Z",
		"service":  "r2",
		"area":     "Tokyo",
		"title":    "Morning Show",
	}
	ev, keep, err := normalizeEvent(raw)
	if err != nil || !keep {
		t.Fatalf("normalizeEvent: keep=%v err=%v", keep, err)
	}
	if ev.ServiceID != store.ServiceR2 || ev.AreaID != "tokyo" || ev.DisplayName != "Morning Show" {
		t.Errorf("unexpected normalized event: %+v", ev)
	}
}

func TestNormalizeEventsWalksNestedStructure(t *testing.T) {
	raw := map[string]any{
		"series": map[string]any{
			"items": []any{
				map[string]any{
					"event_id": "E1",
					"start":    "2026-08-01T09:00:00Z",
					"end":      "2026-08-01T09:30:00Z",
					"service":  "r1",
					"area":     "Tokyo",
				},
				map[string]any{
					"event_id": "E2",
					"start":    "2026-08-01T10:00:00Z",
					"end":      "2026-08-01T10:30:00Z",
					"service":  "r1",
					"area":     "Tokyo",
				},
			},
		},
	}
	events, err := normalizeEvents(raw)
	if err != nil {
		t.Fatalf("normalizeEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}
