package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryPublisherRecordsEvents(t *testing.T) {
	pub := NewMemoryPublisher()
	ctx := context.Background()

	for _, typ := range []string{MigrationCompleted, MigrationFailed, MigrationCompleted} {
		if err := pub.Publish(ctx, Event{Type: typ, Time: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(pub.Events()); got != 3 {
		t.Errorf("Events() returned %d, want 3", got)
	}
	if got := len(pub.ByType(MigrationCompleted)); got != 2 {
		t.Errorf("ByType(completed) returned %d, want 2", got)
	}
	if got := len(pub.ByType(EndpointUnhealthy)); got != 0 {
		t.Errorf("ByType(unhealthy) returned %d, want 0", got)
	}
}

func TestEventJSONShape(t *testing.T) {
	ev := Event{
		Type: QuotaThresholdCrossed,
		Time: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Data: map[string]string{"tier": "core", "used_bytes": "90"},
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["type"] != "quota.threshold_crossed" {
		t.Errorf("type = %v", decoded["type"])
	}
	data, ok := decoded["data"].(map[string]interface{})
	if !ok || data["tier"] != "core" {
		t.Errorf("data = %v", decoded["data"])
	}
}

func TestNopPublisher(t *testing.T) {
	var pub Publisher = NopPublisher{}
	if err := pub.Publish(context.Background(), Event{Type: MigrationCompleted}); err != nil {
		t.Fatal(err)
	}
	if err := pub.Close(); err != nil {
		t.Fatal(err)
	}
}
