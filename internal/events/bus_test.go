package events

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

func TestPublishFiltersAndAssignsIDs(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ctx := context.Background()

	all := bus.Subscribe(Filter{})
	failures := bus.Subscribe(Filter{Types: []EventType{EventBeadFailed}})

	b := &types.Bead{ID: "gt-aaaaa", ConvoyID: "cv-1234abcd", AssignedProvider: types.ProviderClaude}
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := bus.Publish(ctx, NewEvent(EventBeadDispatched, b, now)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if err := bus.Publish(ctx, NewEvent(EventBeadFailed, b, now).With("error", "boom")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	if got := len(all); got != 2 {
		t.Errorf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(failures); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-failures
	if e.ID == "" {
		t.Error("published event has no ID")
	}
	if e.BeadID != "gt-aaaaa" || e.Provider != types.ProviderClaude || e.Data["error"] != "boom" {
		t.Errorf("event = %+v", e)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ctx := context.Background()

	ch := bus.Subscribe(Filter{})
	for i := 0; i < subscriberBuffer+10; i++ {
		if err := bus.Publish(ctx, NewEvent(EventTankRefreshed, nil, time.Now())); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("buffered %d events, want %d", len(ch), subscriberBuffer)
	}
}

func TestCloseAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(Filter{})
	other := bus.Subscribe(Filter{})

	bus.Unsubscribe(other)
	if _, ok := <-other; ok {
		t.Error("unsubscribed channel should be closed")
	}
	if bus.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount = %d, want 1", bus.SubscriberCount())
	}

	bus.Close()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}
	if err := bus.Publish(context.Background(), NewEvent(EventForemanPaused, nil, time.Now())); err == nil {
		t.Error("Publish after Close should fail")
	}
}

func TestFormatEvent(t *testing.T) {
	e := NewEvent(EventBeadCompleted, &types.Bead{ID: "gt-bbbbb"}, time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC))
	line, err := FormatEvent(e)
	if err != nil {
		t.Fatalf("Failed to format: %v", err)
	}
	if !strings.HasSuffix(string(line), "\n") {
		t.Error("JSON line should end in a newline")
	}
	var decoded Event
	if err := json.Unmarshal(line, &decoded); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if decoded.Type != EventBeadCompleted || decoded.BeadID != "gt-bbbbb" {
		t.Errorf("decoded = %+v", decoded)
	}

	if got := FormatEventCompact(e); got != "09:30:00 bead.completed bead=gt-bbbbb" {
		t.Errorf("compact = %q", got)
	}
}
