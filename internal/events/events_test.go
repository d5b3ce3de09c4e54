package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/subcog/subcog/internal/models"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish(models.Event{Type: models.EventCaptured, MemoryID: "m1", Timestamp: time.Now()})

	select {
	case evt := <-a.C():
		if evt.MemoryID != "m1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	default:
		t.Fatal("subscriber a did not receive event")
	}
	select {
	case evt := <-b.C():
		if evt.MemoryID != "m1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	default:
		t.Fatal("subscriber b did not receive event")
	}
}

func TestBusDropsWhenSubscriberLags(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe(1)
	bus.Publish(models.Event{Type: models.EventCaptured, Timestamp: time.Now()})
	// Second publish would block a synchronous channel; Publish must not block.
	done := make(chan struct{})
	go func() {
		bus.Publish(models.Event{Type: models.EventRetrieved, Timestamp: time.Now()})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a lagging subscriber")
	}
	_ = s
}

func TestAuditSinkPersistsAndQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	cfg := DefaultAuditSinkConfig()
	cfg.BatchSize = 1 // flush immediately for the test
	sink, err := NewAuditSink(path, cfg)
	if err != nil {
		t.Fatalf("NewAuditSink: %v", err)
	}
	defer sink.Close()

	sink.Publish(models.Event{Type: models.EventCaptured, MemoryID: "m1", Timestamp: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	var got []models.Event
	for time.Now().Before(deadline) {
		got, err = sink.Query(context.Background(), models.EventCaptured, "m1", 10)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(got))
	}
}
