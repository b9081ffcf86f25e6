package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/crmdispatch/internal/delivery"
)

func openStorage(t *testing.T) *Storage {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return storage
}

func TestStorage(t *testing.T) {
	storage := openStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		msg := &Message{
			ID:         fmt.Sprintf("msg-%d", i),
			To:         fmt.Sprintf("user%d@example.com", i%2),
			Subject:    "Spring sale",
			HTML:       "<p>Hi</p>",
			CapturedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := storage.Save(ctx, msg); err != nil {
			t.Fatalf("failed to save message: %v", err)
		}
	}

	got, err := storage.Get(ctx, "msg-3")
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	if got == nil || got.To != "user1@example.com" || got.HTML != "<p>Hi</p>" {
		t.Errorf("Get() = %+v", got)
	}

	missing, err := storage.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Get(nope) = %+v, %v", missing, err)
	}

	list, err := storage.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(list) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(list))
	}
	if list[0].ID != "msg-4" {
		t.Errorf("expected newest first, got %s", list[0].ID)
	}
	if list[0].HTML != "" {
		t.Error("List() should not include bodies")
	}

	filtered, err := storage.List(ctx, ListFilter{To: "user0@example.com", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(filtered) != 2 || filtered[0].ID != "msg-2" || filtered[1].ID != "msg-0" {
		t.Errorf("filtered list = %v", filtered)
	}
}

func TestStorageClear(t *testing.T) {
	storage := openStorage(t)
	ctx := context.Background()

	now := time.Now()
	for i, age := range []time.Duration{3 * time.Hour, 2 * time.Hour, time.Minute} {
		msg := &Message{ID: fmt.Sprintf("msg-%d", i), To: "a@example.com", CapturedAt: now.Add(-age)}
		if err := storage.Save(ctx, msg); err != nil {
			t.Fatalf("failed to save message: %v", err)
		}
	}

	n, err := storage.Clear(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Clear(1h) removed %d, want 2", n)
	}
	if got, _ := storage.Get(ctx, "msg-0"); got != nil {
		t.Error("old message still reachable by id")
	}

	n, err = storage.Clear(ctx, 0)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Clear(0) removed %d, want 1", n)
	}
	if count, _ := storage.Count(ctx); count != 0 {
		t.Errorf("Count() = %d after clear", count)
	}
}

func TestGateway(t *testing.T) {
	storage := openStorage(t)
	gw := NewGateway(storage, nil)
	ctx := context.Background()

	if !gw.Available() {
		t.Fatal("sandbox gateway should always be available")
	}

	out := gw.Send(ctx, delivery.Message{To: "ann@example.com", Subject: "Hi", HTML: "<p>Hi</p>"})
	if !out.OK {
		t.Fatalf("Send() failed: %s", out.Error)
	}
	captured, err := storage.Get(ctx, out.MessageID)
	if err != nil || captured == nil {
		t.Fatalf("captured message not found: %v", err)
	}
	if captured.To != "ann@example.com" || captured.Subject != "Hi" {
		t.Errorf("captured = %+v", captured)
	}

	gw.SetErrorSimulation(true, 1.0)
	out = gw.Send(ctx, delivery.Message{To: "bob@example.com", Subject: "Hi", HTML: "<p>Hi</p>"})
	if out.OK || out.Temporary {
		t.Errorf("Send() with simulation = %+v, want permanent failure", out)
	}
	if count, _ := storage.Count(ctx); count != 2 {
		t.Errorf("Count() = %d, want both sends captured", count)
	}
}
