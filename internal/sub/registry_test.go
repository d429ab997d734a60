package sub

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	pebblestore "github.com/veldtlabs/ebus/internal/storage/pebble"
	"github.com/veldtlabs/ebus/internal/topic"
	logpkg "github.com/veldtlabs/ebus/pkg/log"
)

func newTestRegistry(t *testing.T) (*Registry, *pebblestore.DB) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewRegistry(db, logpkg.NewNop()), db
}

func nopHandler(context.Context, *topic.Event) error { return nil }

func TestAcknowledgeIsMonotonicAndIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.Add(Options{Topic: "orders", Handler: nopHandler})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	k := uint64(5)
	if advanced, err := r.Acknowledge(s.ID, 0, k); err != nil || !advanced {
		t.Fatalf("ack k: advanced=%v err=%v", advanced, err)
	}
	if got := s.Committed(0); got != k+1 {
		t.Fatalf("committed %d, want %d", got, k+1)
	}
	// acknowledging k-1 afterwards must not regress and must not error
	if advanced, err := r.Acknowledge(s.ID, 0, k-1); err != nil || advanced {
		t.Fatalf("stale ack should be a no-op: advanced=%v err=%v", advanced, err)
	}
	if got := s.Committed(0); got != k+1 {
		t.Fatalf("committed regressed to %d", got)
	}
	// re-acknowledging k is equally a no-op
	if advanced, _ := r.Acknowledge(s.ID, 0, k); advanced {
		t.Fatalf("duplicate ack advanced the cursor")
	}
}

func TestConcurrentAcksPersistHighestCursor(t *testing.T) {
	r, db := newTestRegistry(t)
	s, err := r.Add(Options{Topic: "orders", Group: "billing", Handler: nopHandler})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(offset uint64) {
			defer wg.Done()
			if _, err := r.Acknowledge(s.ID, 0, offset); err != nil {
				t.Errorf("ack %d: %v", offset, err)
			}
		}(uint64(i))
	}
	wg.Wait()
	if got := s.Committed(0); got != n {
		t.Fatalf("in-memory cursor %d, want %d", got, n)
	}
	// the stored cursor must match the in-memory maximum, not whichever
	// ack happened to write last
	cur, err := db.Get(topic.KeyCursor("orders", "billing", 0))
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if got := binary.BigEndian.Uint64(cur[:8]); got != n {
		t.Fatalf("durable cursor %d, want %d", got, n)
	}
}

func TestCursorsSurviveResubscribe(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.Add(Options{Topic: "orders", Group: "billing", Handler: nopHandler})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := r.Acknowledge(s.ID, 2, 41); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := r.Remove(s.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// a new member of the same group resumes from the shared cursor
	s2, err := r.Add(Options{Topic: "orders", Group: "billing", Handler: nopHandler})
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if got := s2.Committed(2); got != 42 {
		t.Fatalf("rehydrated cursor %d, want 42", got)
	}
}

func TestTypeAndKeyFilters(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.Add(Options{
		Topic:       "orders",
		Types:       []string{"order.created", "order.paid"},
		KeyContains: "vip",
		Handler:     nopHandler,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if s.Matches(&topic.Event{Type: "order.cancelled", Key: "vip-1"}) {
		t.Fatalf("type filter leaked")
	}
	if s.Matches(&topic.Event{Type: "order.paid", Key: "std-1"}) {
		t.Fatalf("key filter leaked")
	}
	if !s.Matches(&topic.Event{Type: "order.paid", Key: "vip-1"}) {
		t.Fatalf("matching event rejected")
	}
}

func TestCELFilter(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.Add(Options{
		Topic:   "orders",
		Filter:  `type == "order.created" && json.total > 100`,
		Handler: nopHandler,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !s.Matches(&topic.Event{Type: "order.created", Payload: []byte(`{"total":250}`)}) {
		t.Fatalf("matching event rejected")
	}
	if s.Matches(&topic.Event{Type: "order.created", Payload: []byte(`{"total":10}`)}) {
		t.Fatalf("filter leaked small order")
	}
	if s.Matches(&topic.Event{Type: "order.created", Payload: []byte(`not json`)}) {
		t.Fatalf("filter leaked on eval error")
	}

	if _, err := r.Add(Options{Topic: "orders", Filter: `this is not cel`, Handler: nopHandler}); err == nil {
		t.Fatalf("invalid filter accepted")
	}
}

func TestRemoveStopsMatching(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.Add(Options{Topic: "orders", Handler: nopHandler})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(r.ForTopic("orders")) != 1 {
		t.Fatalf("expected one subscription")
	}
	if _, err := r.Remove(s.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if s.Active() {
		t.Fatalf("removed subscription still active")
	}
	if len(r.ForTopic("orders")) != 0 {
		t.Fatalf("removed subscription still indexed")
	}
	if _, err := r.Get(s.ID); err != ErrSubscriptionNotFound {
		t.Fatalf("want ErrSubscriptionNotFound, got %v", err)
	}
}
