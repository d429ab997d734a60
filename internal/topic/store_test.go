package topic

import (
	"context"
	"errors"
	"fmt"
	"testing"

	pebblestore "github.com/veldtlabs/ebus/internal/storage/pebble"
	logpkg "github.com/veldtlabs/ebus/pkg/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := Open(db, logpkg.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestCreateTopicRejectsDuplicatesAndZeroPartitions(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTopic("orders", 4, Options{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateTopic("orders", 2, Options{}); !errors.Is(err, ErrDuplicateTopic) {
		t.Fatalf("want ErrDuplicateTopic, got %v", err)
	}
	if _, err := s.CreateTopic("empty", 0, Options{}); !errors.Is(err, ErrNoPartitions) {
		t.Fatalf("want ErrNoPartitions, got %v", err)
	}
}

func TestAppendRejectsInactiveTopic(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTopic("orders", 1, Options{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.PauseTopic("orders"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err := s.Append(context.Background(), "orders", 0, &Event{ID: "e1", Payload: []byte("x")})
	if !errors.Is(err, ErrTopicNotActive) {
		t.Fatalf("want ErrTopicNotActive, got %v", err)
	}
	if err := s.ResumeTopic("orders"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := s.Append(context.Background(), "orders", 0, &Event{ID: "e2", Payload: []byte("x")}); err != nil {
		t.Fatalf("append after resume: %v", err)
	}
	_, err = s.Append(context.Background(), "ghost", 0, &Event{ID: "e3"})
	if !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("want ErrTopicNotFound, got %v", err)
	}
}

func TestOffsetsAreGapFreeFromZero(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTopic("audit", 1, Options{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 20; i++ {
		off, err := s.Append(context.Background(), "audit", 0, &Event{ID: fmt.Sprintf("e%d", i), Payload: []byte("p")})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if off != uint64(i) {
			t.Fatalf("append %d assigned offset %d", i, off)
		}
	}
	p, err := s.Partition("audit", 0)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if got := p.HighWatermark(); got != 20 {
		t.Fatalf("high watermark %d, want 20", got)
	}
	evs, err := p.ReadRange(0, 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(evs) != 20 {
		t.Fatalf("read %d events, want 20", len(evs))
	}
	for i, ev := range evs {
		if ev.Offset != uint64(i) {
			t.Fatalf("event %d has offset %d", i, ev.Offset)
		}
	}
}

func TestWatermarksSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	s, err := Open(db, logpkg.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := s.CreateTopic("orders", 2, Options{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Append(context.Background(), "orders", 1, &Event{ID: "a", Payload: []byte("x")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	s2, err := Open(db2, logpkg.NewNop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	tp, err := s2.Get("orders")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if tp.Partitions != 2 || tp.Messages() != 1 {
		t.Fatalf("meta not restored: partitions=%d messages=%d", tp.Partitions, tp.Messages())
	}
	off, err := s2.Append(context.Background(), "orders", 1, &Event{ID: "b", Payload: []byte("y")})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if off != 1 {
		t.Fatalf("offset after reopen %d, want 1", off)
	}
}

func TestDeleteTopicRemovesKeyspace(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTopic("tmp", 1, Options{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Append(context.Background(), "tmp", 0, &Event{ID: "a", Payload: []byte("x")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.DeleteTopic("tmp"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("tmp"); !errors.Is(err, ErrTopicNotFound) {
		t.Fatalf("want ErrTopicNotFound after delete, got %v", err)
	}
	// name is reusable and starts from a clean log
	if _, err := s.CreateTopic("tmp", 1, Options{}); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	off, err := s.Append(context.Background(), "tmp", 0, &Event{ID: "b", Payload: []byte("y")})
	if err != nil || off != 0 {
		t.Fatalf("recreated topic should restart at 0: off=%d err=%v", off, err)
	}
}
