package runtime

import (
	"context"
	"testing"

	"github.com/veldtlabs/ebus/internal/bus"
	"github.com/veldtlabs/ebus/internal/config"
	"github.com/veldtlabs/ebus/internal/dlq"
	"github.com/veldtlabs/ebus/internal/topic"
	logpkg "github.com/veldtlabs/ebus/pkg/log"
)

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Fsync = "always"
	cfg.RetentionIntervalMs = 0
	return cfg
}

func TestRuntimeLifecycleAndDurability(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(Options{Config: testConfig(dir), Logger: logpkg.NewNop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := rt.Store().CreateTopic("orders", 2, topic.Options{}); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	for i := 0; i < 6; i++ {
		if _, err := rt.Bus().Publish(context.Background(), bus.PublishRequest{Topic: "orders", Key: "k", Payload: []byte("x")}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rt, err = Open(Options{Config: testConfig(dir), Logger: logpkg.NewNop()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rt.Close()
	tp, err := rt.Store().Get("orders")
	if err != nil {
		t.Fatalf("get topic: %v", err)
	}
	if tp.Messages() != 6 {
		t.Fatalf("messages = %d, want 6", tp.Messages())
	}
}

func TestRuntimePassesDLQDefaultsFromConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.DLQ.MaxRetries = 7
	cfg.DLQ.Strategy = "linear"
	cfg.DLQ.RetentionMs = 123_000
	rt, err := Open(Options{Config: cfg, Logger: logpkg.NewNop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	q, err := rt.DLQ().CreateQueue("q", dlq.QueueOptions{})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	if q.MaxRetries != 7 || q.Strategy.Kind != dlq.StrategyLinear || q.RetentionMs != 123_000 {
		t.Fatalf("queue = %+v, config defaults not applied", q)
	}
}

func TestRuntimeWiresDeadLetterRetries(t *testing.T) {
	rt, err := Open(Options{Config: testConfig(t.TempDir()), Logger: logpkg.NewNop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if _, err := rt.Store().CreateTopic("orders", 1, topic.Options{}); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	if _, err := rt.DLQ().CreateQueue("orders-dlq", dlq.QueueOptions{MaxRetries: 3}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	failures := 1
	if _, err := rt.Bus().Subscribe(bus.SubscribeOptions{
		Topic:      "orders",
		DeadLetter: "orders-dlq",
		Handler: func(context.Context, *topic.Event) error {
			if failures > 0 {
				failures--
				return context.DeadlineExceeded
			}
			return nil
		},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := rt.Bus().Publish(context.Background(), bus.PublishRequest{Topic: "orders", Payload: []byte("x")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs, err := rt.DLQ().QueueMessages("orders-dlq", dlq.StatePending, 0)
	if err != nil {
		t.Fatalf("queue messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("captured %d, want 1", len(msgs))
	}
	// the runtime wires the bus as the reprocessor, so retry redelivers
	ok, err := rt.DLQ().Retry(context.Background(), msgs[0].ID)
	if err != nil || !ok {
		t.Fatalf("retry = (%v, %v), want success", ok, err)
	}
	q, _ := rt.DLQ().Queue("orders-dlq")
	if q.TotalReprocessed != 1 || q.MessageCount != 0 {
		t.Fatalf("reprocessed=%d count=%d, want 1/0", q.TotalReprocessed, q.MessageCount)
	}
}
