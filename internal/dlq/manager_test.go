package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pebblestore "github.com/veldtlabs/ebus/internal/storage/pebble"
	logpkg "github.com/veldtlabs/ebus/pkg/log"
)

type fakeReprocessor struct {
	mu       sync.Mutex
	err      error
	calls    int
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	block    chan struct{}
}

func (f *fakeReprocessor) Reprocess(ctx context.Context, msg *Message) error {
	cur := f.inFlight.Add(1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.inFlight.Add(-1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func newTestDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestManager(t *testing.T, rp Reprocessor) *Manager {
	t.Helper()
	m, err := Open(ManagerOptions{DB: newTestDB(t), Logger: logpkg.NewNop(), Reprocessor: rp})
	if err != nil {
		t.Fatalf("open manager: %v", err)
	}
	return m
}

func TestClassifyCategories(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorCategory
	}{
		{"Connection timeout to database", CategoryTimeout},
		{"queue is full", CategoryCapacity},
		{"rate limit exceeded", CategoryCapacity},
		{"invalid payload: field required", CategoryValidation},
		{"connection refused", CategoryTransient},
		{"service unavailable", CategoryTransient},
		{"permission denied", CategoryPermanent},
		{"something odd happened", CategoryUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.msg); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.msg, got, c.want)
		}
	}
}

func TestCreateQueueAppliesConfiguredDefaults(t *testing.T) {
	m, err := Open(ManagerOptions{
		DB:     newTestDB(t),
		Logger: logpkg.NewNop(),
		QueueDefaults: QueueOptions{
			MaxSize:     100,
			RetentionMs: 60_000,
			MaxRetries:  5,
			Strategy:    Strategy{Kind: StrategyLinear},
		},
	})
	if err != nil {
		t.Fatalf("open manager: %v", err)
	}
	q, err := m.CreateQueue("defaulted", QueueOptions{})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	if q.MaxSize != 100 || q.RetentionMs != 60_000 || q.MaxRetries != 5 || q.Strategy.Kind != StrategyLinear {
		t.Fatalf("queue = %+v, defaults not applied", q)
	}
	// explicit options win over defaults
	q, err = m.CreateQueue("explicit", QueueOptions{MaxRetries: 1, Strategy: Strategy{Kind: StrategyImmediate}})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	if q.MaxRetries != 1 || q.Strategy.Kind != StrategyImmediate {
		t.Fatalf("queue = %+v, explicit options overridden", q)
	}
}

func TestCaptureClassifiesAndPersists(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.CreateQueue("orders-dlq", QueueOptions{SourceTopic: "orders", MaxRetries: 3}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	msg, err := m.Capture(context.Background(), CaptureRequest{
		Queue:        "orders-dlq",
		EventID:      "ev-1",
		Topic:        "orders",
		Partition:    2,
		Offset:       17,
		ErrorMessage: "Connection timeout to database",
		ErrorCode:    "DB_TIMEOUT",
	})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if msg.Category != CategoryTimeout {
		t.Fatalf("category = %s, want timeout", msg.Category)
	}
	if msg.State != StatePending {
		t.Fatalf("state = %s, want pending", msg.State)
	}
	q, err := m.Queue("orders-dlq")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if q.MessageCount != 1 || q.TotalReceived != 1 {
		t.Fatalf("count=%d received=%d, want 1/1", q.MessageCount, q.TotalReceived)
	}
}

func TestCaptureRejectsInactiveAndFullQueues(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.CreateQueue("q", QueueOptions{MaxSize: 2}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := m.Capture(context.Background(), CaptureRequest{Queue: "q", ErrorMessage: "boom"}); err != nil {
			t.Fatalf("capture %d: %v", i, err)
		}
	}
	if _, err := m.Capture(context.Background(), CaptureRequest{Queue: "q", ErrorMessage: "boom"}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("want ErrCapacityExceeded, got %v", err)
	}
	if err := m.SetQueueState("q", QueuePaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := m.Capture(context.Background(), CaptureRequest{Queue: "q", ErrorMessage: "boom"}); !errors.Is(err, ErrQueueNotActive) {
		t.Fatalf("want ErrQueueNotActive, got %v", err)
	}
	if _, err := m.Capture(context.Background(), CaptureRequest{Queue: "ghost", ErrorMessage: "boom"}); !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("want ErrQueueNotFound, got %v", err)
	}
}

func TestRetryExhaustionThenDiscard(t *testing.T) {
	rp := &fakeReprocessor{err: errors.New("still broken")}
	m := newTestManager(t, rp)
	if _, err := m.CreateQueue("q", QueueOptions{MaxRetries: 3, Strategy: Strategy{Kind: StrategyImmediate}}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	msg, err := m.Capture(context.Background(), CaptureRequest{Queue: "q", ErrorMessage: "boom"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	for i := 0; i < 3; i++ {
		ok, err := m.Retry(context.Background(), msg.ID)
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if ok {
			t.Fatalf("retry %d reported success", i)
		}
	}
	got, err := m.Message(msg.ID)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if got.State != StatePending || got.RetryCount != 3 {
		t.Fatalf("state=%s retries=%d, want pending/3", got.State, got.RetryCount)
	}
	// exhausted: further retries are no-ops
	if ok, err := m.Retry(context.Background(), msg.ID); ok || err != nil {
		t.Fatalf("exhausted retry = (%v, %v), want (false, nil)", ok, err)
	}
	if rp.calls != 3 {
		t.Fatalf("reprocessor called %d times, want 3", rp.calls)
	}
	if err := m.Discard(msg.ID, "manual review"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	got, _ = m.Message(msg.ID)
	if got.State != StateDiscarded || got.DiscardReason != "manual review" {
		t.Fatalf("state=%s reason=%q", got.State, got.DiscardReason)
	}
	// discarded is terminal
	if err := m.Discard(msg.ID, "again"); !errors.Is(err, ErrInvalidMessageState) {
		t.Fatalf("want ErrInvalidMessageState, got %v", err)
	}
	if ok, _ := m.Retry(context.Background(), msg.ID); ok {
		t.Fatal("retry of discarded message succeeded")
	}
}

func TestRetrySuccessRemovesFromQueue(t *testing.T) {
	rp := &fakeReprocessor{}
	m := newTestManager(t, rp)
	if _, err := m.CreateQueue("q", QueueOptions{MaxRetries: 3}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	msg, err := m.Capture(context.Background(), CaptureRequest{Queue: "q", ErrorMessage: "boom"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	ok, err := m.Retry(context.Background(), msg.ID)
	if err != nil || !ok {
		t.Fatalf("retry = (%v, %v), want (true, nil)", ok, err)
	}
	q, _ := m.Queue("q")
	if q.MessageCount != 0 || q.TotalReprocessed != 1 {
		t.Fatalf("count=%d reprocessed=%d, want 0/1", q.MessageCount, q.TotalReprocessed)
	}
	got, _ := m.Message(msg.ID)
	if got.State != StateReprocessed {
		t.Fatalf("state = %s, want reprocessed", got.State)
	}
	msgs, err := m.QueueMessages("q", "", 0)
	if err != nil {
		t.Fatalf("queue messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("queue still lists %d messages", len(msgs))
	}
}

func TestConcurrentRetriesAreMutuallyExclusive(t *testing.T) {
	rp := &fakeReprocessor{block: make(chan struct{})}
	m := newTestManager(t, rp)
	if _, err := m.CreateQueue("q", QueueOptions{MaxRetries: 5}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	msg, err := m.Capture(context.Background(), CaptureRequest{Queue: "q", ErrorMessage: "boom"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Retry(context.Background(), msg.ID)
			if err != nil {
				t.Errorf("retry: %v", err)
			}
			if ok {
				successes.Add(1)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(rp.block)
	wg.Wait()
	if got := rp.maxSeen.Load(); got != 1 {
		t.Fatalf("max concurrent reprocess calls = %d, want 1", got)
	}
	if got := successes.Load(); got != 1 {
		t.Fatalf("successful retries = %d, want 1", got)
	}
}

type panickingReprocessor struct{}

func (panickingReprocessor) Reprocess(context.Context, *Message) error {
	panic("handler blew up")
}

func TestPanickingReprocessorCountsAsFailedAttempt(t *testing.T) {
	m := newTestManager(t, panickingReprocessor{})
	if _, err := m.CreateQueue("q", QueueOptions{MaxRetries: 3, Strategy: Strategy{Kind: StrategyImmediate}}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	msg, err := m.Capture(context.Background(), CaptureRequest{Queue: "q", ErrorMessage: "boom"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	ok, err := m.Retry(context.Background(), msg.ID)
	if err != nil || ok {
		t.Fatalf("retry = (%v, %v), want (false, nil)", ok, err)
	}
	got, err := m.Message(msg.ID)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if got.State != StatePending || got.RetryCount != 1 {
		t.Fatalf("state=%s retries=%d, want pending/1 after panic", got.State, got.RetryCount)
	}
	// the message is released: it can be retried again and discarded
	if ok, err := m.Retry(context.Background(), msg.ID); err != nil || ok {
		t.Fatalf("second retry = (%v, %v), want (false, nil)", ok, err)
	}
	got, _ = m.Message(msg.ID)
	if got.RetryCount != 2 {
		t.Fatalf("retries = %d, want 2", got.RetryCount)
	}
	if err := m.Discard(msg.ID, "poison"); err != nil {
		t.Fatalf("discard after panics: %v", err)
	}
}

type selectiveReprocessor struct{}

func (selectiveReprocessor) Reprocess(_ context.Context, msg *Message) error {
	if msg.ErrorMessage == "hard failure" {
		return errors.New("hard failure")
	}
	return nil
}

func TestRetryAllPendingReportsBothOutcomes(t *testing.T) {
	m := newTestManager(t, selectiveReprocessor{})
	if _, err := m.CreateQueue("q", QueueOptions{MaxRetries: 3, Strategy: Strategy{Kind: StrategyImmediate}}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.Capture(context.Background(), CaptureRequest{Queue: "q", ErrorMessage: "soft failure"}); err != nil {
			t.Fatalf("capture: %v", err)
		}
	}
	if _, err := m.Capture(context.Background(), CaptureRequest{Queue: "q", ErrorMessage: "hard failure"}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	ok, failed, err := m.RetryAllPending(context.Background(), "q", 0)
	if err != nil {
		t.Fatalf("retry all: %v", err)
	}
	if ok != 3 || failed != 1 {
		t.Fatalf("retry all = (%d, %d), want (3, 1)", ok, failed)
	}
	q, _ := m.Queue("q")
	if q.MessageCount != 1 || q.TotalReprocessed != 3 {
		t.Fatalf("count=%d reprocessed=%d, want 1/3", q.MessageCount, q.TotalReprocessed)
	}
	// batch bound limits how many messages are attempted
	m2 := newTestManager(t, selectiveReprocessor{})
	if _, err := m2.CreateQueue("q", QueueOptions{MaxRetries: 3}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := m2.Capture(context.Background(), CaptureRequest{Queue: "q", ErrorMessage: "soft failure"}); err != nil {
			t.Fatalf("capture: %v", err)
		}
	}
	ok, failed, err = m2.RetryAllPending(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("retry batch: %v", err)
	}
	if ok != 2 || failed != 0 {
		t.Fatalf("retry batch = (%d, %d), want (2, 0)", ok, failed)
	}
}

func TestStrategyDelays(t *testing.T) {
	if d := (Strategy{Kind: StrategyImmediate}).Delay(3); d != 0 {
		t.Fatalf("immediate = %v, want 0", d)
	}
	lin := Strategy{Kind: StrategyLinear}
	if d := lin.Delay(1); d != 10*time.Second {
		t.Fatalf("linear(1) = %v, want 10s", d)
	}
	if d := lin.Delay(4); d != 40*time.Second {
		t.Fatalf("linear(4) = %v, want 40s", d)
	}
	exp := Strategy{Kind: StrategyExponential}
	if d := exp.Delay(0); d != 5*time.Second {
		t.Fatalf("exp(0) = %v, want 5s", d)
	}
	if d := exp.Delay(2); d != 20*time.Second {
		t.Fatalf("exp(2) = %v, want 20s", d)
	}
	if d := exp.Delay(20); d != 300*time.Second {
		t.Fatalf("exp(20) = %v, want 300s cap", d)
	}
	custom := Strategy{Kind: StrategyCustom, Custom: func(n uint32) time.Duration {
		return time.Duration(n) * time.Minute
	}}
	if d := custom.Delay(2); d != 2*time.Minute {
		t.Fatalf("custom(2) = %v, want 2m", d)
	}
}

func TestStrategyPersistsDurationsAsMilliseconds(t *testing.T) {
	in := Strategy{Kind: StrategyLinear, LinearStep: 10 * time.Second}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"kind":"linear","linear_step_ms":10000}`; string(raw) != want {
		t.Fatalf("marshal = %s, want %s", raw, want)
	}
	var out Strategy
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Kind != StrategyLinear || out.LinearStep != 10*time.Second {
		t.Fatalf("round-trip lost fields: %+v", out)
	}

	exp := Strategy{Kind: StrategyExponential, ExpBase: 5 * time.Second, ExpCap: 300 * time.Second}
	raw, err = json.Marshal(exp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ExpBase != 5*time.Second || out.ExpCap != 300*time.Second {
		t.Fatalf("round-trip lost bounds: %+v", out)
	}
}

func TestExpireDueAndDiscardExpired(t *testing.T) {
	now := int64(1_000_000)
	m, err := Open(ManagerOptions{DB: newTestDB(t), Logger: logpkg.NewNop(), NowMs: func() int64 { return now }})
	if err != nil {
		t.Fatalf("open manager: %v", err)
	}
	if _, err := m.CreateQueue("q", QueueOptions{RetentionMs: 60_000}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	msg, err := m.Capture(context.Background(), CaptureRequest{Queue: "q", ErrorMessage: "boom"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if msg.ExpiresAtMs != now+60_000 {
		t.Fatalf("expires_at = %d, want %d", msg.ExpiresAtMs, now+60_000)
	}
	if n, err := m.ExpireDue(); n != 0 || err != nil {
		t.Fatalf("premature expiry: (%d, %v)", n, err)
	}
	now += 61_000
	n, err := m.ExpireDue()
	if err != nil || n != 1 {
		t.Fatalf("expire = (%d, %v), want (1, nil)", n, err)
	}
	got, _ := m.Message(msg.ID)
	if got.State != StateExpired {
		t.Fatalf("state = %s, want expired", got.State)
	}
	q, _ := m.Queue("q")
	if q.MessageCount != 0 {
		t.Fatalf("count = %d, want 0", q.MessageCount)
	}
	// expired messages may still be discarded
	if err := m.Discard(msg.ID, "aged out"); err != nil {
		t.Fatalf("discard expired: %v", err)
	}
	q, _ = m.Queue("q")
	if q.TotalDiscarded != 1 || q.MessageCount != 0 {
		t.Fatalf("discarded=%d count=%d, want 1/0", q.TotalDiscarded, q.MessageCount)
	}
}

func TestManagerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	open := func() (*Manager, *pebblestore.DB) {
		db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
		if err != nil {
			t.Fatalf("open pebble: %v", err)
		}
		m, err := Open(ManagerOptions{DB: db, Logger: logpkg.NewNop()})
		if err != nil {
			t.Fatalf("open manager: %v", err)
		}
		return m, db
	}
	m, db := open()
	if _, err := m.CreateQueue("q", QueueOptions{MaxRetries: 3}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := m.Capture(context.Background(), CaptureRequest{Queue: "q", ErrorMessage: fmt.Sprintf("boom %d", i)})
		if err != nil {
			t.Fatalf("capture %d: %v", i, err)
		}
		ids = append(ids, msg.ID)
	}
	if err := m.Discard(ids[0], "noise"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	m, db = open()
	defer db.Close()
	q, err := m.Queue("q")
	if err != nil {
		t.Fatalf("queue after reopen: %v", err)
	}
	if q.MessageCount != 2 || q.TotalReceived != 3 || q.TotalDiscarded != 1 {
		t.Fatalf("count=%d received=%d discarded=%d, want 2/3/1", q.MessageCount, q.TotalReceived, q.TotalDiscarded)
	}
	got, err := m.Message(ids[0])
	if err != nil {
		t.Fatalf("message after reopen: %v", err)
	}
	if got.State != StateDiscarded {
		t.Fatalf("state = %s, want discarded", got.State)
	}
}

func TestErrorAnalysisAggregatesPatterns(t *testing.T) {
	m := newTestManager(t, nil)
	if _, err := m.CreateQueue("q", QueueOptions{}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.Capture(context.Background(), CaptureRequest{
			Queue:         "q",
			Topic:         "orders",
			SourceService: fmt.Sprintf("svc-%d", i%2),
			ErrorMessage:  "Connection timeout to database",
			ErrorCode:     "DB_TIMEOUT",
		}); err != nil {
			t.Fatalf("capture: %v", err)
		}
	}
	if _, err := m.Capture(context.Background(), CaptureRequest{
		Queue:        "q",
		Topic:        "payments",
		ErrorMessage: "invalid amount",
		ErrorCode:    "BAD_INPUT",
	}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	patterns := m.ErrorAnalysis()
	if len(patterns) != 2 {
		t.Fatalf("patterns = %d, want 2", len(patterns))
	}
	top := patterns[0]
	if top.Code != "DB_TIMEOUT" || top.Category != CategoryTimeout || top.Count != 3 {
		t.Fatalf("top pattern = %s/%s count=%d", top.Code, top.Category, top.Count)
	}
	if svcs := top.Services(); len(svcs) != 2 {
		t.Fatalf("services = %v, want 2 entries", svcs)
	}
}

type memNotifier struct {
	mu    sync.Mutex
	fired []string
}

func (n *memNotifier) Notify(rule *AlertRule, q *Queue) {
	n.mu.Lock()
	n.fired = append(n.fired, fmt.Sprintf("%s@%d", rule.Name, q.MessageCount))
	n.mu.Unlock()
}

func TestAlertThresholdAndCooldown(t *testing.T) {
	now := int64(1_000_000)
	notifier := &memNotifier{}
	m, err := Open(ManagerOptions{DB: newTestDB(t), Logger: logpkg.NewNop(), Notifier: notifier, NowMs: func() int64 { return now }})
	if err != nil {
		t.Fatalf("open manager: %v", err)
	}
	if _, err := m.CreateQueue("q", QueueOptions{}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	if _, err := m.AddAlertRule(AlertRule{Name: "depth", Queue: "q", Threshold: 2, CooldownMs: 60_000}); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	capture := func() {
		t.Helper()
		if _, err := m.Capture(context.Background(), CaptureRequest{Queue: "q", ErrorMessage: "boom"}); err != nil {
			t.Fatalf("capture: %v", err)
		}
	}
	capture() // depth 1, below threshold
	capture() // depth 2, fires
	capture() // depth 3, suppressed by cooldown
	if len(notifier.fired) != 1 {
		t.Fatalf("fired = %v, want exactly one", notifier.fired)
	}
	now += 61_000
	capture() // cooldown elapsed, fires again
	if len(notifier.fired) != 2 {
		t.Fatalf("fired = %v, want two", notifier.fired)
	}
}
