package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	pebblestore "github.com/veldtlabs/ebus/internal/storage/pebble"
	logpkg "github.com/veldtlabs/ebus/pkg/log"
)

// Reprocessor redelivers a dead-lettered message to its original consumer.
// A nil error means the retry succeeded and the message leaves the queue.
type Reprocessor interface {
	Reprocess(ctx context.Context, msg *Message) error
}

// Metrics receives dead-letter counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	MessageCaptured(queue string, category ErrorCategory)
	MessageRetried(queue string, ok bool)
	MessageDiscarded(queue string)
	QueueDepth(queue string, depth int)
}

type nopMetrics struct{}

func (nopMetrics) MessageCaptured(string, ErrorCategory) {}
func (nopMetrics) MessageRetried(string, bool)           {}
func (nopMetrics) MessageDiscarded(string)               {}
func (nopMetrics) QueueDepth(string, int)                {}

// ManagerOptions wires the manager's collaborators. DB is required.
type ManagerOptions struct {
	DB          *pebblestore.DB
	Logger      logpkg.Logger
	Notifier    Notifier
	Metrics     Metrics
	Reprocessor Reprocessor
	NowMs       func() int64
	// QueueDefaults fill in zero-valued fields of CreateQueue options.
	QueueDefaults QueueOptions
}

// Manager owns all dead-letter queues, their captured messages, error
// pattern aggregation and alert rules. All mutation goes through the
// Manager API.
type Manager struct {
	db        *pebblestore.DB
	logger    logpkg.Logger
	notifier  Notifier
	metrics   Metrics
	reprocess Reprocessor
	nowMs     func() int64
	defaults  QueueOptions

	mu         sync.Mutex
	queues     map[string]*Queue
	messages   map[string]*Message
	byQueue    map[string][]string // message IDs in capture order
	patterns   map[string]*ErrorPattern
	rules      map[string]*AlertRule
	processing map[string]struct{} // message IDs with a retry in flight
}

// Open loads persisted queues and messages and rebuilds the in-memory
// indexes. Error patterns are recomputed from the surviving messages.
func Open(opts ManagerOptions) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	m := &Manager{
		db:         opts.DB,
		logger:     opts.Logger.With(logpkg.Component("dlq")),
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		reprocess:  opts.Reprocessor,
		nowMs:      opts.NowMs,
		defaults:   opts.QueueDefaults,
		queues:     map[string]*Queue{},
		messages:   map[string]*Message{},
		byQueue:    map[string][]string{},
		patterns:   map[string]*ErrorPattern{},
		rules:      map[string]*AlertRule{},
		processing: map[string]struct{}{},
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// SetReprocessor installs the retry delivery path. Retries fail until one
// is set.
func (m *Manager) SetReprocessor(r Reprocessor) {
	m.mu.Lock()
	m.reprocess = r
	m.mu.Unlock()
}

func (m *Manager) load() error {
	if err := m.loadQueues(); err != nil {
		return err
	}
	return m.loadMessages()
}

func (m *Manager) loadQueues() error {
	prefix := []byte(queuePrefix)
	iter, err := m.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		var q Queue
		if err := json.Unmarshal(iter.Value(), &q); err != nil {
			continue
		}
		// live count is recomputed from loaded messages
		q.MessageCount = 0
		m.queues[q.Name] = &q
	}
	return nil
}

func (m *Manager) loadMessages() error {
	prefix := []byte(messagePrefix)
	iter, err := m.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		var msg Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			continue
		}
		// a retry interrupted by shutdown goes back to pending
		if msg.State == StateProcessing {
			msg.State = StatePending
		}
		m.messages[msg.ID] = &msg
		// reprocessed and discarded messages left the queue's live index
		if msg.State == StatePending || msg.State == StateExpired {
			m.byQueue[msg.Queue] = append(m.byQueue[msg.Queue], msg.ID)
		}
		if q, ok := m.queues[msg.Queue]; ok && msg.State == StatePending {
			q.MessageCount++
		}
		m.observePattern(&msg, msg.FailedAtMs)
	}
	for qname, ids := range m.byQueue {
		msgs := m.messages
		sort.SliceStable(ids, func(i, j int) bool {
			a, b := msgs[ids[i]], msgs[ids[j]]
			if a.FailedAtMs != b.FailedAtMs {
				return a.FailedAtMs < b.FailedAtMs
			}
			return a.ID < b.ID
		})
		m.byQueue[qname] = ids
	}
	return nil
}

func (m *Manager) observePattern(msg *Message, nowMs int64) {
	key := patternKey(msg.ErrorCode, msg.Category)
	p, ok := m.patterns[key]
	if !ok {
		p = &ErrorPattern{Code: msg.ErrorCode, Category: msg.Category}
		m.patterns[key] = p
	}
	p.observe(msg, nowMs)
}

func (m *Manager) persistQueueLocked(b *pebble.Batch, q *Queue) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return b.Set(keyQueue(q.Name), data, nil)
}

func (m *Manager) persistMessageLocked(b *pebble.Batch, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.Set(keyMessage(msg.Queue, msg.ID), data, nil)
}

func (m *Manager) commitMessageAndQueue(ctx context.Context, msg *Message, q *Queue) error {
	b := m.db.NewBatch()
	defer b.Close()
	if err := m.persistMessageLocked(b, msg); err != nil {
		return err
	}
	if err := m.persistQueueLocked(b, q); err != nil {
		return err
	}
	return m.db.CommitBatch(ctx, b)
}

// CreateQueue registers a new dead-letter queue. Zero-valued option fields
// take the manager's configured defaults.
func (m *Manager) CreateQueue(name string, opts QueueOptions) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("create queue: empty name")
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = m.defaults.MaxSize
	}
	if opts.RetentionMs == 0 {
		opts.RetentionMs = m.defaults.RetentionMs
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = m.defaults.MaxRetries
	}
	if opts.Strategy.Kind == "" {
		opts.Strategy = m.defaults.Strategy
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[name]; exists {
		return nil, fmt.Errorf("create queue %q: %w", name, ErrDuplicateQueue)
	}
	q := &Queue{
		ID:          uuid.NewString(),
		Name:        name,
		SourceTopic: opts.SourceTopic,
		Group:       opts.Group,
		MaxSize:     opts.MaxSize,
		RetentionMs: opts.RetentionMs,
		MaxRetries:  opts.MaxRetries,
		Strategy:    opts.Strategy,
		State:       QueueActive,
		CreatedAtMs: m.nowMs(),
	}
	b := m.db.NewBatch()
	defer b.Close()
	if err := m.persistQueueLocked(b, q); err != nil {
		return nil, err
	}
	if err := m.db.CommitBatch(context.Background(), b); err != nil {
		return nil, err
	}
	m.queues[name] = q
	m.logger.Info("dead-letter queue created",
		logpkg.Str("queue", name),
		logpkg.Str("source_topic", opts.SourceTopic),
		logpkg.Int("max_size", opts.MaxSize))
	return q, nil
}

// Queue returns a snapshot of one queue's metadata.
func (m *Manager) Queue(name string) (Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return Queue{}, fmt.Errorf("queue %q: %w", name, ErrQueueNotFound)
	}
	return *q, nil
}

// Queues lists all queues sorted by name.
func (m *Manager) Queues() []Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Queue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetQueueState transitions a queue's lifecycle state.
func (m *Manager) SetQueueState(name string, state QueueState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("queue %q: %w", name, ErrQueueNotFound)
	}
	if q.State == state {
		return nil
	}
	prev := q.State
	q.State = state
	b := m.db.NewBatch()
	defer b.Close()
	if err := m.persistQueueLocked(b, q); err != nil {
		q.State = prev
		return err
	}
	if err := m.db.CommitBatch(context.Background(), b); err != nil {
		q.State = prev
		return err
	}
	m.logger.Info("queue state changed",
		logpkg.Str("queue", name),
		logpkg.Str("from", string(prev)),
		logpkg.Str("to", string(state)))
	return nil
}

// CaptureRequest carries a failed delivery into the dead-letter store. The
// event identity and payload are copied so the message outlives the source
// log's retention.
type CaptureRequest struct {
	Queue          string
	EventID        string
	Topic          string
	Partition      int
	Offset         uint64
	EventType      string
	Key            string
	Payload        []byte
	Headers        map[string]string
	SubscriptionID string
	SourceService  string
	ErrorMessage   string
	ErrorCode      string
	// Category overrides classification when set.
	Category ErrorCategory
}

// Capture records a failed delivery as a pending dead-letter message.
func (m *Manager) Capture(ctx context.Context, req CaptureRequest) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[req.Queue]
	if !ok {
		return nil, fmt.Errorf("capture into %q: %w", req.Queue, ErrQueueNotFound)
	}
	if q.State != QueueActive {
		return nil, fmt.Errorf("capture into %q (%s): %w", req.Queue, q.State, ErrQueueNotActive)
	}
	if q.MaxSize > 0 && q.MessageCount >= q.MaxSize {
		return nil, fmt.Errorf("capture into %q (%d/%d): %w", req.Queue, q.MessageCount, q.MaxSize, ErrCapacityExceeded)
	}
	now := m.nowMs()
	cat := req.Category
	if cat == "" {
		cat = Classify(req.ErrorMessage)
	}
	msg := &Message{
		ID:             uuid.NewString(),
		Queue:          q.Name,
		EventID:        req.EventID,
		Topic:          req.Topic,
		Partition:      req.Partition,
		Offset:         req.Offset,
		EventType:      req.EventType,
		Key:            req.Key,
		Payload:        req.Payload,
		Headers:        req.Headers,
		SubscriptionID: req.SubscriptionID,
		SourceService:  req.SourceService,
		ErrorMessage:   req.ErrorMessage,
		ErrorCode:      req.ErrorCode,
		Category:       cat,
		MaxRetries:     q.MaxRetries,
		State:          StatePending,
		FailedAtMs:     now,
	}
	if q.RetentionMs > 0 {
		msg.ExpiresAtMs = now + q.RetentionMs
	}
	q.MessageCount++
	q.TotalReceived++
	if err := m.commitMessageAndQueue(ctx, msg, q); err != nil {
		q.MessageCount--
		q.TotalReceived--
		return nil, err
	}
	m.messages[msg.ID] = msg
	m.byQueue[q.Name] = append(m.byQueue[q.Name], msg.ID)
	m.observePattern(msg, now)
	m.metrics.MessageCaptured(q.Name, cat)
	m.metrics.QueueDepth(q.Name, q.MessageCount)
	m.logger.Warn("message dead-lettered",
		logpkg.Str("queue", q.Name),
		logpkg.Str("topic", req.Topic),
		logpkg.Uint64("offset", req.Offset),
		logpkg.Str("category", string(cat)),
		logpkg.Str("error", req.ErrorMessage))
	m.evaluateAlertsLocked(q, now)
	cp := *msg
	return &cp, nil
}

// Retry attempts one redelivery of a pending message. It returns false with
// no error when the message is not eligible: not pending, retries exhausted,
// or a retry already in flight. Concurrent retries of the same message are
// mutually exclusive.
func (m *Manager) Retry(ctx context.Context, messageID string) (bool, error) {
	m.mu.Lock()
	msg, ok := m.messages[messageID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("retry %q: %w", messageID, ErrMessageNotFound)
	}
	if msg.State != StatePending {
		m.mu.Unlock()
		return false, nil
	}
	if msg.MaxRetries > 0 && msg.RetryCount >= msg.MaxRetries {
		m.mu.Unlock()
		return false, nil
	}
	if _, inFlight := m.processing[messageID]; inFlight {
		m.mu.Unlock()
		return false, nil
	}
	q := m.queues[msg.Queue]
	if q == nil || (q.State != QueueActive && q.State != QueueDraining) {
		m.mu.Unlock()
		return false, nil
	}
	rp := m.reprocess
	if rp == nil {
		m.mu.Unlock()
		return false, fmt.Errorf("retry %q: no reprocessor configured", messageID)
	}
	m.processing[messageID] = struct{}{}
	msg.State = StateProcessing
	attempt := *msg
	m.mu.Unlock()

	err := reprocess(ctx, rp, &attempt)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, messageID)
	now := m.nowMs()
	msg.LastRetryAtMs = now
	if err == nil {
		msg.State = StateReprocessed
		msg.NextRetryAtMs = 0
		q.MessageCount--
		q.TotalReprocessed++
		m.removeFromQueueLocked(q.Name, messageID)
	} else {
		msg.State = StatePending
		msg.RetryCount++
		msg.NextRetryAtMs = now + q.Strategy.Delay(msg.RetryCount).Milliseconds()
	}
	if perr := m.commitMessageAndQueue(ctx, msg, q); perr != nil {
		m.logger.Error("persist retry outcome failed",
			logpkg.Str("message", messageID), logpkg.Err(perr))
	}
	m.metrics.MessageRetried(q.Name, err == nil)
	m.metrics.QueueDepth(q.Name, q.MessageCount)
	if err != nil {
		m.logger.Warn("retry failed",
			logpkg.Str("queue", q.Name),
			logpkg.Str("message", messageID),
			logpkg.Int("retry_count", int(msg.RetryCount)),
			logpkg.Err(err))
		return false, nil
	}
	m.logger.Info("message reprocessed",
		logpkg.Str("queue", q.Name), logpkg.Str("message", messageID))
	return true, nil
}

// reprocess shields the retry state machine from a panicking Reprocessor:
// a panic becomes a failed attempt instead of wedging the message in
// processing with its id stuck in the in-flight set.
func reprocess(ctx context.Context, rp Reprocessor, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reprocessor panic: %v", r)
		}
	}()
	return rp.Reprocess(ctx, msg)
}

// RetryAllPending drains up to batchSize due pending messages through Retry
// and reports how many succeeded and how many failed. A message is due when
// its scheduled next retry time has passed. batchSize <= 0 means no bound.
func (m *Manager) RetryAllPending(ctx context.Context, queue string, batchSize int) (succeeded, failed int, err error) {
	m.mu.Lock()
	if _, ok := m.queues[queue]; !ok {
		m.mu.Unlock()
		return 0, 0, fmt.Errorf("queue %q: %w", queue, ErrQueueNotFound)
	}
	now := m.nowMs()
	due := make([]string, 0)
	for _, id := range m.byQueue[queue] {
		msg := m.messages[id]
		if msg.State != StatePending {
			continue
		}
		if msg.MaxRetries > 0 && msg.RetryCount >= msg.MaxRetries {
			continue
		}
		if msg.NextRetryAtMs > now {
			continue
		}
		due = append(due, id)
		if batchSize > 0 && len(due) >= batchSize {
			break
		}
	}
	m.mu.Unlock()

	for _, id := range due {
		ok, rerr := m.Retry(ctx, id)
		if rerr != nil {
			return succeeded, failed, rerr
		}
		if ok {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed, nil
}

// Discard removes a message from further processing. Only pending and
// expired messages may be discarded; the transition is terminal.
func (m *Manager) Discard(messageID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return fmt.Errorf("discard %q: %w", messageID, ErrMessageNotFound)
	}
	if msg.State != StatePending && msg.State != StateExpired {
		return fmt.Errorf("discard %q (%s): %w", messageID, msg.State, ErrInvalidMessageState)
	}
	q := m.queues[msg.Queue]
	wasPending := msg.State == StatePending
	msg.State = StateDiscarded
	msg.DiscardReason = reason
	if wasPending {
		q.MessageCount--
	}
	q.TotalDiscarded++
	m.removeFromQueueLocked(q.Name, messageID)
	if err := m.commitMessageAndQueue(context.Background(), msg, q); err != nil {
		return err
	}
	m.metrics.MessageDiscarded(q.Name)
	m.metrics.QueueDepth(q.Name, q.MessageCount)
	m.logger.Info("message discarded",
		logpkg.Str("queue", q.Name),
		logpkg.Str("message", messageID),
		logpkg.Str("reason", reason))
	return nil
}

// ExpireDue transitions pending messages past their retention deadline to
// expired and returns how many were expired.
func (m *Manager) ExpireDue() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowMs()
	expired := 0
	for _, msg := range m.messages {
		if msg.State != StatePending || msg.ExpiresAtMs == 0 || msg.ExpiresAtMs > now {
			continue
		}
		q := m.queues[msg.Queue]
		if q == nil {
			continue
		}
		msg.State = StateExpired
		q.MessageCount--
		if err := m.commitMessageAndQueue(context.Background(), msg, q); err != nil {
			return expired, err
		}
		m.metrics.QueueDepth(q.Name, q.MessageCount)
		expired++
	}
	if expired > 0 {
		m.logger.Info("messages expired", logpkg.Int("count", expired))
	}
	return expired, nil
}

func (m *Manager) removeFromQueueLocked(queue, messageID string) {
	ids := m.byQueue[queue]
	for i, id := range ids {
		if id == messageID {
			m.byQueue[queue] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// Message returns a snapshot of one captured message.
func (m *Manager) Message(messageID string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return Message{}, fmt.Errorf("message %q: %w", messageID, ErrMessageNotFound)
	}
	return *msg, nil
}

// QueueMessages lists a queue's live messages in capture order, optionally
// filtered by state. limit <= 0 means no limit.
func (m *Manager) QueueMessages(queue string, state MessageState, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[queue]; !ok {
		return nil, fmt.Errorf("queue %q: %w", queue, ErrQueueNotFound)
	}
	out := make([]Message, 0)
	for _, id := range m.byQueue[queue] {
		msg := m.messages[id]
		if state != "" && msg.State != state {
			continue
		}
		out = append(out, *msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Stats summarizes one queue's population by state plus cumulative totals.
type Stats struct {
	Queue            string `json:"queue"`
	Pending          int    `json:"pending"`
	Processing       int    `json:"processing"`
	Reprocessed      int    `json:"reprocessed"`
	Discarded        int    `json:"discarded"`
	Expired          int    `json:"expired"`
	TotalReceived    uint64 `json:"total_received"`
	TotalReprocessed uint64 `json:"total_reprocessed"`
	TotalDiscarded   uint64 `json:"total_discarded"`
}

// Statistics computes a per-queue breakdown of message states.
func (m *Manager) Statistics(queue string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return Stats{}, fmt.Errorf("queue %q: %w", queue, ErrQueueNotFound)
	}
	st := Stats{
		Queue:            q.Name,
		TotalReceived:    q.TotalReceived,
		TotalReprocessed: q.TotalReprocessed,
		TotalDiscarded:   q.TotalDiscarded,
	}
	for _, msg := range m.messages {
		if msg.Queue != queue {
			continue
		}
		switch msg.State {
		case StatePending:
			st.Pending++
		case StateProcessing:
			st.Processing++
		case StateReprocessed:
			st.Reprocessed++
		case StateDiscarded:
			st.Discarded++
		case StateExpired:
			st.Expired++
		}
	}
	return st, nil
}

// ErrorAnalysis returns the observed error patterns, most frequent first.
func (m *Manager) ErrorAnalysis() []ErrorPattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ErrorPattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		cp := *p
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return patternKey(out[i].Code, out[i].Category) < patternKey(out[j].Code, out[j].Category)
	})
	return out
}

// AddAlertRule registers a depth alert. Rules are evaluated on every
// capture.
func (m *Manager) AddAlertRule(rule AlertRule) (string, error) {
	if rule.Threshold <= 0 {
		return "", fmt.Errorf("alert rule %q: threshold must be positive", rule.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	m.rules[rule.ID] = &rule
	return rule.ID, nil
}

// RemoveAlertRule deletes an alert rule by id.
func (m *Manager) RemoveAlertRule(id string) {
	m.mu.Lock()
	delete(m.rules, id)
	m.mu.Unlock()
}

// AlertRules lists registered rules sorted by name.
func (m *Manager) AlertRules() []AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) evaluateAlertsLocked(q *Queue, nowMs int64) {
	for _, r := range m.rules {
		if r.Queue != "" && r.Queue != q.Name {
			continue
		}
		if q.MessageCount < r.Threshold {
			continue
		}
		if r.LastTriggeredMs != 0 && nowMs-r.LastTriggeredMs < r.CooldownMs {
			continue
		}
		r.Triggered++
		r.LastTriggeredMs = nowMs
		rc, qc := *r, *q
		m.notifier.Notify(&rc, &qc)
		m.logger.Warn("alert triggered",
			logpkg.Str("rule", r.Name),
			logpkg.Str("queue", q.Name),
			logpkg.Int("depth", q.MessageCount),
			logpkg.Int("threshold", r.Threshold))
	}
}
