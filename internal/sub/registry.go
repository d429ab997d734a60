package sub

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	pebblestore "github.com/veldtlabs/ebus/internal/storage/pebble"
	"github.com/veldtlabs/ebus/internal/topic"
	logpkg "github.com/veldtlabs/ebus/pkg/log"
)

// Options describes a new subscription.
type Options struct {
	Topic    string
	Group    string
	Delivery DeliveryMode
	Ack      AckMode
	// Types restricts delivery to the listed event types. Empty = all.
	Types []string
	// KeyContains restricts delivery to events whose key contains the substring.
	KeyContains string
	// Filter is an optional CEL expression evaluated per event.
	Filter  string
	Handler Handler
	// BatchSize is the flush threshold for AckBatch subscriptions.
	// Zero means defaultBatchSize.
	BatchSize int
}

const defaultBatchSize = 16

// Registry owns all subscriptions and their committed-offset cursors.
type Registry struct {
	db     *pebblestore.DB
	logger logpkg.Logger

	mu      sync.RWMutex
	subs    map[string]*Subscription
	byTopic map[string][]*Subscription
}

// NewRegistry returns an empty registry backed by the given store for
// cursor durability.
func NewRegistry(db *pebblestore.DB, logger logpkg.Logger) *Registry {
	if logger == nil {
		logger = logpkg.NewNop()
	}
	return &Registry{
		db:      db,
		logger:  logger.With(logpkg.Component("subs")),
		subs:    map[string]*Subscription{},
		byTopic: map[string][]*Subscription{},
	}
}

// Add registers a subscription, compiles its filter, and rehydrates any
// committed offsets persisted under its cursor owner.
func (r *Registry) Add(opts Options) (*Subscription, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("subscribe %q: nil handler", opts.Topic)
	}
	filter, err := newCELFilter(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", opts.Topic, err)
	}
	delivery := opts.Delivery
	if delivery == "" {
		delivery = DeliverAtLeastOnce
	}
	ack := opts.Ack
	if ack == "" {
		ack = AckAuto
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	s := &Subscription{
		ID:        uuid.NewString(),
		Topic:     opts.Topic,
		Group:     opts.Group,
		Delivery:  delivery,
		Ack:       ack,
		Handler:   opts.Handler,
		batchSize: batch,
		keySubstr: opts.KeyContains,
		filter:    filter,
		active:    true,
		committed: map[int]uint64{},
	}
	if len(opts.Types) > 0 {
		s.types = make(map[string]struct{}, len(opts.Types))
		for _, t := range opts.Types {
			s.types[t] = struct{}{}
		}
	}
	if err := r.loadCursors(s); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.subs[s.ID] = s
	r.byTopic[s.Topic] = append(r.byTopic[s.Topic], s)
	r.mu.Unlock()
	r.logger.Debug("sub.add", logpkg.Str("sub", s.ID), logpkg.Str("topic", s.Topic), logpkg.Str("group", s.Group))
	return s, nil
}

// loadCursors scans the durable cursor keyspace for the cursor owner.
func (r *Registry) loadCursors(s *Subscription) error {
	prefix := topic.KeyCursor(s.Topic, s.CursorOwner(), 0)
	// strip the fixed 4-byte partition suffix to get the owner prefix
	prefix = prefix[:len(prefix)-4]
	hi := append(append([]byte{}, prefix...), 0xFF)
	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: hi})
	if err != nil {
		return err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) != len(prefix)+4 || len(iter.Value()) < 8 {
			continue
		}
		part := int(binary.BigEndian.Uint32(k[len(prefix):]))
		s.committed[part] = binary.BigEndian.Uint64(iter.Value()[:8])
	}
	return nil
}

// Remove deactivates and unregisters a subscription, returning it so the
// caller can tear down group membership.
func (r *Registry) Remove(id string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	s.mu.Lock()
	s.active = false
	// buffered batch acks represent handled events; commit them rather
	// than redelivering after a resubscribe
	if err := r.flushLocked(s); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	delete(r.subs, id)
	list := r.byTopic[s.Topic]
	for i, cand := range list {
		if cand.ID == id {
			r.byTopic[s.Topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return s, nil
}

// Get returns a subscription by id.
func (r *Registry) Get(id string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return s, nil
}

// ForTopic returns a snapshot of the topic's subscriptions.
func (r *Registry) ForTopic(name string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Subscription(nil), r.byTopic[name]...)
}

// Acknowledge advances the subscription's committed offset for a partition.
// Commits are monotonic and idempotent: acknowledging at or below an already
// committed position is a no-op, never an error. Returns true if the cursor
// advanced.
func (r *Registry) Acknowledge(id string, partition int, offset uint64) (bool, error) {
	r.mu.RLock()
	s, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	advanced, err := r.commitLocked(s, partition, offset)
	if advanced && err == nil {
		s.acked++
	}
	return advanced, err
}

// BatchAck buffers an acknowledgement for an AckBatch subscription. The
// cursor only advances once the buffer reaches the subscription's batch
// size; returns true when that flush happened.
func (r *Registry) BatchAck(id string, partition int, offset uint64) (bool, error) {
	r.mu.RLock()
	s, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = map[int]uint64{}
	}
	if cur, seen := s.pending[partition]; !seen || offset > cur {
		s.pending[partition] = offset
	}
	s.pendingN++
	s.acked++
	if s.pendingN < s.batchSize {
		return false, nil
	}
	return true, r.flushLocked(s)
}

// FlushAcks commits any buffered batch acknowledgements immediately.
func (r *Registry) FlushAcks(id string) error {
	r.mu.RLock()
	s, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSubscriptionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.flushLocked(s)
}

func (r *Registry) flushLocked(s *Subscription) error {
	for part, off := range s.pending {
		if _, err := r.commitLocked(s, part, off); err != nil {
			return err
		}
	}
	s.pending = nil
	s.pendingN = 0
	return nil
}

// commitLocked persists the cursor while s.mu is held so two racing acks
// cannot write the lower position last and regress the durable cursor.
func (r *Registry) commitLocked(s *Subscription, partition int, offset uint64) (bool, error) {
	exclusive := offset + 1
	if exclusive <= s.committed[partition] {
		return false, nil
	}
	s.committed[partition] = exclusive

	key := topic.KeyCursor(s.Topic, s.CursorOwner(), uint32(partition))
	// durable guard mirrors the in-memory one; another group member may have
	// advanced the shared cursor further
	if cur, err := r.db.Get(key); err == nil && len(cur) >= 8 {
		if exclusive <= binary.BigEndian.Uint64(cur[:8]) {
			return true, nil
		}
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], exclusive)
	return true, r.db.Set(key, buf[:])
}
