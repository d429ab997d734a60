package topic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/veldtlabs/ebus/internal/storage/pebble"
	logpkg "github.com/veldtlabs/ebus/pkg/log"
)

// Store owns all topics and their partition logs. Callers never mutate
// topics or partitions directly; every write goes through the Store API.
type Store struct {
	db     *pebblestore.DB
	logger logpkg.Logger
	nowMs  func() int64

	mu     sync.RWMutex
	topics map[string]*Topic
	parts  map[string][]*Partition
}

// Open loads existing topic metadata from the store and rehydrates
// partition watermarks.
func Open(db *pebblestore.DB, logger logpkg.Logger) (*Store, error) {
	if logger == nil {
		logger = logpkg.NewNop()
	}
	s := &Store{
		db:     db,
		logger: logger.With(logpkg.Component("topics")),
		nowMs:  func() int64 { return time.Now().UnixMilli() },
		topics: map[string]*Topic{},
		parts:  map[string][]*Partition{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	prefix := topicPrefix
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		if !bytes.HasSuffix(iter.Key(), metaSuffix) {
			continue
		}
		// skip partition/cursor keys that merely contain "/meta" bytes
		rest := iter.Key()[len(prefix) : len(iter.Key())-len(metaSuffix)]
		if bytes.IndexByte(rest, sep) >= 0 {
			continue
		}
		var m topicMeta
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if m.State == StateDeleted {
			continue
		}
		t := &Topic{
			Name:        m.Name,
			Partitions:  m.Partitions,
			RetentionMs: m.RetentionMs,
			Compacted:   m.Compacted,
			CreatedAtMs: m.CreatedAtMs,
			state:       m.State,
		}
		parts := make([]*Partition, m.Partitions)
		for i := 0; i < m.Partitions; i++ {
			p, err := openPartition(s.db, m.Name, i)
			if err != nil {
				return err
			}
			parts[i] = p
			msgs, bts := p.Counts()
			t.messages.Add(msgs)
			t.bytes.Add(bts)
		}
		s.topics[m.Name] = t
		s.parts[m.Name] = parts
	}
	return nil
}

func (s *Store) persistMeta(t *Topic) error {
	b, err := json.Marshal(topicMeta{
		Name:        t.Name,
		Partitions:  t.Partitions,
		RetentionMs: t.RetentionMs,
		Compacted:   t.Compacted,
		CreatedAtMs: t.CreatedAtMs,
		State:       t.State(),
	})
	if err != nil {
		return err
	}
	return s.db.Set(KeyTopicMeta(t.Name), b)
}

// CreateTopic registers a new topic with the given partition count.
func (s *Store) CreateTopic(name string, partitions int, opts Options) (*Topic, error) {
	if partitions <= 0 {
		return nil, ErrNoPartitions
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.topics[name]; exists {
		return nil, fmt.Errorf("create topic %q: %w", name, ErrDuplicateTopic)
	}
	t := &Topic{
		Name:        name,
		Partitions:  partitions,
		RetentionMs: opts.RetentionMs,
		Compacted:   opts.Compacted,
		CreatedAtMs: s.nowMs(),
		state:       StateActive,
	}
	parts := make([]*Partition, partitions)
	for i := 0; i < partitions; i++ {
		p, err := openPartition(s.db, name, i)
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}
	if err := s.persistMeta(t); err != nil {
		return nil, err
	}
	s.topics[name] = t
	s.parts[name] = parts
	s.logger.Info("topic.create", logpkg.Str("topic", name), logpkg.Int("partitions", partitions))
	return t, nil
}

// Get returns the topic by name.
func (s *Store) Get(name string) (*Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[name]
	if !ok {
		return nil, fmt.Errorf("topic %q: %w", name, ErrTopicNotFound)
	}
	return t, nil
}

// List returns all known topics.
func (s *Store) List() []*Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Topic, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Partition returns a topic's partition log by index.
func (s *Store) Partition(name string, index int) (*Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts, ok := s.parts[name]
	if !ok {
		return nil, fmt.Errorf("topic %q: %w", name, ErrTopicNotFound)
	}
	if index < 0 || index >= len(parts) {
		return nil, fmt.Errorf("topic %q partition %d: %w", name, index, ErrBadPartition)
	}
	return parts[index], nil
}

// Append routes an event into the given partition log and bumps the topic
// counters. This is the single ordering point: two appends to the same
// partition complete with offsets in call order.
func (s *Store) Append(ctx context.Context, name string, partition int, ev *Event) (uint64, error) {
	s.mu.RLock()
	t, ok := s.topics[name]
	var p *Partition
	if ok && partition >= 0 && partition < len(s.parts[name]) {
		p = s.parts[name][partition]
	}
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("topic %q: %w", name, ErrTopicNotFound)
	}
	if p == nil {
		return 0, fmt.Errorf("topic %q partition %d: %w", name, partition, ErrBadPartition)
	}
	if t.State() != StateActive {
		return 0, fmt.Errorf("topic %q: %w", name, ErrTopicNotActive)
	}
	off, err := p.Append(ctx, ev)
	if err != nil {
		return 0, err
	}
	t.messages.Add(1)
	t.bytes.Add(uint64(len(ev.Payload)))
	return off, nil
}

// AppendBatch appends a slice of events to one partition atomically and
// returns the offset of the first. An empty slice is a no-op.
func (s *Store) AppendBatch(ctx context.Context, name string, partition int, evs []*Event) (uint64, error) {
	if len(evs) == 0 {
		return 0, nil
	}
	s.mu.RLock()
	t, ok := s.topics[name]
	var p *Partition
	if ok && partition >= 0 && partition < len(s.parts[name]) {
		p = s.parts[name][partition]
	}
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("topic %q: %w", name, ErrTopicNotFound)
	}
	if p == nil {
		return 0, fmt.Errorf("topic %q partition %d: %w", name, partition, ErrBadPartition)
	}
	if t.State() != StateActive {
		return 0, fmt.Errorf("topic %q: %w", name, ErrTopicNotActive)
	}
	first, err := p.AppendBatch(ctx, evs)
	if err != nil {
		return 0, err
	}
	var size uint64
	for _, ev := range evs {
		size += uint64(len(ev.Payload))
	}
	t.messages.Add(uint64(len(evs)))
	t.bytes.Add(size)
	return first, nil
}

// ReadRange replays events from a partition. See Partition.ReadRange.
func (s *Store) ReadRange(name string, partition int, from, to uint64, limit int) ([]*Event, error) {
	p, err := s.Partition(name, partition)
	if err != nil {
		return nil, err
	}
	return p.ReadRange(from, to, limit)
}

// PauseTopic stops accepting publishes until ResumeTopic.
func (s *Store) PauseTopic(name string) error { return s.transition(name, StatePaused) }

// ResumeTopic reactivates a paused topic.
func (s *Store) ResumeTopic(name string) error { return s.transition(name, StateActive) }

func (s *Store) transition(name string, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[name]
	if !ok {
		return fmt.Errorf("topic %q: %w", name, ErrTopicNotFound)
	}
	t.setState(to)
	return s.persistMeta(t)
}

// DeleteTopic marks the topic deleted and removes its keyspace.
func (s *Store) DeleteTopic(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[name]
	if !ok {
		return fmt.Errorf("topic %q: %w", name, ErrTopicNotFound)
	}
	t.setState(StateDeleted)
	delete(s.topics, name)
	delete(s.parts, name)
	prefix := KeyTopicPrefix(name)
	if err := s.db.DeleteRange(prefix, prefixUpperBound(prefix)); err != nil {
		return err
	}
	if err := s.db.Delete(KeyTopicMeta(name)); err != nil {
		return err
	}
	s.logger.Info("topic.delete", logpkg.Str("topic", name))
	return nil
}

// EnforceRetention trims every partition of topics with a retention window.
// Invoked explicitly by the embedding process; the store never runs its own
// background sweep.
func (s *Store) EnforceRetention(ctx context.Context) (int, error) {
	s.mu.RLock()
	type job struct {
		parts  []*Partition
		cutoff int64
	}
	var jobs []job
	for name, t := range s.topics {
		if t.RetentionMs <= 0 {
			continue
		}
		jobs = append(jobs, job{parts: s.parts[name], cutoff: s.nowMs() - t.RetentionMs})
	}
	s.mu.RUnlock()

	total := 0
	for _, j := range jobs {
		for _, p := range j.parts {
			n, err := p.TrimOlderThan(ctx, j.cutoff, 1024, 0)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}
