package topic

import (
	"errors"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a topic.
type State string

const (
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateDeleted State = "deleted"
)

var (
	ErrDuplicateTopic = errors.New("topic already exists")
	ErrTopicNotFound  = errors.New("topic not found")
	ErrTopicNotActive = errors.New("topic not active")
	ErrNoPartitions   = errors.New("topic needs at least one partition")
	ErrBadPartition   = errors.New("partition index out of range")
)

// Options are the immutable-at-creation topic settings.
type Options struct {
	RetentionMs int64 `json:"retention_ms,omitempty"`
	Compacted   bool  `json:"compacted,omitempty"`
}

// Topic is a named, partitioned event stream. Everything except State and
// the counters is immutable after creation.
type Topic struct {
	Name        string
	Partitions  int
	RetentionMs int64
	Compacted   bool
	CreatedAtMs int64

	stateMu  sync.RWMutex
	state    State
	messages atomic.Uint64
	bytes    atomic.Uint64
}

// State returns the current lifecycle state.
func (t *Topic) State() State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state
}

func (t *Topic) setState(s State) {
	t.stateMu.Lock()
	t.state = s
	t.stateMu.Unlock()
}

// Messages returns the cumulative published-message counter.
func (t *Topic) Messages() uint64 { return t.messages.Load() }

// Bytes returns the cumulative published-bytes counter.
func (t *Topic) Bytes() uint64 { return t.bytes.Load() }

// topicMeta is the persisted form of a Topic.
type topicMeta struct {
	Name        string `json:"name"`
	Partitions  int    `json:"partitions"`
	RetentionMs int64  `json:"retention_ms,omitempty"`
	Compacted   bool   `json:"compacted,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms"`
	State       State  `json:"state"`
}
