package dlq

import "errors"

// QueueState is the dead-letter queue lifecycle. Only active queues accept
// new captures.
type QueueState string

const (
	QueueActive   QueueState = "active"
	QueuePaused   QueueState = "paused"
	QueueDraining QueueState = "draining"
	QueueDisabled QueueState = "disabled"
)

var (
	ErrQueueNotFound       = errors.New("dead-letter queue not found")
	ErrQueueNotActive      = errors.New("dead-letter queue not active")
	ErrDuplicateQueue      = errors.New("dead-letter queue already exists")
	ErrCapacityExceeded    = errors.New("dead-letter queue at capacity")
	ErrMessageNotFound     = errors.New("dead-letter message not found")
	ErrInvalidMessageState = errors.New("dead-letter message not in required state")
)

// QueueOptions configures a dead-letter queue at creation.
type QueueOptions struct {
	// SourceTopic and Group record where failures come from; informational.
	SourceTopic string
	Group       string
	// MaxSize bounds live (pending + processing) messages. 0 = unbounded.
	MaxSize int
	// RetentionMs sets each captured message's expiry deadline. 0 = never.
	RetentionMs int64
	// MaxRetries caps retry attempts per message.
	MaxRetries uint32
	// Strategy selects the retry backoff.
	Strategy Strategy
}

// Queue is a dead-letter holding area for one failure source.
type Queue struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	SourceTopic string     `json:"source_topic,omitempty"`
	Group       string     `json:"group,omitempty"`
	MaxSize     int        `json:"max_size,omitempty"`
	RetentionMs int64      `json:"retention_ms,omitempty"`
	MaxRetries  uint32     `json:"max_retries"`
	Strategy    Strategy   `json:"strategy"`
	State       QueueState `json:"state"`
	CreatedAtMs int64      `json:"created_at_ms"`

	// MessageCount is the live (pending + processing) population; the totals
	// are cumulative.
	MessageCount     int    `json:"message_count"`
	TotalReceived    uint64 `json:"total_received"`
	TotalReprocessed uint64 `json:"total_reprocessed"`
	TotalDiscarded   uint64 `json:"total_discarded"`
}
