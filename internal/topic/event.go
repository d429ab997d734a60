package topic

// Priority orders competing deliveries; it does not affect partition placement.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Event is a single immutable record in a partition log. Partition and
// Offset are assigned at append time; everything else is set by the
// publisher.
type Event struct {
	ID            string
	Topic         string
	Partition     int
	Offset        uint64
	Type          string
	Key           string
	Payload       []byte
	Headers       map[string]string
	Priority      Priority
	CorrelationID string
	CausationID   string
	CreatedAtMs   int64
	ExpiresAtMs   int64
}

// Size returns the payload size in bytes.
func (e *Event) Size() int { return len(e.Payload) }

// envelope is the persisted JSON metadata stored alongside the payload.
type envelope struct {
	ID            string            `json:"id"`
	Type          string            `json:"type,omitempty"`
	Key           string            `json:"key,omitempty"`
	Headers       map[string]string `json:"hdr,omitempty"`
	Priority      Priority          `json:"prio,omitempty"`
	CorrelationID string            `json:"corr,omitempty"`
	CausationID   string            `json:"caus,omitempty"`
	CreatedAtMs   int64             `json:"ts"`
	ExpiresAtMs   int64             `json:"exp,omitempty"`
}
