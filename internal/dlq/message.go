package dlq

import "strings"

// MessageState is the dead-letter message lifecycle:
// pending -> processing -> {reprocessed | pending (failed retry) | discarded | expired}.
type MessageState string

const (
	StatePending     MessageState = "pending"
	StateProcessing  MessageState = "processing"
	StateReprocessed MessageState = "reprocessed"
	StateDiscarded   MessageState = "discarded"
	StateExpired     MessageState = "expired"
)

// ErrorCategory buckets capture errors for pattern analysis and retry policy.
type ErrorCategory string

const (
	CategoryTransient  ErrorCategory = "transient"
	CategoryPermanent  ErrorCategory = "permanent"
	CategoryValidation ErrorCategory = "validation"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryCapacity   ErrorCategory = "capacity"
	CategoryUnknown    ErrorCategory = "unknown"
)

// Classify buckets an error message by substring heuristics. Timeout is
// checked first so that "connection timeout" classifies as timeout, not
// transient.
func Classify(errMsg string) ErrorCategory {
	m := strings.ToLower(errMsg)
	contains := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(m, s) {
				return true
			}
		}
		return false
	}
	switch {
	case contains("timeout"):
		return CategoryTimeout
	case contains("capacity", "full", "limit"):
		return CategoryCapacity
	case contains("validation", "invalid", "required"):
		return CategoryValidation
	case contains("connection", "unavailable", "retry"):
		return CategoryTransient
	case contains("permission", "forbidden", "unauthorized"):
		return CategoryPermanent
	default:
		return CategoryUnknown
	}
}

// Message is one captured failed delivery. The original event's routing
// identity and payload are copied in; the message then lives its own
// lifecycle independent of the source log.
type Message struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`

	// origin
	EventID        string            `json:"event_id"`
	Topic          string            `json:"topic"`
	Partition      int               `json:"partition"`
	Offset         uint64            `json:"offset"`
	EventType      string            `json:"event_type,omitempty"`
	Key            string            `json:"key,omitempty"`
	Payload        []byte            `json:"payload,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	SourceService  string            `json:"source_service,omitempty"`

	// failure
	ErrorMessage string        `json:"error_message"`
	ErrorCode    string        `json:"error_code,omitempty"`
	Category     ErrorCategory `json:"category"`

	// retry bookkeeping
	RetryCount    uint32       `json:"retry_count"`
	MaxRetries    uint32       `json:"max_retries"`
	State         MessageState `json:"state"`
	DiscardReason string       `json:"discard_reason,omitempty"`
	FailedAtMs    int64        `json:"failed_at_ms"`
	LastRetryAtMs int64        `json:"last_retry_at_ms,omitempty"`
	NextRetryAtMs int64        `json:"next_retry_at_ms,omitempty"`
	ExpiresAtMs   int64        `json:"expires_at_ms,omitempty"`
}
