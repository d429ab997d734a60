// Package sub implements the subscription registry: standalone and grouped
// subscriptions, their delivery/ack modes, filters, counters, and durable
// committed offsets.
package sub

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/veldtlabs/ebus/internal/topic"
)

// DeliveryMode only changes retry/ack behavior, never transport.
type DeliveryMode string

const (
	DeliverAtMostOnce  DeliveryMode = "at-most-once"
	DeliverAtLeastOnce DeliveryMode = "at-least-once"
	DeliverExactlyOnce DeliveryMode = "exactly-once"
)

// AckMode controls how committed offsets advance.
type AckMode string

const (
	AckAuto   AckMode = "auto"
	AckManual AckMode = "manual"
	AckBatch  AckMode = "batch"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInactive             = errors.New("subscription inactive")
)

// Handler processes one delivered event. A non-nil error routes the event to
// the dead-letter manager. Handlers must be idempotent under at-least-once
// delivery.
type Handler func(ctx context.Context, ev *topic.Event) error

// Subscription is one consumer of a topic.
type Subscription struct {
	ID       string
	Topic    string
	Group    string
	Delivery DeliveryMode
	Ack      AckMode
	Handler  Handler

	types     map[string]struct{}
	keySubstr string
	filter    celFilter

	batchSize int

	mu        sync.Mutex
	active    bool
	committed map[int]uint64 // partition -> committed offset, exclusive
	pending   map[int]uint64 // partition -> highest buffered ack, inclusive
	pendingN  int
	received  uint64
	acked     uint64
	rejected  uint64
}

// CursorOwner is the key the committed offsets are stored under: the group
// name for grouped subscriptions (shared progress), the subscription id
// otherwise.
func (s *Subscription) CursorOwner() string {
	if s.Group != "" {
		return s.Group
	}
	return s.ID
}

// Active reports whether the subscription still receives fan-out.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Committed returns the exclusive committed offset for a partition.
func (s *Subscription) Committed(partition int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[partition]
}

// Counters returns the received/acknowledged/rejected totals.
func (s *Subscription) Counters() (received, acked, rejected uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received, s.acked, s.rejected
}

// Matches applies the subscription's filters in order: event-type set, key
// substring, then the optional CEL expression.
func (s *Subscription) Matches(ev *topic.Event) bool {
	if len(s.types) > 0 {
		if _, ok := s.types[ev.Type]; !ok {
			return false
		}
	}
	if s.keySubstr != "" && !strings.Contains(ev.Key, s.keySubstr) {
		return false
	}
	return s.filter.Eval(ev)
}

func (s *Subscription) incReceived() {
	s.mu.Lock()
	s.received++
	s.mu.Unlock()
}

func (s *Subscription) incAcked() {
	s.mu.Lock()
	s.acked++
	s.mu.Unlock()
}

func (s *Subscription) incRejected() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

// MarkReceived records a successful handler invocation.
func (s *Subscription) MarkReceived() { s.incReceived() }

// MarkRejected records a failed handler invocation.
func (s *Subscription) MarkRejected() { s.incRejected() }
