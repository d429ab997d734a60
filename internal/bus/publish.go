package bus

import (
	"context"
	"fmt"

	"github.com/veldtlabs/ebus/internal/dlq"
	"github.com/veldtlabs/ebus/internal/sub"
	"github.com/veldtlabs/ebus/internal/topic"
	logpkg "github.com/veldtlabs/ebus/pkg/log"
)

// PublishRequest describes one event to append and deliver. The partition
// is derived from Key; an empty key routes to partition 0.
type PublishRequest struct {
	Topic         string
	Type          string
	Key           string
	Payload       []byte
	Headers       map[string]string
	Priority      topic.Priority
	CorrelationID string
	CausationID   string
	TTLMs         int64
}

// PublishResult reports where the event landed and how fan-out went.
type PublishResult struct {
	EventID   string
	Partition int
	Offset    uint64
	Delivered int
	Failed    int
	Skipped   int
}

// Publish appends the event to its partition, then synchronously invokes
// every matching active subscription. Handler failures are counted and,
// when the subscription has a dead-letter route, captured; they never fail
// the publish itself.
func (b *Bus) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	t, err := b.store.Get(req.Topic)
	if err != nil {
		return nil, err
	}
	part := topic.Assign(req.Key, t.Partitions)
	now := b.nowMs()
	ev := &topic.Event{
		ID:            b.ids.Next().String(),
		Topic:         req.Topic,
		Type:          req.Type,
		Key:           req.Key,
		Payload:       req.Payload,
		Headers:       req.Headers,
		Priority:      req.Priority,
		CorrelationID: req.CorrelationID,
		CausationID:   req.CausationID,
		CreatedAtMs:   now,
	}
	if req.TTLMs > 0 {
		ev.ExpiresAtMs = now + req.TTLMs
	}
	offset, err := b.store.Append(ctx, req.Topic, part, ev)
	if err != nil {
		return nil, err
	}
	b.metrics.EventPublished(req.Topic, part, len(req.Payload))

	res := &PublishResult{EventID: ev.ID, Partition: part, Offset: offset}
	for _, s := range b.subs.ForTopic(req.Topic) {
		if !s.Active() {
			res.Skipped++
			continue
		}
		if s.Group != "" && !b.groups.Owns(s.Group, s.ID, part) {
			res.Skipped++
			continue
		}
		if !s.Matches(ev) {
			res.Skipped++
			continue
		}
		b.deliver(ctx, s, ev, res)
	}
	b.logger.Debug("published",
		logpkg.Str("topic", req.Topic),
		logpkg.Int("partition", part),
		logpkg.Uint64("offset", offset),
		logpkg.Int("delivered", res.Delivered),
		logpkg.Int("failed", res.Failed))
	return res, nil
}

func (b *Bus) deliver(ctx context.Context, s *sub.Subscription, ev *topic.Event, res *PublishResult) {
	// at-most-once commits before the handler runs
	if s.Delivery == sub.DeliverAtMostOnce && s.Ack == sub.AckAuto {
		if _, err := b.subs.Acknowledge(s.ID, ev.Partition, ev.Offset); err != nil {
			b.logger.Warn("pre-ack failed", logpkg.Str("sub", s.ID), logpkg.Err(err))
		}
	}
	err := invokeHandler(ctx, s.Handler, ev)
	if err == nil {
		s.MarkReceived()
		res.Delivered++
		b.metrics.EventDelivered(ev.Topic, true)
		if s.Delivery != sub.DeliverAtMostOnce {
			switch s.Ack {
			case sub.AckAuto:
				if _, err := b.subs.Acknowledge(s.ID, ev.Partition, ev.Offset); err != nil {
					b.logger.Warn("auto-ack failed", logpkg.Str("sub", s.ID), logpkg.Err(err))
				}
			case sub.AckBatch:
				if _, err := b.subs.BatchAck(s.ID, ev.Partition, ev.Offset); err != nil {
					b.logger.Warn("batch-ack failed", logpkg.Str("sub", s.ID), logpkg.Err(err))
				}
			}
		}
		return
	}
	s.MarkRejected()
	res.Failed++
	b.metrics.EventDelivered(ev.Topic, false)
	b.logger.Warn("delivery failed",
		logpkg.Str("sub", s.ID),
		logpkg.Str("topic", ev.Topic),
		logpkg.Uint64("offset", ev.Offset),
		logpkg.Err(err))
	queue := b.deadLetterQueue(s.ID)
	if queue == "" || b.dlq == nil {
		return
	}
	if _, cerr := b.dlq.Capture(ctx, dlq.CaptureRequest{
		Queue:          queue,
		EventID:        ev.ID,
		Topic:          ev.Topic,
		Partition:      ev.Partition,
		Offset:         ev.Offset,
		EventType:      ev.Type,
		Key:            ev.Key,
		Payload:        ev.Payload,
		Headers:        ev.Headers,
		SubscriptionID: s.ID,
		ErrorMessage:   err.Error(),
	}); cerr != nil {
		b.logger.Error("dead-letter capture failed",
			logpkg.Str("queue", queue),
			logpkg.Str("sub", s.ID),
			logpkg.Err(cerr))
	}
}

func invokeHandler(ctx context.Context, h sub.Handler, ev *topic.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
