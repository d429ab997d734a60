package bus

import (
	"context"
	"fmt"

	"github.com/veldtlabs/ebus/internal/dlq"
	"github.com/veldtlabs/ebus/internal/topic"
)

// Reprocess re-runs a dead-lettered message through its original
// subscription's handler. It satisfies the dead-letter manager's
// Reprocessor interface.
func (b *Bus) Reprocess(ctx context.Context, msg *dlq.Message) error {
	s, err := b.subs.Get(msg.SubscriptionID)
	if err != nil {
		return fmt.Errorf("reprocess %q: %w", msg.ID, err)
	}
	if !s.Active() {
		return fmt.Errorf("reprocess %q: subscription %s inactive", msg.ID, s.ID)
	}
	ev := &topic.Event{
		ID:        msg.EventID,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Type:      msg.EventType,
		Key:       msg.Key,
		Payload:   msg.Payload,
		Headers:   msg.Headers,
	}
	if err := invokeHandler(ctx, s.Handler, ev); err != nil {
		return err
	}
	s.MarkReceived()
	return nil
}
