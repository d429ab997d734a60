package bus

import (
	"context"

	"github.com/veldtlabs/ebus/internal/topic"
)

const replayBatch = 256

// Replay reads a partition's retained events from the given offset and
// feeds them to fn in order. A non-nil error from fn stops the replay.
// limit <= 0 replays to the current high watermark.
func (b *Bus) Replay(ctx context.Context, topicName string, partition int, from uint64, limit int, fn func(*topic.Event) error) (int, error) {
	p, err := b.store.Partition(topicName, partition)
	if err != nil {
		return 0, err
	}
	if from < p.LowWatermark() {
		from = p.LowWatermark()
	}
	end := p.HighWatermark()
	total := 0
	for from < end {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n := replayBatch
		if limit > 0 && limit-total < n {
			n = limit - total
		}
		if n <= 0 {
			break
		}
		evs, err := p.ReadRange(from, end, n)
		if err != nil {
			return total, err
		}
		if len(evs) == 0 {
			break
		}
		for _, ev := range evs {
			if err := fn(ev); err != nil {
				return total, err
			}
			total++
		}
		from = evs[len(evs)-1].Offset + 1
	}
	return total, nil
}

// ReplayToSubscription re-delivers retained events to one subscription,
// honoring its filters. The subscription's cursor is not advanced; replay
// is a side channel, not consumption.
func (b *Bus) ReplayToSubscription(ctx context.Context, subscriptionID string, partition int, from uint64, limit int) (int, error) {
	s, err := b.subs.Get(subscriptionID)
	if err != nil {
		return 0, err
	}
	delivered := 0
	_, err = b.Replay(ctx, s.Topic, partition, from, limit, func(ev *topic.Event) error {
		if !s.Matches(ev) {
			return nil
		}
		if herr := invokeHandler(ctx, s.Handler, ev); herr != nil {
			return herr
		}
		delivered++
		return nil
	})
	return delivered, err
}
