package bus

// Acknowledge commits the given offset for a subscription's cursor. It
// returns true when the cursor advanced; re-acknowledging an older offset
// is a no-op.
func (b *Bus) Acknowledge(subscriptionID string, partition int, offset uint64) (bool, error) {
	return b.subs.Acknowledge(subscriptionID, partition, offset)
}

// FlushAcks commits any acknowledgements an AckBatch subscription has
// buffered below its batch threshold.
func (b *Bus) FlushAcks(subscriptionID string) error {
	return b.subs.FlushAcks(subscriptionID)
}

// Lag reports, per partition, how many events a subscription has yet to
// acknowledge: high watermark minus committed offset.
func (b *Bus) Lag(subscriptionID string) (map[int]uint64, error) {
	s, err := b.subs.Get(subscriptionID)
	if err != nil {
		return nil, err
	}
	t, err := b.store.Get(s.Topic)
	if err != nil {
		return nil, err
	}
	out := make(map[int]uint64, t.Partitions)
	for i := 0; i < t.Partitions; i++ {
		p, err := b.store.Partition(s.Topic, i)
		if err != nil {
			return nil, err
		}
		high := p.HighWatermark()
		committed := s.Committed(i)
		if committed > high {
			committed = high
		}
		out[i] = high - committed
	}
	return out, nil
}
