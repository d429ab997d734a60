package topic

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/pebble"
)

// TrimOlderThan deletes entries created before cutoffMs and advances the low
// watermark past them. Deletes are committed in batches of up to batchLimit
// keys with an optional throttle between commits. The scan stops at the
// first entry newer than the cutoff, so it only ever removes a prefix of the
// log and never opens an offset gap in the retained range.
// Returns the number of deleted entries.
func (p *Partition) TrimOlderThan(ctx context.Context, cutoffMs int64, batchLimit int, throttle time.Duration) (int, error) {
	if batchLimit <= 0 {
		batchLimit = 1024
	}
	low := KeyEntry(p.topic, uint32(p.index), 0)
	hi := append(KeyEntry(p.topic, uint32(p.index), ^uint64(0)), 0x00)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	deleted := 0
	for ok := iter.First(); ok; {
		b := p.db.NewBatch()
		n := 0
		var lastDeleted uint64
		for ok && n < batchLimit {
			k := iter.Key()
			offset := binary.BigEndian.Uint64(k[len(k)-8:])
			ev, okDec := decodeEvent(p.topic, p.index, offset, iter.Value())
			if okDec && ev.CreatedAtMs >= cutoffMs {
				ok = false
				break
			}
			if err := b.Delete(k, nil); err != nil {
				b.Close()
				return deleted, err
			}
			lastDeleted = offset
			deleted++
			n++
			ok = iter.Next()
		}
		if n == 0 {
			b.Close()
			break
		}
		p.mu.Lock()
		if lastDeleted+1 > p.low {
			p.low = lastDeleted + 1
		}
		if err := b.Set(KeyPartitionMeta(p.topic, uint32(p.index)), p.metaValue(), nil); err != nil {
			p.mu.Unlock()
			b.Close()
			return deleted, err
		}
		if err := p.db.CommitBatch(ctx, b); err != nil {
			p.mu.Unlock()
			b.Close()
			return deleted, err
		}
		p.mu.Unlock()
		b.Close()
		if throttle > 0 {
			time.Sleep(throttle)
		}
	}
	return deleted, nil
}
