package topic

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/veldtlabs/ebus/internal/storage/pebble"
)

// Partition is one append-only sub-log of a topic. Offsets are zero-based
// and assigned strictly in append-call order under the partition mutex.
type Partition struct {
	db    *pebblestore.DB
	topic string
	index int

	mu       sync.Mutex
	low      uint64 // oldest retained offset
	high     uint64 // next offset to assign
	messages uint64
	bytes    uint64
	notifyCh chan struct{}
}

// partition meta value: high(8) | low(8) | messages(8) | bytes(8)
const partMetaLen = 32

func openPartition(db *pebblestore.DB, topic string, index int) (*Partition, error) {
	p := &Partition{db: db, topic: topic, index: index, notifyCh: make(chan struct{})}
	meta, err := db.Get(KeyPartitionMeta(topic, uint32(index)))
	if err == nil && len(meta) >= partMetaLen {
		p.high = binary.BigEndian.Uint64(meta[0:8])
		p.low = binary.BigEndian.Uint64(meta[8:16])
		p.messages = binary.BigEndian.Uint64(meta[16:24])
		p.bytes = binary.BigEndian.Uint64(meta[24:32])
	}
	return p, nil
}

// Index returns the partition number within its topic.
func (p *Partition) Index() int { return p.index }

// HighWatermark returns the next offset to assign.
func (p *Partition) HighWatermark() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.high
}

// LowWatermark returns the oldest retained offset.
func (p *Partition) LowWatermark() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.low
}

// Counts returns the cumulative message and byte counters.
func (p *Partition) Counts() (messages, bytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages, p.bytes
}

func (p *Partition) metaValue() []byte {
	var meta [partMetaLen]byte
	binary.BigEndian.PutUint64(meta[0:8], p.high)
	binary.BigEndian.PutUint64(meta[8:16], p.low)
	binary.BigEndian.PutUint64(meta[16:24], p.messages)
	binary.BigEndian.PutUint64(meta[24:32], p.bytes)
	return meta[:]
}

// Append assigns the next offset to ev, persists entry and watermarks in one
// atomic batch, and wakes blocked tail readers. ev.Partition and ev.Offset
// are filled in on success.
func (p *Partition) Append(ctx context.Context, ev *Event) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset := p.high
	ev.Partition = p.index
	ev.Offset = offset
	val, err := encodeEvent(ev)
	if err != nil {
		return 0, err
	}

	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(KeyEntry(p.topic, uint32(p.index), offset), val, nil); err != nil {
		return 0, err
	}
	p.high++
	p.messages++
	p.bytes += uint64(len(ev.Payload))
	if err := b.Set(KeyPartitionMeta(p.topic, uint32(p.index)), p.metaValue(), nil); err != nil {
		p.rollback(offset, uint64(len(ev.Payload)))
		return 0, err
	}
	if err := p.db.CommitBatch(ctx, b); err != nil {
		p.rollback(offset, uint64(len(ev.Payload)))
		return 0, err
	}

	close(p.notifyCh)
	p.notifyCh = make(chan struct{})
	return offset, nil
}

// AppendBatch appends all events in one atomic batch: either every event
// receives consecutive offsets or none is stored. Returns the offset of the
// first event.
func (p *Partition) AppendBatch(ctx context.Context, evs []*Event) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	first := p.high
	var size uint64
	b := p.db.NewBatch()
	defer b.Close()
	for i, ev := range evs {
		ev.Partition = p.index
		ev.Offset = first + uint64(i)
		val, err := encodeEvent(ev)
		if err != nil {
			return 0, err
		}
		if err := b.Set(KeyEntry(p.topic, uint32(p.index), ev.Offset), val, nil); err != nil {
			return 0, err
		}
		size += uint64(len(ev.Payload))
	}
	p.high += uint64(len(evs))
	p.messages += uint64(len(evs))
	p.bytes += size
	if err := b.Set(KeyPartitionMeta(p.topic, uint32(p.index)), p.metaValue(), nil); err != nil {
		p.rollbackN(first, uint64(len(evs)), size)
		return 0, err
	}
	if err := p.db.CommitBatch(ctx, b); err != nil {
		p.rollbackN(first, uint64(len(evs)), size)
		return 0, err
	}

	close(p.notifyCh)
	p.notifyCh = make(chan struct{})
	return first, nil
}

func (p *Partition) rollbackN(first, n, size uint64) {
	p.high = first
	p.messages -= n
	p.bytes -= size
}

func (p *Partition) rollback(offset, size uint64) {
	p.high = offset
	p.messages--
	p.bytes -= size
}

// ReadRange returns events with from <= offset < to, in offset order.
// to == 0 means "up to the high watermark". limit == 0 means no limit.
// ReadRange never mutates state; replay is a pure function of the stored log.
func (p *Partition) ReadRange(from, to uint64, limit int) ([]*Event, error) {
	low := KeyEntry(p.topic, uint32(p.index), from)
	var hi []byte
	if to > 0 {
		hi = KeyEntry(p.topic, uint32(p.index), to)
	} else {
		hi = append(KeyEntry(p.topic, uint32(p.index), ^uint64(0)), 0x00)
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Event
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		offset := binary.BigEndian.Uint64(k[len(k)-8:])
		ev, okDec := decodeEvent(p.topic, p.index, offset, iter.Value())
		if !okDec {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// WaitForAppend blocks until a new append occurs or timeout elapses.
// It returns true if woken by an append, false on timeout.
func (p *Partition) WaitForAppend(timeout time.Duration) bool {
	p.mu.Lock()
	ch := p.notifyCh
	p.mu.Unlock()
	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}
