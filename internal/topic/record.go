package topic

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
)

// Entry encoding: uvarint metaLen | meta | payload | crc32c(meta|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeEntry frames envelope metadata and payload with a crc32c trailer.
func EncodeEntry(meta, payload []byte) []byte {
	out := make([]byte, 0, 10+len(meta)+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(meta)))
	out = append(out, tmp[:n]...)
	out = append(out, meta...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, meta)
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	out = append(out, crcb[:]...)
	return out
}

// DecodeEntry splits and checksum-verifies an encoded entry.
func DecodeEntry(b []byte) (meta, payload []byte, ok bool) {
	if len(b) < 1+4 {
		return nil, nil, false
	}
	mlen, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, false
	}
	if n+int(mlen)+4 > len(b) {
		return nil, nil, false
	}
	meta = b[n : n+int(mlen)]
	payload = b[n+int(mlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, meta)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return nil, nil, false
	}
	return append([]byte(nil), meta...), append([]byte(nil), payload...), true
}

// encodeEvent serializes an Event for storage.
func encodeEvent(ev *Event) ([]byte, error) {
	meta, err := json.Marshal(envelope{
		ID:            ev.ID,
		Type:          ev.Type,
		Key:           ev.Key,
		Headers:       ev.Headers,
		Priority:      ev.Priority,
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.CausationID,
		CreatedAtMs:   ev.CreatedAtMs,
		ExpiresAtMs:   ev.ExpiresAtMs,
	})
	if err != nil {
		return nil, err
	}
	return EncodeEntry(meta, ev.Payload), nil
}

// decodeEvent rebuilds an Event from a stored entry. Topic, partition and
// offset come from the key, not the value.
func decodeEvent(topic string, partition int, offset uint64, value []byte) (*Event, bool) {
	meta, payload, ok := DecodeEntry(value)
	if !ok {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(meta, &env); err != nil {
		return nil, false
	}
	return &Event{
		ID:            env.ID,
		Topic:         topic,
		Partition:     partition,
		Offset:        offset,
		Type:          env.Type,
		Key:           env.Key,
		Payload:       payload,
		Headers:       env.Headers,
		Priority:      env.Priority,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		CreatedAtMs:   env.CreatedAtMs,
		ExpiresAtMs:   env.ExpiresAtMs,
	}, true
}
