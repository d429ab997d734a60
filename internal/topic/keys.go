package topic

import (
	"encoding/binary"
)

var (
	sep         = byte('/')
	topicPrefix = []byte("t/")
	metaSuffix  = []byte("/meta")
	partSeg     = []byte("/p/")
	entrySeg    = []byte("/e/")
	cursorSeg   = []byte("/cur/")
	partMetaSfx = []byte("/m")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyTopicMeta builds the topic metadata key.
func KeyTopicMeta(name string) []byte {
	k := make([]byte, 0, len(name)+8)
	k = append(k, topicPrefix...)
	k = append(k, name...)
	k = append(k, metaSuffix...)
	return k
}

// KeyPartitionMeta builds the partition watermark/counter key.
func KeyPartitionMeta(topic string, partition uint32) []byte {
	k := make([]byte, 0, len(topic)+16)
	k = append(k, topicPrefix...)
	k = append(k, topic...)
	k = append(k, partSeg...)
	k = appendBE4(k, partition)
	k = append(k, partMetaSfx...)
	return k
}

// KeyEntry builds an entry key with a big-endian offset for ordered scans.
func KeyEntry(topic string, partition uint32, offset uint64) []byte {
	k := make([]byte, 0, len(topic)+28)
	k = append(k, topicPrefix...)
	k = append(k, topic...)
	k = append(k, partSeg...)
	k = appendBE4(k, partition)
	k = append(k, entrySeg...)
	k = appendBE8(k, offset)
	return k
}

// KeyCursor builds the durable committed-offset key for a cursor owner
// (consumer-group name, or subscription id for standalone subscriptions).
func KeyCursor(topic, owner string, partition uint32) []byte {
	k := make([]byte, 0, len(topic)+len(owner)+16)
	k = append(k, topicPrefix...)
	k = append(k, topic...)
	k = append(k, cursorSeg...)
	k = append(k, owner...)
	k = append(k, sep)
	k = appendBE4(k, partition)
	return k
}

// KeyTopicPrefix returns the range prefix covering all keys of a topic.
func KeyTopicPrefix(topic string) []byte {
	k := make([]byte, 0, len(topic)+4)
	k = append(k, topicPrefix...)
	k = append(k, topic...)
	k = append(k, sep)
	return k
}

// prefixUpperBound returns an exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xFF)
}
