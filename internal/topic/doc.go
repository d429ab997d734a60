// Package topic implements the topic/partition store: named topics split
// into append-only partition logs persisted in Pebble.
//
// Keys are lexicographically ordered for range scans:
//   - t/{topic}/meta                     (topic metadata, JSON)
//   - t/{topic}/p/{part_be4}/m           (partition watermarks + counters)
//   - t/{topic}/p/{part_be4}/e/{off_be8} (entries)
//   - t/{topic}/cur/{owner}/{part_be4}   (committed-offset cursors)
//
// Entries are stored as: uvarint(metaLen) | meta | payload | crc32c(meta|payload),
// where meta is the JSON-encoded event envelope without the payload.
//
// Offsets are zero-based and gap-free per partition: the high watermark is
// the next offset to assign, the low watermark the oldest retained offset.
// Append order equals offset order; that is the only ordering guarantee the
// bus gives.
package topic
