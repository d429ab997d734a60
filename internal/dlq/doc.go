// Package dlq implements dead-letter queues for failed deliveries: capture
// with error classification, retry with pluggable backoff strategies,
// discard, expiry, error-pattern aggregation, and threshold alert rules.
//
// Captured messages are persisted in Pebble and rehydrated on open:
//   - dlq/q/{name}     (queue metadata, JSON)
//   - dlq/m/{name}/{id} (message records, JSON)
//
// A message may only be retried while pending, and never by two callers at
// once; the manager keeps an in-flight processing set keyed by message id.
package dlq
