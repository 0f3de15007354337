// Package journal is a pebble-backed outbox of finished collection cycles.
// Records move NEW -> SENT -> ACKED as the broadcaster publishes them; a
// failed publish sends the record back to NEW until it runs out of retries.
package journal
