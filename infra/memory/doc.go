// Package memory provides the low-level primitives the collector builds on:
// the anonymous mapping that backs the heap reservation, a padded SPSC ring
// for retired regions, epoch tracking for safe region reuse and a typed
// object pool.
package memory
