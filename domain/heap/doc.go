// Package heap implements the region-partitioned heap the collectors operate on:
// the simulated address space, regions and their mark bitsets and remembered sets,
// the bump, free-list and thread-local allocators, and the write barrier.
//
// Every object starts with a MarkWord. Object sizes and reference layouts come
// from an ObjectModel supplied by the runtime; the heap itself only knows the
// built-in filler shapes used to keep regions parseable.
package heap
