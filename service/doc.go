// Package service is the single entry point mutators use to touch the heap.
//
// It serialises allocation and pointer stores with collections, escalates
// young -> mixed -> full on allocation failure, grows the old space before
// giving up, and records every finished cycle in the journal and metrics.
package service
