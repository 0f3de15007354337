package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// -------------------- State --------------------

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotFound is returned by Get for a cycle that was never appended or
// has been pruned.
var ErrNotFound = errors.New("journal: record not found")

// -------------------- Record --------------------

// Record is one collection cycle waiting to be published.
type Record struct {
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

const headerLen = 1 + 4 + 8

// binary encoding: [state:1][retries:4][lastAttempt:8][payload...]
func encodeRecord(r Record) []byte {
	buf := make([]byte, headerLen+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	copy(buf[headerLen:], r.Payload)
	return buf
}

func decodeRecord(seq uint64, b []byte) (Record, error) {
	if len(b) < headerLen {
		return Record{}, errors.Newf("journal: record %d is %d bytes", seq, len(b))
	}
	return Record{
		Seq:         seq,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     append([]byte(nil), b[headerLen:]...),
	}, nil
}

// -------------------- Journal --------------------

// Journal is a durable outbox of cycle records keyed by cycle ID.
type Journal struct {
	db  *pebble.DB
	now func() time.Time
}

func Open(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "journal: open %s", dir)
	}
	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// -------------------- API --------------------

// Append stores a NEW record for cycle seq and raises the high-water mark
// that LastSeq reports, even once the record is pruned.
func (j *Journal) Append(seq uint64, payload []byte) error {
	hw, err := j.highWater()
	if err != nil {
		return err
	}

	b := j.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyFor(seq), encodeRecord(Record{Seq: seq, State: StateNew, Payload: payload}), nil); err != nil {
		return errors.Wrapf(err, "journal: write cycle %d", seq)
	}
	if seq > hw {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], seq)
		if err := b.Set([]byte(highWaterKey), v[:], nil); err != nil {
			return errors.Wrapf(err, "journal: write cycle %d", seq)
		}
	}
	return errors.Wrapf(b.Commit(pebble.Sync), "journal: write cycle %d", seq)
}

func (j *Journal) MarkSent(seq uint64) error {
	return j.transition(seq, StateSent)
}

func (j *Journal) MarkAcked(seq uint64) error {
	return j.transition(seq, StateAcked)
}

// MarkFailed records a failed publish attempt and moves the record back
// to NEW unless it has used up maxRetries, in which case it stays FAILED.
func (j *Journal) MarkFailed(seq uint64, maxRetries uint32) error {
	rec, err := j.Get(seq)
	if err != nil {
		return err
	}
	rec.Retries++
	rec.LastAttempt = j.now().UnixNano()
	rec.State = StateNew
	if rec.Retries >= maxRetries {
		rec.State = StateFailed
	}
	return j.put(rec)
}

func (j *Journal) transition(seq uint64, state State) error {
	rec, err := j.Get(seq)
	if err != nil {
		return err
	}
	rec.State = state
	rec.LastAttempt = j.now().UnixNano()
	return j.put(rec)
}

func (j *Journal) put(rec Record) error {
	if err := j.db.Set(keyFor(rec.Seq), encodeRecord(rec), pebble.Sync); err != nil {
		return errors.Wrapf(err, "journal: write cycle %d", rec.Seq)
	}
	return nil
}

// Get returns the current record for a cycle.
func (j *Journal) Get(seq uint64) (Record, error) {
	val, closer, err := j.db.Get(keyFor(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, errors.Wrapf(ErrNotFound, "cycle %d", seq)
	}
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()

	return decodeRecord(seq, val)
}

// Delete removes a record.
func (j *Journal) Delete(seq uint64) error {
	return j.db.Delete(keyFor(seq), pebble.Sync)
}

// PruneAcked deletes every ACKED record in one batch and returns how many
// were removed.
func (j *Journal) PruneAcked() (int, error) {
	b := j.db.NewBatch()
	defer b.Close()

	n := 0
	err := j.ScanByState(StateAcked, func(rec Record) error {
		n++
		return b.Delete(keyFor(rec.Seq), nil)
	})
	if err != nil || n == 0 {
		return 0, err
	}
	return n, b.Commit(pebble.Sync)
}

// -------------------- Scan --------------------

// ScanByState iterates all records in the given state in cycle order.
// This is used by the broadcaster.
func (j *Journal) ScanByState(state State, fn func(rec Record) error) error {
	return j.scan(func(rec Record) error {
		if rec.State != state {
			return nil
		}
		return fn(rec)
	})
}

// ScanPending iterates NEW and SENT records in cycle order. A SENT record
// was handed to the broker but never acknowledged.
func (j *Journal) ScanPending(fn func(rec Record) error) error {
	return j.scan(func(rec Record) error {
		if rec.State != StateNew && rec.State != StateSent {
			return nil
		}
		return fn(rec)
	})
}

func (j *Journal) scan(fn func(rec Record) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(seq, iter.Value())
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// LastSeq returns the highest cycle ID ever appended, or 0 for an empty
// journal. Pruning does not lower it. The runtime resumes its cycle
// sequencer from it.
func (j *Journal) LastSeq() (uint64, error) {
	hw, err := j.highWater()
	if err != nil {
		return 0, err
	}

	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return hw, iter.Error()
	}
	last, err := parseKey(iter.Key())
	if err != nil {
		return 0, err
	}
	return max(hw, last), nil
}

func (j *Journal) highWater() (uint64, error) {
	val, closer, err := j.db.Get([]byte(highWaterKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "journal: read high-water mark")
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, errors.Newf("journal: high-water mark is %d bytes", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

// Counts returns the number of records per state.
func (j *Journal) Counts() (map[State]int, error) {
	counts := map[State]int{}
	err := j.scan(func(rec Record) error {
		counts[rec.State]++
		return nil
	})
	return counts, err
}

// -------------------- Helpers --------------------

const (
	keyPrefix    = "cycle/"
	highWaterKey = "meta/last-seq"
)

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf(keyPrefix+"%020d", seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	if _, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte(keyPrefix))), "%d", &seq); err != nil {
		return 0, errors.Wrapf(err, "journal: bad key %q", b)
	}
	return seq, nil
}
