package memory

import "github.com/cockroachdb/errors"

// WordSize is the granule of a reservation.
const WordSize = 8

// Reservation is a zero-filled block of memory viewed as 64-bit words.
type Reservation struct {
	words   []uint64
	release func() error
}

// Reserve maps size bytes of zeroed memory. size is rounded up to a whole
// number of words.
func Reserve(size uint64) (*Reservation, error) {
	if size == 0 {
		return nil, errors.New("memory: empty reservation")
	}
	n := (size + WordSize - 1) / WordSize
	words, release, err := mapWords(n)
	if err != nil {
		return nil, errors.Wrapf(err, "memory: reserve %d bytes", size)
	}
	return &Reservation{words: words, release: release}, nil
}

func (r *Reservation) Words() []uint64 { return r.words }
func (r *Reservation) Size() uint64    { return uint64(len(r.words)) * WordSize }

// Close unmaps the reservation. The words must no longer be used.
func (r *Reservation) Close() error {
	if r.release == nil {
		return nil
	}
	err := r.release()
	r.release = nil
	r.words = nil
	return err
}
