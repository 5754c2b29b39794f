package key

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Size is the number of bytes in a Key: an 8 byte big endian unix nanosecond
// timestamp followed by an 8 byte big endian sequence number.
const Size = 16

var ErrInvalidKey = errors.New("key: invalid key")

// Key represents a lexicographically sorted entry id.
type Key []byte

// New builds a key from a timestamp and sequence number.
func New(t time.Time, seq uint64) Key {
	k := make([]byte, Size)
	binary.BigEndian.PutUint64(k[:8], uint64(t.UnixNano()))
	binary.BigEndian.PutUint64(k[8:], seq)
	return k
}

// FromBytes validates b and returns a copy of it as a Key.
func FromBytes(b []byte) (Key, error) {
	if len(b) != Size {
		return nil, errors.Wrapf(ErrInvalidKey, "expected %d bytes, got %d", Size, len(b))
	}
	k := make([]byte, Size)
	copy(k, b)
	return k, nil
}

// Parse reads a key printed with String.
func Parse(s string) (Key, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return nil, errors.Wrapf(ErrInvalidKey, "%q", s)
	}
	ts, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKey, "%q: timestamp: %v", s, err)
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKey, "%q: sequence: %v", s, err)
	}
	k := make([]byte, Size)
	binary.BigEndian.PutUint64(k[:8], ts)
	binary.BigEndian.PutUint64(k[8:], seq)
	return k, nil
}

func (k Key) Bytes() []byte {
	return k[:]
}

// UnixNano returns the timestamp part of the key.
func (k Key) UnixNano() int64 {
	return int64(binary.BigEndian.Uint64(k[:8]))
}

// Time returns the timestamp part of the key.
func (k Key) Time() time.Time {
	return time.Unix(0, k.UnixNano())
}

// Seq returns the sequence part of the key.
func (k Key) Seq() uint64 {
	return binary.BigEndian.Uint64(k[8:])
}

func (k Key) String() string {
	if len(k) != Size {
		return fmt.Sprintf("invalid(%x)", []byte(k))
	}
	return fmt.Sprintf("%d.%d", binary.BigEndian.Uint64(k[:8]), k.Seq())
}

// Generator hands out strictly increasing keys for a single queue.
//
// The timestamp never moves backwards (a wall clock that steps back reuses
// the last timestamp) and the sequence always increments, so two keys taken
// within the same clock tick still sort in the order they were generated.
type Generator struct {
	mu     sync.Mutex
	lastTS int64
	seq    uint64
}

// NewGenerator creates a Generator that will only return keys greater than
// last. Pass nil when the queue is empty.
func NewGenerator(last Key) *Generator {
	g := &Generator{}
	if len(last) == Size {
		g.lastTS = last.UnixNano()
		g.seq = last.Seq()
	}
	return g
}

// Next returns the next key for a push happening at now.
func (g *Generator) Next(now time.Time) Key {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := now.UnixNano()
	if ts < g.lastTS {
		ts = g.lastTS
	}
	g.lastTS = ts
	g.seq++
	return New(time.Unix(0, ts), g.seq)
}
