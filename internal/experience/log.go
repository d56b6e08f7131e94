package experience

import (
	"sync/atomic"
	"time"
)

// #region log
// DefaultCapacity is used when NewLog is given a non-positive capacity.
const DefaultCapacity = 1 << 16

// Log is a fixed-capacity ring of Entries. Append claims a sequence number
// with one atomic add and publishes with one atomic pointer store, so writers
// never wait on each other or on readers. Once full, each append overwrites
// the oldest slot.
type Log struct {
	slots []atomic.Pointer[Entry]
	mask  uint64
	head  atomic.Uint64 // last claimed seq; seqs start at 1
}

// NewLog creates a log holding capacity entries, rounded up to a power of two.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Log{
		slots: make([]atomic.Pointer[Entry], n),
		mask:  uint64(n - 1),
	}
}

// Cap returns the ring capacity.
func (l *Log) Cap() int {
	return len(l.slots)
}

// #endregion log

// #region append
// Append stores a copy of e and returns its sequence number. Seq is assigned
// here; Timestamp is filled in when zero.
func (l *Log) Append(e Entry) uint64 {
	seq := l.head.Add(1)
	e.Seq = seq
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixNano()
	}
	l.slots[(seq-1)&l.mask].Store(&e)
	return seq
}

// #endregion append

// #region reads
// Head returns the most recently claimed sequence number (0 when empty).
func (l *Log) Head() uint64 {
	return l.head.Load()
}

// Len returns how many entries the ring currently spans.
func (l *Log) Len() int {
	h := l.head.Load()
	if h > uint64(len(l.slots)) {
		return len(l.slots)
	}
	return int(h)
}

// Dropped returns how many entries have been overwritten.
func (l *Log) Dropped() uint64 {
	h := l.head.Load()
	if h <= uint64(len(l.slots)) {
		return 0
	}
	return h - uint64(len(l.slots))
}

// Get returns the entry with sequence seq if it is still in the ring and
// fully published.
func (l *Log) Get(seq uint64) (Entry, bool) {
	if seq == 0 {
		return Entry{}, false
	}
	p := l.slots[(seq-1)&l.mask].Load()
	if p == nil || p.Seq != seq {
		return Entry{}, false
	}
	return *p, true
}

// Range returns entries with from <= Seq <= to in order. Slots that were
// overwritten or are still being written are skipped; a returned entry is
// always complete.
func (l *Log) Range(from, to uint64) []Entry {
	head := l.head.Load()
	if to > head {
		to = head
	}
	if oldest := l.oldest(head); from < oldest {
		from = oldest
	}
	if from == 0 {
		from = 1
	}
	if to < from {
		return nil
	}
	out := make([]Entry, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		if e, ok := l.Get(seq); ok {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot returns every live entry in sequence order.
func (l *Log) Snapshot() []Entry {
	return l.Range(0, l.head.Load())
}

// Recent returns up to n of the newest live entries in sequence order.
func (l *Log) Recent(n int) []Entry {
	head := l.head.Load()
	if n <= 0 || head == 0 {
		return nil
	}
	from := uint64(1)
	if head > uint64(n) {
		from = head - uint64(n) + 1
	}
	return l.Range(from, head)
}

func (l *Log) oldest(head uint64) uint64 {
	if head <= uint64(len(l.slots)) {
		return 1
	}
	return head - uint64(len(l.slots)) + 1
}

// #endregion reads
