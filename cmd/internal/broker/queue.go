package broker

import (
	"slices"
	"time"
)

// WaitQueue holds clients waiting for a random match.
// A connection id appears at most once. It is owned by the broker loop.
type WaitQueue struct {
	entries []WaitEntry
	nextSeq uint64
}

// NewWaitQueue constructs an empty WaitQueue.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{}
}

// Add inserts an entry for id, replacing any existing one with a fresh timestamp.
func (q *WaitQueue) Add(id, address string, now time.Time) WaitEntry {
	q.Remove(id)

	q.nextSeq++
	e := WaitEntry{
		ConnID:   id,
		Address:  address,
		JoinedAt: now,
		seq:      q.nextSeq,
	}
	q.entries = append(q.entries, e)
	return e
}

// Remove deletes the entry for id and reports whether one existed.
func (q *WaitQueue) Remove(id string) bool {
	i := q.index(id)
	if i < 0 {
		return false
	}
	q.entries = slices.Delete(q.entries, i, i+1)
	return true
}

// Contains reports whether id is waiting.
func (q *WaitQueue) Contains(id string) bool {
	return q.index(id) >= 0
}

// Len returns the number of waiting entries.
func (q *WaitQueue) Len() int { return len(q.entries) }

// Oldest returns the two entries with the smallest JoinedAt, ties broken by insertion order.
// ok is false when fewer than two entries are waiting.
func (q *WaitQueue) Oldest() (first, second WaitEntry, ok bool) {
	if len(q.entries) < 2 {
		return WaitEntry{}, WaitEntry{}, false
	}

	first, second = q.entries[0], q.entries[1]
	if waitsLonger(second, first) {
		first, second = second, first
	}
	for _, e := range q.entries[2:] {
		switch {
		case waitsLonger(e, first):
			first, second = e, first
		case waitsLonger(e, second):
			second = e
		}
	}
	return first, second, true
}

// Entries returns a copy of the queue in FIFO order.
func (q *WaitQueue) Entries() []WaitEntry {
	out := slices.Clone(q.entries)
	slices.SortFunc(out, func(a, b WaitEntry) int {
		switch {
		case waitsLonger(a, b):
			return -1
		case waitsLonger(b, a):
			return 1
		default:
			return 0
		}
	})
	return out
}

func (q *WaitQueue) index(id string) int {
	return slices.IndexFunc(q.entries, func(e WaitEntry) bool { return e.ConnID == id })
}

// waitsLonger orders entries by JoinedAt, then by insertion sequence.
func waitsLonger(a, b WaitEntry) bool {
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.seq < b.seq
}
