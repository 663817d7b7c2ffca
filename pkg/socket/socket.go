// Package socket is the socket table: connections indexed by socket ID.
package socket

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

type Status int

// A socket leaves the table when its connection terminates, so there is no
// closed status.
const (
	Listen Status = iota
	SynSent
	Established
)

func (s Status) String() string {
	switch s {
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case Established:
		return "ESTABLISHED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Entry is one row of the table.
type Entry[T any] struct {
	SID    int
	Status Status
	Conn   T
}

// Table hands out socket IDs in increasing order and keeps its entries
// sorted by them. It is safe for concurrent use.
type Table[T any] struct {
	mu      sync.Mutex
	entries *btree.BTreeG[Entry[T]]
	nextSID int
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{
		entries: btree.NewG(8, func(a, b Entry[T]) bool { return a.SID < b.SID }),
	}
}

// Insert adds conn and returns its socket ID.
func (t *Table[T]) Insert(status Status, conn T) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	sid := t.nextSID
	t.nextSID++
	t.entries.ReplaceOrInsert(Entry[T]{SID: sid, Status: status, Conn: conn})
	return sid
}

// Update replaces the connection and status of an existing entry.
func (t *Table[T]) Update(sid int, status Status, conn T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries.Get(Entry[T]{SID: sid}); !ok {
		return false
	}
	t.entries.ReplaceOrInsert(Entry[T]{SID: sid, Status: status, Conn: conn})
	return true
}

func (t *Table[T]) Get(sid int) (Entry[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Get(Entry[T]{SID: sid})
}

func (t *Table[T]) Remove(sid int) (Entry[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Delete(Entry[T]{SID: sid})
}

// List returns every entry ordered by socket ID.
func (t *Table[T]) List() []Entry[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry[T], 0, t.entries.Len())
	t.entries.Ascend(func(e Entry[T]) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len()
}
