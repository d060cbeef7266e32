package state

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrDuplicate is returned when a sequence number already has a live entry.
	ErrDuplicate = errors.New("state: sequence already tracked")
	// ErrFull is returned when every slot of the list is in use.
	ErrFull = errors.New("state: list full")
)

// Handle addresses one entry of a List. A handle outlives its entry
// safely: once the entry is removed every operation through the old
// handle is a no-op.
type Handle struct {
	slot uint32
	gen  uint32
}

// Valid reports whether h was ever returned by Insert.
func (h Handle) Valid() bool { return h.gen != 0 }

// slot is one arena cell. word packs gen<<32 | state so a transition
// validates the generation and the expected state in one CAS.
type slot[T any] struct {
	word  atomic.Uint64
	seq   uint32
	owner T
	live  bool
}

// List is a fixed-capacity, insertion-ordered set of state entries.
//
// Thread-safety:
//   - Insert, Remove, Each and Find take mu (short, never blocks inside)
//   - Transition, Force and Load are lock-free
type List[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	order []uint32 // live slots, oldest first
}

// NewList creates a list holding at most capacity live entries.
func NewList[T any](capacity int) *List[T] {
	l := &List[T]{
		slots: make([]slot[T], capacity),
		free:  make([]uint32, 0, capacity),
		order: make([]uint32, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		l.free = append(l.free, uint32(i))
		l.slots[i].word.Store(pack(0, Ready))
	}
	return l
}

// nextGen skips 0, which marks an invalid handle.
func nextGen(gen uint32) uint32 {
	gen++
	if gen == 0 {
		gen = 1
	}
	return gen
}

func pack(gen uint32, s State) uint64 { return uint64(gen)<<32 | uint64(uint32(s)) }

func unpack(w uint64) (uint32, State) { return uint32(w >> 32), State(int32(uint32(w))) }

// Insert adds a READY entry for seq at the tail of the list.
func (l *List[T]) Insert(seq uint32, owner T) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, i := range l.order {
		if l.slots[i].seq == seq {
			return Handle{}, ErrDuplicate
		}
	}
	if len(l.free) == 0 {
		return Handle{}, ErrFull
	}

	i := l.free[len(l.free)-1]
	l.free = l.free[:len(l.free)-1]

	s := &l.slots[i]
	gen, _ := unpack(s.word.Load())
	gen = nextGen(gen)
	s.seq = seq
	s.owner = owner
	s.live = true
	s.word.Store(pack(gen, Ready))
	l.order = append(l.order, i)

	return Handle{slot: i, gen: gen}, nil
}

// Remove detaches the entry. Returns false if h is stale.
func (l *List[T]) Remove(h Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !h.Valid() || int(h.slot) >= len(l.slots) {
		return false
	}
	s := &l.slots[h.slot]
	gen, st := unpack(s.word.Load())
	if !s.live || gen != h.gen {
		return false
	}

	// Bump generation: outstanding handles stop matching.
	s.word.Store(pack(nextGen(gen), st))
	s.live = false
	var zero T
	s.owner = zero

	for k, i := range l.order {
		if i == h.slot {
			l.order = append(l.order[:k], l.order[k+1:]...)
			break
		}
	}
	l.free = append(l.free, h.slot)
	return true
}

// Transition moves the entry from one state to another if and only if it
// is currently in from. Any mismatch (state or stale handle) is a silent
// no-op returning false.
func (l *List[T]) Transition(h Handle, from, to State) bool {
	if !h.Valid() || int(h.slot) >= len(l.slots) {
		return false
	}
	return l.slots[h.slot].word.CompareAndSwap(pack(h.gen, from), pack(h.gen, to))
}

// Force stores to regardless of the current state. Returns false if h is
// stale.
func (l *List[T]) Force(h Handle, to State) bool {
	if !h.Valid() || int(h.slot) >= len(l.slots) {
		return false
	}
	w := &l.slots[h.slot].word
	for {
		old := w.Load()
		gen, _ := unpack(old)
		if gen != h.gen {
			return false
		}
		if w.CompareAndSwap(old, pack(gen, to)) {
			return true
		}
	}
}

// Load returns the current state of the entry.
func (l *List[T]) Load(h Handle) (State, bool) {
	if !h.Valid() || int(h.slot) >= len(l.slots) {
		return Ready, false
	}
	gen, st := unpack(l.slots[h.slot].word.Load())
	if gen != h.gen {
		return Ready, false
	}
	return st, true
}

// Each visits live entries oldest first while holding the list lock.
// fn must not block and must not call Insert or Remove; returning false
// stops the scan.
func (l *List[T]) Each(fn func(h Handle, seq uint32, owner T, st State) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, i := range l.order {
		s := &l.slots[i]
		gen, st := unpack(s.word.Load())
		if !fn(Handle{slot: i, gen: gen}, s.seq, s.owner, st) {
			return
		}
	}
}

// Find returns the live entry for seq.
func (l *List[T]) Find(seq uint32) (Handle, T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, i := range l.order {
		s := &l.slots[i]
		if s.seq == seq {
			gen, _ := unpack(s.word.Load())
			return Handle{slot: i, gen: gen}, s.owner, true
		}
	}
	var zero T
	return Handle{}, zero, false
}

// Len returns the number of live entries.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Reset removes every entry.
func (l *List[T]) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero T
	for _, i := range l.order {
		s := &l.slots[i]
		gen, st := unpack(s.word.Load())
		s.word.Store(pack(nextGen(gen), st))
		s.live = false
		s.owner = zero
		l.free = append(l.free, i)
	}
	l.order = l.order[:0]
}

// Pack encodes h into one word for atomic storage.
func (h Handle) Pack() uint64 { return uint64(h.slot)<<32 | uint64(h.gen) }

// UnpackHandle reverses Handle.Pack.
func UnpackHandle(w uint64) Handle { return Handle{slot: uint32(w >> 32), gen: uint32(w)} }
