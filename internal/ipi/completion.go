package ipi

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Wait after Close.
var ErrClosed = errors.New("ipi: completion closed")

// Ack is the co-processor's answer for one frame.
type Ack struct {
	Ctx    int
	Seq    uint32
	Offset uint32 // command queue offset inside the working buffer
	Size   uint32
	Err    error
}

// Completion pairs acks with waiters by sequence number. Only the
// memory-to-memory path waits; acks that arrive before their waiter are
// kept until claimed.
type Completion struct {
	mu      sync.Mutex
	waiters map[uint32]chan Ack
	early   map[uint32]Ack
	closed  bool
}

// NewCompletion returns an empty Completion.
func NewCompletion() *Completion {
	return &Completion{
		waiters: make(map[uint32]chan Ack),
		early:   make(map[uint32]Ack),
	}
}

// Complete delivers ack. Returns false after Close.
func (c *Completion) Complete(ack Ack) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if ch, ok := c.waiters[ack.Seq]; ok {
		delete(c.waiters, ack.Seq)
		ch <- ack // buffered, never blocks
		return true
	}
	c.early[ack.Seq] = ack
	return true
}

// Wait blocks until the ack for seq arrives, ctx ends or Close is called.
func (c *Completion) Wait(ctx context.Context, seq uint32) (Ack, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Ack{}, ErrClosed
	}
	if ack, ok := c.early[seq]; ok {
		delete(c.early, seq)
		c.mu.Unlock()
		return ack, nil
	}
	ch := make(chan Ack, 1)
	c.waiters[seq] = ch
	c.mu.Unlock()

	select {
	case ack, ok := <-ch:
		if !ok {
			return Ack{}, ErrClosed
		}
		return ack, nil
	case <-ctx.Done():
		c.mu.Lock()
		if c.waiters[seq] == ch {
			delete(c.waiters, seq)
		}
		c.mu.Unlock()
		return Ack{}, ctx.Err()
	}
}

// Pending returns the number of parked waiters and unclaimed acks.
func (c *Completion) Pending() (waiters, early int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters), len(c.early)
}

// Reset drops unclaimed acks; used at stream-off.
func (c *Completion) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.early = make(map[uint32]Ack)
}

// Close wakes every waiter with ErrClosed.
func (c *Completion) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for seq, ch := range c.waiters {
		close(ch)
		delete(c.waiters, seq)
	}
	c.early = nil
}
