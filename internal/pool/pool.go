// Package pool provides the fixed-size working-buffer pool that backs
// command-queue composition.
//
// Every in-flight frame owns at most one Buffer. Buffers are handed out
// from a FIFO free list under a mutex and never grow: running out means
// the pipeline stalled or leaked, so Acquire logs loudly and the caller
// defers the frame.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultCount matches the depth of the command-queue ring.
const DefaultCount = 16

// ErrUnavailable is returned by Acquire when every buffer is owned.
var ErrUnavailable = errors.New("pool: no working buffer available")

// Buffer is one command-queue buffer. IOVA is the device-visible address,
// Mem the CPU mapping of the same bytes.
type Buffer struct {
	Index int
	IOVA  uint64
	Mem   []byte

	inUse bool // guarded by Pool.mu
}

// Size returns the buffer length in bytes.
func (b *Buffer) Size() int { return len(b.Mem) }

// Config describes the pool geometry.
type Config struct {
	Count      int    // number of buffers (default 16)
	BufferSize int    // bytes per buffer
	IOVABase   uint64 // device address of buffer 0
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Size      int
	Free      int
	InUse     int
	Exhausted uint64 // Acquire calls that found the list empty
}

// Pool is a bounded free list of Buffers.
//
// Thread-safety: all methods are safe for concurrent use; no method
// blocks while holding mu.
type Pool struct {
	mu    sync.Mutex
	bufs  []*Buffer
	free  []*Buffer // head = free[0]
	arena []byte

	exhausted atomic.Uint64
}

// New allocates the pool memory and fills the free list.
func New(cfg Config) (*Pool, error) {
	if cfg.Count <= 0 {
		cfg.Count = DefaultCount
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("pool: invalid buffer size %d", cfg.BufferSize)
	}

	arena, err := allocate(cfg.Count * cfg.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("pool: allocate %d bytes: %w", cfg.Count*cfg.BufferSize, err)
	}

	p := &Pool{
		bufs:  make([]*Buffer, cfg.Count),
		free:  make([]*Buffer, 0, cfg.Count),
		arena: arena,
	}
	for i := 0; i < cfg.Count; i++ {
		off := i * cfg.BufferSize
		b := &Buffer{
			Index: i,
			IOVA:  cfg.IOVABase + uint64(off),
			Mem:   arena[off : off+cfg.BufferSize : off+cfg.BufferSize],
		}
		p.bufs[i] = b
		p.free = append(p.free, b)
	}

	slog.Debug("pool: working buffers ready",
		"count", cfg.Count,
		"buffer_size", cfg.BufferSize,
		"iova_base", fmt.Sprintf("%#x", cfg.IOVABase),
	)
	return p, nil
}

// Acquire pops the head of the free list.
func (p *Pool) Acquire() (*Buffer, error) {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		n := p.exhausted.Add(1)
		slog.Warn("pool: working buffers exhausted, deferring frame",
			"size", len(p.bufs),
			"exhausted_total", n,
		)
		return nil, ErrUnavailable
	}
	b := p.free[0]
	p.free = p.free[1:]
	b.inUse = true
	p.mu.Unlock()
	return b, nil
}

// Release appends b to the tail of the free list. Releasing a buffer that
// is not in use (double release, foreign buffer) is a no-op returning false.
func (p *Pool) Release(b *Buffer) bool {
	if b == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.Index < 0 || b.Index >= len(p.bufs) || p.bufs[b.Index] != b || !b.inUse {
		return false
	}
	b.inUse = false
	p.free = append(p.free, b)
	return true
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      len(p.bufs),
		Free:      len(p.free),
		InUse:     len(p.bufs) - len(p.free),
		Exhausted: p.exhausted.Load(),
	}
}

// Close returns the pool memory. Buffers must not be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.arena == nil {
		return nil
	}
	err := release(p.arena)
	p.arena = nil
	return err
}
