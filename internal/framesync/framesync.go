// Package framesync negotiates synchronized multi-sensor captures.
//
// A request spanning N>1 sensor contexts carries one Descriptor. Each
// context's sensor worker calls Begin before applying its sensor settings
// and End afterwards. Exactly one Begin (the 0→1 transition of on) wins
// the right to arm the hardware frame-sync, and exactly one End (the one
// that makes on == off == target) disarms it. A handshake cut short by a
// sensor that stops streaming is reset with Abandon, which hands the
// pending disarm to its caller.
package framesync

import "sync"

// Descriptor tracks the on/off handshake for one request.
type Descriptor struct {
	mu     sync.Mutex
	target int
	on     int
	off    int
	armed  bool
}

// SetTarget sets the number of contexts expected to take part.
// 0 disables synchronization (single-sensor request).
func (d *Descriptor) SetTarget(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = n
	d.on, d.off = 0, 0
	d.armed = false
}

// Target returns the expected participant count.
func (d *Descriptor) Target() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

// Begin registers one arriving context. ready is the number of the
// request's contexts that are streaming with a sensor right now.
//
// Returns true only for the caller that moves on from 0 to 1 while at
// least two contexts are ready and the hardware is not armed yet; that
// caller must arm frame-sync. Any caller that finds fewer than two ready
// contexts resets the counts so the next attempt starts from scratch.
func (d *Descriptor) Begin(ready int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.target == 0 {
		return false
	}
	if ready < 2 {
		d.on, d.off = 0, 0
		return false
	}
	d.on++
	if d.on != 1 || d.armed {
		return false
	}
	d.armed = true
	return true
}

// End registers one context leaving the critical section. Returns true
// only for the call that completes the handshake while armed; that
// caller must disarm frame-sync.
func (d *Descriptor) End() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.target == 0 {
		return false
	}
	d.off++
	if d.armed && d.on == d.target && d.off == d.target {
		d.armed = false
		return true
	}
	return false
}

// Abandon resets a handshake that can no longer complete. Returns true
// if frame-sync was left armed; the caller must disarm it.
func (d *Descriptor) Abandon() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.on, d.off = 0, 0
	armed := d.armed
	d.armed = false
	return armed
}

// Armed reports whether frame-sync is armed for this request.
func (d *Descriptor) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

// Complete reports whether every participant has begun and ended.
func (d *Descriptor) Complete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target > 0 && d.on == d.target && d.off == d.target
}

// Counts returns (target, on, off).
func (d *Descriptor) Counts() (int, int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target, d.on, d.off
}
