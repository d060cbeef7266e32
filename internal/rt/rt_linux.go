//go:build linux

// Package rt raises the scheduling class of the calling OS thread.
package rt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SetFIFO switches the calling thread to SCHED_FIFO at priority.
// The caller must have locked its goroutine to the thread.
func SetFIFO(priority int) error {
	if priority < 1 || priority > 99 {
		return fmt.Errorf("rt: priority %d out of range 1-99", priority)
	}
	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	if err := unix.SchedSetAttr(0, attr, 0); err != nil {
		return fmt.Errorf("rt: sched_setattr SCHED_FIFO/%d: %w", priority, err)
	}
	return nil
}
