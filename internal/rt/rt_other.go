//go:build !linux

// Package rt raises the scheduling class of the calling OS thread.
package rt

import "errors"

// SetFIFO is unsupported outside Linux.
func SetFIFO(priority int) error {
	return errors.New("rt: SCHED_FIFO not supported on this platform")
}
