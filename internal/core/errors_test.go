package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/ipi"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/state"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Category
	}{
		{fmt.Errorf("sensor: %w", ErrFrameSyncNotReady), CategoryDeferral},
		{ipi.ErrBusy, CategoryDeferral},
		{ErrForcedDone, CategoryIntegrity},
		{ErrMismatch, CategoryIntegrity},
		{ErrUnreliable, CategoryIntegrity},
		{pool.ErrUnavailable, CategoryExhaustion},
		{fmt.Errorf("core: %w", state.ErrFull), CategoryExhaustion},
		{ErrScanDepth, CategoryExhaustion},
		{ErrStateNotFound, CategoryInvariant},
		{state.ErrDuplicate, CategoryInvariant},
		{errors.New("i2c: nack"), CategoryUnknown},
		{nil, CategoryUnknown},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
