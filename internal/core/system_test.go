package core

import (
	"errors"
	"testing"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/notify"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/request"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/state"
)

func TestNewValidation(t *testing.T) {
	raw, cop := newFakeRaw(), newFakeCoProc()
	fs := &fakeSensor{}

	tests := []struct {
		name string
		opts Options
	}{
		{"no raw device", Options{CoProc: cop, Contexts: []ContextSpec{{ID: 0, Sensor: fs}}}},
		{"no contexts", Options{Raw: raw, CoProc: cop}},
		{"no sensor", Options{Raw: raw, CoProc: cop, Contexts: []ContextSpec{{ID: 0}}}},
		{"duplicate id", Options{Raw: raw, CoProc: cop, Contexts: []ContextSpec{
			{ID: 0, Pipe: 0, Sensor: fs}, {ID: 0, Pipe: 1, Sensor: fs},
		}}},
		{"shared pipe", Options{Raw: raw, CoProc: cop, Contexts: []ContextSpec{
			{ID: 0, Pipe: 0, Sensor: fs}, {ID: 1, Pipe: 0, Sensor: fs},
		}}},
		{"pipe out of range", Options{Raw: raw, CoProc: cop, Contexts: []ContextSpec{
			{ID: 0, Pipe: 0, AuxPipes: []int{request.MaxPipes}, Sensor: fs},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t, []ContextSpec{{ID: 0, Pipe: 0}, {ID: 1, Pipe: 1}}, false, nil)

	tests := []struct {
		name string
		spec request.Spec
		want error
	}{
		{"no streams", request.Spec{}, request.ErrNoStreams},
		{"unowned pipe", request.Spec{Streams: []request.Stream{{Pipe: 5, Ctx: 0}}}, ErrUnknownPipe},
		{"wrong context", request.Spec{Streams: []request.Stream{{Pipe: 1, Ctx: 0}}}, ErrUnknownPipe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.sys.Enqueue(tt.spec); !errors.Is(err, tt.want) {
				t.Errorf("Enqueue error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEnqueueWaitsForStreaming(t *testing.T) {
	h := newHarness(t, singleContext(), false, nil)
	h.enqueue(0, 0, 100)

	if st := h.sys.Stats(); st.Pending != 1 || st.Running != 0 {
		t.Fatalf("Before stream on: pending %d running %d", st.Pending, st.Running)
	}
	if err := h.sys.StreamOn(0); err != nil {
		t.Fatal(err)
	}
	h.submitted(1)
	h.flush(0)

	if st := h.sys.Stats(); st.Pending != 0 || st.Running != 1 {
		t.Fatalf("After stream on: pending %d running %d", st.Pending, st.Running)
	}
	if st, ok := h.sys.FrameState(0, 1); !ok || st != state.Sensor {
		t.Errorf("Frame 1: %v %v, want SENSOR", st, ok)
	}
	if err := h.sys.StreamOn(0); !errors.Is(err, ErrAlreadyStreaming) {
		t.Errorf("Second StreamOn: %v", err)
	}
}

func TestCloseDropsPending(t *testing.T) {
	h := newHarness(t, singleContext(), false, nil)
	id := h.enqueue(0, 0, 100)

	if err := h.sys.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	evs := h.drain()
	done := only(evs, notify.RequestDone)
	if len(done) != 1 || done[0].RequestID != id || done[0].Status != request.StatusError {
		t.Errorf("Dropped request: %+v", done)
	}
	if _, err := h.sys.Enqueue(request.Spec{Streams: []request.Stream{{Pipe: 0, Ctx: 0}}}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after close: %v", err)
	}
	if err := h.sys.StreamOn(0); !errors.Is(err, ErrClosed) {
		t.Errorf("StreamOn after close: %v", err)
	}
}

func TestUnknownContextEvents(t *testing.T) {
	h := newHarness(t, singleContext(), false, nil)

	if err := h.sys.StreamOn(3); !errors.Is(err, ErrUnknownContext) {
		t.Errorf("StreamOn(3): %v", err)
	}
	if res := h.sys.OnStartOfFrame(SOFEvent{Ctx: 7}); res != PassSWDelay {
		t.Errorf("SOF on unknown context: %v", res)
	}
	h.sys.OnCommandQueueDone(CQDoneEvent{Ctx: 7, Seq: 1})
	h.sys.OnFrameDone(FrameDoneEvent{Pipe: 9, Seq: 1})
	if _, ok := h.sys.FrameState(7, 1); ok {
		t.Error("FrameState on unknown context")
	}
}
