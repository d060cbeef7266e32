package core

import (
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/notify"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sensor"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sofstats"
)

type counters struct {
	results [numResults]atomic.Uint64

	hwDelays      atomic.Uint64
	hwSkips       atomic.Uint64
	scqDelays     atomic.Uint64
	cammuxDelays  atomic.Uint64
	forcedDone    atomic.Uint64
	mismatches    atomic.Uint64
	sensorPushes  atomic.Uint64
	sensorSkips   atomic.Uint64
	sensorErrors  atomic.Uint64
	sensorDelayed atomic.Uint64
	drained       atomic.Uint64

	submitted      atomic.Uint64
	submitFailures atomic.Uint64
	cqApplied      atomic.Uint64

	completed atomic.Uint64
	errors    atomic.Uint64
	cleanedUp atomic.Uint64
}

// ContextStats is a snapshot of one context.
type ContextStats struct {
	ID        int  `json:"id"`
	Streaming bool `json:"streaming"`
	M2M       bool `json:"m2m"`

	SensorSeq   uint32 `json:"sensor_seq"`
	EnqueuedSeq uint32 `json:"enqueued_seq"`
	ISPSeq      uint32 `json:"isp_seq"`
	ComposedSeq uint32 `json:"composed_seq"`
	SOFs        uint64 `json:"sofs"`
	LiveFrames  int    `json:"live_frames"`

	Results map[string]uint64 `json:"sof_results"`

	HWDelays      uint64 `json:"hw_delays"`
	HWSkips       uint64 `json:"hw_skips"`
	SCQDelays     uint64 `json:"scq_delays"`
	CammuxDelays  uint64 `json:"cammux_delays"`
	ForcedDone    uint64 `json:"forced_done"`
	Mismatches    uint64 `json:"mismatches"`
	SensorPushes  uint64 `json:"sensor_pushes"`
	SensorSkips   uint64 `json:"sensor_skips"`
	SensorErrors  uint64 `json:"sensor_errors"`
	SensorDelayed uint64 `json:"sensor_delayed"`
	Drained       uint64 `json:"drained"`

	Submitted      uint64 `json:"submitted"`
	SubmitFailures uint64 `json:"submit_failures"`
	CQApplied      uint64 `json:"cq_applied"`

	Completed uint64 `json:"completed"`
	Errors    uint64 `json:"errors"`
	CleanedUp uint64 `json:"cleaned_up"`

	SOF       sofstats.Stats        `json:"sof"`
	Scheduler sensor.SchedulerStats `json:"scheduler"`
	Deadlines sensor.Deadlines      `json:"deadlines"`
}

// Stats is a snapshot of the whole system.
type Stats struct {
	Contexts      []ContextStats `json:"contexts"`
	Pool          pool.Stats     `json:"pool"`
	Pending       int            `json:"pending"`
	Running       int            `json:"running"`
	Deferred      uint64         `json:"deferred"`
	ScanTruncated uint64         `json:"scan_truncated"`
	Bus           notify.Stats   `json:"bus"`
}

// Stats returns a snapshot of every context and queue.
func (s *System) Stats() Stats {
	st := Stats{
		Pool:          s.pool.Stats(),
		Deferred:      s.deferred.Load(),
		ScanTruncated: s.scanTruncated.Load(),
		Bus:           s.bus.Stats(),
	}

	s.mu.Lock()
	st.Pending = len(s.pending)
	st.Running = len(s.running)
	s.mu.Unlock()

	for _, c := range s.ctxs {
		if c != nil {
			st.Contexts = append(st.Contexts, c.stats())
		}
	}
	return st
}

func (c *camCtx) stats() ContextStats {
	k := &c.counters
	cs := ContextStats{
		ID:             c.id,
		Streaming:      c.streaming.Load(),
		M2M:            c.m2m,
		SensorSeq:      c.sensorReqSeq.Load(),
		EnqueuedSeq:    c.enqSeq.Load(),
		ISPSeq:         c.ispReqSeq.Load(),
		ComposedSeq:    c.composedSeq.Load(),
		SOFs:           c.sofCount.Load(),
		LiveFrames:     c.states.Len(),
		Results:        make(map[string]uint64, numResults),
		HWDelays:       k.hwDelays.Load(),
		HWSkips:        k.hwSkips.Load(),
		SCQDelays:      k.scqDelays.Load(),
		CammuxDelays:   k.cammuxDelays.Load(),
		ForcedDone:     k.forcedDone.Load(),
		Mismatches:     k.mismatches.Load(),
		SensorPushes:   k.sensorPushes.Load(),
		SensorSkips:    k.sensorSkips.Load(),
		SensorErrors:   k.sensorErrors.Load(),
		SensorDelayed:  k.sensorDelayed.Load(),
		Drained:        k.drained.Load(),
		Submitted:      k.submitted.Load(),
		SubmitFailures: k.submitFailures.Load(),
		CQApplied:      k.cqApplied.Load(),
		Completed:      k.completed.Load(),
		Errors:         k.errors.Load(),
		CleanedUp:      k.cleanedUp.Load(),
		SOF:            c.sof.Stats(),
	}
	for r := SOFResult(0); r < numResults; r++ {
		cs.Results[r.String()] = k.results[r].Load()
	}
	if sess := c.sess.Load(); sess != nil && sess.sched != nil {
		cs.Scheduler = sess.sched.Stats()
		cs.Deadlines = sess.sched.Deadlines()
	}
	return cs
}
