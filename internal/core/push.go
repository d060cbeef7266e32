package core

import (
	"context"
	"log/slog"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/request"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/state"
)

// pushSensor runs on the sensor worker. It commits the settings of the
// next frame if the pipeline interlock allows it.
func (c *camCtx) pushSensor() {
	if !c.streaming.Load() {
		return
	}
	sess := c.sess.Load()

	seq := c.sensorReqSeq.Load() + 1
	if seq > c.enqSeq.Load() {
		return
	}

	h, sd, ok := c.states.Find(seq)
	if !ok {
		slog.Warn("sensor: frame has no state entry, skipping",
			"ctx", c.id,
			"seq", seq,
			"category", Classify(ErrStateNotFound),
		)
		c.sensorReqSeq.CompareAndSwap(seq-1, seq)
		return
	}
	if st, _ := c.states.Load(h); st.IsTerminal() {
		// Completed early, e.g. after a failed submission.
		c.sensorReqSeq.CompareAndSwap(seq-1, seq)
		return
	}

	if !c.sensorAllowed(seq) {
		c.counters.sensorSkips.Add(1)
		return
	}

	r := sd.Request()
	synced := r.Sync.Target() > 0
	if synced {
		ready := c.sys.readySensors(r)
		if ready < 2 {
			if r.Sync.Abandon() {
				c.sys.syncFrame(false)
			}
			slog.Debug("sensor: deferring synced frame",
				"ctx", c.id,
				"seq", seq,
				"ready", ready,
				"error", ErrFrameSyncNotReady,
			)
			return
		}
		if r.Sync.Begin(ready) {
			c.sys.syncFrame(true)
		}
	}

	// Published before the sensor I/O so a SOF landing mid-push sees the
	// frame as late.
	c.sensorReqSeq.Store(seq)

	from := state.Ready
	if sd.Has(request.FlagSeninfSwitch) && c.states.Transition(h, state.Ready, state.Seninf) {
		from = state.Seninf
		if sw := c.sys.opts.Seninf; sw != nil {
			if err := sw.SwitchInput(c.id, seq); err != nil {
				sd.SetFlag(request.FlagUnreliable)
				slog.Warn("sensor: seninf switch failed", "ctx", c.id, "seq", seq, "error", err)
			}
		}
	}

	if ctrl, ok := r.Controls(c.id); ok {
		dl := sess.sched.Deadlines()
		ctx, cancel := context.WithTimeout(sess.ctx, dl.Period)
		err := c.sensor.ApplyControls(ctx, seq, ctrl)
		cancel()
		if err != nil {
			sd.SetFlag(request.FlagUnreliable)
			c.counters.sensorErrors.Add(1)
			slog.Warn("sensor: applying controls failed",
				"ctx", c.id,
				"seq", seq,
				"error", err,
			)
		}
	}

	if synced && r.Sync.End() {
		c.sys.syncFrame(false)
	}

	if !c.states.Transition(h, from, state.Sensor) {
		st, _ := c.states.Load(h)
		slog.Debug("sensor: frame moved on during push", "ctx", c.id, "seq", seq, "state", st)
	}
	c.counters.sensorPushes.Add(1)

	c.tryInitialCQ()
}

// sensorAllowed is the pipeline interlock: frame seq may take sensor
// settings only once its predecessors have moved far enough.
func (c *camCtx) sensorAllowed(seq uint32) bool {
	if seq <= 1 {
		return true
	}
	ph, _, ok := c.states.Find(seq - 1)
	if !ok {
		return true
	}
	prev, _ := c.states.Load(ph)

	// Before the first SOF the first two frames go back to back.
	if c.sofCount.Load() == 0 {
		return seq <= 2 && prev.Rank() >= state.Sensor.Rank()
	}

	switch prev {
	case state.CQ:
		if c.states.Transition(ph, state.CQ, state.CQScqDelay) {
			c.counters.scqDelays.Add(1)
			slog.Info("sensor: previous command queue not loaded, delaying",
				"ctx", c.id,
				"seq", seq,
			)
		}
		return false
	case state.CammuxOuterCfg:
		if c.states.Transition(ph, state.CammuxOuterCfg, state.CammuxOuterCfgDelay) {
			c.counters.cammuxDelays.Add(1)
		}
		return false
	case state.CQScqDelay, state.CammuxOuterCfgDelay:
		return false
	}
	if prev.Rank() <= state.Sensor.Rank() {
		return false
	}

	if seq >= 3 {
		if h2, _, ok := c.states.Find(seq - 2); ok {
			if st2, _ := c.states.Load(h2); st2.Rank() < state.Inner.Rank() {
				return false
			}
		}
	}
	return true
}
