// Package framecontrol schedules camera frames between a raw ISP front
// end, an image sensor and a command-queue co-processor.
//
// Core Philosophy: "Hardware events never wait. Every buffer completes
// exactly once."
//
// For each streaming context the controller pushes exposure/gain to the
// sensor ahead of the frame that needs it, hands the frame to the
// co-processor for command-queue composition, triggers the composed queue
// at Start-Of-Frame and completes client buffers when the hardware
// reports the frame written:
//
//	Enqueue → READY → SENSOR → CQ → OUTER → INNER → DONE → BufferDone
//
// Usage:
//
//	ctl, err := framecontrol.New(framecontrol.Options{
//	    Contexts: []framecontrol.ContextSpec{{ID: 0, Pipe: 0, Sensor: sensor}},
//	    Raw:      raw,
//	    CoProc:   coproc,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctl.Close()
//
//	events := make(chan framecontrol.Event, 64)
//	ctl.Subscribe("app", events)
//	ctl.StreamOn(0)
//
//	ctl.Enqueue(framecontrol.Spec{
//	    Streams:  []framecontrol.Stream{{Pipe: 0, Ctx: 0}},
//	    Controls: map[int]framecontrol.Controls{0: {ExposureLines: 1200, AnalogGain: 256}},
//	})
//
//	// Interrupt handlers (never block):
//	ctl.OnStartOfFrame(framecontrol.SOFEvent{Ctx: 0, InnerSeq: seq, Timestamp: ts})
//	ctl.OnCommandQueueDone(framecontrol.CQDoneEvent{Ctx: 0, Seq: seq})
//	ctl.OnFrameDone(framecontrol.FrameDoneEvent{Pipe: 0, Seq: seq, Timestamp: ts})
//
// Teardown: StreamOff returns only after the sensor deadline timer is
// cancelled, every worker has exited and every outstanding buffer has
// been reported. No callback touches a request after that.
//
// Public API Stability:
//
// The types re-exported here are the stable contract. Everything under
// internal/ can change without notice.
package framecontrol
