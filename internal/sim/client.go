package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/notify"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/request"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/sensor"
)

// Enqueuer is the client side of the controller.
type Enqueuer interface {
	Enqueue(spec request.Spec) (uuid.UUID, error)
	Subscribe(id string, ch chan<- notify.Event) error
	Unsubscribe(id string) error
}

// ClientResult tallies request outcomes.
type ClientResult struct {
	Enqueued   uint64        `json:"enqueued"`
	Done       uint64        `json:"done"`
	Errors     uint64        `json:"errors"`
	Duplicates uint64        `json:"duplicates"`
	Drained    uint64        `json:"drained"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Client keeps a fixed number of requests in flight on a set of
// contexts. With Sync set every request spans all of them and captures
// in lockstep; otherwise each request targets one context, round robin.
type Client struct {
	Name     string
	Contexts []ContextConfig
	InFlight int
	Sync     bool
}

// Spec builds request i. Exposure walks a small ramp so consecutive
// frames carry different sensor settings.
func (c *Client) Spec(i int) request.Spec {
	exposure := uint16(800 + (i%16)*50)
	ctxs := c.Contexts
	if !c.Sync {
		ctxs = c.Contexts[i%len(c.Contexts) : i%len(c.Contexts)+1]
	}

	spec := request.Spec{Controls: make(map[int]sensor.Controls, len(ctxs))}
	live := 0
	for _, cc := range ctxs {
		for j, p := range cc.Pipes {
			spec.Streams = append(spec.Streams, request.Stream{
				Pipe:    p,
				Ctx:     cc.ID,
				Buffers: []uint64{uint64(i)<<8 | uint64(j)},
			})
		}
		if !cc.M2M {
			live++
			spec.Controls[cc.ID] = sensor.Controls{ExposureLines: exposure, AnalogGain: 256}
		}
	}
	if c.Sync && live > 1 {
		spec.SyncTarget = live
	}
	return spec
}

// Run enqueues frames requests, keeping InFlight outstanding, and waits
// for every one of them to complete or ctx to end.
func (c *Client) Run(ctx context.Context, e Enqueuer, frames int) (ClientResult, error) {
	if len(c.Contexts) == 0 || frames <= 0 {
		return ClientResult{}, nil
	}
	inFlight := c.InFlight
	if inFlight <= 0 {
		inFlight = 1
	}

	events := make(chan notify.Event, 1024)
	if err := e.Subscribe(c.Name, events); err != nil {
		return ClientResult{}, fmt.Errorf("sim: client %s: %w", c.Name, err)
	}
	defer e.Unsubscribe(c.Name)

	var res ClientResult
	start := time.Now()
	mine := make(map[uuid.UUID]bool, inFlight)

	enqueue := func() error {
		id, err := e.Enqueue(c.Spec(int(res.Enqueued)))
		if err != nil {
			return fmt.Errorf("sim: client %s: enqueue %d: %w", c.Name, res.Enqueued, err)
		}
		mine[id] = true
		res.Enqueued++
		return nil
	}

	for i := 0; i < inFlight && int(res.Enqueued) < frames; i++ {
		if err := enqueue(); err != nil {
			return res, err
		}
	}

	for int(res.Done+res.Errors) < frames {
		select {
		case <-ctx.Done():
			res.Elapsed = time.Since(start)
			return res, ctx.Err()
		case ev := <-events:
			switch ev.Kind {
			case notify.RequestDrained:
				res.Drained++
				continue
			case notify.RequestDone:
			default:
				continue
			}
			outstanding, ok := mine[ev.RequestID]
			if !ok {
				continue
			}
			if !outstanding {
				res.Duplicates++
				continue
			}
			mine[ev.RequestID] = false
			if ev.Status == request.StatusDone {
				res.Done++
			} else {
				res.Errors++
			}
			if int(res.Enqueued) < frames {
				if err := enqueue(); err != nil {
					return res, err
				}
			}
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}
