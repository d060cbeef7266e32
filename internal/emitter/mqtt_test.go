package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/notify"
	"github.com/e7canasta/orion-care-sensor/modules/frame-control/internal/request"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} { ch := make(chan struct{}); close(ch); return ch }
func (t fakeToken) Error() error { return t.err }

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, message{topic, qos, payload.([]byte)})
	return fakeToken{err: f.err}
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func newTestEmitter(t *testing.T) (*MQTTEmitter, *fakePublisher) {
	t.Helper()
	cfg := config.Default()
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.QoS = 1
	if err := config.Validate(cfg); err != nil {
		t.Fatal(err)
	}
	e := NewMQTTEmitter(cfg)
	fp := &fakePublisher{}
	e.pub = fp
	e.setConnected(true)
	return e, fp
}

func TestTopicAndPayload(t *testing.T) {
	id := uuid.New()
	ev := notify.Event{
		Kind:      notify.BufferDone,
		Ctx:       1,
		Pipe:      3,
		Seq:       17,
		RequestID: id,
		Status:    request.StatusError,
		Timestamp: time.Unix(5, 0).UTC(),
	}

	if got := Topic("camsys/events/x", ev); got != "camsys/events/x/buffer_done" {
		t.Errorf("unexpected topic %q", got)
	}

	b, err := Payload("x", ev)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["status"] != "ERROR" || m["request_id"] != id.String() || m["seq"].(float64) != 17 {
		t.Errorf("unexpected payload %s", b)
	}

	drained, _ := Payload("x", notify.Event{Kind: notify.RequestDrained, Seq: 4})
	json.Unmarshal(drained, &m)
	if _, ok := m["status"]; ok {
		t.Errorf("drained event must not carry a status: %s", drained)
	}
}

func TestPublishCountsPerTopic(t *testing.T) {
	e, fp := newTestEmitter(t)

	for i := 0; i < 3; i++ {
		if err := e.Publish(notify.Event{Kind: notify.RequestDone, Seq: uint32(i)}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	st := e.Stats()
	topic := "camsys/events/camsys-sim/request_done"
	if st.Published[topic] != 3 || st.Errors != 0 || !st.Connected {
		t.Errorf("unexpected stats %+v", st)
	}
	if fp.msgs[0].qos != 1 {
		t.Errorf("configured QoS not used: %d", fp.msgs[0].qos)
	}
}

func TestPublishErrors(t *testing.T) {
	e, fp := newTestEmitter(t)

	fp.err = errors.New("broker said no")
	if err := e.Publish(notify.Event{}); err == nil {
		t.Error("expected publish error")
	}

	e.setConnected(false)
	if err := e.Publish(notify.Event{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if e.Stats().Errors != 2 {
		t.Errorf("expected 2 errors, got %d", e.Stats().Errors)
	}
}

func TestRunDrainsUntilClosed(t *testing.T) {
	e, fp := newTestEmitter(t)

	events := make(chan notify.Event, 4)
	events <- notify.Event{Kind: notify.BufferDone}
	events <- notify.Event{Kind: notify.FrameStart}
	close(events)

	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after channel close")
	}
	if fp.count() != 2 {
		t.Errorf("expected 2 publishes, got %d", fp.count())
	}
}
