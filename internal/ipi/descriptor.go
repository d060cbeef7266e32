// Package ipi carries the frame round trip to the ISP co-processor.
//
// The core never knows the co-processor's wire format. It hands a
// FrameDescriptor to a Submitter and later receives an Ack carrying where
// the composed command queue landed in the working buffer.
package ipi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds one length-prefixed descriptor.
const MaxFrameSize = 64 << 10

// ErrFrameTooLarge is returned by ReadFrame for an oversized prefix.
var ErrFrameTooLarge = errors.New("ipi: frame exceeds size limit")

// Controls mirrors the sensor payload so the co-processor can tune the
// ISP for the same exposure.
type Controls struct {
	ExposureLines uint16 `msgpack:"exp"`
	AnalogGain    uint16 `msgpack:"gain"`
	FrameLength   uint16 `msgpack:"fll,omitempty"`
}

// FrameDescriptor is what the co-processor needs to compose one frame.
type FrameDescriptor struct {
	Session  string   `msgpack:"session"`
	Seq      uint32   `msgpack:"seq"`
	Ctx      int      `msgpack:"ctx"`
	PipeMask uint32   `msgpack:"pipes"`
	CQIOVA   uint64   `msgpack:"cq_iova"`
	CQSize   uint32   `msgpack:"cq_size"`
	Buffers  []uint64 `msgpack:"bufs,omitempty"`
	Controls Controls `msgpack:"ctrl"`
	M2M      bool     `msgpack:"m2m,omitempty"`
}

// Encode serialises d as msgpack.
func (d *FrameDescriptor) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("ipi: encode frame %d: %w", d.Seq, err)
	}
	return b, nil
}

// Decode parses a msgpack descriptor.
func Decode(b []byte) (*FrameDescriptor, error) {
	var d FrameDescriptor
	if err := msgpack.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("ipi: decode: %w", err)
	}
	return &d, nil
}

// WriteFrame writes payload with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("ipi: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipi: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("ipi: read payload: %w", err)
	}
	return buf, nil
}

// NewSession returns a fresh co-processor session id.
func NewSession() uuid.UUID { return uuid.New() }
