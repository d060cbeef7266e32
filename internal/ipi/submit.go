package ipi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned by a Submitter whose mailbox is full. It is the only
// error Submit retries.
var ErrBusy = errors.New("ipi: co-processor busy")

// Submitter sends one encoded frame descriptor to the co-processor.
// The acknowledgment arrives asynchronously.
type Submitter interface {
	SubmitFrame(ctx context.Context, session uuid.UUID, seq uint32, payload []byte) error
}

// RetryConfig contains the exponential backoff parameters for Submit.
type RetryConfig struct {
	MaxRetries    int           // retries after the first attempt (default: 3)
	RetryDelay    time.Duration // initial delay (default: 200µs)
	MaxRetryDelay time.Duration // delay cap (default: 2ms)
}

// DefaultRetryConfig returns the submit retry defaults. The whole budget
// stays well inside one frame period at 60fps.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		RetryDelay:    200 * time.Microsecond,
		MaxRetryDelay: 2 * time.Millisecond,
	}
}

// Submit encodes d and sends it, retrying with exponential backoff while
// the co-processor reports ErrBusy. It returns the number of attempts made.
func Submit(ctx context.Context, s Submitter, session uuid.UUID, d *FrameDescriptor, cfg RetryConfig) (int, error) {
	payload, err := d.Encode()
	if err != nil {
		return 0, err
	}

	attempt := 0
	for {
		attempt++
		err := s.SubmitFrame(ctx, session, d.Seq, payload)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, ErrBusy) {
			return attempt, fmt.Errorf("ipi: submit frame %d: %w", d.Seq, err)
		}
		if attempt > cfg.MaxRetries {
			return attempt, fmt.Errorf("ipi: submit frame %d: max retries exceeded (%d attempts): %w",
				d.Seq, attempt, err)
		}

		delay := backoff(attempt, cfg)
		slog.Debug("ipi: co-processor busy, retrying",
			"seq", d.Seq,
			"attempt", attempt,
			"delay", delay,
		)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		}
	}
}

// backoff returns retryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func backoff(attempt int, cfg RetryConfig) time.Duration {
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if cfg.MaxRetryDelay > 0 && delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
