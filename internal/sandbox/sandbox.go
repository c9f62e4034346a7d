// Package sandbox isolates probe execution from the conductor.
//
// A probe may hang, panic, or overrun its budget; none of that is
// allowed to take the conductor down. Every failure mode surfaces as a
// typed, retryable error.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/inquest/internal/instrument"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrSandbox covers probe crashes and internal faults. Retryable.
	ErrSandbox = errors.New("sandbox: probe fault")
	// ErrTimeout marks a probe forcibly terminated at its deadline.
	// Distinct from a probe returning a failed measurement.
	ErrTimeout = errors.New("sandbox: probe timeout")
	// ErrCapability marks an instrument whose declared capability is not
	// permitted in this execution context.
	ErrCapability = errors.New("sandbox: capability not permitted")
)

// Driver runs instruments in isolated goroutine contexts with external
// timeout enforcement and spawn rate limiting.
type Driver struct {
	limiter     *rate.Limiter
	calibration map[string]float64
	logger      zerolog.Logger
}

type Config struct {
	// SpawnRate bounds probe launches per second. Zero means unlimited.
	SpawnRate float64
	Burst     int

	// Calibration is the node's calibration table, handed to every
	// probe through its input.
	Calibration map[string]float64
}

func NewDriver(cfg Config, logger zerolog.Logger) *Driver {
	limit := rate.Inf
	if cfg.SpawnRate > 0 {
		limit = rate.Limit(cfg.SpawnRate)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Driver{
		limiter:     rate.NewLimiter(limit, burst),
		calibration: cfg.Calibration,
		logger:      logger,
	}
}

type probeResult struct {
	reading instrument.Reading
	err     error
}

// Run executes one instrument against one substrate input. The timeout
// is enforced here, not cooperatively by the probe: an overrunning probe
// is abandoned and reported as ErrTimeout.
func (d *Driver) Run(ctx context.Context, inst instrument.Instrument, in instrument.Input, timeout time.Duration, permitted map[string]bool) (instrument.Reading, error) {
	meta := inst.Metadata()
	if permitted != nil && !permitted[meta.Capability] {
		return instrument.Reading{}, fmt.Errorf("%w: %q", ErrCapability, meta.Capability)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return instrument.Reading{}, fmt.Errorf("%w: spawn cancelled: %v", ErrSandbox, err)
	}

	if in.Calibration == nil {
		in.Calibration = d.calibration
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	results := make(chan probeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- probeResult{err: fmt.Errorf("%w: panic: %v", ErrSandbox, r)}
			}
		}()
		reading, err := inst.Execute(runCtx, in)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrSandbox, err)
		}
		results <- probeResult{reading: reading, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			d.logger.Warn().
				Str("instrument", meta.Type).
				Err(res.err).
				Msg("probe_fault")
		}
		return res.reading, res.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			d.logger.Warn().
				Str("instrument", meta.Type).
				Dur("timeout", timeout).
				Msg("probe_timeout")
			return instrument.Reading{}, fmt.Errorf("%w: after %v", ErrTimeout, timeout)
		}
		return instrument.Reading{}, fmt.Errorf("%w: cancelled: %v", ErrSandbox, runCtx.Err())
	}
}

// Retryable reports whether a sandbox failure should be retried under
// the step's retry policy.
func Retryable(err error) bool {
	return errors.Is(err, ErrSandbox) || errors.Is(err, ErrTimeout)
}
