package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/inquest/internal/instrument"
	"github.com/danmuck/inquest/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

type scriptedProbe struct {
	capability string
	execute    func(ctx context.Context) (instrument.Reading, error)
}

func (p scriptedProbe) Metadata() instrument.Metadata {
	capability := p.capability
	if capability == "" {
		capability = "test"
	}
	return instrument.Metadata{Type: "scripted", Name: "Scripted", Capability: capability}
}

func (p scriptedProbe) Execute(ctx context.Context, _ instrument.Input) (instrument.Reading, error) {
	return p.execute(ctx)
}

func newTestDriver() *Driver {
	return NewDriver(Config{}, zerolog.Nop())
}

func TestRunReturnsReading(t *testing.T) {
	testlog.Start(t)

	probe := scriptedProbe{execute: func(context.Context) (instrument.Reading, error) {
		return instrument.Reading{InstrumentID: "p", Value: 3, Confidence: 1}, nil
	}}
	reading, err := newTestDriver().Run(context.Background(), probe, instrument.Input{}, time.Second, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if reading.Value != 3 {
		t.Fatalf("unexpected reading %+v", reading)
	}
}

func TestRunEnforcesTimeout(t *testing.T) {
	probe := scriptedProbe{execute: func(ctx context.Context) (instrument.Reading, error) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return instrument.Reading{}, ctx.Err()
	}}

	start := time.Now()
	_, err := newTestDriver().Run(context.Background(), probe, instrument.Input{}, 20*time.Millisecond, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout not enforced externally, took %v", elapsed)
	}
}

func TestRunRecoversProbePanic(t *testing.T) {
	probe := scriptedProbe{execute: func(context.Context) (instrument.Reading, error) {
		panic("hostile probe")
	}}
	_, err := newTestDriver().Run(context.Background(), probe, instrument.Input{}, time.Second, nil)
	if !errors.Is(err, ErrSandbox) {
		t.Fatalf("expected ErrSandbox, got %v", err)
	}
	if !Retryable(err) {
		t.Fatal("sandbox faults must be retryable")
	}
}

func TestRunChecksCapability(t *testing.T) {
	probe := scriptedProbe{capability: "pricing", execute: func(context.Context) (instrument.Reading, error) {
		t.Fatal("probe must not execute without capability")
		return instrument.Reading{}, nil
	}}
	permitted := map[string]bool{"thermal": true}
	_, err := newTestDriver().Run(context.Background(), probe, instrument.Input{}, time.Second, permitted)
	if !errors.Is(err, ErrCapability) {
		t.Fatalf("expected ErrCapability, got %v", err)
	}
	if Retryable(err) {
		t.Fatal("capability denial must not be retryable")
	}
}

func TestRunHonorsContextCancel(t *testing.T) {
	probe := scriptedProbe{execute: func(ctx context.Context) (instrument.Reading, error) {
		<-ctx.Done()
		return instrument.Reading{}, ctx.Err()
	}}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := newTestDriver().Run(ctx, probe, instrument.Input{}, time.Minute, nil)
	if !errors.Is(err, ErrSandbox) {
		t.Fatalf("expected ErrSandbox on cancel, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatal("cancellation must not be reported as timeout")
	}
}

type calibrationEcho struct{}

func (calibrationEcho) Metadata() instrument.Metadata {
	return instrument.Metadata{Type: "calibration", Name: "Calibration echo", Capability: "test"}
}

func (calibrationEcho) Execute(_ context.Context, in instrument.Input) (instrument.Reading, error) {
	return instrument.Reading{InstrumentID: "cal", Value: in.Calibration["thermal_offset"], Confidence: 1}, nil
}

func TestRunInjectsDriverCalibration(t *testing.T) {
	testlog.Start(t)

	d := NewDriver(Config{Calibration: map[string]float64{"thermal_offset": 2.5}}, zerolog.Nop())
	reading, err := d.Run(context.Background(), calibrationEcho{}, instrument.Input{Substrate: "s"}, time.Second, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if reading.Value != 2.5 {
		t.Fatalf("driver calibration not injected, got %v", reading.Value)
	}

	// A caller-supplied table takes precedence over the driver's.
	override := instrument.Input{
		Substrate:   "s",
		Calibration: map[string]float64{"thermal_offset": 1.0},
	}
	reading, err = d.Run(context.Background(), calibrationEcho{}, override, time.Second, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if reading.Value != 1.0 {
		t.Fatalf("caller calibration overridden, got %v", reading.Value)
	}
}
