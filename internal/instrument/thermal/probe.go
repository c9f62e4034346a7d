// Package thermal reads a temperature from a substrate endpoint.
package thermal

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/danmuck/inquest/internal/instrument"
)

const (
	Type     = "thermal"
	Category = "temperature"
)

// Probe samples a temperature source. Without a live endpoint it
// synthesizes a reading around the configured baseline, deterministic
// per (probe id, substrate) so replays stay reproducible.
type Probe struct {
	id         string
	baseline   float64
	spread     float64
	confidence float64
}

func New(id string, params map[string]string) (instrument.Instrument, error) {
	p := &Probe{id: id, baseline: 20.0, spread: 1.0, confidence: 0.9}
	var err error
	if raw, ok := params["baseline"]; ok {
		if p.baseline, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("thermal: bad baseline %q: %w", raw, err)
		}
	}
	if raw, ok := params["spread"]; ok {
		if p.spread, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("thermal: bad spread %q: %w", raw, err)
		}
	}
	if raw, ok := params["confidence"]; ok {
		if p.confidence, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("thermal: bad confidence %q: %w", raw, err)
		}
		if p.confidence < 0 || p.confidence > 1 {
			return nil, fmt.Errorf("thermal: confidence %v outside [0,1]", p.confidence)
		}
	}
	return p, nil
}

func (p *Probe) Metadata() instrument.Metadata {
	return instrument.Metadata{
		Type:        Type,
		Name:        "Thermal gauge",
		Description: "Temperature measurement with calibration offset support",
		Capability:  "thermal",
	}
}

func (p *Probe) Execute(_ context.Context, in instrument.Input) (instrument.Reading, error) {
	offset := in.Calibration["thermal_offset"]

	// Deterministic pseudo-noise in [-spread, +spread].
	h := fnv.New64a()
	h.Write([]byte(p.id))
	h.Write([]byte(in.Substrate))
	noise := (float64(h.Sum64()%2001)/1000.0 - 1.0) * p.spread

	return instrument.Reading{
		InstrumentID: p.id,
		Value:        p.baseline + noise + offset,
		Confidence:   p.confidence,
		Timestamp:    time.Now().UTC(),
		SourceTag:    p.id + "@" + in.Substrate,
		Category:     Category,
	}, nil
}
