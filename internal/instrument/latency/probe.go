// Package latency measures round-trip time to a substrate endpoint.
package latency

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/danmuck/inquest/internal/instrument"
)

const (
	Type     = "latency"
	Category = "latency"
)

// Probe samples round-trip latency in milliseconds. Without a live
// endpoint it synthesizes a reading around the configured baseline,
// deterministic per (probe id, substrate) so replays stay
// reproducible. Latency can jitter but never goes negative.
type Probe struct {
	id         string
	baseline   float64
	spread     float64
	confidence float64
}

func New(id string, params map[string]string) (instrument.Instrument, error) {
	p := &Probe{id: id, baseline: 5.0, spread: 1.0, confidence: 0.95}
	var err error
	if raw, ok := params["baseline_ms"]; ok {
		if p.baseline, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("latency: bad baseline_ms %q: %w", raw, err)
		}
		if p.baseline < 0 {
			return nil, fmt.Errorf("latency: baseline_ms %v must not be negative", p.baseline)
		}
	}
	if raw, ok := params["spread"]; ok {
		if p.spread, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("latency: bad spread %q: %w", raw, err)
		}
	}
	if raw, ok := params["confidence"]; ok {
		if p.confidence, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("latency: bad confidence %q: %w", raw, err)
		}
		if p.confidence < 0 || p.confidence > 1 {
			return nil, fmt.Errorf("latency: confidence %v outside [0,1]", p.confidence)
		}
	}
	return p, nil
}

func (p *Probe) Metadata() instrument.Metadata {
	return instrument.Metadata{
		Type:        Type,
		Name:        "Latency probe",
		Description: "Round-trip time measurement in milliseconds",
		Capability:  "latency",
	}
}

func (p *Probe) Execute(_ context.Context, in instrument.Input) (instrument.Reading, error) {
	offset := in.Calibration["latency_offset"]

	// Deterministic pseudo-jitter in [-spread, +spread].
	h := fnv.New64a()
	h.Write([]byte(p.id))
	h.Write([]byte(in.Substrate))
	jitter := (float64(h.Sum64()%2001)/1000.0 - 1.0) * p.spread

	value := p.baseline + jitter + offset
	if value < 0 {
		value = 0
	}
	return instrument.Reading{
		InstrumentID: p.id,
		Value:        value,
		Confidence:   p.confidence,
		Timestamp:    time.Now().UTC(),
		SourceTag:    p.id + "@" + in.Substrate,
		Category:     Category,
	}, nil
}
