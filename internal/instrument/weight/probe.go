// Package weight estimates structural load on a substrate.
package weight

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/inquest/internal/instrument"
)

const (
	Type     = "weight"
	Category = "mass_kg"
)

// Probe aggregates component masses declared on the substrate. A probe
// can legitimately complete and still fail its measurement (no
// components declared); it reports that as a failed reading, not an
// execution error.
type Probe struct {
	id         string
	confidence float64
}

func New(id string, params map[string]string) (instrument.Instrument, error) {
	p := &Probe{id: id, confidence: 0.8}
	if raw, ok := params["confidence"]; ok {
		c, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("weight: bad confidence %q: %w", raw, err)
		}
		if c < 0 || c > 1 {
			return nil, fmt.Errorf("weight: confidence %v outside [0,1]", c)
		}
		p.confidence = c
	}
	return p, nil
}

func (p *Probe) Metadata() instrument.Metadata {
	return instrument.Metadata{
		Type:        Type,
		Name:        "Weight analyzer",
		Description: "Sums declared component masses into a structural load estimate",
		Capability:  "structural",
	}
}

func (p *Probe) Execute(_ context.Context, in instrument.Input) (instrument.Reading, error) {
	reading := instrument.Reading{
		InstrumentID: p.id,
		Confidence:   p.confidence,
		Timestamp:    time.Now().UTC(),
		SourceTag:    p.id + "@" + in.Substrate,
		Category:     Category,
	}

	raw, ok := in.Parameters["component_masses"]
	if !ok || strings.TrimSpace(raw) == "" {
		reading.Failed = true
		reading.Confidence = 0
		reading.Note = "no component masses declared"
		return reading, nil
	}

	var total float64
	for _, part := range strings.Split(raw, ",") {
		mass, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return instrument.Reading{}, fmt.Errorf("weight: bad component mass %q: %w", part, err)
		}
		if mass < 0 {
			return instrument.Reading{}, fmt.Errorf("weight: negative component mass %v", mass)
		}
		total += mass
	}
	reading.Value = total
	return reading, nil
}
