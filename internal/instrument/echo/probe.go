package echo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/danmuck/inquest/internal/instrument"
)

const Type = "echo"

// Probe returns a configured value unchanged. Useful for wiring checks
// and as a fixed reference source during arbitration.
type Probe struct {
	id         string
	value      float64
	confidence float64
	category   string
}

func New(id string, params map[string]string) (instrument.Instrument, error) {
	p := &Probe{id: id, confidence: 1.0}
	if raw, ok := params["value"]; ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("echo: bad value %q: %w", raw, err)
		}
		p.value = v
	}
	if raw, ok := params["confidence"]; ok {
		c, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("echo: bad confidence %q: %w", raw, err)
		}
		if c < 0 || c > 1 {
			return nil, fmt.Errorf("echo: confidence %v outside [0,1]", c)
		}
		p.confidence = c
	}
	p.category = params["category"]
	return p, nil
}

func (p *Probe) Metadata() instrument.Metadata {
	return instrument.Metadata{
		Type:        Type,
		Name:        "Echo",
		Description: "Returns its configured value verbatim",
		Capability:  "echo",
	}
}

func (p *Probe) Execute(_ context.Context, in instrument.Input) (instrument.Reading, error) {
	return instrument.Reading{
		InstrumentID: p.id,
		Value:        p.value,
		Confidence:   p.confidence,
		Timestamp:    time.Now().UTC(),
		SourceTag:    p.id + "@" + in.Substrate,
		Category:     p.category,
	}, nil
}
