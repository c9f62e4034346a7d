// Package instrument owns the probe capability surface.
//
// Ownership boundary:
// - the Instrument interface and Reading value
// - the type-name to constructor registry (closed set, no runtime patching)
//
// Builtin probes live in subpackages and register through Builtins.
package instrument

import (
	"context"
	"time"
)

// Reading is one raw measurement from one instrument. Ephemeral: it is
// consumed by the filter and fusion and survives only in provenance.
type Reading struct {
	InstrumentID string    `json:"instrument_id"`
	Value        float64   `json:"value"`
	Confidence   float64   `json:"confidence"`
	Timestamp    time.Time `json:"timestamp"`
	SourceTag    string    `json:"source_tag"`

	// Category scopes which axioms apply, e.g. "temperature".
	Category string `json:"category,omitempty"`

	// Failed marks a probe that ran to completion but could not
	// produce a usable measurement. Distinct from sandbox errors.
	Failed bool   `json:"failed,omitempty"`
	Note   string `json:"note,omitempty"`
}

// Input is the execution context handed to a probe.
type Input struct {
	Substrate   string
	Parameters  map[string]string
	Calibration map[string]float64
}

// Metadata describes one instrument variant.
type Metadata struct {
	Type        string
	Name        string
	Description string
	Capability  string
}

// Instrument is one probe. Implementations are stateless between
// invocations apart from calibration data passed through Input.
type Instrument interface {
	Metadata() Metadata
	Execute(ctx context.Context, in Input) (Reading, error)
}

// Constructor builds an instrument instance for one manifest declaration.
type Constructor func(id string, params map[string]string) (Instrument, error)
