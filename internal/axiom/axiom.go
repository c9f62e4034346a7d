// Package axiom rejects readings that violate hard domain constraints
// before they can reach fusion.
package axiom

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/inquest/internal/instrument"
	"github.com/rs/zerolog"
)

const (
	KindRange     = "range"
	KindMonotonic = "monotonic"

	DirectionIncreasing = "increasing"
	DirectionDecreasing = "decreasing"

	// ReasonMeasurementFailed marks readings the probe itself declared
	// unusable; they never had a value to test.
	ReasonMeasurementFailed = "measurement_failed"
)

var ErrInvalidAxiom = errors.New("axiom: invalid definition")

// Axiom is one named constraint scoped to a value category.
type Axiom struct {
	Name     string  `toml:"name" json:"name"`
	Category string  `toml:"category" json:"category"`
	Kind     string  `toml:"kind" json:"kind"`
	Min      float64 `toml:"min" json:"min,omitempty"`
	Max      float64 `toml:"max" json:"max,omitempty"`
	// Direction applies to monotonic axioms: accepted values must not
	// move against it between rounds.
	Direction string `toml:"direction" json:"direction,omitempty"`
}

func (a Axiom) validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidAxiom)
	}
	switch a.Kind {
	case KindRange:
		if a.Min > a.Max {
			return fmt.Errorf("%w: %s: min %v above max %v", ErrInvalidAxiom, a.Name, a.Min, a.Max)
		}
	case KindMonotonic:
		if a.Direction != DirectionIncreasing && a.Direction != DirectionDecreasing {
			return fmt.Errorf("%w: %s: direction must be increasing or decreasing", ErrInvalidAxiom, a.Name)
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidAxiom, a.Name, a.Kind)
	}
	return nil
}

// Rejection records one discarded reading and why.
type Rejection struct {
	Reading instrument.Reading `json:"reading"`
	Reason  string             `json:"reason"`
}

// Filter applies axioms round by round. Within a round every reading is
// judged independently; monotonic axioms compare against the reference
// value carried over from previously accepted rounds.
type Filter struct {
	logger zerolog.Logger

	mu     sync.Mutex
	axioms []Axiom
	refs   map[string]float64
	seen   map[string]bool
}

func NewFilter(axioms []Axiom, logger zerolog.Logger) (*Filter, error) {
	for _, a := range axioms {
		if err := a.validate(); err != nil {
			return nil, err
		}
	}
	return &Filter{
		logger: logger,
		axioms: axioms,
		refs:   make(map[string]float64),
		seen:   make(map[string]bool),
	}, nil
}

// Apply partitions readings into survivors and rejections. Rejections
// carry "axiom:<name>" reasons for the audit trail; nothing is dropped
// silently.
func (f *Filter) Apply(readings []instrument.Reading) (valid []instrument.Reading, rejected []Rejection) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range readings {
		if r.Failed {
			rejected = append(rejected, f.reject(r, ReasonMeasurementFailed))
			continue
		}
		if reason, ok := f.violation(r); ok {
			rejected = append(rejected, f.reject(r, reason))
			continue
		}
		valid = append(valid, r)
	}

	// Monotonic references advance only on accepted readings, after the
	// whole round is judged.
	for _, r := range valid {
		for _, a := range f.axioms {
			if a.Kind == KindMonotonic && a.Category == r.Category {
				f.advance(a, r.Value)
			}
		}
	}
	return valid, rejected
}

func (f *Filter) violation(r instrument.Reading) (string, bool) {
	for _, a := range f.axioms {
		if a.Category != r.Category {
			continue
		}
		switch a.Kind {
		case KindRange:
			if r.Value < a.Min || r.Value > a.Max {
				return "axiom:" + a.Name, true
			}
		case KindMonotonic:
			if !f.seen[a.Name] {
				continue
			}
			ref := f.refs[a.Name]
			if a.Direction == DirectionIncreasing && r.Value < ref {
				return "axiom:" + a.Name, true
			}
			if a.Direction == DirectionDecreasing && r.Value > ref {
				return "axiom:" + a.Name, true
			}
		}
	}
	return "", false
}

func (f *Filter) advance(a Axiom, value float64) {
	if !f.seen[a.Name] {
		f.seen[a.Name] = true
		f.refs[a.Name] = value
		return
	}
	ref := f.refs[a.Name]
	if a.Direction == DirectionIncreasing && value > ref {
		f.refs[a.Name] = value
	}
	if a.Direction == DirectionDecreasing && value < ref {
		f.refs[a.Name] = value
	}
}

func (f *Filter) reject(r instrument.Reading, reason string) Rejection {
	f.logger.Warn().
		Str("instrument", r.InstrumentID).
		Str("source", r.SourceTag).
		Float64("value", r.Value).
		Str("reason", reason).
		Msg("reading_rejected")
	return Rejection{Reading: r, Reason: reason}
}
