package axiom

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/inquest/internal/instrument"
	"github.com/danmuck/inquest/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func tempAxiom() Axiom {
	return Axiom{
		Name:     "temperature_range",
		Category: "temperature",
		Kind:     KindRange,
		Min:      -273.15,
		Max:      100.0,
	}
}

func reading(id string, value float64) instrument.Reading {
	return instrument.Reading{
		InstrumentID: id,
		Value:        value,
		Confidence:   0.9,
		Category:     "temperature",
		SourceTag:    id + "@lab",
	}
}

func TestRangeAxiomRejectsImpossibleReading(t *testing.T) {
	testlog.Start(t)

	f, err := NewFilter([]Axiom{tempAxiom()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}

	valid, rejected := f.Apply([]instrument.Reading{
		reading("a", 22.5),
		reading("b", 150.0),
	})
	if len(valid) != 1 || valid[0].InstrumentID != "a" {
		t.Fatalf("unexpected survivors %+v", valid)
	}
	if len(rejected) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(rejected))
	}
	if rejected[0].Reason != "axiom:temperature_range" {
		t.Fatalf("unexpected reason %q", rejected[0].Reason)
	}
}

func TestAxiomsScopedByCategory(t *testing.T) {
	f, _ := NewFilter([]Axiom{tempAxiom()}, zerolog.Nop())

	other := instrument.Reading{InstrumentID: "w", Value: 1e9, Category: "mass_kg", Confidence: 1}
	valid, rejected := f.Apply([]instrument.Reading{other})
	if len(rejected) != 0 || len(valid) != 1 {
		t.Fatalf("axiom applied outside its category: %+v", rejected)
	}
}

func TestFailedMeasurementRejectedWithReason(t *testing.T) {
	f, _ := NewFilter([]Axiom{tempAxiom()}, zerolog.Nop())

	failed := reading("a", 0)
	failed.Failed = true
	valid, rejected := f.Apply([]instrument.Reading{failed})
	if len(valid) != 0 {
		t.Fatal("failed measurement must not survive")
	}
	if rejected[0].Reason != ReasonMeasurementFailed {
		t.Fatalf("unexpected reason %q", rejected[0].Reason)
	}
}

func TestMonotonicAxiomAcrossRounds(t *testing.T) {
	f, err := NewFilter([]Axiom{{
		Name:      "uptime_monotonic",
		Category:  "uptime",
		Kind:      KindMonotonic,
		Direction: DirectionIncreasing,
	}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}

	up := func(v float64) instrument.Reading {
		return instrument.Reading{InstrumentID: "u", Value: v, Confidence: 1, Category: "uptime"}
	}

	valid, rejected := f.Apply([]instrument.Reading{up(100)})
	if len(valid) != 1 || len(rejected) != 0 {
		t.Fatalf("first round must accept: %+v %+v", valid, rejected)
	}

	valid, rejected = f.Apply([]instrument.Reading{up(90)})
	if len(valid) != 0 || len(rejected) != 1 {
		t.Fatal("regressing uptime must be rejected")
	}
	if rejected[0].Reason != "axiom:uptime_monotonic" {
		t.Fatalf("unexpected reason %q", rejected[0].Reason)
	}

	valid, _ = f.Apply([]instrument.Reading{up(150)})
	if len(valid) != 1 {
		t.Fatal("advancing uptime must be accepted")
	}
}

func TestAllReadingsRejectedLeavesEmptyValidSet(t *testing.T) {
	f, _ := NewFilter([]Axiom{tempAxiom()}, zerolog.Nop())
	valid, rejected := f.Apply([]instrument.Reading{
		reading("a", 300), reading("b", -400), reading("c", 101),
	})
	if len(valid) != 0 {
		t.Fatalf("expected empty valid set, got %+v", valid)
	}
	if len(rejected) != 3 {
		t.Fatalf("expected 3 rejections, got %d", len(rejected))
	}
}

func TestNewFilterValidatesDefinitions(t *testing.T) {
	_, err := NewFilter([]Axiom{{Name: "bad", Kind: "range", Min: 10, Max: 0}}, zerolog.Nop())
	if !errors.Is(err, ErrInvalidAxiom) {
		t.Fatalf("expected ErrInvalidAxiom, got %v", err)
	}
	_, err = NewFilter([]Axiom{{Name: "bad", Kind: "monotonic"}}, zerolog.Nop())
	if !errors.Is(err, ErrInvalidAxiom) {
		t.Fatalf("expected ErrInvalidAxiom, got %v", err)
	}
}

func TestLoadAxiomFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "axioms.toml")
	body := `
[[axioms]]
name = "temperature_range"
category = "temperature"
kind = "range"
min = -273.15
max = 100.0

[[axioms]]
name = "uptime_monotonic"
category = "uptime"
kind = "monotonic"
direction = "increasing"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	axioms, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(axioms) != 2 || axioms[0].Name != "temperature_range" {
		t.Fatalf("unexpected axioms %+v", axioms)
	}
}
