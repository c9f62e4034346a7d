package fusion

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/danmuck/inquest/internal/instrument"
	"github.com/danmuck/inquest/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func thermalRound() []instrument.Reading {
	return []instrument.Reading{
		{InstrumentID: "a", SourceTag: "a@lab", Value: 22.5, Confidence: 0.9},
		{InstrumentID: "b", SourceTag: "b@lab", Value: 22.7, Confidence: 0.85},
		{InstrumentID: "c", SourceTag: "c@lab", Value: 22.4, Confidence: 0.95},
	}
}

func TestSynthesizeWeightedMean(t *testing.T) {
	testlog.Start(t)

	e := NewEngine(Config{DivergenceThreshold: 1.0}, zerolog.Nop())
	gt, err := e.Synthesize(thermalRound())
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if math.Abs(gt.Value-22.53) > 0.01 {
		t.Fatalf("expected ≈22.53, got %v", gt.Value)
	}
	if gt.Method != MethodWeightedMean {
		t.Fatalf("expected weighted_mean, got %q", gt.Method)
	}
	if gt.Contested() {
		t.Fatal("round must not be contested")
	}
	if gt.Uncertainty <= 0 || gt.Uncertainty > 0.3 {
		t.Fatalf("implausible uncertainty %v", gt.Uncertainty)
	}
	want := []string{"a@lab", "b@lab", "c@lab"}
	if !reflect.DeepEqual(gt.Sources, want) {
		t.Fatalf("sources %v, want %v", gt.Sources, want)
	}
}

func TestSynthesizeOrderIndependent(t *testing.T) {
	e := NewEngine(Config{}, zerolog.Nop())
	base, err := e.Synthesize(thermalRound())
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		shuffled := thermalRound()
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		got, err := e.Synthesize(shuffled)
		if err != nil {
			t.Fatalf("synthesize shuffled: %v", err)
		}
		if got.Value != base.Value || got.Uncertainty != base.Uncertainty {
			t.Fatalf("reordered input changed output: %+v vs %+v", got, base)
		}
		if !reflect.DeepEqual(got.Sources, base.Sources) {
			t.Fatalf("source order not canonical: %v", got.Sources)
		}
	}
}

func TestSynthesizeContestedRound(t *testing.T) {
	e := NewEngine(Config{DivergenceThreshold: 1.0}, zerolog.Nop())
	gt, err := e.Synthesize([]instrument.Reading{
		{InstrumentID: "a", SourceTag: "a@x", Value: 10, Confidence: 0.9},
		{InstrumentID: "b", SourceTag: "b@x", Value: 30, Confidence: 0.9},
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if gt.Method != MethodContestedMean || !gt.Contested() {
		t.Fatalf("expected contested round, got %q", gt.Method)
	}
	if gt.Value != 20 {
		t.Fatalf("contested round still reports best effort mean, got %v", gt.Value)
	}
}

func TestSynthesizeEmptyInput(t *testing.T) {
	e := NewEngine(Config{}, zerolog.Nop())
	if _, err := e.Synthesize(nil); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestSynthesizeZeroConfidence(t *testing.T) {
	e := NewEngine(Config{}, zerolog.Nop())
	_, err := e.Synthesize([]instrument.Reading{
		{InstrumentID: "a", SourceTag: "a@x", Value: 1, Confidence: 0},
	})
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestSynthesizeSingleSource(t *testing.T) {
	e := NewEngine(Config{}, zerolog.Nop())
	gt, err := e.Synthesize([]instrument.Reading{
		{InstrumentID: "a", SourceTag: "a@x", Value: 42, Confidence: 0.7},
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if gt.Value != 42 || gt.Uncertainty != 0 {
		t.Fatalf("single source must pass through exactly: %+v", gt)
	}
}
