// Package fusion arbitrates surviving readings into one ground truth
// value with an explicit uncertainty estimate.
package fusion

import (
	"errors"
	"math"
	"sort"

	"github.com/danmuck/inquest/internal/instrument"
	"github.com/rs/zerolog"
)

const (
	MethodWeightedMean  = "weighted_mean"
	MethodContestedMean = "contested_mean"
)

// ErrInsufficientData means no usable reading survived filtering; the
// engine never fabricates a value.
var ErrInsufficientData = errors.New("fusion: insufficient data")

// GroundTruth is the fused result of one round. Immutable once produced.
type GroundTruth struct {
	Value       float64  `json:"value"`
	Uncertainty float64  `json:"uncertainty"`
	Confidence  float64  `json:"confidence"`
	Sources     []string `json:"contributing_sources"`
	Method      string   `json:"synthesis_method"`
}

// Contested reports whether the round's sources diverged beyond the
// configured threshold.
func (gt GroundTruth) Contested() bool {
	return gt.Method == MethodContestedMean
}

type Config struct {
	// DivergenceThreshold is the maximum value spread across sources
	// before the round is flagged contested. Zero keeps the default.
	DivergenceThreshold float64
}

const defaultDivergence = 5.0

// Engine fuses readings with confidence-weighted arbitration.
type Engine struct {
	divergence float64
	logger     zerolog.Logger
}

func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	divergence := cfg.DivergenceThreshold
	if divergence <= 0 {
		divergence = defaultDivergence
	}
	return &Engine{divergence: divergence, logger: logger}
}

// Synthesize fuses one round of valid readings.
//
// Readings are processed in source-tag order regardless of arrival
// order, so the same multiset always produces the identical result,
// summation order included.
func (e *Engine) Synthesize(readings []instrument.Reading) (GroundTruth, error) {
	if len(readings) == 0 {
		return GroundTruth{}, ErrInsufficientData
	}

	ordered := make([]instrument.Reading, len(readings))
	copy(ordered, readings)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].SourceTag != ordered[j].SourceTag {
			return ordered[i].SourceTag < ordered[j].SourceTag
		}
		return ordered[i].InstrumentID < ordered[j].InstrumentID
	})

	var totalConf float64
	for _, r := range ordered {
		totalConf += r.Confidence
	}
	if totalConf <= 0 {
		return GroundTruth{}, ErrInsufficientData
	}

	var weighted float64
	for _, r := range ordered {
		weighted += r.Value * r.Confidence
	}
	mean := weighted / totalConf

	var variance float64
	for _, r := range ordered {
		dev := r.Value - mean
		variance += r.Confidence * dev * dev
	}
	variance /= totalConf

	low, high := ordered[0].Value, ordered[0].Value
	sources := make([]string, 0, len(ordered))
	for _, r := range ordered {
		low = math.Min(low, r.Value)
		high = math.Max(high, r.Value)
		sources = append(sources, r.SourceTag)
	}

	method := MethodWeightedMean
	if high-low > e.divergence {
		method = MethodContestedMean
		e.logger.Warn().
			Float64("spread", high-low).
			Float64("threshold", e.divergence).
			Msg("fusion_contested")
	}

	return GroundTruth{
		Value:       mean,
		Uncertainty: math.Sqrt(variance),
		Confidence:  totalConf / float64(len(ordered)),
		Sources:     sources,
		Method:      method,
	}, nil
}
