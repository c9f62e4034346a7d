// Package belief accumulates ground truths per logical entity and
// collapses them into verified values once evidence is strong enough.
//
// The tracker exists to keep one noisy or intermittent source from
// triggering a compliance decision on its own: estimates stay
// provisional until cumulative confidence crosses the collapse
// threshold.
package belief

import (
	"math"
	"sync"

	"github.com/danmuck/inquest/internal/fusion"
	"github.com/rs/zerolog"
)

const (
	StatusProvisional = "provisional"
	StatusVerified    = "verified"
)

const (
	defaultCollapseThreshold = 2.0
	defaultDecay             = 0.9

	// contestedWeight discounts evidence from contested fusion rounds.
	contestedWeight = 0.5
)

type Config struct {
	// CollapseThreshold is the cumulative confidence at which an entity
	// becomes verified. Zero keeps the default.
	CollapseThreshold float64
	// Decay is the exponential factor applied to accumulated evidence
	// before each new observation, bounding the effective window.
	Decay float64
	// AllowRetraction enables un-collapsing a verified entity when
	// sustained contradicting evidence accumulates past the collapse
	// threshold. Off by default: contradictions are logged as revisions.
	AllowRetraction bool
	// RetractionDelta is how far an observation must sit from the
	// authoritative value to count as contradicting.
	RetractionDelta float64
}

// Estimate is the queryable view of one entity's belief state.
type Estimate struct {
	Entity       string  `json:"entity"`
	Value        float64 `json:"value"`
	Confidence   float64 `json:"confidence"`
	Status       string  `json:"status"`
	Observations int     `json:"observations"`
	Revisions    int     `json:"revisions"`
}

type state struct {
	mu sync.Mutex

	weightedSum  float64
	weightTotal  float64
	cumulative   float64
	contradicted float64

	collapsed     bool
	authoritative float64
	observations  int
	revisions     int
}

// Tracker holds belief state per entity. Observations for the same
// entity are serialized on the entity's own lock.
type Tracker struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	entities map[string]*state
}

func NewTracker(cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.CollapseThreshold <= 0 {
		cfg.CollapseThreshold = defaultCollapseThreshold
	}
	if cfg.Decay <= 0 || cfg.Decay > 1 {
		cfg.Decay = defaultDecay
	}
	return &Tracker{
		cfg:      cfg,
		logger:   logger,
		entities: make(map[string]*state),
	}
}

func (t *Tracker) entity(key string) *state {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.entities[key]
	if !ok {
		s = &state{}
		t.entities[key] = s
	}
	return s
}

// Observe folds one ground truth into the entity's accumulator and
// returns the resulting estimate.
func (t *Tracker) Observe(entity string, gt fusion.GroundTruth) Estimate {
	s := t.entity(entity)
	s.mu.Lock()
	defer s.mu.Unlock()

	weight := gt.Confidence
	if gt.Contested() {
		weight *= contestedWeight
	}

	s.weightedSum = s.weightedSum*t.cfg.Decay + gt.Value*weight
	s.weightTotal = s.weightTotal*t.cfg.Decay + weight
	s.cumulative = s.cumulative*t.cfg.Decay + weight
	s.observations++

	if !s.collapsed && s.cumulative >= t.cfg.CollapseThreshold {
		s.collapsed = true
		s.authoritative = s.estimate()
		t.logger.Info().
			Str("entity", entity).
			Float64("value", s.authoritative).
			Float64("cumulative", s.cumulative).
			Msg("belief_collapsed")
	} else if s.collapsed {
		t.refineLocked(entity, s, gt, weight)
	}

	return t.snapshotLocked(entity, s)
}

// refineLocked handles post-collapse observations: the authoritative
// value moves with new evidence and the move is logged as a revision,
// never a rollback. Retraction only happens under the configured policy.
func (t *Tracker) refineLocked(entity string, s *state, gt fusion.GroundTruth, weight float64) {
	refined := s.estimate()
	if math.Abs(refined-s.authoritative) > 1e-9 {
		s.revisions++
		t.logger.Info().
			Str("entity", entity).
			Float64("from", s.authoritative).
			Float64("to", refined).
			Int("revision", s.revisions).
			Msg("belief_revised")
		s.authoritative = refined
	}

	if !t.cfg.AllowRetraction {
		return
	}
	if math.Abs(gt.Value-s.authoritative) > t.cfg.RetractionDelta {
		s.contradicted = s.contradicted*t.cfg.Decay + weight
	} else {
		s.contradicted *= t.cfg.Decay
	}
	if s.contradicted >= t.cfg.CollapseThreshold {
		s.collapsed = false
		s.cumulative = 0
		s.contradicted = 0
		t.logger.Warn().
			Str("entity", entity).
			Msg("belief_retracted")
	}
}

func (s *state) estimate() float64 {
	if s.weightTotal == 0 {
		return 0
	}
	return s.weightedSum / s.weightTotal
}

func (t *Tracker) snapshotLocked(entity string, s *state) Estimate {
	est := Estimate{
		Entity:       entity,
		Value:        s.estimate(),
		Confidence:   s.cumulative,
		Status:       StatusProvisional,
		Observations: s.observations,
		Revisions:    s.revisions,
	}
	if s.collapsed {
		est.Status = StatusVerified
		est.Value = s.authoritative
		// A verified entity never reports confidence below the bar that
		// verified it.
		if est.Confidence < t.cfg.CollapseThreshold {
			est.Confidence = t.cfg.CollapseThreshold
		}
	}
	return est
}

// Estimate returns the current view for an entity.
func (t *Tracker) Estimate(entity string) (Estimate, bool) {
	t.mu.Lock()
	s, ok := t.entities[entity]
	t.mu.Unlock()
	if !ok {
		return Estimate{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.snapshotLocked(entity, s), true
}
