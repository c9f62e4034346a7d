package conductor

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/inquest/internal/belief"
	"github.com/danmuck/inquest/internal/instrument"
	"github.com/danmuck/inquest/internal/observability"
	"github.com/danmuck/inquest/internal/plan"
	"github.com/danmuck/inquest/internal/provenance"
	"github.com/danmuck/inquest/internal/raft"
	"github.com/rs/zerolog"
)

// Plan statuses derived from applied events.
const (
	StatusSubmitted = "submitted"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// StepResult is the committed outcome of one step.
type StepResult struct {
	StepID   string              `json:"step_id"`
	Outcome  string              `json:"outcome"`
	Attempts int                 `json:"attempts"`
	Reading  *instrument.Reading `json:"reading,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// PlanSnapshot is a copy of one plan's committed state, safe to hand
// to callers.
type PlanSnapshot struct {
	Plan        plan.Plan             `json:"plan"`
	Tenant      string                `json:"tenant"`
	Status      string                `json:"status"`
	Steps       map[string]StepResult `json:"steps"`
	RecordIDs   []string              `json:"record_ids,omitempty"`
	Error       string                `json:"error,omitempty"`
	SubmittedAt time.Time             `json:"submitted_at"`
	FinishedAt  time.Time             `json:"finished_at,omitempty"`
}

// Terminal reports whether the plan has reached a final status.
func (s PlanSnapshot) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type planState struct {
	plan        plan.Plan
	tenant      string
	status      string
	steps       map[string]StepResult
	recordIDs   []string
	err         string
	submittedAt time.Time
	finishedAt  time.Time
}

// ClusterState is the deterministic state machine fed by committed log
// entries. Apply is the only mutation path: the belief tracker and
// the provenance store are written here and nowhere else, so every
// node that applies the same log holds the same archive and the same
// beliefs — a new leader resumes with cross-round collapse intact.
type ClusterState struct {
	nodeID  string
	tracker *belief.Tracker
	store   provenance.Store
	logger  zerolog.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	plans map[string]*planState
}

func NewClusterState(nodeID string, tracker *belief.Tracker, store provenance.Store, logger zerolog.Logger) *ClusterState {
	s := &ClusterState{
		nodeID:  nodeID,
		tracker: tracker,
		store:   store,
		plans:   make(map[string]*planState),
		logger:  logger,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Apply folds one committed entry into the state. Unknown or
// out-of-order events are ignored rather than crashing the node: the
// log is the authority and a bad event must not take the cluster down.
func (s *ClusterState) Apply(entry raft.Entry) {
	ev, err := decodeEvent(entry.Payload)
	if err != nil {
		s.logger.Error().Err(err).Uint64("index", entry.Index).Msg("apply_undecodable_entry")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	ps := s.plans[ev.PlanID]
	switch ev.Type {
	case EventSubmitted:
		if ps != nil || ev.Plan == nil {
			// Duplicate submission of a committed plan id is a no-op.
			return
		}
		s.plans[ev.PlanID] = &planState{
			plan:        *ev.Plan,
			tenant:      ev.Tenant,
			status:      StatusSubmitted,
			steps:       make(map[string]StepResult),
			submittedAt: ev.Timestamp,
		}
	case EventStarted:
		if ps == nil || terminalStatus(ps.status) {
			return
		}
		ps.status = StatusRunning
	case EventStepCompleted:
		if ps == nil || terminalStatus(ps.status) {
			// Stray result for a cancelled or finished plan.
			return
		}
		if _, done := ps.steps[ev.StepID]; done {
			return
		}
		ps.steps[ev.StepID] = StepResult{
			StepID:   ev.StepID,
			Outcome:  ev.Outcome,
			Attempts: ev.Attempts,
			Reading:  ev.Reading,
			Error:    ev.Error,
		}
	case EventCompleted:
		if ps == nil || terminalStatus(ps.status) {
			return
		}
		ps.status = StatusCompleted
		ps.recordIDs = s.materializeLocked(ev, ps)
		ps.finishedAt = ev.Timestamp
	case EventFailed:
		if ps == nil || terminalStatus(ps.status) {
			return
		}
		ps.status = StatusFailed
		ps.err = ev.Error
		ps.finishedAt = ev.Timestamp
	case EventCancelled:
		if ps == nil || terminalStatus(ps.status) {
			return
		}
		ps.status = StatusCancelled
		ps.finishedAt = ev.Timestamp
	default:
		s.logger.Warn().Str("type", ev.Type).Str("plan", ev.PlanID).Msg("apply_unknown_event")
	}
}

// materializeLocked folds one completed event's entity results into
// the belief tracker and seals a provenance record per entity. It is
// deterministic: the record content derives entirely from the event
// and the tracker state, which itself is a pure function of the log,
// so every node seals identical record ids. Append is idempotent on
// the sealed id, which makes log replay after a restart harmless.
func (s *ClusterState) materializeLocked(ev Event, ps *planState) []string {
	ids := make([]string, 0, len(ev.Results))
	for _, res := range ev.Results {
		rec := provenance.Record{
			PlanID:          ev.PlanID,
			PlanFingerprint: ps.plan.Fingerprint,
			Entity:          res.Entity,
			Readings:        res.Readings,
			GroundTruth:     res.GroundTruth,
			RecordedAt:      ev.Timestamp,
		}
		if res.GroundTruth != nil {
			prev, had := s.tracker.Estimate(res.Entity)
			est := s.tracker.Observe(res.Entity, *res.GroundTruth)
			if est.Status == belief.StatusVerified && (!had || prev.Status != belief.StatusVerified) {
				observability.RecordBeliefCollapse(s.nodeID)
			}
			rec.Belief = est
			rec.Round = est.Observations
		} else if est, ok := s.tracker.Estimate(res.Entity); ok {
			// Round produced no usable data; the record carries the
			// standing belief unchanged.
			rec.Belief = est
			rec.Round = est.Observations
		}
		rec = rec.Seal()
		if err := s.store.Append(context.Background(), rec); err != nil {
			s.logger.Error().
				Err(err).
				Str("plan", ev.PlanID).
				Str("entity", res.Entity).
				Msg("provenance_append_failed")
		}
		ids = append(ids, rec.ID)
	}
	return ids
}

func terminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s *ClusterState) snapshotLocked(ps *planState) PlanSnapshot {
	steps := make(map[string]StepResult, len(ps.steps))
	for k, v := range ps.steps {
		steps[k] = v
	}
	return PlanSnapshot{
		Plan:        ps.plan,
		Tenant:      ps.tenant,
		Status:      ps.status,
		Steps:       steps,
		RecordIDs:   append([]string(nil), ps.recordIDs...),
		Error:       ps.err,
		SubmittedAt: ps.submittedAt,
		FinishedAt:  ps.finishedAt,
	}
}

// Snapshot returns the committed view of one plan.
func (s *ClusterState) Snapshot(planID string) (PlanSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.plans[planID]
	if !ok {
		return PlanSnapshot{}, false
	}
	return s.snapshotLocked(ps), true
}

// Snapshots returns every known plan.
func (s *ClusterState) Snapshots() []PlanSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlanSnapshot, 0, len(s.plans))
	for _, ps := range s.plans {
		out = append(out, s.snapshotLocked(ps))
	}
	return out
}

// WaitFor blocks until pred holds for the plan or ctx expires. The
// predicate sees a snapshot; ok is false while the plan is unknown.
func (s *ClusterState) WaitFor(ctx context.Context, planID string, pred func(snap PlanSnapshot, ok bool) bool) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.cond.Broadcast()
		case <-done:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		ps, ok := s.plans[planID]
		var snap PlanSnapshot
		if ok {
			snap = s.snapshotLocked(ps)
		}
		if pred(snap, ok) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
}
