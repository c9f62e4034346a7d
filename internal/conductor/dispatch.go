package conductor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/danmuck/inquest/internal/axiom"
	"github.com/danmuck/inquest/internal/fusion"
	"github.com/danmuck/inquest/internal/instrument"
	"github.com/danmuck/inquest/internal/observability"
	"github.com/danmuck/inquest/internal/plan"
	"github.com/danmuck/inquest/internal/provenance"
	"github.com/danmuck/inquest/internal/sandbox"
)

// executePlan drives one plan from its committed state to a terminal
// status. It is resumable: the schedule is recomputed from committed
// step results every pass, so a plan picked up mid-flight continues
// after its last committed step instead of restarting.
func (c *Conductor) executePlan(ctx context.Context, planID string) error {
	snap, ok := c.state.Snapshot(planID)
	if !ok || snap.Terminal() {
		return nil
	}
	if snap.Status == StatusSubmitted {
		ev := Event{Type: EventStarted, PlanID: planID, Timestamp: time.Now().UTC()}
		if err := c.propose(ev); err != nil {
			return err
		}
		if err := c.state.WaitFor(ctx, planID, func(s PlanSnapshot, ok bool) bool {
			return ok && s.Status != StatusSubmitted
		}); err != nil {
			return err
		}
	}

	if err := c.runSteps(ctx, planID); err != nil {
		return err
	}

	snap, ok = c.state.Snapshot(planID)
	if !ok || snap.Terminal() {
		return nil
	}
	return c.finalize(ctx, snap)
}

type stepOutcome struct {
	step     plan.Step
	outcome  string
	attempts int
	reading  *instrument.Reading
	err      string
}

// runSteps schedules the plan's DAG: independent steps run
// concurrently up to MaxWorkers, dependents block on upstream
// completion. Every outcome is committed before it counts.
func (c *Conductor) runSteps(ctx context.Context, planID string) error {
	snap, ok := c.state.Snapshot(planID)
	if !ok {
		return nil
	}
	p := snap.Plan
	permitted := permittedCapabilities(p)

	// stepCtx dies with the plan so cancellation reaches in-flight
	// probes as a best-effort termination signal.
	stepCtx, stopSteps := context.WithCancel(ctx)
	defer stopSteps()

	results := make(chan stepOutcome, len(p.Steps))
	inFlight := make(map[string]bool)

	ticker := time.NewTicker(leaderPollInterval)
	defer ticker.Stop()

	for {
		snap, ok = c.state.Snapshot(planID)
		if !ok || snap.Terminal() {
			return nil
		}
		if len(snap.Steps) == len(p.Steps) {
			return nil
		}

		for _, step := range p.Steps {
			if len(inFlight) >= p.MaxWorkers {
				break
			}
			if inFlight[step.ID] {
				continue
			}
			if _, committed := snap.Steps[step.ID]; committed {
				continue
			}
			switch upstreamState(snap, step) {
			case upstreamReady:
				inFlight[step.ID] = true
				go func(step plan.Step) {
					results <- c.runStep(stepCtx, p, step, permitted)
				}(step)
			case upstreamFailed:
				// The step can never run; commit the failure so the
				// plan makes progress.
				inFlight[step.ID] = true
				go func(step plan.Step) {
					results <- stepOutcome{step: step, outcome: StepFailed, err: "upstream step failed"}
				}(step)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Re-check committed state; a cancellation may have landed
			// while probes were running.
		case res := <-results:
			delete(inFlight, res.step.ID)
			if err := c.commitStep(ctx, planID, res); err != nil {
				return err
			}
		}
	}
}

const (
	upstreamReady = iota
	upstreamBlocked
	upstreamFailed
)

func upstreamState(snap PlanSnapshot, step plan.Step) int {
	for _, dep := range step.DependsOn {
		res, ok := snap.Steps[dep]
		if !ok {
			return upstreamBlocked
		}
		if res.Outcome != StepCompleted {
			return upstreamFailed
		}
	}
	return upstreamReady
}

func (c *Conductor) commitStep(ctx context.Context, planID string, res stepOutcome) error {
	// Leadership may be gone and the plan may have been cancelled while
	// the probe ran; a stray result must not be committed.
	snap, ok := c.state.Snapshot(planID)
	if !ok || snap.Terminal() {
		return nil
	}
	ev := Event{
		Type:      EventStepCompleted,
		PlanID:    planID,
		StepID:    res.step.ID,
		Outcome:   res.outcome,
		Attempts:  res.attempts,
		Reading:   res.reading,
		Error:     res.err,
		Timestamp: time.Now().UTC(),
	}
	if err := c.propose(ev); err != nil {
		return err
	}
	return c.state.WaitFor(ctx, planID, func(s PlanSnapshot, ok bool) bool {
		if !ok {
			return false
		}
		_, committed := s.Steps[res.step.ID]
		return committed || s.Terminal()
	})
}

// runStep executes one step in the sandbox with the resolved retry
// policy: delay = backoff_factor × 2^(attempt-1) seconds, capped by
// the step timeout budget.
func (c *Conductor) runStep(ctx context.Context, p plan.Plan, step plan.Step, permitted map[string]bool) stepOutcome {
	start := time.Now()
	out := stepOutcome{step: step, outcome: StepFailed}

	inst, err := c.opts.Registry.Build(step.InstrumentType, step.InstrumentID, step.Parameters)
	if err != nil {
		out.err = err.Error()
		observability.RecordStep(c.opts.NodeID, out.outcome, time.Since(start))
		return out
	}
	in := instrument.Input{
		Substrate:  p.Substrate,
		Parameters: step.Parameters,
	}

	var lastErr error
	for attempt := 1; attempt <= step.Retry.MaxAttempts; attempt++ {
		out.attempts = attempt
		reading, err := c.opts.Sandbox.Run(ctx, inst, in, step.Timeout, permitted)
		if err == nil {
			out.outcome = StepCompleted
			out.reading = &reading
			observability.RecordStep(c.opts.NodeID, out.outcome, time.Since(start))
			return out
		}
		lastErr = err
		c.logger.Warn().
			Err(err).
			Str("plan", p.ManifestID).
			Str("step", step.ID).
			Int("attempt", attempt).
			Msg("step_attempt_failed")
		if !sandbox.Retryable(err) || attempt == step.Retry.MaxAttempts {
			break
		}
		delay := backoffDelay(step.Retry.BackoffFactor, attempt, step.Timeout)
		select {
		case <-ctx.Done():
			out.err = ctx.Err().Error()
			return out
		case <-time.After(delay):
		}
	}
	out.err = lastErr.Error()
	observability.RecordStep(c.opts.NodeID, out.outcome, time.Since(start))
	return out
}

func backoffDelay(factor float64, attempt int, budget time.Duration) time.Duration {
	d := time.Duration(factor * math.Pow(2, float64(attempt-1)) * float64(time.Second))
	if d > budget {
		d = budget
	}
	if d < 0 {
		d = 0
	}
	return d
}

// finalize runs the measurement pipeline over the plan's committed
// readings and commits the terminal event: axiom filtering, per-entity
// fusion, belief update, and a sealed provenance record per entity.
func (c *Conductor) finalize(ctx context.Context, snap PlanSnapshot) error {
	planID := snap.Plan.ManifestID

	var readings []instrument.Reading
	completed := 0
	for _, res := range snap.Steps {
		if res.Outcome != StepCompleted {
			continue
		}
		completed++
		if res.Reading != nil {
			readings = append(readings, *res.Reading)
		}
	}
	if completed == 0 && len(snap.Plan.Steps) > 0 {
		ev := Event{
			Type:      EventFailed,
			PlanID:    planID,
			Error:     "all steps failed",
			Timestamp: time.Now().UTC(),
		}
		if err := c.propose(ev); err != nil {
			return err
		}
		return c.waitTerminal(ctx, planID)
	}

	valid, rejected := c.opts.Filter.Apply(readings)
	for range valid {
		observability.RecordReading(c.opts.NodeID, provenance.DispositionAccepted)
	}
	for range rejected {
		observability.RecordReading(c.opts.NodeID, provenance.DispositionRejected)
	}

	results, err := c.fuseByEntity(snap, valid, rejectedRecords(rejected))
	if err != nil {
		return err
	}

	ev := Event{
		Type:      EventCompleted,
		PlanID:    planID,
		Results:   results,
		Timestamp: time.Now().UTC(),
	}
	if err := c.propose(ev); err != nil {
		return err
	}
	return c.waitTerminal(ctx, planID)
}

func (c *Conductor) waitTerminal(ctx context.Context, planID string) error {
	return c.state.WaitFor(ctx, planID, func(s PlanSnapshot, ok bool) bool {
		return ok && s.Terminal()
	})
}

// fuseByEntity groups readings by measurement category and runs one
// fusion round per entity. The fused output is returned for the
// completed event, not written locally: belief updates and sealed
// records happen on apply so every node materializes them. A round
// whose readings were all rejected yields a nil ground truth but
// still travels, so the rejection trail survives replication.
func (c *Conductor) fuseByEntity(snap PlanSnapshot, valid []instrument.Reading, rejected []provenance.ReadingRecord) ([]EntityResult, error) {
	planID := snap.Plan.ManifestID

	buckets := make(map[string][]provenance.ReadingRecord)
	for _, r := range valid {
		buckets[r.Category] = append(buckets[r.Category], provenance.ReadingRecord{
			Reading:     r,
			Disposition: provenance.DispositionAccepted,
		})
	}
	for _, rr := range rejected {
		buckets[rr.Reading.Category] = append(buckets[rr.Reading.Category], rr)
	}

	categories := make([]string, 0, len(buckets))
	for cat := range buckets {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	var results []EntityResult
	for _, cat := range categories {
		entity := snap.Plan.Substrate + "/" + cat
		var accepted []instrument.Reading
		for _, rr := range buckets[cat] {
			if rr.Disposition == provenance.DispositionAccepted {
				accepted = append(accepted, rr.Reading)
			}
		}

		res := EntityResult{Entity: entity, Readings: buckets[cat]}

		gt, err := c.opts.Fusion.Synthesize(accepted)
		switch {
		case errors.Is(err, fusion.ErrInsufficientData):
			// Every reading rejected: surfaced in the record, belief
			// unchanged.
			c.logger.Warn().Str("plan", planID).Str("entity", entity).Msg("insufficient_data")
		case err != nil:
			return nil, fmt.Errorf("conductor: fuse %s: %w", entity, err)
		default:
			observability.RecordFusionRound(c.opts.NodeID, gt.Method)
			res.GroundTruth = &gt
		}
		results = append(results, res)
	}
	return results, nil
}

func rejectedRecords(rejections []axiom.Rejection) []provenance.ReadingRecord {
	out := make([]provenance.ReadingRecord, 0, len(rejections))
	for _, rj := range rejections {
		out = append(out, provenance.ReadingRecord{
			Reading:     rj.Reading,
			Disposition: provenance.DispositionRejected,
			Reason:      rj.Reason,
		})
	}
	return out
}

func permittedCapabilities(p plan.Plan) map[string]bool {
	out := make(map[string]bool)
	for _, s := range p.Steps {
		if s.Capability != "" {
			out[s.Capability] = true
		}
	}
	return out
}
