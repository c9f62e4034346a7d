package conductor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/inquest/internal/axiom"
	"github.com/danmuck/inquest/internal/belief"
	"github.com/danmuck/inquest/internal/fusion"
	"github.com/danmuck/inquest/internal/gate"
	"github.com/danmuck/inquest/internal/instrument"
	"github.com/danmuck/inquest/internal/manifest"
	"github.com/danmuck/inquest/internal/plan"
	"github.com/danmuck/inquest/internal/provenance"
	"github.com/danmuck/inquest/internal/raft"
	"github.com/danmuck/inquest/internal/sandbox"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownPlan = errors.New("conductor: unknown plan")

// leaderPollInterval is how often a non-leader checks whether it has
// acquired the dispatch lease, and how often the leader rescans for
// plans needing work.
const leaderPollInterval = 50 * time.Millisecond

// Options carries the pipeline the conductor drives. Every field is
// required.
type Options struct {
	NodeID   string
	Gate     *gate.Gate
	Registry *instrument.Registry
	Sandbox  *sandbox.Driver
	Filter   *axiom.Filter
	Fusion   *fusion.Engine
	Logger   zerolog.Logger
}

// Conductor accepts inquiries, replicates their plans through the log,
// and — while holding the dispatch lease — executes them.
type Conductor struct {
	opts  Options
	node  *raft.Node
	state *ClusterState

	logger zerolog.Logger
}

func New(node *raft.Node, state *ClusterState, opts Options) *Conductor {
	return &Conductor{
		opts:   opts,
		node:   node,
		state:  state,
		logger: opts.Logger.With().Str("component", "conductor").Logger(),
	}
}

// State exposes the committed cluster state for read paths.
func (c *Conductor) State() *ClusterState { return c.state }

// Submit admits, compiles, and replicates one inquiry. Resubmitting a
// manifest whose plan is already committed returns the existing state
// without a second execution.
func (c *Conductor) Submit(ctx context.Context, tenant string, m manifest.Manifest) (PlanSnapshot, error) {
	if err := c.opts.Gate.AuthorizeAll(tenant, m.Capabilities()); err != nil {
		return PlanSnapshot{}, err
	}
	p, err := plan.Compile(m)
	if err != nil {
		return PlanSnapshot{}, err
	}
	if snap, ok := c.state.Snapshot(p.ManifestID); ok {
		c.logger.Info().Str("plan", p.ManifestID).Msg("duplicate_submission")
		return snap, nil
	}

	ev := Event{
		Type:      EventSubmitted,
		PlanID:    p.ManifestID,
		Tenant:    tenant,
		Plan:      p,
		Timestamp: time.Now().UTC(),
	}
	if err := c.propose(ev); err != nil {
		return PlanSnapshot{}, err
	}
	if err := c.state.WaitFor(ctx, p.ManifestID, func(_ PlanSnapshot, ok bool) bool {
		return ok
	}); err != nil {
		return PlanSnapshot{}, err
	}
	snap, _ := c.state.Snapshot(p.ManifestID)
	c.logger.Info().
		Str("plan", p.ManifestID).
		Str("tenant", tenant).
		Str("protocol", p.Protocol).
		Int("steps", len(p.Steps)).
		Msg("inquiry_submitted")
	return snap, nil
}

// Status returns the committed view of one plan.
func (c *Conductor) Status(planID string) (PlanSnapshot, error) {
	snap, ok := c.state.Snapshot(planID)
	if !ok {
		return PlanSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	return snap, nil
}

// Cancel commits a cancelled event for the plan. Cancellation is
// effective once the entry commits; in-flight probes get a best-effort
// stop and any stray results are discarded on apply.
func (c *Conductor) Cancel(ctx context.Context, planID string) (PlanSnapshot, error) {
	snap, ok := c.state.Snapshot(planID)
	if !ok {
		return PlanSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	if snap.Terminal() {
		return snap, nil
	}
	ev := Event{Type: EventCancelled, PlanID: planID, Timestamp: time.Now().UTC()}
	if err := c.propose(ev); err != nil {
		return PlanSnapshot{}, err
	}
	if err := c.state.WaitFor(ctx, planID, func(s PlanSnapshot, ok bool) bool {
		return ok && s.Terminal()
	}); err != nil {
		return PlanSnapshot{}, err
	}
	snap, _ = c.state.Snapshot(planID)
	return snap, nil
}

// Records returns the plan's sealed provenance records. The archive is
// written on apply, so any node serves it, not just the leader that
// ran the fusion.
func (c *Conductor) Records(ctx context.Context, planID string) ([]provenance.Record, error) {
	if _, ok := c.state.Snapshot(planID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	return c.state.store.ByPlan(ctx, planID)
}

// Estimate returns the current belief for an entity.
func (c *Conductor) Estimate(entity string) (belief.Estimate, bool) {
	return c.state.tracker.Estimate(entity)
}

func (c *Conductor) propose(ev Event) error {
	raw, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	_, err = c.node.Propose(raw)
	return err
}

// Run drives the dispatch loop until ctx is cancelled. Dispatch only
// happens under the leadership lease; losing it abandons in-flight
// work mid-step, and the next leader resumes each plan from its last
// committed step completion.
func (c *Conductor) Run(ctx context.Context) {
	ticker := time.NewTicker(leaderPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		lease, term, ok := c.node.Leadership()
		if !ok {
			continue
		}
		c.lead(ctx, lease, term)
	}
}

// lead dispatches plans for as long as the lease holds.
func (c *Conductor) lead(parent context.Context, lease context.Context, term uint64) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-lease.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	c.logger.Info().Uint64("term", term).Msg("dispatch_lease_acquired")
	defer c.logger.Info().Uint64("term", term).Msg("dispatch_lease_released")

	g, gctx := errgroup.WithContext(ctx)
	active := make(map[string]bool)
	done := make(chan string, 16)

	ticker := time.NewTicker(leaderPollInterval)
	defer ticker.Stop()
	for {
		for _, snap := range c.state.Snapshots() {
			id := snap.Plan.ManifestID
			if snap.Terminal() || active[id] {
				continue
			}
			active[id] = true
			g.Go(func() error {
				defer func() {
					select {
					case done <- id:
					case <-ctx.Done():
					}
				}()
				if err := c.executePlan(gctx, id); err != nil && !errors.Is(err, context.Canceled) {
					c.logger.Error().Err(err).Str("plan", id).Msg("dispatch_failed")
				}
				return nil
			})
		}

		select {
		case <-ctx.Done():
			_ = g.Wait()
			return
		case id := <-done:
			delete(active, id)
		case <-ticker.C:
		}
	}
}
