package plan

import (
	"fmt"
	"time"

	"github.com/danmuck/inquest/internal/manifest"
)

const (
	defaultStepTimeout = 30 * time.Second
	defaultBackoff     = 1.0

	// baseStepEstimate is the nominal wall time assumed per step when
	// estimating plan duration.
	baseStepEstimate = 30 * time.Second
)

// Compile derives the execution plan for a validated manifest.
// It returns *CompilationError or *CyclicDependencyError on defects;
// both unwrap to ErrCompilation.
func Compile(m manifest.Manifest) (*Plan, error) {
	if res := manifest.Validate(m); !res.IsValid {
		first := res.Errors[0]
		return nil, &CompilationError{Field: first.Field, Detail: first.Message}
	}

	instruments := make(map[string]manifest.Instrument, len(m.Instruments))
	for _, inst := range m.Instruments {
		instruments[inst.ID] = inst
	}

	retry := resolveRetry(m.Execution)
	maxWorkers := resolveWorkers(m.Execution)

	phases, steps, err := buildSteps(m, instruments, retry)
	if err != nil {
		return nil, err
	}

	switch m.Protocol.Type {
	case manifest.ProtocolSequential:
		chainSequential(steps)
	case manifest.ProtocolParallel:
		clearDependencies(steps)
	case manifest.ProtocolHybrid:
		chainPhases(phases, steps)
	case manifest.ProtocolDAG:
		if err := resolveDeclaredDependencies(m, steps); err != nil {
			return nil, err
		}
		if err := checkAcyclic(steps); err != nil {
			return nil, err
		}
	}

	p := &Plan{
		ManifestID:      m.ID,
		ManifestVersion: m.Version,
		Protocol:        m.Protocol.Type,
		Phases:          phases,
		Steps:           steps,
		MaxWorkers:      maxWorkers,
		EstimatedDur:    estimateDuration(phases, steps, maxWorkers),
		Substrate:       m.Substrate.Name,
	}
	p.Fingerprint = fingerprint(p)
	return p, nil
}

func resolveRetry(exec *manifest.Execution) RetryPolicy {
	policy := RetryPolicy{MaxAttempts: 1, BackoffFactor: defaultBackoff}
	if exec == nil {
		return policy
	}
	if exec.RetryPolicy.MaxAttempts > 1 {
		policy.MaxAttempts = exec.RetryPolicy.MaxAttempts
	}
	if f := exec.RetryPolicy.BackoffFactor; f != nil {
		policy.BackoffFactor = *f
	}
	return policy
}

func resolveWorkers(exec *manifest.Execution) int {
	if exec == nil || exec.Concurrency.MaxWorkers < 1 {
		return 1
	}
	return exec.Concurrency.MaxWorkers
}

func resolveTimeout(step manifest.Step, phase manifest.Phase, exec *manifest.Execution) time.Duration {
	if step.TimeoutSeconds > 0 {
		return secondsToDuration(step.TimeoutSeconds)
	}
	if phase.TimeoutSeconds > 0 {
		return secondsToDuration(phase.TimeoutSeconds)
	}
	if exec != nil && exec.TimeoutSeconds > 0 {
		return secondsToDuration(exec.TimeoutSeconds)
	}
	return defaultStepTimeout
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// buildSteps expands declared phases, or synthesizes a single execution
// phase with one step per instrument when the protocol declares none.
func buildSteps(m manifest.Manifest, instruments map[string]manifest.Instrument, retry RetryPolicy) ([]string, []Step, error) {
	declared := false
	for _, phase := range m.Protocol.Phases {
		if len(phase.Steps) > 0 {
			declared = true
			break
		}
	}

	srcPhases := m.Protocol.Phases
	if !declared {
		phase := manifest.Phase{Name: "execution"}
		for _, inst := range m.Instruments {
			phase.Steps = append(phase.Steps, manifest.Step{
				Name:       inst.ID,
				Instrument: inst.ID,
			})
		}
		srcPhases = []manifest.Phase{phase}
	}

	var phases []string
	var steps []Step
	for _, phase := range srcPhases {
		phases = append(phases, phase.Name)
		for _, src := range phase.Steps {
			inst, ok := instruments[src.Instrument]
			if !ok {
				return nil, nil, &CompilationError{
					Field:  fmt.Sprintf("protocol.phases.%s.steps.%s", phase.Name, src.Name),
					Detail: fmt.Sprintf("undeclared instrument %q", src.Instrument),
				}
			}
			steps = append(steps, Step{
				ID:             phase.Name + "." + src.Name,
				Phase:          phase.Name,
				InstrumentID:   inst.ID,
				InstrumentType: inst.Type,
				Capability:     inst.Capability,
				Parameters:     mergeParams(inst.Parameters, src.Parameters),
				Timeout:        resolveTimeout(src, phase, m.Execution),
				Retry:          retry,
			})
		}
	}
	return phases, steps, nil
}

func mergeParams(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func chainSequential(steps []Step) {
	for i := range steps {
		if i == 0 {
			steps[i].DependsOn = nil
			continue
		}
		steps[i].DependsOn = []string{steps[i-1].ID}
	}
}

func clearDependencies(steps []Step) {
	for i := range steps {
		steps[i].DependsOn = nil
	}
}

// chainPhases keeps steps within a phase independent and makes every
// step of phase N depend on every step of the nearest preceding
// non-empty phase, so a declared-but-empty phase cannot break the
// sequencing of the phases around it.
func chainPhases(phases []string, steps []Step) {
	byPhase := make(map[string][]string, len(phases))
	for _, s := range steps {
		byPhase[s.Phase] = append(byPhase[s.Phase], s.ID)
	}
	for i := range steps {
		steps[i].DependsOn = nil
	}
	var prev []string
	for _, phase := range phases {
		cur := byPhase[phase]
		if len(cur) == 0 {
			continue
		}
		if len(prev) > 0 {
			for i := range steps {
				if steps[i].Phase == phase {
					deps := make([]string, len(prev))
					copy(deps, prev)
					steps[i].DependsOn = deps
				}
			}
		}
		prev = cur
	}
}

// resolveDeclaredDependencies maps step-name references onto step ids.
func resolveDeclaredDependencies(m manifest.Manifest, steps []Step) error {
	idByName := make(map[string]string, len(steps))
	for _, s := range steps {
		// step id is "<phase>.<name>"
		idByName[s.ID[len(s.Phase)+1:]] = s.ID
	}

	i := 0
	for _, phase := range m.Protocol.Phases {
		for _, src := range phase.Steps {
			var deps []string
			for _, dep := range src.Dependencies {
				id, ok := idByName[dep]
				if !ok {
					return &CyclicDependencyError{Cycle: []string{src.Name, dep}}
				}
				deps = append(deps, id)
			}
			steps[i].DependsOn = deps
			i++
		}
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm; any unprocessed remainder is a cycle.
func checkAcyclic(steps []Step) error {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var ready []string
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}

	processed := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if processed == len(steps) {
		return nil
	}

	var cycle []string
	for _, s := range steps {
		if indegree[s.ID] > 0 {
			cycle = append(cycle, s.ID)
		}
	}
	return &CyclicDependencyError{Cycle: cycle}
}

// estimateDuration assumes phases run sequentially and steps within a
// phase share the worker pool.
func estimateDuration(phases []string, steps []Step, maxWorkers int) time.Duration {
	perPhase := make(map[string]int, len(phases))
	for _, s := range steps {
		perPhase[s.Phase]++
	}
	var total time.Duration
	for _, count := range perPhase {
		waves := (count + maxWorkers - 1) / maxWorkers
		total += time.Duration(waves) * baseStepEstimate
	}
	return total
}
