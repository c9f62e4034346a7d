// Package plan compiles validated manifests into executable plans.
//
// Compilation is a deterministic pure function of the manifest: the same
// document always yields a structurally identical plan, so a crashed
// node can re-derive its plan safely.
package plan

import (
	"time"
)

// RetryPolicy is the resolved retry configuration for one step.
type RetryPolicy struct {
	MaxAttempts   int     `json:"max_attempts"`
	BackoffFactor float64 `json:"backoff_factor"`
}

// Step is one schedulable instrument invocation.
type Step struct {
	ID             string            `json:"id"`
	Phase          string            `json:"phase"`
	InstrumentID   string            `json:"instrument_id"`
	InstrumentType string            `json:"instrument_type"`
	Capability     string            `json:"capability,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	DependsOn      []string          `json:"depends_on,omitempty"`
	Timeout        time.Duration     `json:"timeout"`
	Retry          RetryPolicy       `json:"retry"`
}

// Plan is the compiled form of one manifest: a DAG of steps plus the
// resolved execution policy. Immutable once compiled.
type Plan struct {
	ManifestID      string        `json:"manifest_id"`
	ManifestVersion string        `json:"manifest_version"`
	Protocol        string        `json:"protocol"`
	Phases          []string      `json:"phases"`
	Steps           []Step        `json:"steps"`
	MaxWorkers      int           `json:"max_workers"`
	EstimatedDur    time.Duration `json:"estimated_duration"`
	Substrate       string        `json:"substrate"`
	Fingerprint     string        `json:"fingerprint"`
}

// StepByID returns the step with the given id.
func (p *Plan) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Dependents returns ids of steps that list id as a dependency,
// in plan order.
func (p *Plan) Dependents(id string) []string {
	var out []string
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if dep == id {
				out = append(out, s.ID)
				break
			}
		}
	}
	return out
}
