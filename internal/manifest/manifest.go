// Package manifest owns the inquiry manifest document boundary.
//
// Ownership boundary:
// - document structure and YAML/JSON decoding
// - structural validation and the ValidationResult contract
//
// A manifest is immutable once accepted; any change requires a new
// id/version pair.
package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Protocol types supported by the compiler.
const (
	ProtocolSequential = "sequential"
	ProtocolParallel   = "parallel"
	ProtocolDAG        = "dag"
	ProtocolHybrid     = "hybrid"
)

// Manifest is one declarative inquiry description.
type Manifest struct {
	Version     string            `json:"version" yaml:"version"`
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Metadata    map[string]string `json:"metadata" yaml:"metadata"`
	Protocol    Protocol          `json:"protocol" yaml:"protocol"`
	Substrate   Substrate         `json:"substrate" yaml:"substrate"`
	Instruments []Instrument      `json:"instruments" yaml:"instruments"`

	Execution *Execution     `json:"execution,omitempty" yaml:"execution,omitempty"`
	Analysis  map[string]any `json:"analysis,omitempty" yaml:"analysis,omitempty"`
	Reporting map[string]any `json:"reporting,omitempty" yaml:"reporting,omitempty"`
}

// Protocol declares how instrument steps are ordered.
type Protocol struct {
	Type   string  `json:"type" yaml:"type"`
	Phases []Phase `json:"phases,omitempty" yaml:"phases,omitempty"`
}

// Phase groups steps; phases always run in declaration order.
type Phase struct {
	Name           string  `json:"name" yaml:"name"`
	Steps          []Step  `json:"steps,omitempty" yaml:"steps,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Step binds one instrument invocation inside a phase.
type Step struct {
	Name           string            `json:"name" yaml:"name"`
	Instrument     string            `json:"instrument" yaml:"instrument"`
	Dependencies   []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Substrate names the system under inquiry.
type Substrate struct {
	Name   string `json:"name" yaml:"name"`
	Kind   string `json:"kind" yaml:"kind"`
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// Instrument declares one probe: its type, capability, and configuration.
type Instrument struct {
	ID         string            `json:"id" yaml:"id"`
	Type       string            `json:"type" yaml:"type"`
	Capability string            `json:"capability" yaml:"capability"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Execution carries optional execution policy overrides.
type Execution struct {
	Concurrency    Concurrency `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	RetryPolicy    RetryPolicy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	TimeoutSeconds float64     `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

type Concurrency struct {
	MaxWorkers int `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`
}

type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	// BackoffFactor is a pointer so an explicit zero (retry at once)
	// stays distinct from an omitted value, which takes the default.
	BackoffFactor *float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
}

// Capabilities returns the distinct capabilities the manifest requires,
// in first-seen order.
func (m Manifest) Capabilities() []string {
	seen := make(map[string]bool, len(m.Instruments))
	var caps []string
	for _, inst := range m.Instruments {
		if inst.Capability == "" || seen[inst.Capability] {
			continue
		}
		seen[inst.Capability] = true
		caps = append(caps, inst.Capability)
	}
	return caps
}

// Parse decodes a YAML (or JSON, as a YAML subset) manifest document.
// Decoding failures belong to the submitting boundary; the core only
// sees documents that parsed.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: decode failed: %w", err)
	}
	return m, nil
}
