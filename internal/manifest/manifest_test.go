package manifest

import (
	"testing"

	"github.com/danmuck/inquest/internal/testutil/testlog"
)

const sampleDoc = `
version: "1.0.0"
id: thermal-audit
name: Thermal integrity audit
metadata:
  owner: risk
protocol:
  type: hybrid
  phases:
    - name: calibration
      steps:
        - name: warmup
          instrument: gauge.a
    - name: measurement
      steps:
        - name: read.a
          instrument: gauge.a
        - name: read.b
          instrument: gauge.b
substrate:
  name: cold-store
  kind: facility
instruments:
  - id: gauge.a
    type: thermal
    capability: thermal
  - id: gauge.b
    type: thermal
    capability: thermal
execution:
  concurrency:
    max_workers: 2
  retry_policy:
    max_attempts: 3
    backoff_factor: 0.5
  timeout_seconds: 30
`

func TestParseAndValidateSample(t *testing.T) {
	testlog.Start(t)

	m, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.ID != "thermal-audit" {
		t.Fatalf("unexpected id %q", m.ID)
	}
	if len(m.Instruments) != 2 {
		t.Fatalf("expected 2 instruments, got %d", len(m.Instruments))
	}
	if got := m.Execution.RetryPolicy.MaxAttempts; got != 3 {
		t.Fatalf("expected max_attempts 3, got %d", got)
	}

	res := Validate(m)
	if !res.IsValid {
		t.Fatalf("expected valid manifest, got %v", res.Errors)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("{:not yaml")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestValidateMissingRequiredFields(t *testing.T) {
	res := Validate(Manifest{})
	if res.IsValid {
		t.Fatal("empty manifest must not validate")
	}
	fields := map[string]bool{}
	for _, fe := range res.Errors {
		fields[fe.Field] = true
	}
	for _, want := range []string{"version", "id", "name", "protocol.type", "instruments"} {
		if !fields[want] {
			t.Fatalf("expected error on %s, got %v", want, res.Errors)
		}
	}
}

func TestValidateDuplicateInstrumentIDs(t *testing.T) {
	m := Manifest{
		Version:  "1",
		ID:       "x",
		Name:     "x",
		Protocol: Protocol{Type: ProtocolParallel},
		Substrate: Substrate{
			Name: "s",
		},
		Instruments: []Instrument{
			{ID: "a", Type: "echo"},
			{ID: "a", Type: "echo"},
		},
	}
	res := Validate(m)
	if res.IsValid {
		t.Fatal("duplicate instrument ids must not validate")
	}
}

func TestValidateDAGUndefinedDependency(t *testing.T) {
	m := Manifest{
		Version:   "1",
		ID:        "x",
		Name:      "x",
		Substrate: Substrate{Name: "s"},
		Protocol: Protocol{
			Type: ProtocolDAG,
			Phases: []Phase{{
				Name: "main",
				Steps: []Step{
					{Name: "one", Instrument: "a", Dependencies: []string{"ghost-step"}},
				},
			}},
		},
		Instruments: []Instrument{{ID: "a", Type: "echo"}},
	}
	res := Validate(m)
	if res.IsValid {
		t.Fatal("undefined dependency must not validate")
	}
}

func TestCapabilitiesDeduplicated(t *testing.T) {
	m := Manifest{Instruments: []Instrument{
		{ID: "a", Capability: "pricing"},
		{ID: "b", Capability: "pricing"},
		{ID: "c", Capability: "latency"},
	}}
	caps := m.Capabilities()
	if len(caps) != 2 || caps[0] != "pricing" || caps[1] != "latency" {
		t.Fatalf("unexpected capabilities %v", caps)
	}
}
