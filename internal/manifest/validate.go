package manifest

import (
	"fmt"
	"strings"
)

// FieldError pins a validation failure to one document field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult is the contract downstream components rely on:
// a manifest with IsValid=true is structurally sound.
type ValidationResult struct {
	IsValid bool         `json:"is_valid"`
	Errors  []FieldError `json:"errors,omitempty"`
}

func (r *ValidationResult) add(field, format string, args ...any) {
	r.Errors = append(r.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks manifest structure. It never mutates the manifest.
func Validate(m Manifest) ValidationResult {
	var res ValidationResult

	if strings.TrimSpace(m.Version) == "" {
		res.add("version", "required")
	}
	if strings.TrimSpace(m.ID) == "" {
		res.add("id", "required")
	}
	if strings.TrimSpace(m.Name) == "" {
		res.add("name", "required")
	}
	if strings.TrimSpace(m.Substrate.Name) == "" {
		res.add("substrate.name", "required")
	}

	validateProtocol(m, &res)
	validateInstruments(m, &res)
	validateExecution(m, &res)

	res.IsValid = len(res.Errors) == 0
	return res
}

func validateProtocol(m Manifest, res *ValidationResult) {
	switch m.Protocol.Type {
	case ProtocolSequential, ProtocolParallel, ProtocolDAG, ProtocolHybrid:
	case "":
		res.add("protocol.type", "required")
		return
	default:
		res.add("protocol.type", "unknown protocol type %q", m.Protocol.Type)
		return
	}

	instruments := make(map[string]bool, len(m.Instruments))
	for _, inst := range m.Instruments {
		instruments[inst.ID] = true
	}

	stepNames := make(map[string]bool)
	for pi, phase := range m.Protocol.Phases {
		if strings.TrimSpace(phase.Name) == "" {
			res.add(fmt.Sprintf("protocol.phases[%d].name", pi), "required")
		}
		for si, step := range phase.Steps {
			field := fmt.Sprintf("protocol.phases[%d].steps[%d]", pi, si)
			if strings.TrimSpace(step.Name) == "" {
				res.add(field+".name", "required")
				continue
			}
			if stepNames[step.Name] {
				res.add(field+".name", "duplicate step name %q", step.Name)
			}
			stepNames[step.Name] = true
			if step.Instrument == "" {
				res.add(field+".instrument", "required")
			} else if !instruments[step.Instrument] {
				res.add(field+".instrument", "undeclared instrument %q", step.Instrument)
			}
		}
	}

	// Dependency targets must name declared steps. Cycle detection is the
	// compiler's job; here the reference just has to exist.
	if m.Protocol.Type == ProtocolDAG {
		for pi, phase := range m.Protocol.Phases {
			for si, step := range phase.Steps {
				for _, dep := range step.Dependencies {
					if !stepNames[dep] {
						res.add(
							fmt.Sprintf("protocol.phases[%d].steps[%d].dependencies", pi, si),
							"undefined dependency %q", dep,
						)
					}
				}
			}
		}
	}
}

func validateInstruments(m Manifest, res *ValidationResult) {
	if len(m.Instruments) == 0 {
		res.add("instruments", "at least one instrument is required")
		return
	}
	seen := make(map[string]bool, len(m.Instruments))
	for i, inst := range m.Instruments {
		field := fmt.Sprintf("instruments[%d]", i)
		if strings.TrimSpace(inst.ID) == "" {
			res.add(field+".id", "required")
			continue
		}
		if seen[inst.ID] {
			res.add(field+".id", "duplicate instrument id %q", inst.ID)
		}
		seen[inst.ID] = true
		if strings.TrimSpace(inst.Type) == "" {
			res.add(field+".type", "required")
		}
	}
}

func validateExecution(m Manifest, res *ValidationResult) {
	if m.Execution == nil {
		return
	}
	if m.Execution.Concurrency.MaxWorkers < 0 {
		res.add("execution.concurrency.max_workers", "must not be negative")
	}
	if m.Execution.RetryPolicy.MaxAttempts < 0 {
		res.add("execution.retry_policy.max_attempts", "must not be negative")
	}
	if f := m.Execution.RetryPolicy.BackoffFactor; f != nil && *f < 0 {
		res.add("execution.retry_policy.backoff_factor", "must not be negative")
	}
	if m.Execution.TimeoutSeconds < 0 {
		res.add("execution.timeout_seconds", "must not be negative")
	}
}
