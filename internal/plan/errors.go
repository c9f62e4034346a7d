package plan

import (
	"errors"
	"fmt"
	"strings"
)

var ErrCompilation = errors.New("plan: compilation failed")

// CompilationError reports a structural defect with field detail.
type CompilationError struct {
	Field  string
	Detail string
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("plan: compilation failed: %s: %s", e.Field, e.Detail)
}

func (e *CompilationError) Unwrap() error { return ErrCompilation }

// CyclicDependencyError reports a dependency cycle or a reference to an
// undefined dependency in a dag protocol.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Cycle) == 0 {
		return "plan: cyclic or undefined dependency"
	}
	return fmt.Sprintf("plan: cyclic dependency through %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCompilation }
