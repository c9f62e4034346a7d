// Package gate enforces tenant admission over a capability policy.
//
// Decisions are pure over a policy snapshot and fail closed; the only
// side effect is an append-only audit entry per decision.
package gate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrAdmissionDenied = errors.New("gate: admission denied")

// Policy maps tenant ids to the capabilities they may exercise.
type Policy map[string][]string

// AuditEntry records one admission decision.
type AuditEntry struct {
	ID         string    `json:"id"`
	Tenant     string    `json:"tenant"`
	Capability string    `json:"capability"`
	Allowed    bool      `json:"allowed"`
	Timestamp  time.Time `json:"timestamp"`
}

// Gate evaluates admission requests against one policy snapshot.
type Gate struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	policy map[string]map[string]bool
	audit  []AuditEntry
}

func New(policy Policy, logger zerolog.Logger) *Gate {
	g := &Gate{logger: logger}
	g.SetPolicy(policy)
	return g
}

// SetPolicy swaps the policy snapshot. In-flight executions are not
// re-checked; admission is evaluated once per submission.
func (g *Gate) SetPolicy(policy Policy) {
	compiled := make(map[string]map[string]bool, len(policy))
	for tenant, caps := range policy {
		set := make(map[string]bool, len(caps))
		for _, c := range caps {
			set[c] = true
		}
		compiled[tenant] = set
	}
	g.mu.Lock()
	g.policy = compiled
	g.mu.Unlock()
}

// Authorize reports whether tenant may exercise capability.
// Unknown tenants and unknown capabilities deny.
func (g *Gate) Authorize(tenant, capability string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	allowed := g.policy[tenant][capability]
	g.audit = append(g.audit, AuditEntry{
		ID:         uuid.NewString(),
		Tenant:     tenant,
		Capability: capability,
		Allowed:    allowed,
		Timestamp:  time.Now().UTC(),
	})

	event := g.logger.Info()
	if !allowed {
		event = g.logger.Warn()
	}
	event.
		Str("tenant", tenant).
		Str("capability", capability).
		Bool("allowed", allowed).
		Msg("admission_decision")

	return allowed
}

// AuthorizeAll denies on the first capability the tenant lacks.
func (g *Gate) AuthorizeAll(tenant string, capabilities []string) error {
	for _, capability := range capabilities {
		if !g.Authorize(tenant, capability) {
			return fmt.Errorf("%w: tenant %q lacks capability %q", ErrAdmissionDenied, tenant, capability)
		}
	}
	return nil
}

// AuditTrail returns a copy of every decision recorded so far.
func (g *Gate) AuditTrail() []AuditEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]AuditEntry, len(g.audit))
	copy(out, g.audit)
	return out
}
