// Package provenance archives every fusion round as an append-only,
// content-addressed record: which readings arrived, what each one was
// accepted or rejected for, the ground truth that came out, and the
// belief transition it caused. Records are immutable once written.
package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/danmuck/inquest/internal/belief"
	"github.com/danmuck/inquest/internal/fusion"
	"github.com/danmuck/inquest/internal/instrument"
)

const (
	DispositionAccepted = "accepted"
	DispositionRejected = "rejected"
)

// ReadingRecord is one raw reading plus its filter disposition.
type ReadingRecord struct {
	Reading     instrument.Reading `json:"reading"`
	Disposition string             `json:"disposition"`
	// Reason names the axiom that rejected the reading, empty when
	// accepted.
	Reason string `json:"reason,omitempty"`
}

// Record captures one complete synthesis round for one entity.
type Record struct {
	// ID is the hex sha256 of the record content. Filled by Seal.
	ID string `json:"id"`

	PlanID          string          `json:"plan_id"`
	PlanFingerprint string          `json:"plan_fingerprint"`
	StepID          string          `json:"step_id,omitempty"`
	Entity          string          `json:"entity"`
	Round           int             `json:"round"`
	Readings        []ReadingRecord `json:"readings"`

	// GroundTruth is nil when the round produced no usable readings.
	GroundTruth *fusion.GroundTruth `json:"ground_truth,omitempty"`
	Belief      belief.Estimate     `json:"belief"`

	RecordedAt time.Time `json:"recorded_at"`
}

// Accepted returns the readings that survived filtering.
func (r Record) Accepted() []instrument.Reading {
	var out []instrument.Reading
	for _, rr := range r.Readings {
		if rr.Disposition == DispositionAccepted {
			out = append(out, rr.Reading)
		}
	}
	return out
}

// Seal computes the content address and stamps it onto the record.
// The hash covers everything except the ID field itself, so two
// records with identical content address identically.
func (r Record) Seal() Record {
	r.ID = ""
	raw, err := json.Marshal(r)
	if err != nil {
		// Record contains only marshalable fields.
		panic(err)
	}
	sum := sha256.Sum256(raw)
	r.ID = hex.EncodeToString(sum[:])
	return r
}

// Verify recomputes the content address and reports whether it still
// matches, catching any mutation after sealing.
func (r Record) Verify() bool {
	id := r.ID
	return id != "" && r.Seal().ID == id
}
