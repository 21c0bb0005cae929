// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package reference

import (
	"time"

	"github.com/google/uuid"
)

// Determination is the verdict of a duplicate decision.
type Determination string

// Determination values.
const (
	DeterminationPending            Determination = "pending"
	DeterminationNominated          Determination = "nominated"
	DeterminationExactDuplicate     Determination = "exact_duplicate"
	DeterminationBlurredFingerprint Determination = "blurred_fingerprint"
	DeterminationCanonical          Determination = "canonical"
	DeterminationDuplicate          Determination = "duplicate"
	DeterminationDecoupled          Determination = "decoupled"
)

// Terminal reports whether the determination closes the decision.
// Supersession of a terminal decision is by creating a new one.
func (determination Determination) Terminal() bool {
	switch determination {
	case DeterminationPending, DeterminationNominated:
		return false
	}
	return true
}

// CanTransition reports whether this determination may move to the
// target within the same decision.
func (determination Determination) CanTransition(to Determination) bool {
	switch determination {
	case DeterminationPending:
		switch to {
		case DeterminationExactDuplicate, DeterminationBlurredFingerprint,
			DeterminationNominated, DeterminationCanonical,
			DeterminationDuplicate, DeterminationDecoupled:
			return true
		}
	case DeterminationNominated:
		switch to {
		case DeterminationCanonical, DeterminationDuplicate, DeterminationDecoupled:
			return true
		}
	}
	return false
}

// DuplicateDecision is a per-reference deduplication verdict. At most
// one decision per reference is active.
type DuplicateDecision struct {
	ID          uuid.UUID
	ReferenceID uuid.UUID
	// CanonicalID points to the canonical reference when the
	// determination is DUPLICATE or EXACT_DUPLICATE.
	CanonicalID   *uuid.UUID
	Determination Determination
	Active        bool
	// Source records what triggered the decision.
	Source    string
	CreatedAt time.Time
}

// Transition moves the decision to a new determination, enforcing the
// state machine.
func (decision *DuplicateDecision) Transition(to Determination, canonicalID *uuid.UUID) error {
	if !decision.Determination.CanTransition(to) {
		return Error.New("invalid determination transition %q -> %q", decision.Determination, to)
	}
	decision.Determination = to
	decision.CanonicalID = canonicalID
	return nil
}

// IsDuplicateVerdict reports whether the decision declares the
// reference a duplicate of another.
func (decision *DuplicateDecision) IsDuplicateVerdict() bool {
	return decision.Determination == DeterminationDuplicate ||
		decision.Determination == DeterminationExactDuplicate
}
