// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package reference

import "github.com/google/uuid"

// Changeset pairs a canonical reference with the enhancements whose
// change triggered downstream evaluation, such as robot automation
// matching.
type Changeset struct {
	CanonicalID uuid.UUID
	Changed     []Enhancement
}
