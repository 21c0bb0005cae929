// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package reference

// Deduplicated computes the deduplicated projection of a canonical
// reference with its duplicates preloaded: the canonical's own
// identifiers and enhancements unioned with each duplicate's, in order
// of the canonical's own entries first. Duplicates are projected
// recursively to support chain lengths above one, and the result
// carries no duplicate references of its own.
func Deduplicated(ref *Reference) *Reference {
	projected := &Reference{
		ID:             ref.ID,
		Visibility:     ref.Visibility,
		CreatedAt:      ref.CreatedAt,
		UpdatedAt:      ref.UpdatedAt,
		ActiveDecision: ref.ActiveDecision,
	}
	projected.Identifiers = append(projected.Identifiers, ref.Identifiers...)
	projected.Enhancements = append(projected.Enhancements, ref.Enhancements...)

	seenHashes := make(map[string]struct{}, len(ref.Enhancements))
	for _, enhancement := range ref.Enhancements {
		seenHashes[enhancement.ContentHash()] = struct{}{}
	}

	for _, duplicate := range ref.Duplicates {
		flattened := Deduplicated(duplicate)

		for _, identifier := range flattened.Identifiers {
			if !projected.HasIdentifier(identifier) {
				projected.Identifiers = append(projected.Identifiers, identifier)
			}
		}
		for _, enhancement := range flattened.Enhancements {
			hash := enhancement.ContentHash()
			if _, ok := seenHashes[hash]; ok {
				continue
			}
			seenHashes[hash] = struct{}{}
			projected.Enhancements = append(projected.Enhancements, enhancement)
		}
	}

	return projected
}

// DuplicateTree returns the ids of all references in the duplicate
// tree rooted at the given canonical-like reference, itself included.
func DuplicateTree(ref *Reference) map[string]struct{} {
	tree := map[string]struct{}{ref.ID.String(): {}}
	for _, duplicate := range ref.Duplicates {
		for id := range DuplicateTree(duplicate) {
			tree[id] = struct{}{}
		}
	}
	return tree
}
