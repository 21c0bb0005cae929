// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testdb implements repository.DB in memory for tests.
package testdb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"storj.io/refrepo/repository"
	"storj.io/refrepo/repository/enhance"
	"storj.io/refrepo/repository/imports"
	"storj.io/refrepo/repository/reference"
	"storj.io/refrepo/repository/robots"
)

// DB implements repository.DB in memory. WithTx snapshots the tables
// before running the callback and restores them when it fails,
// mirroring a rollback.
type DB struct {
	inTx bool
	*tables
}

type tables struct {
	mu sync.Mutex

	refs         map[uuid.UUID]*reference.Reference
	identifiers  []reference.ExternalIdentifier
	enhancements map[uuid.UUID][]reference.Enhancement
	decisions    []reference.DuplicateDecision

	importRecords map[uuid.UUID]imports.Record
	importBatches map[uuid.UUID]imports.Batch
	importResults map[uuid.UUID]imports.Result

	robots      map[uuid.UUID]robots.Robot
	automations map[uuid.UUID]robots.Automation

	requests       map[uuid.UUID]enhance.Request
	pendings       map[uuid.UUID]enhance.PendingEnhancement
	enhanceBatches map[uuid.UUID]enhance.Batch
}

// New creates an empty in-memory database.
func New() *DB {
	return &DB{tables: &tables{
		refs:           map[uuid.UUID]*reference.Reference{},
		enhancements:   map[uuid.UUID][]reference.Enhancement{},
		importRecords:  map[uuid.UUID]imports.Record{},
		importBatches:  map[uuid.UUID]imports.Batch{},
		importResults:  map[uuid.UUID]imports.Result{},
		robots:         map[uuid.UUID]robots.Robot{},
		automations:    map[uuid.UUID]robots.Automation{},
		requests:       map[uuid.UUID]enhance.Request{},
		pendings:       map[uuid.UUID]enhance.PendingEnhancement{},
		enhanceBatches: map[uuid.UUID]enhance.Batch{},
	}}
}

// cloneLocked deep-copies the table contents. Callers hold mu.
func (t *tables) cloneLocked() *tables {
	copied := &tables{
		refs:         make(map[uuid.UUID]*reference.Reference, len(t.refs)),
		enhancements: make(map[uuid.UUID][]reference.Enhancement, len(t.enhancements)),
	}
	for id, ref := range t.refs {
		stored := *ref
		copied.refs[id] = &stored
	}
	for id, list := range t.enhancements {
		copied.enhancements[id] = append([]reference.Enhancement(nil), list...)
	}
	copied.identifiers = append([]reference.ExternalIdentifier(nil), t.identifiers...)
	copied.decisions = append([]reference.DuplicateDecision(nil), t.decisions...)
	copied.importRecords = cloneMap(t.importRecords)
	copied.importBatches = cloneMap(t.importBatches)
	copied.importResults = cloneMap(t.importResults)
	copied.robots = cloneMap(t.robots)
	copied.automations = cloneMap(t.automations)
	copied.requests = cloneMap(t.requests)
	copied.pendings = cloneMap(t.pendings)
	copied.enhanceBatches = cloneMap(t.enhanceBatches)
	return copied
}

// restoreLocked replaces the table contents with a snapshot. Callers
// hold mu.
func (t *tables) restoreLocked(snapshot *tables) {
	t.refs = snapshot.refs
	t.identifiers = snapshot.identifiers
	t.enhancements = snapshot.enhancements
	t.decisions = snapshot.decisions
	t.importRecords = snapshot.importRecords
	t.importBatches = snapshot.importBatches
	t.importResults = snapshot.importResults
	t.robots = snapshot.robots
	t.automations = snapshot.automations
	t.requests = snapshot.requests
	t.pendings = snapshot.pendings
	t.enhanceBatches = snapshot.enhanceBatches
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	copied := make(map[K]V, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return copied
}

// References implements repository.DB.
func (db *DB) References() reference.DB { return &referencesDB{db: db} }

// Imports implements repository.DB.
func (db *DB) Imports() imports.DB { return &importsDB{db: db} }

// Enhancements implements repository.DB.
func (db *DB) Enhancements() enhance.DB { return &enhanceDB{db: db} }

// Robots implements repository.DB.
func (db *DB) Robots() robots.DB { return &robotsDB{db: db} }

// WithTx implements repository.DB.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.DB) error) error {
	if db.inTx {
		return repository.ErrScopeMisuse.New("nested transaction scope")
	}

	db.mu.Lock()
	snapshot := db.cloneLocked()
	db.mu.Unlock()

	if err := fn(ctx, &DB{inTx: true, tables: db.tables}); err != nil {
		db.mu.Lock()
		db.restoreLocked(snapshot)
		db.mu.Unlock()
		return err
	}
	return nil
}

// MigrateToLatest implements repository.DB.
func (db *DB) MigrateToLatest(ctx context.Context) error { return nil }

// Close implements repository.DB.
func (db *DB) Close() error { return nil }

type referencesDB struct {
	db *DB
}

// Create implements reference.DB.
func (r *referencesDB) Create(ctx context.Context, ref *reference.Reference) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if ref.Visibility == "" {
		ref.Visibility = reference.VisibilityPublic
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now()
	}
	r.db.refs[ref.ID] = &reference.Reference{
		ID:         ref.ID,
		Visibility: ref.Visibility,
		CreatedAt:  ref.CreatedAt,
		UpdatedAt:  ref.CreatedAt,
	}
	for i := range ref.Identifiers {
		r.addIdentifierLocked(&ref.Identifiers[i])
	}
	for i := range ref.Enhancements {
		if err := r.addEnhancementLocked(&ref.Enhancements[i], false); err != nil {
			return err
		}
	}
	return nil
}

// Merge implements reference.DB.
func (r *referencesDB) Merge(ctx context.Context, ref *reference.Reference) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if existing, ok := r.db.refs[ref.ID]; ok {
		existing.UpdatedAt = time.Now()
	} else {
		now := time.Now()
		r.db.refs[ref.ID] = &reference.Reference{
			ID:         ref.ID,
			Visibility: ref.Visibility,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	for i := range ref.Identifiers {
		identifier := &ref.Identifiers[i]
		if !r.hasIdentifierLocked(identifier.ReferenceID, *identifier) {
			r.addIdentifierLocked(identifier)
		}
	}
	for i := range ref.Enhancements {
		if err := r.addEnhancementLocked(&ref.Enhancements[i], true); err != nil {
			return err
		}
	}
	return nil
}

func (r *referencesDB) addIdentifierLocked(identifier *reference.ExternalIdentifier) {
	if identifier.ID == uuid.Nil {
		identifier.ID = uuid.New()
	}
	if identifier.CreatedAt.IsZero() {
		identifier.CreatedAt = time.Now()
	}
	r.db.identifiers = append(r.db.identifiers, *identifier)
}

func (r *referencesDB) hasIdentifierLocked(referenceID uuid.UUID, target reference.ExternalIdentifier) bool {
	for _, identifier := range r.db.identifiers {
		if identifier.ReferenceID == referenceID && identifier.Equal(target) {
			return true
		}
	}
	return false
}

func (r *referencesDB) addEnhancementLocked(enhancement *reference.Enhancement, merge bool) error {
	hash := enhancement.ContentHash()
	for _, existing := range r.db.enhancements[enhancement.ReferenceID] {
		if existing.ContentHash() == hash {
			if merge {
				return nil
			}
			return reference.ErrDuplicateEnhancement.New("%s", enhancement.ReferenceID)
		}
	}
	if enhancement.ID == uuid.Nil {
		enhancement.ID = uuid.New()
	}
	if enhancement.CreatedAt.IsZero() {
		enhancement.CreatedAt = time.Now()
	}
	r.db.enhancements[enhancement.ReferenceID] = append(r.db.enhancements[enhancement.ReferenceID], *enhancement)
	return nil
}

// AddEnhancement implements reference.DB.
func (r *referencesDB) AddEnhancement(ctx context.Context, enhancement reference.Enhancement) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if len(enhancement.DerivedFrom) > 0 {
		tree := r.treeLocked(enhancement.ReferenceID)
		for _, parentID := range enhancement.DerivedFrom {
			if !r.enhancementInTreeLocked(tree, parentID) {
				return reference.ErrInvalidParentEnhancement.New("reference %s", enhancement.ReferenceID)
			}
		}
	}
	return r.addEnhancementLocked(&enhancement, false)
}

func (r *referencesDB) enhancementInTreeLocked(tree map[uuid.UUID]bool, enhancementID uuid.UUID) bool {
	for referenceID := range tree {
		for _, enhancement := range r.db.enhancements[referenceID] {
			if enhancement.ID == enhancementID {
				return true
			}
		}
	}
	return false
}

// treeLocked walks active decisions in both directions to collect the
// duplicate tree around id.
func (r *referencesDB) treeLocked(id uuid.UUID) map[uuid.UUID]bool {
	tree := map[uuid.UUID]bool{id: true}
	for changed := true; changed; {
		changed = false
		for _, decision := range r.db.decisions {
			if !decision.Active || decision.CanonicalID == nil {
				continue
			}
			if tree[decision.ReferenceID] && !tree[*decision.CanonicalID] {
				tree[*decision.CanonicalID] = true
				changed = true
			}
			if tree[*decision.CanonicalID] && !tree[decision.ReferenceID] {
				tree[decision.ReferenceID] = true
				changed = true
			}
		}
	}
	return tree
}

// Get implements reference.DB.
func (r *referencesDB) Get(ctx context.Context, id uuid.UUID, preload reference.Preload) (*reference.Reference, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.loadLocked(id, preload, map[uuid.UUID]bool{})
}

func (r *referencesDB) loadLocked(id uuid.UUID, preload reference.Preload, visited map[uuid.UUID]bool) (*reference.Reference, error) {
	stored, ok := r.db.refs[id]
	if !ok {
		return nil, reference.ErrNotFound.New("%s", id)
	}
	visited[id] = true
	defer delete(visited, id)

	ref := &reference.Reference{
		ID:         stored.ID,
		Visibility: stored.Visibility,
		CreatedAt:  stored.CreatedAt,
		UpdatedAt:  stored.UpdatedAt,
	}

	if preload.Has(reference.PreloadIdentifiers) {
		for _, identifier := range r.db.identifiers {
			if identifier.ReferenceID == id {
				ref.Identifiers = append(ref.Identifiers, identifier)
			}
		}
	}
	if preload.Has(reference.PreloadEnhancements) {
		ref.Enhancements = append(ref.Enhancements, r.db.enhancements[id]...)
	}

	decision := r.activeDecisionLocked(id)
	if preload.Has(reference.PreloadDecision) && decision != nil {
		copied := *decision
		ref.ActiveDecision = &copied
	}
	if preload.Has(reference.PreloadCanonical) && decision != nil && decision.CanonicalID != nil && !visited[*decision.CanonicalID] {
		canonical, err := r.loadLocked(*decision.CanonicalID, preload&^reference.PreloadDuplicates, visited)
		if err != nil {
			return nil, err
		}
		ref.Canonical = canonical
	}
	if preload.Has(reference.PreloadDuplicates) {
		for _, decision := range r.activeDuplicatesLocked(id) {
			if visited[decision.ReferenceID] {
				continue
			}
			duplicate, err := r.loadLocked(decision.ReferenceID, preload&^reference.PreloadCanonical, visited)
			if err != nil {
				return nil, err
			}
			ref.Duplicates = append(ref.Duplicates, duplicate)
		}
	}
	return ref, nil
}

func (r *referencesDB) activeDecisionLocked(referenceID uuid.UUID) *reference.DuplicateDecision {
	for i := range r.db.decisions {
		if r.db.decisions[i].ReferenceID == referenceID && r.db.decisions[i].Active {
			return &r.db.decisions[i]
		}
	}
	return nil
}

func (r *referencesDB) activeDuplicatesLocked(canonicalID uuid.UUID) []reference.DuplicateDecision {
	var decisions []reference.DuplicateDecision
	for _, decision := range r.db.decisions {
		if decision.Active && decision.CanonicalID != nil && *decision.CanonicalID == canonicalID {
			decisions = append(decisions, decision)
		}
	}
	sort.Slice(decisions, func(i, j int) bool {
		return decisions[i].CreatedAt.Before(decisions[j].CreatedAt)
	})
	return decisions
}

// FindByIdentifier implements reference.DB.
func (r *referencesDB) FindByIdentifier(ctx context.Context, identifier reference.ExternalIdentifier, preload reference.Preload) (*reference.Reference, error) {
	r.db.mu.Lock()
	var owner *reference.ExternalIdentifier
	for i := range r.db.identifiers {
		candidate := &r.db.identifiers[i]
		if !candidate.Equal(identifier) {
			continue
		}
		if owner == nil || candidate.CreatedAt.Before(owner.CreatedAt) {
			owner = candidate
		}
	}
	r.db.mu.Unlock()

	if owner == nil {
		return nil, reference.ErrNotFound.New("%s %s", identifier.Type, identifier.Identifier)
	}
	return r.Get(ctx, owner.ReferenceID, preload)
}

// FindSharingIdentifiers implements reference.DB.
func (r *referencesDB) FindSharingIdentifiers(ctx context.Context, identifiers []reference.ExternalIdentifier, preload reference.Preload) ([]*reference.Reference, error) {
	r.db.mu.Lock()
	seen := map[uuid.UUID]bool{}
	var ids []uuid.UUID
	for _, stored := range r.db.identifiers {
		for _, target := range identifiers {
			if stored.Equal(target) && !seen[stored.ReferenceID] {
				seen[stored.ReferenceID] = true
				ids = append(ids, stored.ReferenceID)
			}
		}
	}
	r.db.mu.Unlock()

	refs := make([]*reference.Reference, 0, len(ids))
	for _, id := range ids {
		ref, err := r.Get(ctx, id, preload)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// ActiveDecision implements reference.DB.
func (r *referencesDB) ActiveDecision(ctx context.Context, referenceID uuid.UUID) (*reference.DuplicateDecision, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	decision := r.activeDecisionLocked(referenceID)
	if decision == nil {
		return nil, nil
	}
	copied := *decision
	return &copied, nil
}

// InsertDecision implements reference.DB.
func (r *referencesDB) InsertDecision(ctx context.Context, decision *reference.DuplicateDecision) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if decision.ID == uuid.Nil {
		decision.ID = uuid.New()
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now()
	}
	if decision.Active {
		for i := range r.db.decisions {
			if r.db.decisions[i].ReferenceID == decision.ReferenceID {
				r.db.decisions[i].Active = false
			}
		}
	}
	r.db.decisions = append(r.db.decisions, *decision)
	return nil
}

// UpdateDecision implements reference.DB.
func (r *referencesDB) UpdateDecision(ctx context.Context, decision *reference.DuplicateDecision) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for i := range r.db.decisions {
		if r.db.decisions[i].ID == decision.ID {
			r.db.decisions[i].CanonicalID = decision.CanonicalID
			r.db.decisions[i].Determination = decision.Determination
			r.db.decisions[i].Active = decision.Active
			return nil
		}
	}
	return reference.ErrNotFound.New("decision %s", decision.ID)
}

// ActiveDuplicatesOf implements reference.DB.
func (r *referencesDB) ActiveDuplicatesOf(ctx context.Context, canonicalID uuid.UUID) ([]reference.DuplicateDecision, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.activeDuplicatesLocked(canonicalID), nil
}
