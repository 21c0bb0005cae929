// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package repositorydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/spacemonkeygo/monkit/v3"

	"storj.io/refrepo/repository/reference"
)

var mon = monkit.Package()

type referencesDB struct {
	db *database
}

type referenceRow struct {
	ID         uuid.UUID `db:"id"`
	Visibility string    `db:"visibility"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

type identifierRow struct {
	ID          uuid.UUID `db:"id"`
	ReferenceID uuid.UUID `db:"reference_id"`
	Type        string    `db:"identifier_type"`
	Identifier  string    `db:"identifier"`
	OtherName   string    `db:"other_identifier_name"`
	CreatedAt   time.Time `db:"created_at"`
}

type enhancementRow struct {
	ID           uuid.UUID `db:"id"`
	ReferenceID  uuid.UUID `db:"reference_id"`
	Source       string    `db:"source"`
	Visibility   string    `db:"visibility"`
	RobotVersion string    `db:"robot_version"`
	DerivedFrom  []byte    `db:"derived_from"`
	Content      []byte    `db:"content"`
	ContentHash  string    `db:"content_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

type decisionRow struct {
	ID            uuid.UUID     `db:"id"`
	ReferenceID   uuid.UUID     `db:"reference_id"`
	CanonicalID   uuid.NullUUID `db:"canonical_id"`
	Determination string        `db:"determination"`
	Active        bool          `db:"active_decision"`
	Source        string        `db:"source"`
	CreatedAt     time.Time     `db:"created_at"`
}

func (row decisionRow) decision() reference.DuplicateDecision {
	decision := reference.DuplicateDecision{
		ID:            row.ID,
		ReferenceID:   row.ReferenceID,
		Determination: reference.Determination(row.Determination),
		Active:        row.Active,
		Source:        row.Source,
		CreatedAt:     row.CreatedAt,
	}
	if row.CanonicalID.Valid {
		id := row.CanonicalID.UUID
		decision.CanonicalID = &id
	}
	return decision
}

func (row enhancementRow) enhancement() (reference.Enhancement, error) {
	content, err := reference.UnmarshalContent(row.Content)
	if err != nil {
		return reference.Enhancement{}, err
	}
	var derivedFrom []uuid.UUID
	if len(row.DerivedFrom) > 0 {
		if err := json.Unmarshal(row.DerivedFrom, &derivedFrom); err != nil {
			return reference.Enhancement{}, Error.Wrap(err)
		}
	}
	return reference.Enhancement{
		ID:           row.ID,
		ReferenceID:  row.ReferenceID,
		Source:       row.Source,
		Visibility:   reference.Visibility(row.Visibility),
		RobotVersion: row.RobotVersion,
		DerivedFrom:  derivedFrom,
		Content:      content,
		CreatedAt:    row.CreatedAt,
	}, nil
}

// Create implements reference.DB.
func (r *referencesDB) Create(ctx context.Context, ref *reference.Reference) (err error) {
	defer mon.Task()(&ctx)(&err)

	if ref.Visibility == "" {
		ref.Visibility = reference.VisibilityPublic
	}
	_, err = r.db.conn.ExecContext(ctx, `
		INSERT INTO reference (id, visibility) VALUES ($1, $2)`,
		ref.ID, string(ref.Visibility))
	if err != nil {
		return Error.Wrap(err)
	}

	for i := range ref.Identifiers {
		if err := r.insertIdentifier(ctx, &ref.Identifiers[i], false); err != nil {
			return err
		}
	}
	for i := range ref.Enhancements {
		if err := r.insertEnhancement(ctx, &ref.Enhancements[i], false); err != nil {
			return err
		}
	}
	return nil
}

// Merge implements reference.DB.
func (r *referencesDB) Merge(ctx context.Context, ref *reference.Reference) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = r.db.conn.ExecContext(ctx, `
		INSERT INTO reference (id, visibility) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()`,
		ref.ID, string(ref.Visibility))
	if err != nil {
		return Error.Wrap(err)
	}

	for i := range ref.Identifiers {
		if err := r.insertIdentifier(ctx, &ref.Identifiers[i], true); err != nil {
			return err
		}
	}
	for i := range ref.Enhancements {
		if err := r.insertEnhancement(ctx, &ref.Enhancements[i], true); err != nil {
			return err
		}
	}
	return nil
}

func (r *referencesDB) insertIdentifier(ctx context.Context, identifier *reference.ExternalIdentifier, merge bool) error {
	if identifier.ID == uuid.Nil {
		identifier.ID = uuid.New()
	}
	query := `
		INSERT INTO external_identifier
			(id, reference_id, identifier_type, identifier, other_identifier_name)
		VALUES ($1, $2, $3, $4, $5)`
	if merge {
		query += `
		ON CONFLICT (reference_id, identifier_type, identifier, other_identifier_name) DO NOTHING`
	}
	_, err := r.db.conn.ExecContext(ctx, query,
		identifier.ID, identifier.ReferenceID, string(identifier.Type),
		identifier.Identifier, identifier.OtherName)
	return Error.Wrap(err)
}

func (r *referencesDB) insertEnhancement(ctx context.Context, enhancement *reference.Enhancement, merge bool) error {
	if enhancement.ID == uuid.Nil {
		enhancement.ID = uuid.New()
	}
	content, err := reference.MarshalContent(enhancement.Content)
	if err != nil {
		return err
	}
	derivedFrom, err := json.Marshal(enhancement.DerivedFrom)
	if err != nil {
		return Error.Wrap(err)
	}

	query := `
		INSERT INTO enhancement
			(id, reference_id, source, visibility, robot_version, derived_from, content, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if merge {
		query += `
		ON CONFLICT (reference_id, content_hash) DO NOTHING`
	}
	_, err = r.db.conn.ExecContext(ctx, query,
		enhancement.ID, enhancement.ReferenceID, enhancement.Source,
		string(enhancement.Visibility), enhancement.RobotVersion,
		derivedFrom, content, enhancement.ContentHash())
	if uniqueViolation(err, "enhancement_content_per_reference") {
		return reference.ErrDuplicateEnhancement.New("%s", enhancement.ReferenceID)
	}
	return Error.Wrap(err)
}

// AddEnhancement implements reference.DB. Derived-from parents must
// exist and live in the owning reference's duplicate tree.
func (r *referencesDB) AddEnhancement(ctx context.Context, enhancement reference.Enhancement) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(enhancement.DerivedFrom) > 0 {
		ok, err := r.parentsInTree(ctx, enhancement.ReferenceID, enhancement.DerivedFrom)
		if err != nil {
			return err
		}
		if !ok {
			return reference.ErrInvalidParentEnhancement.New("reference %s", enhancement.ReferenceID)
		}
	}
	return r.insertEnhancement(ctx, &enhancement, false)
}

// parentsInTree checks that every parent enhancement belongs to a
// reference within the duplicate tree of referenceID.
func (r *referencesDB) parentsInTree(ctx context.Context, referenceID uuid.UUID, parents []uuid.UUID) (bool, error) {
	query, args, err := sqlx.In(`
		WITH RECURSIVE tree AS (
			SELECT ?::uuid AS id
			UNION
			SELECT d.canonical_id FROM reference_duplicate_decision d
				JOIN tree ON d.reference_id = tree.id
				WHERE d.active_decision AND d.canonical_id IS NOT NULL
			UNION
			SELECT d.reference_id FROM reference_duplicate_decision d
				JOIN tree ON d.canonical_id = tree.id
				WHERE d.active_decision
		)
		SELECT count(*) FROM enhancement
			WHERE id IN (?) AND reference_id IN (SELECT id FROM tree)`,
		referenceID, parents)
	if err != nil {
		return false, Error.Wrap(err)
	}

	var count int
	err = sqlx.GetContext(ctx, r.db.conn, &count, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return count == len(parents), nil
}

// Get implements reference.DB.
func (r *referencesDB) Get(ctx context.Context, id uuid.UUID, preload reference.Preload) (_ *reference.Reference, err error) {
	defer mon.Task()(&ctx)(&err)
	return r.load(ctx, id, preload, map[uuid.UUID]bool{})
}

func (r *referencesDB) load(ctx context.Context, id uuid.UUID, preload reference.Preload, visited map[uuid.UUID]bool) (*reference.Reference, error) {
	if visited[id] {
		return nil, Error.New("duplicate decision cycle at %s", id)
	}
	visited[id] = true
	defer delete(visited, id)

	var row referenceRow
	err := sqlx.GetContext(ctx, r.db.conn, &row, `
		SELECT id, visibility, created_at, updated_at FROM reference WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reference.ErrNotFound.New("%s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	ref := &reference.Reference{
		ID:         row.ID,
		Visibility: reference.Visibility(row.Visibility),
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}

	if preload.Has(reference.PreloadIdentifiers) {
		ref.Identifiers, err = r.identifiersOf(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	if preload.Has(reference.PreloadEnhancements) {
		ref.Enhancements, err = r.enhancementsOf(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	if preload&(reference.PreloadDecision|reference.PreloadCanonical) != 0 {
		decision, err := r.ActiveDecision(ctx, id)
		if err != nil {
			return nil, err
		}
		if preload.Has(reference.PreloadDecision) {
			ref.ActiveDecision = decision
		}
		if preload.Has(reference.PreloadCanonical) && decision != nil && decision.CanonicalID != nil {
			ref.Canonical, err = r.load(ctx, *decision.CanonicalID, preload&^reference.PreloadDuplicates, visited)
			if err != nil {
				return nil, err
			}
		}
	}
	if preload.Has(reference.PreloadDuplicates) {
		decisions, err := r.ActiveDuplicatesOf(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, decision := range decisions {
			if visited[decision.ReferenceID] {
				continue
			}
			duplicate, err := r.load(ctx, decision.ReferenceID, preload&^reference.PreloadCanonical, visited)
			if err != nil {
				return nil, err
			}
			ref.Duplicates = append(ref.Duplicates, duplicate)
		}
	}
	return ref, nil
}

func (r *referencesDB) identifiersOf(ctx context.Context, referenceID uuid.UUID) ([]reference.ExternalIdentifier, error) {
	var rows []identifierRow
	err := sqlx.SelectContext(ctx, r.db.conn, &rows, `
		SELECT id, reference_id, identifier_type, identifier, other_identifier_name, created_at
		FROM external_identifier WHERE reference_id = $1
		ORDER BY created_at, id`, referenceID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	identifiers := make([]reference.ExternalIdentifier, 0, len(rows))
	for _, row := range rows {
		identifiers = append(identifiers, reference.ExternalIdentifier{
			ID:          row.ID,
			ReferenceID: row.ReferenceID,
			Type:        reference.IdentifierType(row.Type),
			Identifier:  row.Identifier,
			OtherName:   row.OtherName,
			CreatedAt:   row.CreatedAt,
		})
	}
	return identifiers, nil
}

func (r *referencesDB) enhancementsOf(ctx context.Context, referenceID uuid.UUID) ([]reference.Enhancement, error) {
	var rows []enhancementRow
	err := sqlx.SelectContext(ctx, r.db.conn, &rows, `
		SELECT id, reference_id, source, visibility, robot_version, derived_from, content, content_hash, created_at
		FROM enhancement WHERE reference_id = $1
		ORDER BY created_at, id`, referenceID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	enhancements := make([]reference.Enhancement, 0, len(rows))
	for _, row := range rows {
		enhancement, err := row.enhancement()
		if err != nil {
			return nil, err
		}
		enhancements = append(enhancements, enhancement)
	}
	return enhancements, nil
}

// FindByIdentifier implements reference.DB. When several references
// share the identifier the oldest owner wins.
func (r *referencesDB) FindByIdentifier(ctx context.Context, identifier reference.ExternalIdentifier, preload reference.Preload) (_ *reference.Reference, err error) {
	defer mon.Task()(&ctx)(&err)

	var referenceID uuid.UUID
	err = sqlx.GetContext(ctx, r.db.conn, &referenceID, `
		SELECT reference_id FROM external_identifier
		WHERE identifier_type = $1 AND identifier = $2 AND other_identifier_name = $3
		ORDER BY created_at, id LIMIT 1`,
		string(identifier.Type), identifier.Identifier, identifier.OtherName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reference.ErrNotFound.New("%s %s", identifier.Type, identifier.Identifier)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return r.Get(ctx, referenceID, preload)
}

// FindSharingIdentifiers implements reference.DB.
func (r *referencesDB) FindSharingIdentifiers(ctx context.Context, identifiers []reference.ExternalIdentifier, preload reference.Preload) (_ []*reference.Reference, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(identifiers) == 0 {
		return nil, nil
	}

	var clauses []string
	var args []interface{}
	for _, identifier := range identifiers {
		clauses = append(clauses, fmt.Sprintf(
			"(identifier_type = $%d AND identifier = $%d AND other_identifier_name = $%d)",
			len(args)+1, len(args)+2, len(args)+3))
		args = append(args, string(identifier.Type), identifier.Identifier, identifier.OtherName)
	}

	var ids []uuid.UUID
	err = sqlx.SelectContext(ctx, r.db.conn, &ids, `
		SELECT DISTINCT reference_id FROM external_identifier
		WHERE `+strings.Join(clauses, " OR "), args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}

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
	var row decisionRow
	err := sqlx.GetContext(ctx, r.db.conn, &row, `
		SELECT id, reference_id, canonical_id, determination, active_decision, source, created_at
		FROM reference_duplicate_decision
		WHERE reference_id = $1 AND active_decision`, referenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	decision := row.decision()
	return &decision, nil
}

// InsertDecision implements reference.DB.
func (r *referencesDB) InsertDecision(ctx context.Context, decision *reference.DuplicateDecision) (err error) {
	defer mon.Task()(&ctx)(&err)

	if decision.ID == uuid.Nil {
		decision.ID = uuid.New()
	}
	if decision.Active {
		_, err := r.db.conn.ExecContext(ctx, `
			UPDATE reference_duplicate_decision SET active_decision = false
			WHERE reference_id = $1 AND active_decision`, decision.ReferenceID)
		if err != nil {
			return Error.Wrap(err)
		}
	}

	var canonicalID uuid.NullUUID
	if decision.CanonicalID != nil {
		canonicalID = uuid.NullUUID{UUID: *decision.CanonicalID, Valid: true}
	}
	_, err = r.db.conn.ExecContext(ctx, `
		INSERT INTO reference_duplicate_decision
			(id, reference_id, canonical_id, determination, active_decision, source)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		decision.ID, decision.ReferenceID, canonicalID,
		string(decision.Determination), decision.Active, decision.Source)
	return Error.Wrap(err)
}

// UpdateDecision implements reference.DB.
func (r *referencesDB) UpdateDecision(ctx context.Context, decision *reference.DuplicateDecision) error {
	var canonicalID uuid.NullUUID
	if decision.CanonicalID != nil {
		canonicalID = uuid.NullUUID{UUID: *decision.CanonicalID, Valid: true}
	}
	result, err := r.db.conn.ExecContext(ctx, `
		UPDATE reference_duplicate_decision
		SET canonical_id = $2, determination = $3, active_decision = $4
		WHERE id = $1`,
		decision.ID, canonicalID, string(decision.Determination), decision.Active)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return reference.ErrNotFound.New("decision %s", decision.ID)
	}
	return nil
}

// ActiveDuplicatesOf implements reference.DB.
func (r *referencesDB) ActiveDuplicatesOf(ctx context.Context, canonicalID uuid.UUID) ([]reference.DuplicateDecision, error) {
	var rows []decisionRow
	err := sqlx.SelectContext(ctx, r.db.conn, &rows, `
		SELECT id, reference_id, canonical_id, determination, active_decision, source, created_at
		FROM reference_duplicate_decision
		WHERE canonical_id = $1 AND active_decision
		ORDER BY created_at, id`, canonicalID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	decisions := make([]reference.DuplicateDecision, 0, len(rows))
	for _, row := range rows {
		decisions = append(decisions, row.decision())
	}
	return decisions, nil
}
