// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sdk is the anti-corruption boundary between wire formats and
// the domain: file-input DTOs, robot result entries, validation report
// entries, and their translation to domain types.
package sdk

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"storj.io/refrepo/repository/reference"
)

// Error is the default sdk errs class.
var Error = errs.Class("sdk")

// ErrInvalidInput is returned for wire-format or domain validation
// failures.
var ErrInvalidInput = errs.Class("invalid input")

var validate = validator.New(validator.WithRequiredStructEnabled())

// IdentifierInput is the wire form of an external identifier.
type IdentifierInput struct {
	Type       string `json:"identifier_type" validate:"required,oneof=doi pmid openalex other"`
	Identifier string `json:"identifier" validate:"required"`
	OtherName  string `json:"other_identifier_name,omitempty"`
}

// EnhancementInput is the wire form of an enhancement.
type EnhancementInput struct {
	ID           *uuid.UUID      `json:"id,omitempty"`
	ReferenceID  *uuid.UUID      `json:"reference_id,omitempty"`
	Source       string          `json:"source" validate:"required"`
	Visibility   string          `json:"visibility,omitempty"`
	RobotVersion string          `json:"robot_version,omitempty"`
	DerivedFrom  []uuid.UUID     `json:"derived_from,omitempty"`
	Content      json.RawMessage `json:"content" validate:"required"`
}

// ReferenceFileInput is one line of an import JSONL file.
type ReferenceFileInput struct {
	Visibility   string             `json:"visibility,omitempty"`
	Identifiers  []IdentifierInput  `json:"identifiers,omitempty"`
	Enhancements []EnhancementInput `json:"enhancements,omitempty"`
}

// RobotResultEntry is one line of a robot result JSONL file: either an
// enhancement or a linked robot error.
type RobotResultEntry struct {
	Enhancement *EnhancementInput
	Error       *LinkedRobotError
}

// LinkedRobotError reports a per-reference robot failure.
type LinkedRobotError struct {
	ReferenceID uuid.UUID `json:"reference_id"`
	Message     string    `json:"message"`
}

// ValidationEntry is one line of a validation report JSONL file.
// Success entries carry only the reference id.
type ValidationEntry struct {
	ReferenceID *uuid.UUID `json:"reference_id,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ParseReferenceFileInput decodes and validates one import line.
func ParseReferenceFileInput(line []byte) (ReferenceFileInput, error) {
	var input ReferenceFileInput
	if err := json.Unmarshal(line, &input); err != nil {
		return ReferenceFileInput{}, ErrInvalidInput.Wrap(err)
	}
	if err := validate.Struct(input); err != nil {
		return ReferenceFileInput{}, ErrInvalidInput.Wrap(err)
	}
	return input, nil
}

// ParseRobotResultEntry decodes one robot result line. A line carrying
// a "message" field is a LinkedRobotError; anything else must be an
// enhancement.
func ParseRobotResultEntry(line []byte) (RobotResultEntry, error) {
	var peek struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(line, &peek); err != nil {
		return RobotResultEntry{}, ErrInvalidInput.Wrap(err)
	}

	if peek.Message != nil {
		var robotErr LinkedRobotError
		if err := json.Unmarshal(line, &robotErr); err != nil {
			return RobotResultEntry{}, ErrInvalidInput.Wrap(err)
		}
		if robotErr.ReferenceID == uuid.Nil {
			return RobotResultEntry{}, ErrInvalidInput.New("robot error missing reference_id")
		}
		return RobotResultEntry{Error: &robotErr}, nil
	}

	var enhancement EnhancementInput
	if err := json.Unmarshal(line, &enhancement); err != nil {
		return RobotResultEntry{}, ErrInvalidInput.Wrap(err)
	}
	if err := validate.Struct(enhancement); err != nil {
		return RobotResultEntry{}, ErrInvalidInput.Wrap(err)
	}
	if enhancement.ReferenceID == nil {
		return RobotResultEntry{}, ErrInvalidInput.New("enhancement missing reference_id")
	}
	return RobotResultEntry{Enhancement: &enhancement}, nil
}

// ToReference translates a file input into a domain reference with a
// freshly minted id. Enhancements and identifiers that do not already
// name a reference adopt the new id.
func ToReference(input ReferenceFileInput, id uuid.UUID) (*reference.Reference, error) {
	ref := &reference.Reference{
		ID:         id,
		Visibility: visibilityOrDefault(input.Visibility),
	}

	for _, identifierInput := range input.Identifiers {
		identifier, err := reference.NewIdentifier(
			reference.IdentifierType(identifierInput.Type),
			identifierInput.Identifier,
			identifierInput.OtherName,
		)
		if err != nil {
			return nil, ErrInvalidInput.Wrap(err)
		}
		identifier.ID = uuid.New()
		identifier.ReferenceID = ref.ID
		ref.Identifiers = append(ref.Identifiers, identifier)
	}

	for _, enhancementInput := range input.Enhancements {
		enhancement, err := ToEnhancement(enhancementInput)
		if err != nil {
			return nil, err
		}
		if enhancement.ReferenceID == uuid.Nil {
			enhancement.ReferenceID = ref.ID
		}
		ref.Enhancements = append(ref.Enhancements, enhancement)
	}

	return ref, nil
}

// ToEnhancement translates an enhancement input into the domain.
func ToEnhancement(input EnhancementInput) (reference.Enhancement, error) {
	content, err := reference.UnmarshalContent(input.Content)
	if err != nil {
		return reference.Enhancement{}, ErrInvalidInput.Wrap(err)
	}

	enhancement := reference.Enhancement{
		ID:           uuid.New(),
		Source:       input.Source,
		Visibility:   visibilityOrDefault(input.Visibility),
		RobotVersion: input.RobotVersion,
		DerivedFrom:  input.DerivedFrom,
		Content:      content,
		CreatedAt:    time.Now().UTC(),
	}
	if input.ID != nil {
		enhancement.ID = *input.ID
	}
	if input.ReferenceID != nil {
		enhancement.ReferenceID = *input.ReferenceID
	}
	return enhancement, nil
}

// FromEnhancement translates a domain enhancement to its wire form.
func FromEnhancement(enhancement reference.Enhancement) (EnhancementInput, error) {
	content, err := reference.MarshalContent(enhancement.Content)
	if err != nil {
		return EnhancementInput{}, Error.Wrap(err)
	}
	id := enhancement.ID
	referenceID := enhancement.ReferenceID
	return EnhancementInput{
		ID:           &id,
		ReferenceID:  &referenceID,
		Source:       enhancement.Source,
		Visibility:   string(enhancement.Visibility),
		RobotVersion: enhancement.RobotVersion,
		DerivedFrom:  enhancement.DerivedFrom,
		Content:      content,
	}, nil
}

// ReferenceRecord is the hydrated wire form of a reference, streamed
// to robots as their input.
type ReferenceRecord struct {
	ID           uuid.UUID          `json:"id"`
	Visibility   string             `json:"visibility,omitempty"`
	Identifiers  []IdentifierInput  `json:"identifiers,omitempty"`
	Enhancements []EnhancementInput `json:"enhancements,omitempty"`
}

// FromReference translates a domain reference to its hydrated wire
// form.
func FromReference(ref *reference.Reference) (ReferenceRecord, error) {
	record := ReferenceRecord{
		ID:         ref.ID,
		Visibility: string(ref.Visibility),
	}
	for _, identifier := range ref.Identifiers {
		record.Identifiers = append(record.Identifiers, IdentifierInput{
			Type:       string(identifier.Type),
			Identifier: identifier.Identifier,
			OtherName:  identifier.OtherName,
		})
	}
	for _, enhancement := range ref.Enhancements {
		wire, err := FromEnhancement(enhancement)
		if err != nil {
			return ReferenceRecord{}, err
		}
		record.Enhancements = append(record.Enhancements, wire)
	}
	return record, nil
}

func visibilityOrDefault(visibility string) reference.Visibility {
	if visibility == "" {
		return reference.VisibilityPublic
	}
	return reference.Visibility(visibility)
}
