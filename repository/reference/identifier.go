// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package reference

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IdentifierType enumerates supported external identifier schemes.
type IdentifierType string

// Identifier types.
const (
	IdentifierDOI      IdentifierType = "doi"
	IdentifierPMID     IdentifierType = "pmid"
	IdentifierOpenAlex IdentifierType = "openalex"
	IdentifierOther    IdentifierType = "other"
)

var (
	doiPattern      = regexp.MustCompile(`^10\.\d{4,9}/[-._;()/:a-zA-Z0-9%<>\[\]+&]+$`)
	doiURLPrefix    = regexp.MustCompile(`^https?://(dx\.)?doi\.org/`)
	openAlexPattern = regexp.MustCompile(`^W\d+$`)
)

// ExternalIdentifier links one external id to exactly one reference.
type ExternalIdentifier struct {
	ID          uuid.UUID
	ReferenceID uuid.UUID
	Type        IdentifierType
	Identifier  string
	// OtherName disambiguates the scheme for "other" identifiers.
	OtherName string
	CreatedAt time.Time
}

// NewIdentifier validates and normalizes an identifier value.
func NewIdentifier(identifierType IdentifierType, value, otherName string) (ExternalIdentifier, error) {
	value = strings.TrimSpace(value)

	switch identifierType {
	case IdentifierDOI:
		value = doiURLPrefix.ReplaceAllString(value, "")
		if !doiPattern.MatchString(value) {
			return ExternalIdentifier{}, Error.New("invalid doi %q", value)
		}
	case IdentifierPMID:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return ExternalIdentifier{}, Error.New("invalid pmid %q", value)
		}
		value = strconv.FormatInt(n, 10)
	case IdentifierOpenAlex:
		value = strings.ToUpper(value)
		if !openAlexPattern.MatchString(value) {
			return ExternalIdentifier{}, Error.New("invalid openalex id %q", value)
		}
	case IdentifierOther:
		if otherName == "" {
			return ExternalIdentifier{}, Error.New("other identifier requires a scheme name")
		}
		if value == "" {
			return ExternalIdentifier{}, Error.New("empty identifier value")
		}
	default:
		return ExternalIdentifier{}, Error.New("unknown identifier type %q", identifierType)
	}

	if identifierType != IdentifierOther {
		otherName = ""
	}
	return ExternalIdentifier{
		Type:       identifierType,
		Identifier: value,
		OtherName:  otherName,
	}, nil
}

// Equal reports whether two identifiers name the same external id,
// ignoring ownership and timestamps.
func (identifier ExternalIdentifier) Equal(other ExternalIdentifier) bool {
	return identifier.Type == other.Type &&
		identifier.Identifier == other.Identifier &&
		identifier.OtherName == other.OtherName
}

// IsOther reports whether this is a scheme-named "other" identifier.
func (identifier ExternalIdentifier) IsOther() bool {
	return identifier.Type == IdentifierOther
}
