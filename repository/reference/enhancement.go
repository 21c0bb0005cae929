// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package reference

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnhancementType enumerates the enhancement content variants.
type EnhancementType string

// Enhancement types.
const (
	EnhancementBibliographic EnhancementType = "bibliographic"
	EnhancementAbstract      EnhancementType = "abstract"
	EnhancementAnnotation    EnhancementType = "annotation"
	EnhancementLocation      EnhancementType = "location"
)

// Enhancement is a piece of content attached to exactly one reference.
// Enhancements are immutable after creation.
type Enhancement struct {
	ID          uuid.UUID
	ReferenceID uuid.UUID
	Source      string
	Visibility  Visibility
	// RobotVersion records which robot release produced the content.
	RobotVersion string
	// DerivedFrom names parent enhancement ids this one is derived from.
	// Parents must live in the same duplicate tree.
	DerivedFrom []uuid.UUID
	Content     Content
	CreatedAt   time.Time
}

// ContentHash returns a stable hash of the enhancement content. The
// hash is over the canonical JSON encoding, so it is stable across
// serializations of the same content.
func (enhancement Enhancement) ContentHash() string {
	raw, err := MarshalContent(enhancement.Content)
	if err != nil {
		// Content variants marshal without error by construction.
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Content is the enhancement content sum type:
// Bibliographic | Abstract | Annotation | Location.
type Content interface {
	EnhancementType() EnhancementType
	sealed()
}

// AuthorPosition places an author within the authorship list.
type AuthorPosition string

// Author positions.
const (
	PositionFirst  AuthorPosition = "first"
	PositionMiddle AuthorPosition = "middle"
	PositionLast   AuthorPosition = "last"
)

// Author is one entry of a bibliographic authorship list.
type Author struct {
	DisplayName string         `json:"display_name"`
	Position    AuthorPosition `json:"position,omitempty"`
	ORCID       string         `json:"orcid,omitempty"`
}

// BibliographicContent carries bibliographic metadata.
type BibliographicContent struct {
	Title           string   `json:"title,omitempty"`
	Authorship      []Author `json:"authorship,omitempty"`
	PublicationYear int      `json:"publication_year,omitempty"`
	Publisher       string   `json:"publisher,omitempty"`
}

// EnhancementType implements Content.
func (BibliographicContent) EnhancementType() EnhancementType { return EnhancementBibliographic }
func (BibliographicContent) sealed()                          {}

// AbstractContent carries an abstract.
type AbstractContent struct {
	Process  string `json:"process,omitempty"`
	Abstract string `json:"abstract"`
}

// EnhancementType implements Content.
func (AbstractContent) EnhancementType() EnhancementType { return EnhancementAbstract }
func (AbstractContent) sealed()                          {}

// AnnotationKind distinguishes boolean labels from scored annotations.
type AnnotationKind string

// Annotation kinds.
const (
	AnnotationBoolean AnnotationKind = "boolean"
	AnnotationScore   AnnotationKind = "score"
)

// Annotation is one label or score within an annotation enhancement.
type Annotation struct {
	Scheme string         `json:"scheme"`
	Label  string         `json:"label,omitempty"`
	Kind   AnnotationKind `json:"annotation_type"`
	Value  bool           `json:"value,omitempty"`
	Score  *float64       `json:"score,omitempty"`
}

// QualifiedLabel returns the scheme-qualified label key.
func (annotation Annotation) QualifiedLabel() string {
	return annotation.Scheme + ":" + annotation.Label
}

// AnnotationContent groups annotations produced together.
type AnnotationContent struct {
	Annotations []Annotation `json:"annotations"`
}

// EnhancementType implements Content.
func (AnnotationContent) EnhancementType() EnhancementType { return EnhancementAnnotation }
func (AnnotationContent) sealed()                          {}

// Location is one place the full text can be found.
type Location struct {
	LandingPageURL string `json:"landing_page_url,omitempty"`
	PDFURL         string `json:"pdf_url,omitempty"`
	Version        string `json:"version,omitempty"`
	License        string `json:"license,omitempty"`
}

// LocationContent carries full-text locations.
type LocationContent struct {
	Locations []Location `json:"locations"`
}

// EnhancementType implements Content.
func (LocationContent) EnhancementType() EnhancementType { return EnhancementLocation }
func (LocationContent) sealed()                          {}

// contentJSON is the tagged-union wire form of Content.
type contentJSON struct {
	Type EnhancementType `json:"enhancement_type"`

	Title           string   `json:"title,omitempty"`
	Authorship      []Author `json:"authorship,omitempty"`
	PublicationYear int      `json:"publication_year,omitempty"`
	Publisher       string   `json:"publisher,omitempty"`

	Process  string `json:"process,omitempty"`
	Abstract string `json:"abstract,omitempty"`

	Annotations []Annotation `json:"annotations,omitempty"`

	Locations []Location `json:"locations,omitempty"`
}

// MarshalContent encodes a content variant with its discriminator.
func MarshalContent(content Content) ([]byte, error) {
	if content == nil {
		return nil, Error.New("missing enhancement content")
	}

	wire := contentJSON{Type: content.EnhancementType()}
	switch c := content.(type) {
	case BibliographicContent:
		wire.Title = c.Title
		wire.Authorship = c.Authorship
		wire.PublicationYear = c.PublicationYear
		wire.Publisher = c.Publisher
	case AbstractContent:
		wire.Process = c.Process
		wire.Abstract = c.Abstract
	case AnnotationContent:
		wire.Annotations = c.Annotations
	case LocationContent:
		wire.Locations = c.Locations
	default:
		return nil, Error.New("unknown content variant %T", content)
	}
	return json.Marshal(wire)
}

// UnmarshalContent decodes a content variant from its tagged form.
func UnmarshalContent(raw []byte) (Content, error) {
	var wire contentJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, Error.Wrap(err)
	}

	switch wire.Type {
	case EnhancementBibliographic:
		return BibliographicContent{
			Title:           wire.Title,
			Authorship:      wire.Authorship,
			PublicationYear: wire.PublicationYear,
			Publisher:       wire.Publisher,
		}, nil
	case EnhancementAbstract:
		return AbstractContent{Process: wire.Process, Abstract: wire.Abstract}, nil
	case EnhancementAnnotation:
		return AnnotationContent{Annotations: wire.Annotations}, nil
	case EnhancementLocation:
		return LocationContent{Locations: wire.Locations}, nil
	default:
		return nil, Error.New("unknown enhancement type %q", wire.Type)
	}
}
