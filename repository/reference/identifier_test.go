// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package reference_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/refrepo/repository/reference"
)

func TestNewIdentifier_DOI(t *testing.T) {
	id, err := reference.NewIdentifier(reference.IdentifierDOI, "10.1234/abc-def.12", "")
	require.NoError(t, err)
	require.Equal(t, "10.1234/abc-def.12", id.Identifier)

	id, err = reference.NewIdentifier(reference.IdentifierDOI, "https://doi.org/10.1234/abc", "")
	require.NoError(t, err)
	require.Equal(t, "10.1234/abc", id.Identifier)

	_, err = reference.NewIdentifier(reference.IdentifierDOI, "not-a-doi", "")
	require.Error(t, err)

	_, err = reference.NewIdentifier(reference.IdentifierDOI, "10.12/too-short-prefix", "")
	require.Error(t, err)
}

func TestNewIdentifier_PMID(t *testing.T) {
	id, err := reference.NewIdentifier(reference.IdentifierPMID, "0012345", "")
	require.NoError(t, err)
	require.Equal(t, "12345", id.Identifier)

	_, err = reference.NewIdentifier(reference.IdentifierPMID, "-3", "")
	require.Error(t, err)

	_, err = reference.NewIdentifier(reference.IdentifierPMID, "12a", "")
	require.Error(t, err)
}

func TestNewIdentifier_OpenAlex(t *testing.T) {
	id, err := reference.NewIdentifier(reference.IdentifierOpenAlex, "w12345", "")
	require.NoError(t, err)
	require.Equal(t, "W12345", id.Identifier)

	_, err = reference.NewIdentifier(reference.IdentifierOpenAlex, "X12345", "")
	require.Error(t, err)
}

func TestNewIdentifier_Other(t *testing.T) {
	id, err := reference.NewIdentifier(reference.IdentifierOther, "abc-1", "scopus")
	require.NoError(t, err)
	require.Equal(t, "scopus", id.OtherName)

	_, err = reference.NewIdentifier(reference.IdentifierOther, "abc-1", "")
	require.Error(t, err)
}

func TestIdentifierEqual(t *testing.T) {
	a, err := reference.NewIdentifier(reference.IdentifierDOI, "10.1234/abc", "")
	require.NoError(t, err)
	b, err := reference.NewIdentifier(reference.IdentifierDOI, "https://doi.org/10.1234/abc", "")
	require.NoError(t, err)
	require.True(t, a.Equal(b))

	c, err := reference.NewIdentifier(reference.IdentifierOther, "10.1234/abc", "scopus")
	require.NoError(t, err)
	require.False(t, a.Equal(c))
}
