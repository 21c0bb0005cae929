// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package blobstore defines the capability for content-addressed
// object storage with streamed access and signed URLs.
package blobstore

import (
	"context"
	"io"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default blobstore errs class.
var Error = errs.Class("blobstore")

// ErrInvalidRef is returned when a blob reference is missing a part.
var ErrInvalidRef = errs.Class("invalid blob ref")

// ErrNotFound is returned when the referenced blob does not exist.
var ErrNotFound = errs.Class("blob not found")

// Ref names a single blob.
type Ref struct {
	Location  string
	Container string
	Path      string
}

// IsValid returns whether all parts of the reference are specified.
func (ref Ref) IsValid() bool {
	return ref.Location != "" && ref.Container != "" && ref.Path != ""
}

// Key returns a stable cache/storage key for the reference.
func (ref Ref) Key() string {
	return ref.Location + "/" + ref.Container + "/" + ref.Path
}

// Writer is a handle for streaming a blob upload. The blob becomes
// readable by others only after Commit.
type Writer interface {
	io.Writer
	// Commit finishes the upload and makes the blob readable.
	Commit() error
	// Cancel discards the blob.
	Cancel() error
}

// Store is the blob storage capability.
type Store interface {
	// Upload opens a streamed writer for the referenced blob.
	Upload(ctx context.Context, ref Ref) (Writer, error)
	// Download opens a streamed reader for the referenced blob.
	Download(ctx context.Context, ref Ref) (io.ReadCloser, error)
	// SignedDownloadURL returns a presigned GET URL for the blob.
	SignedDownloadURL(ctx context.Context, ref Ref, expiry time.Duration) (string, error)
	// SignedUploadURL returns a presigned PUT URL for the blob.
	SignedUploadURL(ctx context.Context, ref Ref, expiry time.Duration) (string, error)
}
