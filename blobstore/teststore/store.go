// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package teststore implements an in-memory blobstore.Store for tests.
package teststore

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"storj.io/refrepo/blobstore"
)

// Store implements blobstore.Store in memory.
type Store struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// New creates an empty in-memory blob store.
func New() *Store {
	return &Store{blobs: map[string][]byte{}}
}

// Put stores content directly, for test setup.
func (store *Store) Put(ref blobstore.Ref, data []byte) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.blobs[ref.Key()] = append([]byte(nil), data...)
}

// Bytes returns the committed content of a blob, for assertions.
func (store *Store) Bytes(ref blobstore.Ref) ([]byte, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	data, ok := store.blobs[ref.Key()]
	return data, ok
}

// Upload opens a streamed writer for the referenced blob.
func (store *Store) Upload(ctx context.Context, ref blobstore.Ref) (blobstore.Writer, error) {
	if !ref.IsValid() {
		return nil, blobstore.ErrInvalidRef.New("%q", ref.Key())
	}
	return &writer{store: store, key: ref.Key()}, nil
}

// Download opens a streamed reader for the referenced blob.
func (store *Store) Download(ctx context.Context, ref blobstore.Ref) (io.ReadCloser, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	data, ok := store.blobs[ref.Key()]
	if !ok {
		return nil, blobstore.ErrNotFound.New("%q", ref.Key())
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// SignedDownloadURL returns a fake presigned GET URL.
func (store *Store) SignedDownloadURL(ctx context.Context, ref blobstore.Ref, expiry time.Duration) (string, error) {
	return "memory://get/" + ref.Key(), nil
}

// SignedUploadURL returns a fake presigned PUT URL.
func (store *Store) SignedUploadURL(ctx context.Context, ref blobstore.Ref, expiry time.Duration) (string, error) {
	return "memory://put/" + ref.Key(), nil
}

type writer struct {
	store *Store
	key   string
	buf   bytes.Buffer
	done  bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, blobstore.Error.New("write after close")
	}
	return w.buf.Write(p)
}

func (w *writer) Commit() error {
	if w.done {
		return blobstore.Error.New("already closed")
	}
	w.done = true
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.blobs[w.key] = w.buf.Bytes()
	return nil
}

func (w *writer) Cancel() error {
	w.done = true
	return nil
}
