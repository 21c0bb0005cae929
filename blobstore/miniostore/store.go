// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package miniostore implements blobstore.Store on any S3-compatible
// object storage.
package miniostore

import (
	"context"
	"io"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/refrepo/blobstore"
)

var (
	mon = monkit.Package()

	// Error is the default miniostore errs class.
	Error = errs.Class("miniostore")
)

const clientCacheSize = 1000

// Config holds the object storage connection options.
type Config struct {
	Endpoint        string `help:"object storage endpoint host:port" default:"localhost:9000"`
	AccessKey       string `help:"object storage access key" default:""`
	SecretKey       string `help:"object storage secret key" default:""`
	UseTLS          bool   `help:"use TLS when talking to object storage" default:"false"`
	Region          string `help:"object storage region" default:""`
	UploadChunkSize int64  `help:"part size in bytes for streamed uploads" default:"8388608"`
}

// Store implements blobstore.Store using minio clients. Clients are
// configured per storage location and kept in a capped LRU cache.
type Store struct {
	log     *zap.Logger
	config  Config
	clients *lru.Cache[string, *minio.Client]
}

// New creates a Store.
func New(log *zap.Logger, config Config) (*Store, error) {
	clients, err := lru.New[string, *minio.Client](clientCacheSize)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{
		log:     log,
		config:  config,
		clients: clients,
	}, nil
}

func (store *Store) client(ref blobstore.Ref) (*minio.Client, error) {
	if !ref.IsValid() {
		return nil, blobstore.ErrInvalidRef.New("%q", ref.Key())
	}
	if client, ok := store.clients.Get(ref.Location); ok {
		return client, nil
	}

	client, err := minio.New(store.config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(store.config.AccessKey, store.config.SecretKey, ""),
		Secure: store.config.UseTLS,
		Region: store.config.Region,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	store.clients.Add(ref.Location, client)
	return client, nil
}

// Upload opens a streamed writer for the referenced blob.
func (store *Store) Upload(ctx context.Context, ref blobstore.Ref) (_ blobstore.Writer, err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := store.client(ref)
	if err != nil {
		return nil, err
	}

	pipeReader, pipeWriter := io.Pipe()
	writer := &blobWriter{
		pipe: pipeWriter,
		done: make(chan error, 1),
	}

	go func() {
		_, err := client.PutObject(ctx, ref.Container, ref.Path, pipeReader, -1,
			minio.PutObjectOptions{PartSize: uint64(store.config.UploadChunkSize)})
		// unblock the writer when the upload dies early
		_ = pipeReader.CloseWithError(err)
		writer.done <- Error.Wrap(err)
	}()

	return writer, nil
}

// Download opens a streamed reader for the referenced blob.
func (store *Store) Download(ctx context.Context, ref blobstore.Ref) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := store.client(ref)
	if err != nil {
		return nil, err
	}

	object, err := client.GetObject(ctx, ref.Container, ref.Path, minio.GetObjectOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// GetObject is lazy; surface missing blobs on open.
	if _, err := object.Stat(); err != nil {
		_ = object.Close()
		if minio.ToErrorResponse(err).StatusCode == 404 {
			return nil, blobstore.ErrNotFound.Wrap(err)
		}
		return nil, Error.Wrap(err)
	}
	return object, nil
}

// SignedDownloadURL returns a presigned GET URL for the blob.
func (store *Store) SignedDownloadURL(ctx context.Context, ref blobstore.Ref, expiry time.Duration) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := store.client(ref)
	if err != nil {
		return "", err
	}
	signed, err := client.PresignedGetObject(ctx, ref.Container, ref.Path, expiry, url.Values{})
	if err != nil {
		return "", Error.Wrap(err)
	}
	return signed.String(), nil
}

// SignedUploadURL returns a presigned PUT URL for the blob.
func (store *Store) SignedUploadURL(ctx context.Context, ref blobstore.Ref, expiry time.Duration) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := store.client(ref)
	if err != nil {
		return "", err
	}
	signed, err := client.PresignedPutObject(ctx, ref.Container, ref.Path, expiry)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return signed.String(), nil
}

type blobWriter struct {
	pipe *io.PipeWriter
	done chan error
}

func (writer *blobWriter) Write(p []byte) (int, error) {
	return writer.pipe.Write(p)
}

func (writer *blobWriter) Commit() error {
	if err := writer.pipe.Close(); err != nil {
		return Error.Wrap(err)
	}
	return <-writer.done
}

func (writer *blobWriter) Cancel() error {
	err := writer.pipe.CloseWithError(Error.New("upload cancelled"))
	<-writer.done
	return err
}
