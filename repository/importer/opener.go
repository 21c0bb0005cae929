// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package importer

import (
	"context"
	"io"
	"net/http"
)

// HTTPOpener streams import files over plain HTTP(S).
type HTTPOpener struct {
	client *http.Client
}

// NewHTTPOpener creates an opener backed by the given client; nil uses
// http.DefaultClient.
func NewHTTPOpener(client *http.Client) *HTTPOpener {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPOpener{client: client}
}

// Open fetches the storage URL and returns the response body.
func (opener *HTTPOpener) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	resp, err := opener.client.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, Error.New("fetching %s: unexpected status %s", url, resp.Status)
	}
	return resp.Body, nil
}
