// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"storj.io/refrepo/repository/imports"
)

// CallbackDispatcher posts batch summaries to caller-provided URLs.
type CallbackDispatcher struct {
	client  *http.Client
	retries int
}

// NewCallbackDispatcher creates the dispatcher; nil client uses
// http.DefaultClient.
func NewCallbackDispatcher(client *http.Client, retries int) *CallbackDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &CallbackDispatcher{client: client, retries: retries}
}

// Post sends the summary as JSON, retrying transport failures and 5xx
// responses with exponential backoff.
func (dispatcher *CallbackDispatcher) Post(ctx context.Context, url string, summary imports.Summary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return Error.Wrap(err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := dispatcher.client.Do(req)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			_ = resp.Body.Close()
		}()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return Error.New("callback %s: status %s", url, resp.Status)
		default:
			// Receiver rejected the payload; retrying will not help.
			return backoff.Permanent(Error.New("callback %s: status %s", url, resp.Status))
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(dispatcher.retries)),
		ctx)
	return backoff.Retry(attempt, policy)
}
