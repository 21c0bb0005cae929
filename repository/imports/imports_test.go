// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package imports_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"storj.io/refrepo/repository/imports"
)

func TestDeriveBatchStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []imports.ResultStatus
		expected imports.BatchStatus
	}{
		{"empty", nil, imports.BatchCompleted},
		{"all created", []imports.ResultStatus{imports.ResultCreated, imports.ResultCreated}, imports.BatchCreated},
		{"any started", []imports.ResultStatus{imports.ResultCompleted, imports.ResultStarted}, imports.BatchStarted},
		{"created counts as open", []imports.ResultStatus{imports.ResultCompleted, imports.ResultCreated}, imports.BatchStarted},
		{"all failed", []imports.ResultStatus{imports.ResultFailed, imports.ResultFailed}, imports.BatchFailed},
		{"mixed terminal", []imports.ResultStatus{imports.ResultCompleted, imports.ResultFailed}, imports.BatchCompleted},
		{"all completed", []imports.ResultStatus{imports.ResultCompleted}, imports.BatchCompleted},
		{"partial failure completes", []imports.ResultStatus{imports.ResultPartiallyFailed, imports.ResultFailed}, imports.BatchCompleted},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, imports.DeriveBatchStatus(test.statuses))
		})
	}
}

func TestSummarize(t *testing.T) {
	batch := &imports.Batch{ID: uuid.New(), Status: imports.BatchCompleted}
	results := []imports.Result{
		{Status: imports.ResultCompleted},
		{Status: imports.ResultCompleted},
		{Status: imports.ResultFailed, FailureDetails: "line 3: bad json"},
	}

	summary := imports.Summarize(batch, results)
	require.Equal(t, batch.ID, summary.BatchID)
	require.Equal(t, imports.BatchCompleted, summary.Status)
	require.Equal(t, 2, summary.Counts[imports.ResultCompleted])
	require.Equal(t, 1, summary.Counts[imports.ResultFailed])
	require.Equal(t, []string{"line 3: bad json"}, summary.FailureDetails)
}

func TestSummarizeLiveBatch(t *testing.T) {
	// A live batch reports the status projected from its results.
	batch := &imports.Batch{ID: uuid.New(), Status: imports.BatchStarted}
	results := []imports.Result{
		{Status: imports.ResultCompleted},
		{Status: imports.ResultFailed, FailureDetails: "line 2: bad json"},
	}
	summary := imports.Summarize(batch, results)
	require.Equal(t, imports.BatchCompleted, summary.Status)

	// Still in flight.
	results = append(results, imports.Result{Status: imports.ResultStarted})
	summary = imports.Summarize(batch, results)
	require.Equal(t, imports.BatchStarted, summary.Status)

	// No results registered yet: the stored status stands.
	summary = imports.Summarize(batch, nil)
	require.Equal(t, imports.BatchStarted, summary.Status)

	// A terminal stored status is authoritative even over open results.
	cancelled := &imports.Batch{ID: uuid.New(), Status: imports.BatchCancelled}
	summary = imports.Summarize(cancelled, []imports.Result{{Status: imports.ResultStarted}})
	require.Equal(t, imports.BatchCancelled, summary.Status)
}
