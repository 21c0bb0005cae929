// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package importer

import (
	"context"
	"encoding/json"

	"storj.io/refrepo/repository/dedupe"
	"storj.io/refrepo/taskqueue"
)

// NewTaskHandler dispatches queue tasks to the import orchestrator and
// the deduplication engine.
func NewTaskHandler(orchestrator *Orchestrator, dedupeService *dedupe.Service) taskqueue.Handler {
	return func(ctx context.Context, task taskqueue.Task) error {
		switch task.Kind {
		case taskqueue.KindImportBatch:
			return orchestrator.HandleTask(ctx, task)
		case taskqueue.KindDuplicateDecision:
			var payload taskqueue.DuplicateDecisionPayload
			if err := json.Unmarshal(task.Payload, &payload); err != nil {
				return Error.Wrap(err)
			}
			return dedupeService.Deduplicate(ctx, payload.ReferenceID)
		default:
			return Error.New("unknown task kind %q", task.Kind)
		}
	}
}
