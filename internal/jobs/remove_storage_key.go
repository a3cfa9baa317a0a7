package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/Postbox/internal/jobqueue"
)

// RemoveStorageKeyQueueType tags local storage-key cleanup jobs.
const RemoveStorageKeyQueueType = "removeStorageKey"

// RemoveStorageKeyJobData is the persisted payload of a cleanup job.
type RemoveStorageKeyJobData struct {
	Key string `json:"key"`
}

// ItemRemover deletes a local storage item.
type ItemRemover interface {
	RemoveItem(ctx context.Context, key string) error
}

// RemoveStorageKeyRunner removes an item once local storage is ready. It
// never waits for the network; the queue's own backoff paces retries.
type RemoveStorageKeyRunner struct {
	Storage jobqueue.Readiness
	Items   ItemRemover
}

// ParseData implements jobqueue.Runner.
func (r *RemoveStorageKeyRunner) ParseData(raw json.RawMessage) (RemoveStorageKeyJobData, error) {
	var d RemoveStorageKeyJobData
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, err
	}
	if d.Key == "" {
		return d, fmt.Errorf("removeStorageKey job: empty key")
	}
	return d, nil
}

// LaneKey implements jobqueue.LaneKeyer.
func (r *RemoveStorageKeyRunner) LaneKey(d RemoveStorageKeyJobData) string {
	return d.Key
}

// Run implements jobqueue.Runner.
func (r *RemoveStorageKeyRunner) Run(ctx context.Context, job jobqueue.ParsedJob[RemoveStorageKeyJobData], info jobqueue.RunInfo) (jobqueue.Result, error) {
	if err := r.Storage.Wait(ctx); err != nil {
		return jobqueue.NeedsRetry, err
	}
	if err := r.Items.RemoveItem(ctx, job.Data.Key); err != nil {
		return jobqueue.NeedsRetry, fmt.Errorf("remove %s: %w", job.Data.Key, err)
	}
	info.Log.Info("RemoveStorageKeyRunner.Run: removed storage key", "key", job.Data.Key)
	return jobqueue.Done, nil
}
