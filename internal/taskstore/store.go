package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("task record not found")
	// ErrSealed is returned when writing a record that was already finalized
	// into the completed or errored bucket.
	ErrSealed = errors.New("task record sealed")
)

type Bucket string

const (
	BucketActive    Bucket = "active"
	BucketCompleted Bucket = "completed"
	BucketErrored   Bucket = "errored"
)

func (b Bucket) Valid() bool {
	switch b {
	case BucketActive, BucketCompleted, BucketErrored:
		return true
	default:
		return false
	}
}

// Record is the persisted form of one task. Payload is backend-agnostic JSON
// owned by the state machine that produced it.
type Record struct {
	TaskID        string          `json:"task_id"`
	ContextType   string          `json:"context_type_tag"`
	SchemaVersion int             `json:"schema_version"`
	State         string          `json:"state"`
	Payload       json.RawMessage `json:"payload"`
	PersistedAt   time.Time       `json:"persisted_at"`
}

func (r Record) validate() error {
	if r.TaskID == "" {
		return errors.New("task_id required")
	}
	if r.ContextType == "" {
		return fmt.Errorf("task %s: context_type_tag required", r.TaskID)
	}
	if len(r.Payload) == 0 || !json.Valid(r.Payload) {
		return fmt.Errorf("task %s: payload must be valid json", r.TaskID)
	}
	return nil
}

// Store persists task records in three buckets. A record moves from active
// to completed or errored once and never back.
type Store interface {
	// Upsert writes rec into the active bucket.
	Upsert(ctx context.Context, rec Record) error
	// Finalize moves rec into a terminal bucket, replacing the active copy.
	Finalize(ctx context.Context, rec Record, bucket Bucket) error
	Get(ctx context.Context, taskID string) (Record, Bucket, error)
	List(ctx context.Context, bucket Bucket) ([]Record, error)
	Delete(ctx context.Context, taskID string) error
	// Purge removes records of a bucket persisted before olderThan.
	Purge(ctx context.Context, bucket Bucket, olderThan time.Time) (int, error)
	Close() error
}

func stamp(rec Record) Record {
	if rec.PersistedAt.IsZero() {
		rec.PersistedAt = time.Now().UTC()
	}
	rec.PersistedAt = rec.PersistedAt.UTC()
	return rec
}

func checkFinalBucket(bucket Bucket) error {
	if bucket != BucketCompleted && bucket != BucketErrored {
		return fmt.Errorf("invalid terminal bucket %q", bucket)
	}
	return nil
}
