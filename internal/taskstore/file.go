package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore keeps one JSON document per task under <root>/<bucket>/.
type FileStore struct {
	root string
	mu   sync.Mutex
}

var allBuckets = []Bucket{BucketActive, BucketCompleted, BucketErrored}

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	for _, b := range allBuckets {
		if err := os.MkdirAll(filepath.Join(root, string(b)), 0o755); err != nil {
			return nil, err
		}
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) Upsert(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	rec = stamp(rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sealed, err := s.sealedLocked(rec.TaskID); err != nil {
		return err
	} else if sealed {
		return fmt.Errorf("%w: %s", ErrSealed, rec.TaskID)
	}
	return writeJSONAtomic(s.path(BucketActive, rec.TaskID), rec)
}

func (s *FileStore) Finalize(ctx context.Context, rec Record, bucket Bucket) error {
	if err := checkFinalBucket(bucket); err != nil {
		return err
	}
	if err := rec.validate(); err != nil {
		return err
	}
	rec = stamp(rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sealed, err := s.sealedLocked(rec.TaskID); err != nil {
		return err
	} else if sealed {
		return fmt.Errorf("%w: %s", ErrSealed, rec.TaskID)
	}
	if err := writeJSONAtomic(s.path(bucket, rec.TaskID), rec); err != nil {
		return err
	}
	if err := os.Remove(s.path(BucketActive, rec.TaskID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, taskID string) (Record, Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range []Bucket{BucketCompleted, BucketErrored, BucketActive} {
		rec, err := readRecord(s.path(b, taskID))
		if err == nil {
			return rec, b, nil
		}
		if !os.IsNotExist(err) {
			return Record{}, "", err
		}
	}
	return Record{}, "", fmt.Errorf("%w: %s", ErrNotFound, taskID)
}

func (s *FileStore) List(ctx context.Context, bucket Bucket) ([]Record, error) {
	if !bucket.Valid() {
		return nil, fmt.Errorf("invalid bucket %q", bucket)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.root, string(bucket)))
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := readRecord(filepath.Join(s.root, string(bucket), e.Name()))
		if err != nil {
			log.Printf("level=WARN event=task_record_unreadable bucket=%s file=%q err=%q", bucket, e.Name(), err)
			continue
		}
		if bucket == BucketActive {
			// A Finalize interrupted before removing the active copy leaves
			// both files; the terminal one wins.
			sealed, err := s.sealedLocked(rec.TaskID)
			if err != nil {
				return nil, err
			}
			if sealed {
				s.dropStaleActiveLocked(rec.TaskID)
				continue
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := false
	for _, b := range allBuckets {
		err := os.Remove(s.path(b, taskID))
		if err == nil {
			removed = true
			continue
		}
		if !os.IsNotExist(err) {
			return err
		}
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return nil
}

func (s *FileStore) Purge(ctx context.Context, bucket Bucket, olderThan time.Time) (int, error) {
	recs, err := s.List(ctx, bucket)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range recs {
		if !rec.PersistedAt.Before(olderThan) {
			continue
		}
		if err := os.Remove(s.path(bucket, rec.TaskID)); err != nil && !os.IsNotExist(err) {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) sealedLocked(taskID string) (bool, error) {
	for _, b := range []Bucket{BucketCompleted, BucketErrored} {
		_, err := os.Stat(s.path(b, taskID))
		if err == nil {
			return true, nil
		}
		if !os.IsNotExist(err) {
			return false, err
		}
	}
	return false, nil
}

func (s *FileStore) dropStaleActiveLocked(taskID string) {
	err := os.Remove(s.path(BucketActive, taskID))
	if err != nil && !os.IsNotExist(err) {
		log.Printf("level=WARN event=stale_active_record_remove_failed task_id=%q err=%q", taskID, err)
		return
	}
	log.Printf("level=WARN event=stale_active_record_dropped task_id=%q", taskID)
}

func (s *FileStore) path(bucket Bucket, taskID string) string {
	return filepath.Join(s.root, string(bucket), sanitizeID(taskID)+".json")
}

func sanitizeID(id string) string {
	b := strings.Builder{}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	syncDir(dir, path)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir, target string) {
	d, err := os.Open(dir)
	if err != nil {
		log.Printf("level=WARN event=store_dir_fsync_skipped reason=%q dir=%q target=%q", err.Error(), dir, target)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Printf("level=WARN event=store_dir_fsync_failed reason=%q dir=%q target=%q", err.Error(), dir, target)
	}
}
