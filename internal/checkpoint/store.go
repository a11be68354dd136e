package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store persists engagement records.
type Store interface {
	Save(ctx context.Context, r *Record) error
	Load(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]Summary, error)
}

// FileStore keeps one JSON file per engagement in a directory. A save
// writes a temp file, fsyncs it and renames it over the old record, so
// a reader sees either the old record or the new one, never a partial
// write. Each save takes a per-engagement sequence number; a write that
// finishes after a newer one has landed is discarded.
type FileStore struct {
	dir string

	mu     sync.Mutex
	issued map[string]uint64
	landed map[string]uint64
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{
		dir:    dir,
		issued: make(map[string]uint64),
		landed: make(map[string]uint64),
	}, nil
}

// Path returns the record path for an engagement id.
func (s *FileStore) Path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save implements Store. It returns ctx.Err() if the context ends first;
// the write itself still completes or fails atomically, and never
// replaces a record from a later Save.
func (s *FileStore) Save(ctx context.Context, r *Record) error {
	if r == nil || r.Engagement == nil || r.Engagement.ID == "" {
		return fmt.Errorf("record has no engagement id")
	}
	if err := validID(r.Engagement.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	id := r.Engagement.ID
	s.mu.Lock()
	s.issued[id]++
	seq := s.issued[id]
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.writeAtomic(id, seq, data) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("save %s: %w", r.Engagement.ID, ctx.Err())
	}
}

func (s *FileStore) writeAtomic(id string, seq uint64, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.landed[id] > seq {
		cleanup()
		return nil
	}
	if err := os.Rename(tmpName, s.Path(id)); err != nil {
		cleanup()
		return fmt.Errorf("replace record: %w", err)
	}
	s.landed[id] = seq
	// Persist the rename itself. Not every platform can fsync a
	// directory, so failure here is ignored.
	if d, err := os.Open(s.dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	if r.Engagement == nil {
		return nil, fmt.Errorf("record %s has no engagement", id)
	}
	if r.Version > RecordVersion {
		return nil, fmt.Errorf("record %s has version %d, newer than supported %d", id, r.Version, RecordVersion)
	}
	return &r, nil
}

// List implements Store, newest first. Unreadable records are skipped.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var out []Summary
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		r, err := s.Load(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		out = append(out, r.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid engagement id %q", id)
	}
	return nil
}
