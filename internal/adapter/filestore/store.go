// Package filestore implements the state store port on a single JSON
// file. Every mutation is serialized, written to a temporary sibling,
// fsynced, and atomically renamed into place before the call returns, so
// readers never observe a partially written store.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/planforge/planforge/internal/domain"
	"github.com/planforge/planforge/internal/domain/plan"
	"github.com/planforge/planforge/internal/domain/step"
	"github.com/planforge/planforge/internal/port/statestore"
)

const formatVersion = 1

// fileFormat is the on-disk layout of the store.
type fileFormat struct {
	Version int           `json:"version"`
	Steps   []step.Record `json:"steps"`
}

// Store implements statestore.Store backed by one JSON file.
type Store struct {
	path string
	log  *slog.Logger

	// mu serializes writers; readers take it shared.
	mu      sync.RWMutex
	records map[string]step.Record
	now     func() time.Time // for testing
}

// Open loads the store at path, creating parent directories as needed.
// A missing or corrupt file yields an empty store; any other read error
// is fatal to startup.
func Open(path string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}

	s := &Store{
		path:    path,
		log:     log,
		records: make(map[string]step.Record),
		now:     time.Now,
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn("state file corrupt, starting empty", "path", path, "error", err)
		return s, nil
	}
	for _, rec := range f.Steps {
		s.records[rec.IdempotencyKey] = rec
	}
	return s, nil
}

// Remember creates or overwrites the record for (planID, st.ID).
func (s *Store) Remember(_ context.Context, planID string, st plan.Step, traceID string, opts statestore.RememberOptions) (step.Record, error) {
	key := opts.IdempotencyKey
	if key == "" {
		key = step.IdempotencyKey(planID, st.ID)
	}
	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	approvals := opts.Approvals
	if approvals == nil {
		approvals = map[string]bool{}
	}

	rec := step.Record{
		PlanID:         planID,
		StepID:         st.ID,
		Step:           st,
		TraceID:        traceID,
		State:          opts.InitialState,
		Attempt:        opts.Attempt,
		IdempotencyKey: key,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
		Approvals:      approvals,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return rec, s.commit(func(records map[string]step.Record) {
		records[key] = rec
	})
}

// SetState updates the record. Terminal states remove the record within
// the same durable write.
func (s *Store) SetState(_ context.Context, planID, stepID string, state step.State, update statestore.StateUpdate) (step.Record, error) {
	key := step.IdempotencyKey(planID, stepID)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return step.Record{}, fmt.Errorf("step %s: %w", key, domain.ErrNotFound)
	}

	rec.State = state
	rec.UpdatedAt = s.now()
	if update.Summary != nil {
		rec.Summary = *update.Summary
	}
	if update.Output != nil {
		rec.Output = update.Output
	}
	if update.Attempt != nil {
		rec.Attempt = *update.Attempt
	}

	err := s.commit(func(records map[string]step.Record) {
		if state.IsTerminal() {
			delete(records, key)
		} else {
			records[key] = rec
		}
	})
	if err != nil {
		return step.Record{}, err
	}
	return rec, nil
}

// RecordApproval sets approvals[capability] = granted.
func (s *Store) RecordApproval(_ context.Context, planID, stepID, capability string, granted bool) (step.Record, error) {
	key := step.IdempotencyKey(planID, stepID)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return step.Record{}, fmt.Errorf("step %s: %w", key, domain.ErrNotFound)
	}

	approvals := make(map[string]bool, len(rec.Approvals)+1)
	for k, v := range rec.Approvals {
		approvals[k] = v
	}
	approvals[capability] = granted
	rec.Approvals = approvals
	rec.UpdatedAt = s.now()

	err := s.commit(func(records map[string]step.Record) {
		records[key] = rec
	})
	if err != nil {
		return step.Record{}, err
	}
	return rec, nil
}

// Forget removes the record unconditionally. Removing an absent record is
// a no-op.
func (s *Store) Forget(_ context.Context, planID, stepID string) error {
	key := step.IdempotencyKey(planID, stepID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; !ok {
		return nil
	}
	return s.commit(func(records map[string]step.Record) {
		delete(records, key)
	})
}

// ListActive returns a snapshot of all records ordered by creation time.
func (s *Store) ListActive(_ context.Context) ([]step.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]step.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].IdempotencyKey < out[j].IdempotencyKey
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetEntry returns the record for (planID, stepID), or false when absent.
func (s *Store) GetEntry(_ context.Context, planID, stepID string) (step.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[step.IdempotencyKey(planID, stepID)]
	return rec, ok, nil
}

// commit applies mutate to a copy of the record map, persists the copy,
// and swaps it in only when the write succeeded. Must be called with
// s.mu held for writing.
func (s *Store) commit(mutate func(map[string]step.Record)) error {
	next := make(map[string]step.Record, len(s.records)+1)
	for k, v := range s.records {
		next[k] = v
	}
	mutate(next)

	if err := s.persist(next); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	s.records = next
	return nil
}

// persist writes the record set to a temp sibling, fsyncs, and renames.
func (s *Store) persist(records map[string]step.Record) error {
	steps := make([]step.Record, 0, len(records))
	for _, rec := range records {
		steps = append(steps, rec)
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].IdempotencyKey < steps[j].IdempotencyKey
	})

	data, err := json.MarshalIndent(fileFormat{Version: formatVersion, Steps: steps}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
