package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/audioscribe/audioscribe/internal/errors"
	"github.com/audioscribe/audioscribe/internal/logging"
	"github.com/audioscribe/audioscribe/internal/store"
)

const (
	parentKeyPrefix = "parent:"
	subJobKeyPrefix = "subjob:"
)

// Store persists parent and sub-job records in the key-value store as JSON
// with per-record TTLs. Counter mutations are last-writer-wins; callers that
// need exact counts use Recount.
type Store struct {
	kv           store.KV
	jobTTL       time.Duration
	completedTTL time.Duration
	logger       *slog.Logger
}

// NewStore creates a job store. jobTTL applies to live records,
// completedTTL to parents that reached a terminal state.
func NewStore(kv store.KV, jobTTL, completedTTL time.Duration) *Store {
	return &Store{
		kv:           kv,
		jobTTL:       jobTTL,
		completedTTL: completedTTL,
		logger:       logging.ForService("jobstore"),
	}
}

func (s *Store) ttlFor(status ParentStatus) time.Duration {
	if status.IsTerminal() {
		return s.completedTTL
	}
	return s.jobTTL
}

// CreateParent persists a new parent record.
func (s *Store) CreateParent(ctx context.Context, parent *ParentJob) error {
	return s.PutParent(ctx, parent)
}

// GetParent loads a parent record by id.
func (s *Store) GetParent(ctx context.Context, id string) (*ParentJob, error) {
	raw, err := s.kv.Get(ctx, parentKeyPrefix+id)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, errors.NotFoundError("parent job", id)
		}
		return nil, errors.New(err).
			Component("jobstore").
			Category(errors.CategoryKVStore).
			Context("id", id).
			Build()
	}
	var parent ParentJob
	if err := json.Unmarshal([]byte(raw), &parent); err != nil {
		return nil, errors.New(err).
			Component("jobstore").
			Category(errors.CategoryKVStore).
			Context("id", id).
			Build()
	}
	return &parent, nil
}

// PutParent writes the whole parent record in a single put. This is the
// atomic-linkage write: SubJobIDs lands fully populated or not at all.
func (s *Store) PutParent(ctx context.Context, parent *ParentJob) error {
	raw, err := json.Marshal(parent)
	if err != nil {
		return errors.New(err).
			Component("jobstore").
			Category(errors.CategoryKVStore).
			Context("id", parent.ID).
			Build()
	}
	return s.kv.Put(ctx, parentKeyPrefix+parent.ID, string(raw), s.ttlFor(parent.Status))
}

// UpdateParent loads, mutates, and rewrites a parent record. Counter drift
// under racing updates is acceptable per the concurrency model.
func (s *Store) UpdateParent(ctx context.Context, id string, mutate func(*ParentJob)) (*ParentJob, error) {
	parent, err := s.GetParent(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(parent)
	if err := s.PutParent(ctx, parent); err != nil {
		return nil, err
	}
	return parent, nil
}

// DeleteParent removes the parent record.
func (s *Store) DeleteParent(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, parentKeyPrefix+id)
}

// CreateSubJob persists a new sub-job record. The record is visible under
// its id immediately, before it is linked into the parent.
func (s *Store) CreateSubJob(ctx context.Context, sub *SubJob) error {
	return s.PutSubJob(ctx, sub)
}

// GetSubJob loads a sub-job record by id.
func (s *Store) GetSubJob(ctx context.Context, id string) (*SubJob, error) {
	raw, err := s.kv.Get(ctx, subJobKeyPrefix+id)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, errors.NotFoundError("sub-job", id)
		}
		return nil, errors.New(err).
			Component("jobstore").
			Category(errors.CategoryKVStore).
			Context("id", id).
			Build()
	}
	var sub SubJob
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, errors.New(err).
			Component("jobstore").
			Category(errors.CategoryKVStore).
			Context("id", id).
			Build()
	}
	return &sub, nil
}

// PutSubJob writes the whole sub-job record.
func (s *Store) PutSubJob(ctx context.Context, sub *SubJob) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return errors.New(err).
			Component("jobstore").
			Category(errors.CategoryKVStore).
			Context("id", sub.ID).
			Build()
	}
	return s.kv.Put(ctx, subJobKeyPrefix+sub.ID, string(raw), s.jobTTL)
}

// UpdateSubJob loads, mutates, and rewrites a sub-job. The processor's
// single-writer discipline serializes concurrent status transitions.
func (s *Store) UpdateSubJob(ctx context.Context, id string, mutate func(*SubJob)) (*SubJob, error) {
	sub, err := s.GetSubJob(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(sub)
	if err := s.PutSubJob(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// DeleteSubJob removes the sub-job record.
func (s *Store) DeleteSubJob(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, subJobKeyPrefix+id)
}

// SubJobs loads every linked sub-job of a parent in chunk-index order.
// Unlinked or missing entries come back as nil at their index.
func (s *Store) SubJobs(ctx context.Context, parent *ParentJob) ([]*SubJob, error) {
	subs := make([]*SubJob, len(parent.SubJobIDs))
	for i, id := range parent.SubJobIDs {
		if id == "" {
			continue
		}
		sub, err := s.GetSubJob(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		subs[i] = sub
	}
	return subs, nil
}
