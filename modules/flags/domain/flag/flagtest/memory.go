// Package flagtest provides an in-memory flag.Repository for tests.
package flagtest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/approvalgate/modules/flags/domain/flag"
)

type MemoryRepository struct {
	mu    sync.Mutex
	flags map[uuid.UUID]*flag.FeatureFlag
	saves int
}

func NewMemoryRepository(flags ...*flag.FeatureFlag) *MemoryRepository {
	r := &MemoryRepository{flags: make(map[uuid.UUID]*flag.FeatureFlag)}
	for _, f := range flags {
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		if f.Version == 0 {
			f.Version = 1
		}
		r.flags[f.ID] = clone(f)
	}
	return r
}

func clone(f *flag.FeatureFlag) *flag.FeatureFlag {
	raw, _ := json.Marshal(f)
	var out flag.FeatureFlag
	_ = json.Unmarshal(raw, &out)
	return &out
}

// Saves reports how many successful Save calls were made.
func (r *MemoryRepository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

// Put overwrites the stored flag, simulating an out-of-band edit.
func (r *MemoryRepository) Put(f *flag.FeatureFlag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[f.ID] = clone(f)
}

func (r *MemoryRepository) GetByID(_ context.Context, teamID, id uuid.UUID) (*flag.FeatureFlag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flags[id]
	if !ok || f.TeamID != teamID {
		return nil, flag.ErrNotFound
	}
	return clone(f), nil
}

func (r *MemoryRepository) GetForUpdate(ctx context.Context, teamID, id uuid.UUID) (*flag.FeatureFlag, error) {
	return r.GetByID(ctx, teamID, id)
}

func (r *MemoryRepository) List(_ context.Context, teamID uuid.UUID) ([]*flag.FeatureFlag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*flag.FeatureFlag
	for _, f := range r.flags {
		if f.TeamID == teamID && !f.Deleted {
			out = append(out, clone(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *MemoryRepository) Create(_ context.Context, f *flag.FeatureFlag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.flags {
		if existing.TeamID == f.TeamID && existing.Key == f.Key {
			return flag.ErrDuplicateKey
		}
	}
	f.ID = uuid.New()
	f.Version = 1
	f.CreatedAt = time.Now().UTC()
	f.UpdatedAt = f.CreatedAt
	r.flags[f.ID] = clone(f)
	return nil
}

func (r *MemoryRepository) Save(_ context.Context, f *flag.FeatureFlag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.flags[f.ID]
	if !ok || stored.TeamID != f.TeamID || stored.Version != f.Version {
		return flag.ErrVersionConflict
	}
	f.Version++
	f.UpdatedAt = time.Now().UTC()
	r.flags[f.ID] = clone(f)
	r.saves++
	return nil
}
