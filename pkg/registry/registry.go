// SPDX-License-Identifier: Apache-2.0
// Package registry stores role identities. Routing, generation and
// guardrails read roles through Registry; administration writes through
// Store. Each turn works on a snapshot taken when the turn starts.
package registry

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/ipcollab/pkg/core"
	"github.com/jllopis/ipcollab/pkg/errors"
)

// Registry resolves role identities.
type Registry interface {
	Get(ctx context.Context, id string) (core.RoleIdentity, error)
	List(ctx context.Context) ([]core.RoleIdentity, error)
}

// Store is a Registry that accepts edits. Put bumps the role version.
type Store interface {
	Registry
	Put(ctx context.Context, role core.RoleIdentity) (core.RoleIdentity, error)
	Delete(ctx context.Context, id string) error
}

// Snapshot resolves ids in order. Any unknown id fails the whole call.
func Snapshot(ctx context.Context, reg Registry, ids []string) ([]core.RoleIdentity, error) {
	out := make([]core.RoleIdentity, 0, len(ids))
	for _, id := range ids {
		role, err := reg.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, role.Clone())
	}
	return out, nil
}

// Seed puts roles that are not yet present.
func Seed(ctx context.Context, store Store, roles []core.RoleIdentity) error {
	for _, role := range roles {
		if _, err := store.Get(ctx, role.ID); err == nil {
			continue
		} else if !errors.HasCode(err, errors.CodeUnknownRole) {
			return err
		}
		if _, err := store.Put(ctx, role); err != nil {
			return err
		}
	}
	return nil
}

func normalize(role core.RoleIdentity) core.RoleIdentity {
	role = role.Clone()
	role.ID = strings.TrimSpace(role.ID)
	if role.Style.Formality == "" {
		role.Style.Formality = core.FormalityClinical
	}
	return role
}

// MemoryStore keeps roles in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	roles map[string]core.RoleIdentity
	now   func() time.Time
}

// NewMemoryStore returns a store seeded with roles.
func NewMemoryStore(roles ...core.RoleIdentity) (*MemoryStore, error) {
	s := &MemoryStore{roles: make(map[string]core.RoleIdentity), now: time.Now}
	for _, r := range roles {
		if _, err := s.Put(context.Background(), r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get returns a copy of the role.
func (s *MemoryStore) Get(_ context.Context, id string) (core.RoleIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return core.RoleIdentity{}, errors.UnknownRole(id)
	}
	return role.Clone(), nil
}

// List returns all roles sorted by id.
func (s *MemoryStore) List(_ context.Context) ([]core.RoleIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.RoleIdentity, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b core.RoleIdentity) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Put validates and stores role, returning the stored version.
func (s *MemoryStore) Put(_ context.Context, role core.RoleIdentity) (core.RoleIdentity, error) {
	role = normalize(role)
	if err := role.Validate(); err != nil {
		return core.RoleIdentity{}, errors.InvalidInput(err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	role.Version = s.roles[role.ID].Version + 1
	role.UpdatedAt = s.now().UTC()
	s.roles[role.ID] = role
	return role.Clone(), nil
}

// Delete removes a role.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return errors.UnknownRole(id)
	}
	delete(s.roles, id)
	return nil
}
