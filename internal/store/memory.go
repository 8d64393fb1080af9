package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// MatchRecord is a recognition event kept by Memory.
type MatchRecord struct {
	IdentityID int64
	Confidence float64
	Kind       string
	ObservedAt time.Time
}

// Memory is an in-process IdentityStore. Nothing survives a restart.
type Memory struct {
	mu         sync.Mutex
	nextID     int64
	identities map[int64]types.Identity
	matches    []MatchRecord
	fetches    int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{identities: make(map[int64]types.Identity)}
}

func cloneIdentity(id types.Identity) types.Identity {
	if id.Embedding != nil {
		id.Embedding = append([]float64(nil), id.Embedding...)
	}
	return id
}

func (m *Memory) FetchAll(ctx context.Context, activeOnly bool) ([]types.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++

	out := make([]types.Identity, 0, len(m.identities))
	for _, id := range m.identities {
		if activeOnly && !id.Active {
			continue
		}
		out = append(out, cloneIdentity(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) FetchByID(ctx context.Context, id int64) (*types.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return nil, nil
	}
	c := cloneIdentity(identity)
	return &c, nil
}

func (m *Memory) Insert(ctx context.Context, identity types.Identity, actorID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.identities {
		if existing.ExternalCode == identity.ExternalCode {
			return 0, ErrIdentityConflict
		}
	}
	m.nextID++
	identity = cloneIdentity(identity)
	identity.ID = m.nextID
	identity.Active = true
	identity.CreatedAt = time.Now()
	m.identities[identity.ID] = identity
	return identity.ID, nil
}

func (m *Memory) SoftDelete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	identity.Active = false
	m.identities[id] = identity
	return nil
}

func (m *Memory) Rename(ctx context.Context, id int64, displayName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	identity.DisplayName = displayName
	m.identities[id] = identity
	return nil
}

func (m *Memory) RecordMatch(ctx context.Context, identityID int64, confidence float64, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[identityID]; !ok {
		return ErrNotFound
	}
	if kind == "" {
		kind = MatchKindSuccess
	}
	m.matches = append(m.matches, MatchRecord{IdentityID: identityID, Confidence: confidence, Kind: kind, ObservedAt: time.Now()})
	return nil
}

func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities = make(map[int64]types.Identity)
	m.matches = nil
	m.nextID = 0
	return nil
}

func (m *Memory) Close(ctx context.Context) {}

// Matches returns a copy of the recorded recognition events.
func (m *Memory) Matches() []MatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MatchRecord(nil), m.matches...)
}

// FetchCount reports how many times FetchAll was called.
func (m *Memory) FetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}
