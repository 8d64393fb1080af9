package recognition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/andresmejia3/facegate/internal/snapshot"
	"github.com/andresmejia3/facegate/internal/types"
)

// Cache sources reported in Stats.
const (
	SourceSnapshot      = "snapshot"
	SourceStore         = "store"
	SourceStaleSnapshot = "stale_snapshot"
	SourceRuntime       = "runtime"
)

// Load fills the cache from a fresh snapshot, or from the identity store when the
// snapshot is missing, stale, corrupt or from another schema version. A stale but
// readable snapshot is used when the store cannot be reached.
func (e *Engine) Load(ctx context.Context) error {
	var stale *snapshot.Snapshot

	if e.cfg.SnapshotPath != "" {
		snap, err := snapshot.Load(e.cfg.SnapshotPath)
		switch {
		case err == nil && snapshot.Fresh(snap, e.cfg.SnapshotMaxAge, e.now()):
			e.install(e.filter(snap.Identities), SourceSnapshot)
			e.log.Info("recognition: cache loaded from snapshot", "identities", e.Size(), "saved_at", snap.SavedAt)
			return nil
		case err == nil:
			stale = &snap
			e.log.Info("recognition: snapshot is stale", "saved_at", snap.SavedAt, "max_age", e.cfg.SnapshotMaxAge)
		case errors.Is(err, os.ErrNotExist):
			e.log.Debug("recognition: no snapshot", "path", e.cfg.SnapshotPath)
		default:
			e.log.Warn("recognition: snapshot unreadable, rebuilding", "path", e.cfg.SnapshotPath, "error", err)
		}
	}

	err := e.rebuild(ctx)
	if err != nil && stale != nil {
		e.install(e.filter(stale.Identities), SourceStaleSnapshot)
		e.log.Warn("recognition: store unavailable, using stale snapshot", "identities", e.Size(), "error", err)
		return nil
	}
	return err
}

// Reload rebuilds the cache from the identity store and clears the cooldown ledger.
func (e *Engine) Reload(ctx context.Context) error {
	if err := e.rebuild(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.ledger = make(map[int64]time.Time)
	e.mu.Unlock()
	return nil
}

func (e *Engine) rebuild(ctx context.Context) error {
	if e.source == nil {
		return errors.New("recognition: no identity source configured")
	}
	ids, err := e.source.FetchAll(ctx, true)
	if err != nil {
		return fmt.Errorf("fetch identities: %w", err)
	}

	cached := make([]types.CachedIdentity, 0, len(ids))
	for _, id := range ids {
		cached = append(cached, types.CachedIdentity{
			ID:           id.ID,
			ExternalCode: id.ExternalCode,
			DisplayName:  id.DisplayName,
			Embedding:    id.Embedding,
		})
	}
	// Cache order is enrollment order; it decides ties in nearest.
	sort.SliceStable(cached, func(i, j int) bool { return cached[i].ID < cached[j].ID })
	e.install(e.filter(cached), SourceStore)
	e.log.Info("recognition: cache rebuilt from store", "identities", e.Size(), "fetched", len(ids))

	e.persist()
	return nil
}

// filter drops entries whose embedding is absent or has the wrong length, and keeps
// the newest MaxCacheSize entries.
func (e *Engine) filter(in []types.CachedIdentity) []types.CachedIdentity {
	out := make([]types.CachedIdentity, 0, len(in))
	for _, c := range in {
		if err := e.validate(c.Embedding); err != nil {
			e.log.Warn("recognition: skipping identity", "identity_id", c.ID, "external_code", c.ExternalCode, "error", err)
			continue
		}
		c.Embedding = append([]float64(nil), c.Embedding...)
		out = append(out, c)
	}
	if over := len(out) - e.cfg.MaxCacheSize; over > 0 {
		e.log.Warn("recognition: roster exceeds cache size, evicting oldest", "evicted", over, "max_cache_size", e.cfg.MaxCacheSize)
		out = out[over:]
	}
	return out
}

func (e *Engine) validate(emb []float64) error {
	if emb == nil {
		return fmt.Errorf("%w: no embedding", ErrInvalidEmbedding)
	}
	if len(emb) != e.cfg.EmbeddingDim {
		return fmt.Errorf("%w: got %d values, want %d", ErrInvalidEmbedding, len(emb), e.cfg.EmbeddingDim)
	}
	for _, v := range emb {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidEmbedding)
		}
	}
	return nil
}

func (e *Engine) install(cache []types.CachedIdentity, source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = cache
	e.stats.Source = source
	e.stats.LoadedAt = e.now()
}

// Register appends an identity to the cache and persists the snapshot. When the
// cache is full the oldest entries are evicted first.
func (e *Engine) Register(identity types.Identity) error {
	if err := e.validate(identity.Embedding); err != nil {
		return err
	}
	entry := types.CachedIdentity{
		ID:           identity.ID,
		ExternalCode: identity.ExternalCode,
		DisplayName:  identity.DisplayName,
		Embedding:    append([]float64(nil), identity.Embedding...),
	}

	e.mu.Lock()
	e.cache = append(e.cache, entry)
	evicted := 0
	if over := len(e.cache) - e.cfg.MaxCacheSize; over > 0 {
		evicted = over
		e.cache = append([]types.CachedIdentity(nil), e.cache[over:]...)
	}
	e.stats.Source = SourceRuntime
	e.mu.Unlock()

	e.log.Info("recognition: identity registered", "identity_id", identity.ID, "display_name", identity.DisplayName)
	if evicted > 0 {
		e.log.Warn("recognition: cache full, evicted oldest", "evicted", evicted)
	}
	e.persist()
	return nil
}

// Unregister removes every cache entry for id, forgets its cooldown and persists.
func (e *Engine) Unregister(id int64) {
	e.mu.Lock()
	kept := e.cache[:0:0]
	for _, c := range e.cache {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	removed := len(e.cache) - len(kept)
	e.cache = kept
	delete(e.ledger, id)
	e.mu.Unlock()

	e.log.Info("recognition: identity unregistered", "identity_id", id, "removed", removed)
	e.persist()
}

// persist writes the current cache to the snapshot path. Failures are logged.
func (e *Engine) persist() {
	if e.cfg.SnapshotPath == "" {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	snap := snapshot.Snapshot{Identities: cloneCache(e.cache), SavedAt: e.now()}
	e.mu.Unlock()

	if err := snapshot.Save(e.cfg.SnapshotPath, snap); err != nil {
		e.log.Warn("recognition: failed to write snapshot", "path", e.cfg.SnapshotPath, "error", err)
		return
	}
	e.log.Debug("recognition: snapshot written", "path", e.cfg.SnapshotPath, "identities", len(snap.Identities))
}
