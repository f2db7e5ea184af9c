// Package cache holds the in-process container state used by the price
// pipeline and the fan-out hub.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/polylive/internal/domain"
	"github.com/alanyoungcy/polylive/internal/keylock"
)

const inventoryChunk = 100

// Containers is a read-through cache in front of the container store with a
// write-through Redis mirror. Stored values are never mutated; readers get
// clones.
type Containers struct {
	store  domain.ContainerStore
	mirror domain.ContainerMirror
	locks  *keylock.Locker
	group  singleflight.Group
	logger *slog.Logger

	mu     sync.RWMutex
	byID   map[string]domain.Container
	bySlug map[string]string
}

// NewContainers creates the cache. mirror may be nil.
func NewContainers(store domain.ContainerStore, mirror domain.ContainerMirror, logger *slog.Logger) *Containers {
	return &Containers{
		store:  store,
		mirror: mirror,
		locks:  keylock.New(),
		logger: logger.With(slog.String("component", "container_cache")),
		byID:   make(map[string]domain.Container),
		bySlug: make(map[string]string),
	}
}

// Lock serializes writers of one container.
func (c *Containers) Lock(id string) func() {
	return c.locks.Lock(id)
}

// Get returns the container by id, loading it from the store on a miss.
func (c *Containers) Get(ctx context.Context, id string) (domain.Container, error) {
	c.mu.RLock()
	v, ok := c.byID[id]
	c.mu.RUnlock()
	if ok {
		return v.Clone(), nil
	}

	res, err, _ := c.group.Do("id:"+id, func() (any, error) {
		got, err := c.store.Get(ctx, id)
		if err != nil {
			return domain.Container{}, err
		}
		c.fill(got)
		return got, nil
	})
	if err != nil {
		return domain.Container{}, fmt.Errorf("cache: load container %s: %w", id, err)
	}
	return res.(domain.Container).Clone(), nil
}

// Resolve accepts a container id or slug.
func (c *Containers) Resolve(ctx context.Context, key string) (domain.Container, error) {
	c.mu.RLock()
	id, aliased := c.bySlug[key]
	c.mu.RUnlock()
	if aliased {
		return c.Get(ctx, id)
	}

	got, err := c.Get(ctx, key)
	if err == nil {
		return got, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Container{}, err
	}

	res, err, _ := c.group.Do("slug:"+key, func() (any, error) {
		found, err := c.store.GetBySlug(ctx, key)
		if err != nil {
			return domain.Container{}, err
		}
		c.fill(found)
		return found, nil
	})
	if err != nil {
		return domain.Container{}, fmt.Errorf("cache: resolve %s: %w", key, err)
	}
	return res.(domain.Container).Clone(), nil
}

// Peek returns the cached value without touching the store.
func (c *Containers) Peek(id string) (domain.Container, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.byID[id]
	if !ok {
		return domain.Container{}, false
	}
	return v.Clone(), true
}

// Put replaces the cached entry and mirrors it. The caller must already have
// persisted v.
func (c *Containers) Put(ctx context.Context, v domain.Container) {
	c.set(v.Clone())
	if c.mirror == nil {
		return
	}
	if err := c.mirror.Set(ctx, v); err != nil {
		c.logger.WarnContext(ctx, "container mirror write failed",
			slog.String("container", v.ID),
			slog.String("error", err.Error()),
		)
	}
}

// fill caches a value loaded from the store unless a newer one arrived
// meanwhile.
func (c *Containers) fill(v domain.Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.byID[v.ID]; ok && cur.UpdatedAt.After(v.UpdatedAt) {
		return
	}
	c.setLocked(v.Clone())
}

func (c *Containers) set(v domain.Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(v)
}

func (c *Containers) setLocked(v domain.Container) {
	if old, ok := c.byID[v.ID]; ok && old.Slug != v.Slug {
		delete(c.bySlug, old.Slug)
	}
	c.byID[v.ID] = v
	if v.Slug != "" {
		c.bySlug[v.Slug] = v.ID
	}
}

// Invalidate drops the local and mirrored entry.
func (c *Containers) Invalidate(ctx context.Context, id string) {
	c.mu.Lock()
	if old, ok := c.byID[id]; ok {
		delete(c.bySlug, old.Slug)
		delete(c.byID, id)
	}
	c.mu.Unlock()

	if c.mirror == nil {
		return
	}
	if err := c.mirror.Invalidate(ctx, id); err != nil {
		c.logger.WarnContext(ctx, "container mirror invalidate failed",
			slog.String("container", id),
			slog.String("error", err.Error()),
		)
	}
}

// ApplyInventory stores refreshed metadata and drops stale cache entries.
// Each chunk holds the per-container locks of its members so that no price
// update interleaves with the metadata write.
// Containers missing from the inventory are marked inactive. An empty
// inventory is treated as a failed fetch and deactivates nothing.
func (c *Containers) ApplyInventory(ctx context.Context, containers []domain.Container) error {
	if len(containers) == 0 {
		return nil
	}
	for start := 0; start < len(containers); start += inventoryChunk {
		end := min(start+inventoryChunk, len(containers))
		if err := c.applyChunk(ctx, containers[start:end]); err != nil {
			return err
		}
	}

	keep := make([]string, len(containers))
	for i, v := range containers {
		keep[i] = v.ID
	}
	n, err := c.store.MarkInactive(ctx, keep)
	if err != nil {
		return fmt.Errorf("cache: deactivate containers: %w", err)
	}
	if n > 0 {
		c.logger.InfoContext(ctx, "containers deactivated", slog.Int64("count", n))
	}
	return nil
}

func (c *Containers) applyChunk(ctx context.Context, chunk []domain.Container) error {
	ids := make([]string, 0, len(chunk))
	seen := make(map[string]bool, len(chunk))
	for _, v := range chunk {
		if !seen[v.ID] {
			seen[v.ID] = true
			ids = append(ids, v.ID)
		}
	}
	// Fixed order keeps concurrent chunk holders from deadlocking.
	sort.Strings(ids)

	unlocks := make([]func(), 0, len(ids))
	for _, id := range ids {
		unlocks = append(unlocks, c.locks.Lock(id))
	}
	defer func() {
		for _, u := range unlocks {
			u()
		}
	}()

	if err := c.store.UpsertMetadata(ctx, chunk); err != nil {
		return fmt.Errorf("cache: upsert inventory: %w", err)
	}
	for _, id := range ids {
		c.Invalidate(ctx, id)
	}
	return nil
}

// Warm seeds entries that are not cached yet from an archived snapshot. Each
// container is compared with its stored row and the fresher copy wins, so a
// later slot write never puts snapshot prices back over newer stored ones.
// Containers the store does not list as active are left to read-through.
func (c *Containers) Warm(ctx context.Context, containers []domain.Container) int {
	stored, err := c.store.ListActive(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "warm skipped, store unavailable", slog.String("error", err.Error()))
		return 0
	}
	current := make(map[string]domain.Container, len(stored))
	for _, v := range stored {
		current[v.ID] = v
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range containers {
		if _, ok := c.byID[v.ID]; ok {
			continue
		}
		row, ok := current[v.ID]
		if !ok {
			continue
		}
		if !row.UpdatedAt.Before(v.UpdatedAt) {
			v = row
		}
		c.setLocked(v.Clone())
		n++
	}
	return n
}

// Snapshot returns clones of every cached container ordered by id.
func (c *Containers) Snapshot() []domain.Container {
	c.mu.RLock()
	out := make([]domain.Container, 0, len(c.byID))
	for _, v := range c.byID {
		out = append(out, v.Clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports how many containers are cached.
func (c *Containers) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
