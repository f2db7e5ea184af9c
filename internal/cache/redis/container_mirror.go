package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
	"github.com/redis/go-redis/v9"
)

const containerTTL = 10 * time.Minute

// ContainerMirror keeps a JSON copy of every live container in Redis so that
// other processes can read current prices without touching Postgres.
//
// Key schema:
//
//	polylive:container:{id}          hash, field "data" holds the JSON
//	polylive:container:slug:{slug}   string, the container id
type ContainerMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewContainerMirror creates a ContainerMirror backed by c.
func NewContainerMirror(c *Client) *ContainerMirror {
	return &ContainerMirror{rdb: c.Underlying(), ttl: containerTTL}
}

func containerKey(id string) string       { return keyPrefix + "container:" + id }
func containerSlugKey(slug string) string { return keyPrefix + "container:slug:" + slug }

// Set writes c and its slug alias in one transaction.
func (m *ContainerMirror) Set(ctx context.Context, c domain.Container) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redis: marshal container %s: %w", c.ID, err)
	}

	key := containerKey(c.ID)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, m.ttl)
	if c.Slug != "" {
		pipe.Set(ctx, containerSlugKey(c.Slug), c.ID, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set container %s: %w", c.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound when the container is not mirrored.
func (m *ContainerMirror) Get(ctx context.Context, id string) (domain.Container, error) {
	data, err := m.rdb.HGet(ctx, containerKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Container{}, domain.ErrNotFound
		}
		return domain.Container{}, fmt.Errorf("redis: get container %s: %w", id, err)
	}

	var c domain.Container
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.Container{}, fmt.Errorf("redis: unmarshal container %s: %w", id, err)
	}
	return c, nil
}

// GetBySlug resolves the slug alias and loads the container.
func (m *ContainerMirror) GetBySlug(ctx context.Context, slug string) (domain.Container, error) {
	id, err := m.rdb.Get(ctx, containerSlugKey(slug)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Container{}, domain.ErrNotFound
		}
		return domain.Container{}, fmt.Errorf("redis: get container by slug %s: %w", slug, err)
	}
	return m.Get(ctx, id)
}

// Invalidate removes the container and its slug alias.
func (m *ContainerMirror) Invalidate(ctx context.Context, id string) error {
	c, err := m.Get(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("redis: invalidate container %s: %w", id, err)
	}

	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, containerKey(id))
	if err == nil && c.Slug != "" {
		pipe.Del(ctx, containerSlugKey(c.Slug))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate container %s: %w", id, err)
	}
	return nil
}

var _ domain.ContainerMirror = (*ContainerMirror)(nil)
