package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

type countingLoader struct {
	calls int
	repos map[string]*model.Repository
	err   error
}

func (l *countingLoader) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.repos[id], nil
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]*model.Repository
	getErr  error
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]*model.Repository)}
}

func (c *mapCache) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.entries[id], nil
}

func (c *mapCache) SetRepository(ctx context.Context, repo *model.Repository, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[repo.ID] = repo
	return nil
}

func (c *mapCache) DeleteRepository(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

func TestRepositories_ReadThrough(t *testing.T) {
	loader := &countingLoader{repos: map[string]*model.Repository{"r1": {ID: "r1", Enabled: true}}}
	c := newMapCache()
	src := NewRepositories(loader, c, time.Minute, nil)
	ctx := context.Background()

	repo, err := src.GetRepository(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, repo)
	_, err = src.GetRepository(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)

	src.Invalidate(ctx, "r1")
	_, err = src.GetRepository(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls)
}

func TestRepositories_MissingNotCached(t *testing.T) {
	loader := &countingLoader{repos: map[string]*model.Repository{}}
	src := NewRepositories(loader, newMapCache(), 0, nil)

	repo, err := src.GetRepository(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, repo)
	_, _ = src.GetRepository(context.Background(), "nope")
	assert.Equal(t, 2, loader.calls)
}

func TestRepositories_CacheErrorFallsBack(t *testing.T) {
	loader := &countingLoader{repos: map[string]*model.Repository{"r1": {ID: "r1"}}}
	c := newMapCache()
	c.getErr = errors.New("redis down")
	src := NewRepositories(loader, c, time.Minute, nil)

	repo, err := src.GetRepository(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", repo.ID)
}

func TestRepositories_LoaderError(t *testing.T) {
	loader := &countingLoader{err: errors.New("db down")}
	src := NewRepositories(loader, nil, time.Minute, nil)

	_, err := src.GetRepository(context.Background(), "r1")
	assert.EqualError(t, err, "db down")
}
