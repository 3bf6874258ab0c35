package partitioner

import (
	"context"
	"sync"

	"spacedb/config"
	"spacedb/coord"
	"spacedb/utils"

	"github.com/cockroachdb/errors"
)

// Cache holds one partitioner per group of a node. Entries are built on
// first use from the group config in the coordination store.
type Cache struct {
	pc *Context

	mu     sync.Mutex
	groups map[string]SpacePartitioner
	closed bool
}

func NewCache(pc *Context) *Cache {
	return &Cache{pc: pc, groups: map[string]SpacePartitioner{}}
}

func (c *Cache) Context() *Context {
	return c.pc
}

// Get returns the partitioner of group.
func (c *Cache) Get(ctx context.Context, group string) (SpacePartitioner, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Wrap(coord.ErrUnavailable, "partitioner cache is shut down")
	}
	if p, ok := c.groups[group]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	cfg, err := c.pc.Regions.GroupConfig(ctx, group)
	if err != nil {
		return nil, err
	}
	p, err := New(c.pc, cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		p.Shutdown()
		return nil, errors.Wrap(coord.ErrUnavailable, "partitioner cache is shut down")
	}
	if existing, ok := c.groups[group]; ok {
		p.Shutdown()
		return existing, nil
	}
	c.groups[group] = p
	return p, nil
}

// CreateGroup stores the group config and writes its root region. An
// existing group with the same name is reused.
func (c *Cache) CreateGroup(ctx context.Context, cfg config.GroupConfig) (SpacePartitioner, error) {
	err := c.pc.Regions.CreateGroup(ctx, cfg)
	if errors.Is(err, coord.ErrNodeExists) {
		utils.Logf(utils.WithGroup(ctx, cfg.Name), utils.LevelInfo, "Group already exists, using stored config")
	} else if err != nil {
		return nil, err
	}
	p, err := c.Get(ctx, cfg.Name)
	if err != nil {
		return nil, err
	}
	if _, err := p.CreateRootNode(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Groups lists the groups known to the coordination store.
func (c *Cache) Groups(ctx context.Context) ([]string, error) {
	return c.pc.Regions.Groups(ctx)
}

// Invalidate drops the cached partitioner of group, e.g. after the group
// was deleted.
func (c *Cache) Invalidate(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.groups[group]; ok {
		p.Shutdown()
		delete(c.groups, group)
	}
}

func (c *Cache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for group, p := range c.groups {
		p.Shutdown()
		delete(c.groups, group)
	}
}
