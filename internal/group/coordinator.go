// Package group implements consumer-group membership and partition
// assignment. Within a group every partition of the topic is owned by
// exactly one member; ownership only changes through a rebalance.
package group

import (
	"errors"
	"sort"
	"sync"

	logpkg "github.com/veldtlabs/ebus/pkg/log"
)

// ErrGroupNotFound is returned when operating on an unknown group.
var ErrGroupNotFound = errors.New("consumer group not found")

// Group tracks one consumer group's membership and current assignment.
type Group struct {
	Name       string
	Topic      string
	Partitions int

	members    map[string]struct{}
	assignment map[string][]int
	generation uint64
}

// Coordinator owns all consumer groups. Groups are created lazily on the
// first Join and removed when the last member leaves.
type Coordinator struct {
	logger logpkg.Logger

	mu     sync.RWMutex
	groups map[string]*Group
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator(logger logpkg.Logger) *Coordinator {
	if logger == nil {
		logger = logpkg.NewNop()
	}
	return &Coordinator{
		logger: logger.With(logpkg.Component("groups")),
		groups: map[string]*Group{},
	}
}

// Join adds a member to the group (creating it if needed) and rebalances.
// partitions is the member topic's partition count; it is fixed on first
// join and ignored afterwards.
func (c *Coordinator) Join(name, topic string, partitions int, memberID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[name]
	if !ok {
		g = &Group{
			Name:       name,
			Topic:      topic,
			Partitions: partitions,
			members:    map[string]struct{}{},
			assignment: map[string][]int{},
		}
		c.groups[name] = g
	}
	g.members[memberID] = struct{}{}
	c.rebalanceLocked(g)
	return g.generation
}

// Leave removes a member and rebalances the remainder. The group itself is
// dropped once empty.
func (c *Coordinator) Leave(name, memberID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[name]
	if !ok {
		return ErrGroupNotFound
	}
	delete(g.members, memberID)
	c.rebalanceLocked(g)
	if len(g.members) == 0 {
		delete(c.groups, name)
	}
	return nil
}

// rebalanceLocked assigns partition i to members[i mod n] over the member
// ids in sorted order, so the same member set always produces the same
// assignment. Every call bumps the generation.
func (c *Coordinator) rebalanceLocked(g *Group) {
	g.generation++
	g.assignment = map[string][]int{}
	if len(g.members) == 0 {
		c.logger.Debug("group.rebalance", logpkg.Str("group", g.Name), logpkg.Uint64("generation", g.generation), logpkg.Int("members", 0))
		return
	}
	members := make([]string, 0, len(g.members))
	for m := range g.members {
		members = append(members, m)
	}
	sort.Strings(members)
	for i := 0; i < g.Partitions; i++ {
		owner := members[i%len(members)]
		g.assignment[owner] = append(g.assignment[owner], i)
	}
	c.logger.Debug("group.rebalance",
		logpkg.Str("group", g.Name),
		logpkg.Uint64("generation", g.generation),
		logpkg.Int("members", len(members)),
		logpkg.Int("partitions", g.Partitions),
	)
}

// Owns reports whether the member currently owns the partition.
func (c *Coordinator) Owns(name, memberID string, partition int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[name]
	if !ok {
		return false
	}
	for _, p := range g.assignment[memberID] {
		if p == partition {
			return true
		}
	}
	return false
}

// Assignment returns a copy of the group's current assignment map.
func (c *Coordinator) Assignment(name string) (map[string][]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[name]
	if !ok {
		return nil, ErrGroupNotFound
	}
	out := make(map[string][]int, len(g.assignment))
	for m, parts := range g.assignment {
		out[m] = append([]int(nil), parts...)
	}
	return out, nil
}

// Generation returns the group's rebalance generation counter.
func (c *Coordinator) Generation(name string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[name]
	if !ok {
		return 0, ErrGroupNotFound
	}
	return g.generation, nil
}

// Members returns the group's member ids in stable order.
func (c *Coordinator) Members(name string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[name]
	if !ok {
		return nil, ErrGroupNotFound
	}
	out := make([]string, 0, len(g.members))
	for m := range g.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Groups lists known group names.
func (c *Coordinator) Groups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.groups))
	for name := range c.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
