package fanout

import (
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used by NewRegistry when shards < 1.
const DefaultShards = 32

type resourceShard struct {
	mu   sync.RWMutex
	subs map[string]map[string]Conn // resource id -> conn id -> conn
}

type connShard struct {
	mu        sync.Mutex
	resources map[string]map[string]struct{} // conn id -> resource ids
}

// Registry tracks (connection, resource) subscriptions. Resource lookups
// and per-connection bookkeeping are sharded independently; a connection
// shard lock is always taken before a resource shard lock.
type Registry struct {
	resources []*resourceShard
	conns     []*connShard
}

// NewRegistry returns a registry with the given number of shards.
func NewRegistry(shards int) *Registry {
	if shards < 1 {
		shards = DefaultShards
	}
	r := &Registry{
		resources: make([]*resourceShard, shards),
		conns:     make([]*connShard, shards),
	}
	for i := range r.resources {
		r.resources[i] = &resourceShard{subs: make(map[string]map[string]Conn)}
		r.conns[i] = &connShard{resources: make(map[string]map[string]struct{})}
	}
	return r
}

func (r *Registry) resourceShard(resourceID string) *resourceShard {
	return r.resources[xxhash.Sum64String(resourceID)%uint64(len(r.resources))]
}

func (r *Registry) connShard(connID string) *connShard {
	return r.conns[xxhash.Sum64String(connID)%uint64(len(r.conns))]
}

// Subscribe adds conn to resourceID's subscribers and reports whether the
// pair is new.
func (r *Registry) Subscribe(conn Conn, resourceID string) bool {
	cs := r.connShard(conn.ID())
	cs.mu.Lock()
	defer cs.mu.Unlock()

	owned := cs.resources[conn.ID()]
	if _, ok := owned[resourceID]; ok {
		return false
	}
	if owned == nil {
		owned = make(map[string]struct{})
		cs.resources[conn.ID()] = owned
	}
	owned[resourceID] = struct{}{}

	rs := r.resourceShard(resourceID)
	rs.mu.Lock()
	subs := rs.subs[resourceID]
	if subs == nil {
		subs = make(map[string]Conn)
		rs.subs[resourceID] = subs
	}
	subs[conn.ID()] = conn
	rs.mu.Unlock()
	return true
}

// Unsubscribe removes the pair and reports whether it existed.
func (r *Registry) Unsubscribe(conn Conn, resourceID string) bool {
	cs := r.connShard(conn.ID())
	cs.mu.Lock()
	defer cs.mu.Unlock()

	owned := cs.resources[conn.ID()]
	if _, ok := owned[resourceID]; !ok {
		return false
	}
	delete(owned, resourceID)
	if len(owned) == 0 {
		delete(cs.resources, conn.ID())
	}
	r.removeSubscriber(conn.ID(), resourceID)
	return true
}

// Drop removes every subscription of conn and returns how many there were.
func (r *Registry) Drop(conn Conn) int {
	cs := r.connShard(conn.ID())
	cs.mu.Lock()
	defer cs.mu.Unlock()

	owned := cs.resources[conn.ID()]
	delete(cs.resources, conn.ID())
	for resourceID := range owned {
		r.removeSubscriber(conn.ID(), resourceID)
	}
	return len(owned)
}

func (r *Registry) removeSubscriber(connID, resourceID string) {
	rs := r.resourceShard(resourceID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	subs := rs.subs[resourceID]
	delete(subs, connID)
	if len(subs) == 0 {
		delete(rs.subs, resourceID)
	}
}

// Subscribers returns a snapshot of resourceID's subscribers ordered by
// connection id.
func (r *Registry) Subscribers(resourceID string) []Conn {
	rs := r.resourceShard(resourceID)
	rs.mu.RLock()
	subs := rs.subs[resourceID]
	out := make([]Conn, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	rs.mu.RUnlock()

	slices.SortFunc(out, func(a, b Conn) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

// Resources returns the resources conn is subscribed to, sorted.
func (r *Registry) Resources(conn Conn) []string {
	cs := r.connShard(conn.ID())
	cs.mu.Lock()
	out := make([]string, 0, len(cs.resources[conn.ID()]))
	for id := range cs.resources[conn.ID()] {
		out = append(out, id)
	}
	cs.mu.Unlock()

	slices.Sort(out)
	return out
}

// Len returns the total number of subscriptions.
func (r *Registry) Len() int {
	n := 0
	for _, rs := range r.resources {
		rs.mu.RLock()
		for _, subs := range rs.subs {
			n += len(subs)
		}
		rs.mu.RUnlock()
	}
	return n
}
