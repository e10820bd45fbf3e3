// Package quota keeps per quota-node usage accounting in memory.
//
// Stats implements metadata.QuotaSink: the namespace reports every file
// entering or leaving a quota node and Stats aggregates the usage per user
// and per group. Limits are not enforced here.
package quota

import (
	"maps"
	"slices"
	"sync"

	"github.com/marmos91/dittomd/pkg/metadata"
)

var _ metadata.QuotaSink = (*Stats)(nil)

// Usage is the accounted consumption of a user or a group.
type Usage struct {
	// Space is the sum of logical file sizes
	Space int64

	// PhysicalSpace is the sum of size × replica count
	PhysicalSpace int64

	// Files is the number of files
	Files int64
}

// IsZero reports whether nothing is accounted.
func (u Usage) IsZero() bool {
	return u.Space == 0 && u.PhysicalSpace == 0 && u.Files == 0
}

func (u *Usage) add(o Usage) {
	u.Space += o.Space
	u.PhysicalSpace += o.PhysicalSpace
	u.Files += o.Files
}

// NodeUsage is a snapshot of a quota node.
type NodeUsage struct {
	ID     metadata.ID
	Users  map[uint32]Usage
	Groups map[uint32]Usage
}

// Total sums the per-user usage.
func (n NodeUsage) Total() Usage {
	var total Usage
	for _, u := range n.Users {
		total.add(u)
	}
	return total
}

type node struct {
	users  map[uint32]*Usage
	groups map[uint32]*Usage
}

func newNode() *node {
	return &node{
		users:  make(map[uint32]*Usage),
		groups: make(map[uint32]*Usage),
	}
}

func (n *node) apply(f *metadata.FileNode, sign int64) {
	delta := Usage{
		Space:         sign * int64(f.Size),
		PhysicalSpace: sign * int64(f.PhysicalSize()),
		Files:         sign,
	}
	apply(n.users, f.UID, delta)
	apply(n.groups, f.GID, delta)
}

func apply(m map[uint32]*Usage, key uint32, delta Usage) {
	u, ok := m[key]
	if !ok {
		u = &Usage{}
		m[key] = u
	}
	u.add(delta)
	if u.IsZero() {
		delete(m, key)
	}
}

// Stats is the in-memory quota accounting sink.
//
// Thread Safety: all methods are safe for concurrent use.
type Stats struct {
	mu    sync.RWMutex
	nodes map[metadata.ID]*node
}

// NewStats creates an empty accounting table.
func NewStats() *Stats {
	return &Stats{nodes: make(map[metadata.ID]*node)}
}

// AddFile accounts f under quotaNode.
func (s *Stats) AddFile(quotaNode metadata.ID, f *metadata.FileNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(quotaNode).apply(f, 1)
}

// RemoveFile removes f from quotaNode.
func (s *Stats) RemoveFile(quotaNode metadata.ID, f *metadata.FileNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(quotaNode).apply(f, -1)
}

func (s *Stats) get(id metadata.ID) *node {
	n, ok := s.nodes[id]
	if !ok {
		n = newNode()
		s.nodes[id] = n
	}
	return n
}

// Node returns a snapshot of a quota node. The second result is false when
// nothing was ever accounted under id.
func (s *Stats) Node(id metadata.ID) (NodeUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return NodeUsage{ID: id}, false
	}
	out := NodeUsage{
		ID:     id,
		Users:  make(map[uint32]Usage, len(n.users)),
		Groups: make(map[uint32]Usage, len(n.groups)),
	}
	for uid, u := range n.users {
		out.Users[uid] = *u
	}
	for gid, u := range n.groups {
		out.Groups[gid] = *u
	}
	return out, true
}

// Nodes returns the ids of every quota node, sorted.
func (s *Stats) Nodes() []metadata.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.nodes))
}

// Meld moves the usage of src into dst and forgets src. Used when a quota
// node is removed and its files fall back to the enclosing quota node.
func (s *Stats) Meld(dst, src metadata.ID) {
	if dst == src {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.nodes[src]
	if !ok {
		return
	}
	to := s.get(dst)
	for uid, u := range from.users {
		apply(to.users, uid, *u)
	}
	for gid, u := range from.groups {
		apply(to.groups, gid, *u)
	}
	delete(s.nodes, src)
}

// Remove forgets a quota node.
func (s *Stats) Remove(id metadata.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

// Reset drops all accounting.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[metadata.ID]*node)
}
