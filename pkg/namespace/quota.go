package namespace

import (
	"github.com/marmos91/dittomd/pkg/metadata"
)

type quotaLookup struct {
	node metadata.ID
	ok   bool
}

// quotaNodeOf returns the quota node of a container: the closest container
// on the path to the root (itself included) that carries the quota flag, or
// the root. A missing parent on the way yields no quota node.
//
// memo caches lookups for the duration of one traversal and may be nil.
func (ns *Namespace) quotaNodeOf(id metadata.ID, memo map[metadata.ID]quotaLookup) (metadata.ID, bool) {
	arena := ns.containers.arena
	var path []metadata.ID
	result := quotaLookup{}

	for steps := 0; steps <= len(arena); steps++ {
		if r, ok := memo[id]; ok {
			result = r
			break
		}
		e, ok := arena[id]
		if !ok {
			break
		}
		path = append(path, id)
		if e.node.IsQuotaNode() || e.node.IsRoot() {
			result = quotaLookup{node: id, ok: true}
			break
		}
		if e.node.ParentID == id {
			break
		}
		id = e.node.ParentID
	}

	if memo != nil {
		for _, p := range path {
			memo[p] = result
		}
	}
	return result.node, result.ok
}

// subtreeLevels returns the container ids of the subtree rooted at root,
// level by level.
func (ns *Namespace) subtreeLevels(root metadata.ID) [][]metadata.ID {
	arena := ns.containers.arena
	if _, ok := arena[root]; !ok {
		return nil
	}

	seen := map[metadata.ID]bool{root: true}
	levels := [][]metadata.ID{{root}}
	for {
		var next []metadata.ID
		for _, id := range levels[len(levels)-1] {
			e, ok := arena[id]
			if !ok {
				continue
			}
			for _, child := range e.node.ContainerIDs() {
				if !seen[child] {
					seen[child] = true
					next = append(next, child)
				}
			}
		}
		if len(next) == 0 {
			return levels
		}
		levels = append(levels, next)
	}
}

// reaccountSubtree moves the quota usage of every file below root from the
// quota nodes it resolves to before mutate to those it resolves to after.
// The levels are captured once and walked on both sides of the mutation.
func (ns *Namespace) reaccountSubtree(root metadata.ID, mutate func()) {
	if ns.quota == nil {
		mutate()
		return
	}

	levels := ns.subtreeLevels(root)
	ns.forEachQuotaFile(levels, ns.quota.RemoveFile)
	mutate()
	ns.forEachQuotaFile(levels, ns.quota.AddFile)
}

func (ns *Namespace) forEachQuotaFile(levels [][]metadata.ID, fn func(metadata.ID, *metadata.FileNode)) {
	memo := make(map[metadata.ID]quotaLookup)
	containers := ns.containers.arena
	files := ns.files.arena

	for _, level := range levels {
		for _, id := range level {
			c, ok := containers[id]
			if !ok || c.node.NumFiles() == 0 {
				continue
			}
			q, ok := ns.quotaNodeOf(id, memo)
			if !ok {
				continue
			}
			for _, fid := range c.node.FileIDs() {
				if f, ok := files[fid]; ok {
					fn(q, f.node)
				}
			}
		}
	}
}
