package namespace

import (
	"github.com/marmos91/dittomd/pkg/metadata"
)

// attachFile links f into c and accounts for it: tree size and tmtime of the
// container chain, and quota usage of the owning quota node.
func (ns *Namespace) attachFile(c *metadata.ContainerNode, f *metadata.FileNode) {
	c.AddFile(f.Name, f.ID)
	ns.addTreeSize(c.ID, int64(f.Size))
	ns.propagateTMTime(c.ID, f.MTime)

	if ns.quota != nil {
		if q, ok := ns.quotaNodeOf(c.ID, nil); ok {
			ns.quota.AddFile(q, f)
		}
	}
}

// detachFile is the inverse of attachFile. The tmtime of the chain is kept.
func (ns *Namespace) detachFile(c *metadata.ContainerNode, f *metadata.FileNode) {
	c.RemoveFile(f.Name)
	ns.addTreeSize(c.ID, -int64(f.Size))

	if ns.quota != nil {
		if q, ok := ns.quotaNodeOf(c.ID, nil); ok {
			ns.quota.RemoveFile(q, f)
		}
	}
}

// addTreeSize applies delta to id and every ancestor, saturating at zero.
func (ns *Namespace) addTreeSize(id metadata.ID, delta int64) {
	if delta == 0 {
		return
	}
	ns.walkUp(id, func(c *metadata.ContainerNode) bool {
		c.AddTreeSize(delta)
		return true
	})
}

// propagateTMTime raises the tmtime of id and its ancestors to ts, stopping
// at the first container that is already as recent.
func (ns *Namespace) propagateTMTime(id metadata.ID, ts metadata.Timespec) {
	if ts.IsZero() {
		return
	}
	ns.walkUp(id, func(c *metadata.ContainerNode) bool {
		return c.SetTMTime(ts)
	})
}

// walkUp visits id and its ancestors up to the root or the first missing
// parent. visit returning false stops the walk.
func (ns *Namespace) walkUp(id metadata.ID, visit func(c *metadata.ContainerNode) bool) {
	arena := ns.containers.arena
	for steps := 0; steps <= len(arena); steps++ {
		e, ok := arena[id]
		if !ok || !visit(e.node) {
			return
		}
		if e.node.ParentID == id {
			return
		}
		id = e.node.ParentID
	}
}
