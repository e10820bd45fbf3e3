package metadata

import "maps"

// ID identifies a container or a file. Containers and files have independent
// id spaces; ids are assigned monotonically and never reused.
type ID uint64

// RootID is the id of the namespace root. The root is its own parent.
const RootID ID = 1

// Container flags
const (
	// FlagQuotaNode marks a container as a quota-accounting root
	FlagQuotaNode uint16 = 1 << 0
)

// ContainerNode is a directory of the namespace.
//
// The child maps are runtime topology rebuilt from parent ids and are never
// serialized. Relations are expressed as ids: nodes never hold pointers to
// other nodes.
type ContainerNode struct {
	ID       ID
	ParentID ID
	Name     string

	UID   uint32
	GID   uint32
	Mode  uint32
	Flags uint16

	CTime  Timespec
	MTime  Timespec
	TMTime Timespec

	// TreeSize is the aggregate byte size of the subtree
	TreeSize uint64

	XAttrs map[string]string

	containers map[string]ID
	files      map[string]ID
}

// NewContainerNode returns an empty container with the given identity.
func NewContainerNode(id, parentID ID, name string) *ContainerNode {
	return &ContainerNode{
		ID:       id,
		ParentID: parentID,
		Name:     name,
		XAttrs:   make(map[string]string),
	}
}

// IsRoot reports whether this is the namespace root.
func (c *ContainerNode) IsRoot() bool {
	return c.ID == RootID
}

// IsQuotaNode reports whether the quota-node flag is set.
func (c *ContainerNode) IsQuotaNode() bool {
	return c.Flags&FlagQuotaNode != 0
}

// SetQuotaNode sets or clears the quota-node flag.
func (c *ContainerNode) SetQuotaNode(on bool) {
	if on {
		c.Flags |= FlagQuotaNode
	} else {
		c.Flags &^= FlagQuotaNode
	}
}

// SetTMTime stores ts only when it is newer than the current value.
// Returns true when the value changed.
func (c *ContainerNode) SetTMTime(ts Timespec) bool {
	if !ts.After(c.TMTime) {
		return false
	}
	c.TMTime = ts
	return true
}

// AddTreeSize applies a signed delta to TreeSize, saturating at zero.
func (c *ContainerNode) AddTreeSize(delta int64) {
	if delta >= 0 {
		c.TreeSize += uint64(delta)
		return
	}
	dec := uint64(-delta)
	if dec > c.TreeSize {
		c.TreeSize = 0
		return
	}
	c.TreeSize -= dec
}

// FindContainer returns the id of the child container called name.
func (c *ContainerNode) FindContainer(name string) (ID, bool) {
	id, ok := c.containers[name]
	return id, ok
}

// FindFile returns the id of the file called name.
func (c *ContainerNode) FindFile(name string) (ID, bool) {
	id, ok := c.files[name]
	return id, ok
}

// AddContainer links a child container under name.
func (c *ContainerNode) AddContainer(name string, id ID) {
	if c.containers == nil {
		c.containers = make(map[string]ID)
	}
	c.containers[name] = id
}

// RemoveContainer unlinks the child container called name.
func (c *ContainerNode) RemoveContainer(name string) {
	delete(c.containers, name)
}

// AddFile links a file under name.
func (c *ContainerNode) AddFile(name string, id ID) {
	if c.files == nil {
		c.files = make(map[string]ID)
	}
	c.files[name] = id
}

// RemoveFile unlinks the file called name.
func (c *ContainerNode) RemoveFile(name string) {
	delete(c.files, name)
}

// NumContainers returns the number of child containers.
func (c *ContainerNode) NumContainers() int {
	return len(c.containers)
}

// NumFiles returns the number of files.
func (c *ContainerNode) NumFiles() int {
	return len(c.files)
}

// Containers returns a copy of the child container map.
func (c *ContainerNode) Containers() map[string]ID {
	return maps.Clone(c.containers)
}

// Files returns a copy of the file map.
func (c *ContainerNode) Files() map[string]ID {
	return maps.Clone(c.files)
}

// ContainerIDs returns the child container ids in no particular order.
func (c *ContainerNode) ContainerIDs() []ID {
	ids := make([]ID, 0, len(c.containers))
	for _, id := range c.containers {
		ids = append(ids, id)
	}
	return ids
}

// FileIDs returns the file ids in no particular order.
func (c *ContainerNode) FileIDs() []ID {
	ids := make([]ID, 0, len(c.files))
	for _, id := range c.files {
		ids = append(ids, id)
	}
	return ids
}

// CopyAttributes replaces the persisted attributes of c with those of src.
// TMTime only moves forward. Topology (child maps) and TreeSize are left
// untouched.
func (c *ContainerNode) CopyAttributes(src *ContainerNode) {
	c.ParentID = src.ParentID
	c.Name = src.Name
	c.UID = src.UID
	c.GID = src.GID
	c.Mode = src.Mode
	c.Flags = src.Flags
	c.CTime = src.CTime
	c.MTime = src.MTime
	c.SetTMTime(src.TMTime)
	c.XAttrs = maps.Clone(src.XAttrs)
	if c.XAttrs == nil {
		c.XAttrs = make(map[string]string)
	}
}

// Clone returns a deep copy including the child maps.
func (c *ContainerNode) Clone() *ContainerNode {
	out := *c
	out.XAttrs = maps.Clone(c.XAttrs)
	out.containers = maps.Clone(c.containers)
	out.files = maps.Clone(c.files)
	return &out
}
