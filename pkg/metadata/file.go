package metadata

import (
	"maps"
	"slices"
)

// Location identifies a placement (storage node) of a file replica.
type Location uint32

// FileNode is a leaf of the namespace.
type FileNode struct {
	ID ID

	// ContainerID is the owning container; 0 means the file is detached
	ContainerID ID
	Name        string

	Size     uint64
	LayoutID uint32
	Flags    uint16
	UID      uint32
	GID      uint32

	Locations         []Location
	UnlinkedLocations []Location
	Checksum          []byte

	CTime Timespec
	MTime Timespec

	XAttrs map[string]string
}

// NewFileNode returns an empty file with the given identity.
func NewFileNode(id, containerID ID, name string) *FileNode {
	return &FileNode{
		ID:          id,
		ContainerID: containerID,
		Name:        name,
		XAttrs:      make(map[string]string),
	}
}

// HasLocation reports whether loc is an active location.
func (f *FileNode) HasLocation(loc Location) bool {
	return slices.Contains(f.Locations, loc)
}

// AddLocation adds loc to the active locations if not already present.
func (f *FileNode) AddLocation(loc Location) {
	if !f.HasLocation(loc) {
		f.Locations = append(f.Locations, loc)
	}
}

// UnlinkLocation moves loc from the active to the unlinked locations.
func (f *FileNode) UnlinkLocation(loc Location) {
	idx := slices.Index(f.Locations, loc)
	if idx < 0 {
		return
	}
	f.Locations = slices.Delete(f.Locations, idx, idx+1)
	if !slices.Contains(f.UnlinkedLocations, loc) {
		f.UnlinkedLocations = append(f.UnlinkedLocations, loc)
	}
}

// RemoveLocation drops loc from the unlinked locations.
func (f *FileNode) RemoveLocation(loc Location) {
	idx := slices.Index(f.UnlinkedLocations, loc)
	if idx >= 0 {
		f.UnlinkedLocations = slices.Delete(f.UnlinkedLocations, idx, idx+1)
	}
}

// PhysicalSize is the logical size multiplied by the number of replicas.
func (f *FileNode) PhysicalSize() uint64 {
	return f.Size * uint64(len(f.Locations))
}

// Clone returns a deep copy.
func (f *FileNode) Clone() *FileNode {
	out := *f
	out.Locations = slices.Clone(f.Locations)
	out.UnlinkedLocations = slices.Clone(f.UnlinkedLocations)
	out.Checksum = slices.Clone(f.Checksum)
	out.XAttrs = maps.Clone(f.XAttrs)
	return &out
}
