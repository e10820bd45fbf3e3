package namespace

import (
	"slices"
	"strings"

	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/metadata"
)

// ContainerAttr holds the caller-settable attributes of a new container.
type ContainerAttr struct {
	UID    uint32
	GID    uint32
	Mode   uint32
	Flags  uint16
	XAttrs map[string]string
}

// ContainerService owns the containers (directories) of a namespace.
type ContainerService struct {
	service

	arena arena[*metadata.ContainerNode]
	batch containerBatch
}

func newContainerService(ns *Namespace, cfg Config, opener metadata.Opener) *ContainerService {
	s := &ContainerService{
		service: newService(ns, ContainersService, cfg, opener),
		arena:   make(arena[*metadata.ContainerNode]),
	}
	s.index = s.arena
	s.batch.reset()
	return s
}

// ============================================================================
// Queries
// ============================================================================

// GetContainer returns a copy of the container with the given id.
func (s *ContainerService) GetContainer(id metadata.ID) (*metadata.ContainerNode, error) {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()

	e, ok := s.arena[id]
	if !ok {
		return nil, metadata.NewNotFoundError("container", id)
	}
	return e.node.Clone(), nil
}

// FindContainer returns a copy of the child container called name.
func (s *ContainerService) FindContainer(parentID metadata.ID, name string) (*metadata.ContainerNode, error) {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()

	parent, ok := s.arena[parentID]
	if !ok {
		return nil, metadata.NewNotFoundError("container", parentID)
	}
	id, ok := parent.node.FindContainer(name)
	if !ok {
		return nil, metadata.NewError(metadata.ErrNotFound, "container %q not found in %d", name, parentID)
	}
	child, ok := s.arena[id]
	if !ok {
		return nil, metadata.NewNotFoundError("container", id)
	}
	return child.node.Clone(), nil
}

// ListContainers returns copies of the child containers sorted by name.
func (s *ContainerService) ListContainers(parentID metadata.ID) ([]*metadata.ContainerNode, error) {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()

	parent, ok := s.arena[parentID]
	if !ok {
		return nil, metadata.NewNotFoundError("container", parentID)
	}

	out := make([]*metadata.ContainerNode, 0, parent.node.NumContainers())
	for _, id := range parent.node.ContainerIDs() {
		if child, ok := s.arena[id]; ok {
			out = append(out, child.node.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *metadata.ContainerNode) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// NumContainers returns the number of containers in the index, attached
// or not.
func (s *ContainerService) NumContainers() int {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()
	return len(s.arena)
}

// Lookup resolves an absolute slash-separated path to a container.
func (s *ContainerService) Lookup(path string) (*metadata.ContainerNode, error) {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()

	e, ok := s.arena[metadata.RootID]
	if !ok {
		return nil, metadata.NewNotFoundError("container", metadata.RootID)
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		id, ok := e.node.FindContainer(part)
		if !ok {
			return nil, metadata.NewError(metadata.ErrNotFound, "no such container: %s", path)
		}
		if e, ok = s.arena[id]; !ok {
			return nil, metadata.NewNotFoundError("container", id)
		}
	}
	return e.node.Clone(), nil
}

// GetPath returns the absolute path of an attached container.
func (s *ContainerService) GetPath(id metadata.ID) (string, error) {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()
	return s.pathOf(id)
}

func (s *ContainerService) pathOf(id metadata.ID) (string, error) {
	var parts []string
	for steps := 0; ; steps++ {
		e, ok := s.arena[id]
		if !ok {
			return "", metadata.NewNotFoundError("container", id)
		}
		if e.node.IsRoot() {
			break
		}
		if steps > len(s.arena) || !s.attached(e.node) {
			return "", metadata.NewError(metadata.ErrNotFound, "container %d is detached", e.node.ID)
		}
		parts = append(parts, e.node.Name)
		id = e.node.ParentID
	}
	slices.Reverse(parts)
	return "/" + strings.Join(parts, "/"), nil
}

// attached reports whether the parent of node maps node's name to node.
func (s *ContainerService) attached(node *metadata.ContainerNode) bool {
	parent, ok := s.arena[node.ParentID]
	if !ok || node.ParentID == node.ID {
		return false
	}
	id, ok := parent.node.FindContainer(node.Name)
	return ok && id == node.ID
}

// ============================================================================
// Writes
// ============================================================================

// CreateContainer creates a container under parentID.
func (s *ContainerService) CreateContainer(parentID metadata.ID, name string, attr ContainerAttr) (*metadata.ContainerNode, error) {
	s.ns.mu.Lock()
	defer s.ns.mu.Unlock()

	node, err := s.create(parentID, name, attr)
	if err != nil {
		return nil, err
	}
	return node.Clone(), nil
}

func (s *ContainerService) create(parentID metadata.ID, name string, attr ContainerAttr) (*metadata.ContainerNode, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	parent, ok := s.arena[parentID]
	if !ok {
		return nil, metadata.NewNotFoundError("container", parentID)
	}
	if _, taken := parent.node.FindContainer(name); taken {
		return nil, metadata.NewError(metadata.ErrAlreadyExists, "container %q already exists in %d", name, parentID)
	}

	node := metadata.NewContainerNode(s.nextID, parentID, name)
	node.UID = attr.UID
	node.GID = attr.GID
	node.Mode = attr.Mode
	node.Flags = attr.Flags
	for k, v := range attr.XAttrs {
		node.XAttrs[k] = v
	}
	now := metadata.Now()
	node.CTime = now
	node.MTime = now
	node.TMTime = now

	offset, err := s.write(node)
	if err != nil {
		return nil, err
	}
	s.allocateID()

	s.arena[node.ID] = &entry[*metadata.ContainerNode]{offset: offset, node: node}
	parent.node.AddContainer(name, node.ID)
	s.ns.notifyContainer(node, metadata.Created)
	return node, nil
}

// UpdateContainer persists new attributes for an existing container.
// Changing Name renames it, changing ParentID moves it with its subtree.
func (s *ContainerService) UpdateContainer(update *metadata.ContainerNode) error {
	s.ns.mu.Lock()
	defer s.ns.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}

	e, ok := s.arena[update.ID]
	if !ok {
		return metadata.NewNotFoundError("container", update.ID)
	}
	cur := e.node

	if cur.IsRoot() {
		if update.ParentID != cur.ParentID || update.Name != cur.Name {
			return metadata.NewError(metadata.ErrInvalidArgument, "the root cannot be renamed or moved")
		}
	} else if err := validateName(update.Name); err != nil {
		return err
	}

	if update.ParentID != cur.ParentID || update.Name != cur.Name {
		parent, ok := s.arena[update.ParentID]
		if !ok {
			return metadata.NewNotFoundError("container", update.ParentID)
		}
		if update.ParentID != cur.ParentID && s.isAncestor(cur.ID, update.ParentID) {
			return metadata.NewError(metadata.ErrInvalidArgument,
				"cannot move container %d below itself", cur.ID)
		}
		if holder, taken := parent.node.FindContainer(update.Name); taken && holder != cur.ID {
			return metadata.NewError(metadata.ErrAlreadyExists,
				"container %q already exists in %d", update.Name, update.ParentID)
		}
	}

	next := cur.Clone()
	next.CopyAttributes(update)

	offset, err := s.write(next)
	if err != nil {
		return err
	}
	s.applyUpdate(e, next)
	e.offset = offset
	return nil
}

// RemoveContainer deletes an empty container.
func (s *ContainerService) RemoveContainer(id metadata.ID) error {
	s.ns.mu.Lock()
	defer s.ns.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}

	e, ok := s.arena[id]
	if !ok {
		return metadata.NewNotFoundError("container", id)
	}
	if e.node.IsRoot() {
		return metadata.NewError(metadata.ErrInvalidArgument, "the root cannot be removed")
	}
	if e.node.NumContainers() > 0 || e.node.NumFiles() > 0 {
		return metadata.NewError(metadata.ErrNotEmpty, "container %d is not empty", id)
	}

	if err := s.erase(id); err != nil {
		return err
	}
	s.drop(e)
	return nil
}

func (s *ContainerService) write(node *metadata.ContainerNode) (uint64, error) {
	payload, err := metadata.MarshalContainer(node)
	if err != nil {
		return 0, err
	}
	return s.persist(payload)
}

// applyUpdate replaces the attributes of an indexed container with those of
// incoming, handling renames, moves and quota flag changes. It returns false
// when incoming moves the container under a parent that is not indexed yet.
func (s *ContainerService) applyUpdate(e *entry[*metadata.ContainerNode], incoming *metadata.ContainerNode) bool {
	cur := e.node

	if incoming.ParentID == cur.ParentID {
		apply := func() {
			parent, ok := s.arena[cur.ParentID]
			if incoming.Name == cur.Name || !ok || cur.ParentID == cur.ID {
				cur.CopyAttributes(incoming)
				return
			}
			wasAttached := s.attached(cur)
			if wasAttached {
				parent.node.RemoveContainer(cur.Name)
			}
			cur.CopyAttributes(incoming)
			if wasAttached {
				parent.node.AddContainer(cur.Name, cur.ID)
			}
		}

		if incoming.IsQuotaNode() != cur.IsQuotaNode() {
			s.ns.reaccountSubtree(cur.ID, apply)
		} else {
			apply()
		}
		s.ns.notifyContainer(cur, metadata.Updated)
		return true
	}

	newParent, ok := s.arena[incoming.ParentID]
	if !ok {
		return false
	}

	oldParent, hadParent := s.arena[cur.ParentID]
	wasAttached := s.attached(cur)
	size := int64(cur.TreeSize)

	s.ns.reaccountSubtree(cur.ID, func() {
		if hadParent && wasAttached {
			oldParent.node.RemoveContainer(cur.Name)
			s.ns.addTreeSize(oldParent.node.ID, -size)
		}
		cur.CopyAttributes(incoming)
		newParent.node.AddContainer(cur.Name, cur.ID)
		s.ns.addTreeSize(newParent.node.ID, size)
		s.ns.propagateTMTime(newParent.node.ID, cur.TMTime)
	})

	logger.Debug("Container %d moved under %d", cur.ID, newParent.node.ID)
	s.ns.notifyContainer(cur, metadata.Moved)
	return true
}

// drop removes a childless container from its parent and from the index.
func (s *ContainerService) drop(e *entry[*metadata.ContainerNode]) {
	node := e.node
	if s.attached(node) {
		s.arena[node.ParentID].node.RemoveContainer(node.Name)
	}
	delete(s.arena, node.ID)
	s.ns.notifyContainer(node, metadata.Deleted)
}

// isAncestor reports whether ancestor is id or one of the parents of id.
func (s *ContainerService) isAncestor(ancestor, id metadata.ID) bool {
	for steps := 0; steps <= len(s.arena); steps++ {
		if id == ancestor {
			return true
		}
		e, ok := s.arena[id]
		if !ok || e.node.ParentID == id {
			return false
		}
		id = e.node.ParentID
	}
	return false
}

func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return metadata.NewError(metadata.ErrInvalidArgument, "invalid name %q", name)
	case strings.Contains(name, "/"):
		return metadata.NewError(metadata.ErrInvalidArgument, "name %q contains a slash", name)
	case len(name) > metadata.MaxNameLen:
		return metadata.NewError(metadata.ErrInvalidArgument, "name too long (%d bytes)", len(name))
	}
	return nil
}
