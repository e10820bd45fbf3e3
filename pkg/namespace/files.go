package namespace

import (
	"slices"
	"strings"

	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/metadata"
)

// FileAttr holds the caller-settable attributes of a new file.
type FileAttr struct {
	UID       uint32
	GID       uint32
	Size      uint64
	LayoutID  uint32
	Flags     uint16
	Locations []metadata.Location
	Checksum  []byte
	XAttrs    map[string]string
}

// FileService owns the files (leaves) of a namespace.
type FileService struct {
	service

	arena arena[*metadata.FileNode]
	batch fileBatch
}

func newFileService(ns *Namespace, cfg Config, opener metadata.Opener) *FileService {
	s := &FileService{
		service: newService(ns, FilesService, cfg, opener),
		arena:   make(arena[*metadata.FileNode]),
	}
	s.index = s.arena
	s.batch.reset()
	return s
}

// GetFile returns a copy of the file with the given id.
func (s *FileService) GetFile(id metadata.ID) (*metadata.FileNode, error) {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()

	e, ok := s.arena[id]
	if !ok {
		return nil, metadata.NewNotFoundError("file", id)
	}
	return e.node.Clone(), nil
}

// FindFile returns a copy of the file called name in containerID.
func (s *FileService) FindFile(containerID metadata.ID, name string) (*metadata.FileNode, error) {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()

	c, ok := s.ns.containers.arena[containerID]
	if !ok {
		return nil, metadata.NewNotFoundError("container", containerID)
	}
	id, ok := c.node.FindFile(name)
	if !ok {
		return nil, metadata.NewError(metadata.ErrNotFound, "file %q not found in %d", name, containerID)
	}
	e, ok := s.arena[id]
	if !ok {
		return nil, metadata.NewNotFoundError("file", id)
	}
	return e.node.Clone(), nil
}

// ListFiles returns copies of the files of a container sorted by name.
func (s *FileService) ListFiles(containerID metadata.ID) ([]*metadata.FileNode, error) {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()

	c, ok := s.ns.containers.arena[containerID]
	if !ok {
		return nil, metadata.NewNotFoundError("container", containerID)
	}

	out := make([]*metadata.FileNode, 0, c.node.NumFiles())
	for _, id := range c.node.FileIDs() {
		if e, ok := s.arena[id]; ok {
			out = append(out, e.node.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *metadata.FileNode) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// NumFiles returns the number of files in the index, attached or not.
func (s *FileService) NumFiles() int {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()
	return len(s.arena)
}

// CreateFile creates a file in containerID.
func (s *FileService) CreateFile(containerID metadata.ID, name string, attr FileAttr) (*metadata.FileNode, error) {
	s.ns.mu.Lock()
	defer s.ns.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	c, ok := s.ns.containers.arena[containerID]
	if !ok {
		return nil, metadata.NewNotFoundError("container", containerID)
	}
	if _, taken := c.node.FindFile(name); taken {
		return nil, metadata.NewError(metadata.ErrAlreadyExists, "file %q already exists in %d", name, containerID)
	}

	f := metadata.NewFileNode(s.nextID, containerID, name)
	f.UID = attr.UID
	f.GID = attr.GID
	f.Size = attr.Size
	f.LayoutID = attr.LayoutID
	f.Flags = attr.Flags
	f.Checksum = slices.Clone(attr.Checksum)
	for _, loc := range attr.Locations {
		f.AddLocation(loc)
	}
	for k, v := range attr.XAttrs {
		f.XAttrs[k] = v
	}
	now := metadata.Now()
	f.CTime = now
	f.MTime = now

	offset, err := s.write(f)
	if err != nil {
		return nil, err
	}
	s.allocateID()

	s.arena[f.ID] = &entry[*metadata.FileNode]{offset: offset, node: f}
	s.ns.attachFile(c.node, f)
	s.notifyCreated(f)
	return f.Clone(), nil
}

// UpdateFile persists new attributes for an existing file. Changing
// ContainerID moves it; ContainerID 0 detaches it.
func (s *FileService) UpdateFile(update *metadata.FileNode) error {
	s.ns.mu.Lock()
	defer s.ns.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}

	e, ok := s.arena[update.ID]
	if !ok {
		return metadata.NewNotFoundError("file", update.ID)
	}
	if err := validateName(update.Name); err != nil {
		return err
	}

	if update.ContainerID != 0 {
		c, ok := s.ns.containers.arena[update.ContainerID]
		if !ok {
			return metadata.NewNotFoundError("container", update.ContainerID)
		}
		if holder, taken := c.node.FindFile(update.Name); taken && holder != update.ID {
			return metadata.NewError(metadata.ErrAlreadyExists,
				"file %q already exists in %d", update.Name, update.ContainerID)
		}
	}

	next := update.Clone()
	offset, err := s.write(next)
	if err != nil {
		return err
	}
	s.applyUpdate(e, next)
	e.offset = offset
	return nil
}

// RemoveFile deletes a file.
func (s *FileService) RemoveFile(id metadata.ID) error {
	s.ns.mu.Lock()
	defer s.ns.mu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}

	e, ok := s.arena[id]
	if !ok {
		return metadata.NewNotFoundError("file", id)
	}
	if err := s.erase(id); err != nil {
		return err
	}
	s.drop(e)
	return nil
}

func (s *FileService) write(f *metadata.FileNode) (uint64, error) {
	payload, err := metadata.MarshalFile(f)
	if err != nil {
		return 0, err
	}
	return s.persist(payload)
}

// containerOf returns the container f is attached to.
func (s *FileService) containerOf(f *metadata.FileNode) (*metadata.ContainerNode, bool) {
	if f.ContainerID == 0 {
		return nil, false
	}
	c, ok := s.ns.containers.arena[f.ContainerID]
	if !ok {
		return nil, false
	}
	id, ok := c.node.FindFile(f.Name)
	if !ok || id != f.ID {
		return nil, false
	}
	return c.node, true
}

// attachDisplacing attaches f to c. A different file holding the name is
// detached first and stays in the index.
func (s *FileService) attachDisplacing(c *metadata.ContainerNode, f *metadata.FileNode) {
	if holder, taken := c.FindFile(f.Name); taken && holder != f.ID {
		if he, ok := s.arena[holder]; ok {
			s.ns.detachFile(c, he.node)
		} else {
			c.RemoveFile(f.Name)
		}
		logger.Warn("File %d displaced file %d as %q in container %d", f.ID, holder, f.Name, c.ID)
	}
	s.ns.attachFile(c, f)
}

// applyUpdate replaces an indexed file with incoming. It returns false when
// incoming moves the file to a container that is not indexed yet.
func (s *FileService) applyUpdate(e *entry[*metadata.FileNode], incoming *metadata.FileNode) bool {
	cur := e.node
	oldC, attached := s.containerOf(cur)

	if incoming.ContainerID == cur.ContainerID {
		if attached {
			s.ns.detachFile(oldC, cur)
			e.node = incoming
			s.attachDisplacing(oldC, incoming)
		} else {
			e.node = incoming
		}
		s.notifyChanged(metadata.Updated, cur, incoming)
		return true
	}

	var newC *metadata.ContainerNode
	if incoming.ContainerID != 0 {
		c, ok := s.ns.containers.arena[incoming.ContainerID]
		if !ok {
			return false
		}
		newC = c.node
	}

	if attached {
		s.ns.detachFile(oldC, cur)
	}
	e.node = incoming
	if newC != nil {
		s.attachDisplacing(newC, incoming)
	}
	s.notifyChanged(metadata.Moved, cur, incoming)
	return true
}

// drop detaches a file and removes it from the index.
func (s *FileService) drop(e *entry[*metadata.FileNode]) {
	f := e.node
	if c, ok := s.containerOf(f); ok {
		s.ns.detachFile(c, f)
	}
	delete(s.arena, f.ID)
	s.ns.notifyFile(metadata.FileEvent{Action: metadata.Deleted, File: f})
}

func (s *FileService) notifyCreated(f *metadata.FileNode) {
	s.ns.notifyFile(metadata.FileEvent{Action: metadata.Created, File: f})
	for _, ev := range diffEvents(nil, f) {
		s.ns.notifyFile(ev)
	}
}

func (s *FileService) notifyChanged(action metadata.Action, prev, cur *metadata.FileNode) {
	s.ns.notifyFile(metadata.FileEvent{Action: action, File: cur, Previous: prev})
	for _, ev := range diffEvents(prev, cur) {
		s.ns.notifyFile(ev)
	}
}

// diffEvents derives the size and location events between two states of a
// file. prev may be nil for a new file.
func diffEvents(prev, cur *metadata.FileNode) []metadata.FileEvent {
	var events []metadata.FileEvent

	var prevSize uint64
	var prevLocs, prevUnlinked []metadata.Location
	if prev != nil {
		prevSize = prev.Size
		prevLocs = prev.Locations
		prevUnlinked = prev.UnlinkedLocations
	}

	if cur.Size != prevSize {
		events = append(events, metadata.FileEvent{
			Action:    metadata.SizeChanged,
			File:      cur,
			Previous:  prev,
			SizeDelta: int64(cur.Size) - int64(prevSize),
		})
	}

	for _, loc := range cur.Locations {
		if !slices.Contains(prevLocs, loc) {
			events = append(events, metadata.FileEvent{Action: metadata.LocationAdded, File: cur, Previous: prev, Location: loc})
		}
	}
	for _, loc := range cur.UnlinkedLocations {
		if !slices.Contains(prevUnlinked, loc) {
			events = append(events, metadata.FileEvent{Action: metadata.LocationUnlinked, File: cur, Previous: prev, Location: loc})
		}
	}
	for _, loc := range prevUnlinked {
		if !slices.Contains(cur.UnlinkedLocations, loc) && !slices.Contains(cur.Locations, loc) {
			events = append(events, metadata.FileEvent{Action: metadata.LocationRemoved, File: cur, Previous: prev, Location: loc})
		}
	}
	return events
}
