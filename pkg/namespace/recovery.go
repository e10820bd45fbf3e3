package namespace

import (
	"fmt"
	"strconv"
	"time"

	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/metadata"
)

// Recovery layout below the root.
const (
	LostAndFound     = "lost+found"
	OrphansDir       = "orphans"
	NameConflictsDir = "name_conflicts"

	recoveryDirMode = 0o700
	defaultRootMode = 0o755
)

type visitState uint8

const (
	unvisited visitState = iota
	visiting
	done
)

// initialize opens the container backend and rebuilds the tree.
func (s *ContainerService) initialize() error {
	start := time.Now()
	if err := s.open(); err != nil {
		return err
	}

	var orphans, conflicts []metadata.ID
	if !s.slave || s.backend.Compacted() {
		maxID, err := s.scanIndex(
			func(id metadata.ID, offset uint64) {
				s.arena[id] = &entry[*metadata.ContainerNode]{offset: offset}
			},
			func(id metadata.ID) { delete(s.arena, id) },
		)
		if err != nil {
			_ = s.close()
			return err
		}
		s.observeID(maxID)

		if err := s.load(); err != nil {
			_ = s.close()
			return err
		}
		orphans, conflicts = s.rebuild()
	}
	s.observeID(metadata.RootID)

	if !s.slave {
		if err := s.ensureRoot(); err != nil {
			_ = s.close()
			return err
		}
		for _, id := range orphans {
			if err := s.divert(id, OrphansDir); err != nil {
				_ = s.close()
				return err
			}
		}
		for _, id := range conflicts {
			if err := s.divert(id, NameConflictsDir); err != nil {
				_ = s.close()
				return err
			}
		}
		if !s.backend.Compacted() {
			if err := s.backend.MarkCompacted(); err != nil {
				_ = s.close()
				return err
			}
		}
	} else {
		for _, id := range orphans {
			s.warnDetached(id, "orphan")
		}
		for _, id := range conflicts {
			s.warnDetached(id, "name conflict")
		}
	}

	for _, id := range s.arena.sortedIDs() {
		if node := s.arena[id].node; node.IsRoot() || s.attached(node) {
			s.ns.notifyContainer(node, metadata.Loaded)
		}
	}

	warnings := len(s.backend.Warnings())
	s.ns.metrics.RecordBoot(s.name, time.Since(start), warnings, len(orphans)+len(conflicts))
	s.ns.metrics.SetLiveEntries(s.name, len(s.arena))
	logger.Info("Containers loaded: count=%d orphans=%d conflicts=%d follow_start=%d in %s",
		len(s.arena), len(orphans), len(conflicts), s.followStart, time.Since(start))
	return nil
}

// load deserializes the record of every indexed container.
func (s *ContainerService) load() error {
	for id, e := range s.arena {
		_, payload, err := s.backend.Read(e.offset)
		if err != nil {
			return err
		}
		node, err := metadata.UnmarshalContainer(payload)
		if err != nil {
			return metadata.NewCorruptError(s.backend.Path(), "container record at offset %d: %v", e.offset, err)
		}
		if node.ID != id {
			return metadata.NewCorruptError(s.backend.Path(),
				"record at offset %d holds container %d, expected %d", e.offset, node.ID, id)
		}
		node.TreeSize = 0
		e.node = node
	}
	return nil
}

// rebuild links every loaded container into its parent. Ids are processed
// in ascending order and parents are resolved before their children with an
// explicit stack, so deep trees do not recurse. It returns the containers
// left detached: orphans (missing parent or parent cycle) and name
// conflicts (the name was already held by a lower id).
func (s *ContainerService) rebuild() (orphans, conflicts []metadata.ID) {
	state := make(map[metadata.ID]visitState, len(s.arena))
	detached := make(map[metadata.ID]bool)

	for _, id := range s.arena.sortedIDs() {
		if state[id] != unvisited {
			continue
		}

		stack := []metadata.ID{id}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			node := s.arena[cur].node

			if state[cur] == unvisited {
				state[cur] = visiting
				if node.ParentID != cur {
					if _, ok := s.arena[node.ParentID]; ok && state[node.ParentID] == unvisited {
						stack = append(stack, node.ParentID)
						continue
					}
				}
			}

			stack = stack[:len(stack)-1]
			state[cur] = done

			if node.IsRoot() {
				continue
			}
			parent, ok := s.arena[node.ParentID]
			if !ok || node.ParentID == cur || state[node.ParentID] != done || detached[node.ParentID] && s.inCycle(cur) {
				detached[cur] = true
				orphans = append(orphans, cur)
				continue
			}
			if loser, conflict := attachContainer(parent.node, node); conflict {
				detached[loser] = true
				conflicts = append(conflicts, loser)
			}
		}
	}
	return orphans, conflicts
}

// inCycle reports whether following parent ids from id leads back to id.
func (s *ContainerService) inCycle(id metadata.ID) bool {
	cur := id
	for steps := 0; steps <= len(s.arena); steps++ {
		e, ok := s.arena[cur]
		if !ok || e.node.ParentID == cur {
			return false
		}
		cur = e.node.ParentID
		if cur == id {
			return true
		}
	}
	return true
}

// attachContainer links child into parent. When another container already
// holds the name, the lower id keeps it and the other one is returned as
// the loser.
func attachContainer(parent, child *metadata.ContainerNode) (loser metadata.ID, conflict bool) {
	holder, taken := parent.FindContainer(child.Name)
	if !taken || holder == child.ID {
		parent.AddContainer(child.Name, child.ID)
		return 0, false
	}
	if child.ID < holder {
		parent.AddContainer(child.Name, child.ID)
		return holder, true
	}
	return child.ID, true
}

// ensureRoot creates the root on an empty master.
func (s *ContainerService) ensureRoot() error {
	if _, ok := s.arena[metadata.RootID]; ok {
		return nil
	}

	root := metadata.NewContainerNode(metadata.RootID, metadata.RootID, "")
	root.Mode = defaultRootMode
	now := metadata.Now()
	root.CTime = now
	root.MTime = now
	root.TMTime = now

	offset, err := s.write(root)
	if err != nil {
		return err
	}
	s.arena[metadata.RootID] = &entry[*metadata.ContainerNode]{offset: offset, node: root}
	logger.Info("Created namespace root")
	return nil
}

// recoveryContainer returns /lost+found/<kind>/<parentID>, creating the
// missing levels through the regular create path.
func (s *ContainerService) recoveryContainer(kind string, parentID metadata.ID) (*metadata.ContainerNode, error) {
	cur := s.arena[metadata.RootID].node
	for _, name := range []string{LostAndFound, kind, strconv.FormatUint(uint64(parentID), 10)} {
		if id, ok := cur.FindContainer(name); ok {
			if e, ok := s.arena[id]; ok {
				cur = e.node
				continue
			}
		}
		next, err := s.create(cur.ID, name, ContainerAttr{Mode: recoveryDirMode})
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// divert moves a detached container to lost+found as <name>.<id> and
// persists the new location.
func (s *ContainerService) divert(id metadata.ID, kind string) error {
	node := s.arena[id].node
	originalParent := node.ParentID

	bucket, err := s.recoveryContainer(kind, originalParent)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s.%d", node.Name, node.ID)
	if _, taken := bucket.FindContainer(name); taken {
		name = fmt.Sprintf("%s.%d.%d", node.Name, node.ID, s.nextID)
	}
	node.ParentID = bucket.ID
	node.Name = name

	offset, err := s.write(node)
	if err != nil {
		return err
	}
	s.arena[id].offset = offset
	bucket.AddContainer(name, id)

	msg := fmt.Sprintf("container %d (parent %d) moved to /%s/%s/%d/%s", id, originalParent, LostAndFound, kind, originalParent, name)
	s.recovery = append(s.recovery, msg)
	logger.Warn("Recovered %s", msg)
	return nil
}

func (s *ContainerService) warnDetached(id metadata.ID, reason string) {
	node := s.arena[id].node
	msg := fmt.Sprintf("container %d (%s, parent %d) left detached: %s", id, node.Name, node.ParentID, reason)
	s.recovery = append(s.recovery, msg)
	logger.Warn("Read-only namespace: %s", msg)
}

// initialize opens the file backend and attaches every file to its
// container. Containers must be initialized first.
func (s *FileService) initialize() error {
	start := time.Now()
	if err := s.open(); err != nil {
		return err
	}

	var orphans, conflicts []metadata.ID
	if !s.slave || s.backend.Compacted() {
		maxID, err := s.scanIndex(
			func(id metadata.ID, offset uint64) {
				s.arena[id] = &entry[*metadata.FileNode]{offset: offset}
			},
			func(id metadata.ID) { delete(s.arena, id) },
		)
		if err != nil {
			_ = s.close()
			return err
		}
		s.observeID(maxID)

		for _, id := range s.arena.sortedIDs() {
			e := s.arena[id]
			_, payload, err := s.backend.Read(e.offset)
			if err != nil {
				_ = s.close()
				return err
			}
			f, err := metadata.UnmarshalFile(payload)
			if err != nil {
				_ = s.close()
				return metadata.NewCorruptError(s.backend.Path(), "file record at offset %d: %v", e.offset, err)
			}
			if f.ID != id {
				_ = s.close()
				return metadata.NewCorruptError(s.backend.Path(),
					"record at offset %d holds file %d, expected %d", e.offset, f.ID, id)
			}
			e.node = f

			if f.ContainerID == 0 {
				continue
			}
			c, ok := s.ns.containers.arena[f.ContainerID]
			if !ok {
				orphans = append(orphans, id)
				continue
			}
			if _, taken := c.node.FindFile(f.Name); taken {
				conflicts = append(conflicts, id)
				continue
			}
			s.ns.attachFile(c.node, f)
		}
	}

	if !s.slave {
		for _, id := range orphans {
			if err := s.divert(id, OrphansDir); err != nil {
				_ = s.close()
				return err
			}
		}
		for _, id := range conflicts {
			if err := s.divert(id, NameConflictsDir); err != nil {
				_ = s.close()
				return err
			}
		}
		if !s.backend.Compacted() {
			if err := s.backend.MarkCompacted(); err != nil {
				_ = s.close()
				return err
			}
		}
	} else {
		for _, id := range orphans {
			s.warnDetached(id, "orphan")
		}
		for _, id := range conflicts {
			s.warnDetached(id, "name conflict")
		}
	}

	for _, id := range s.arena.sortedIDs() {
		f := s.arena[id].node
		if _, ok := s.containerOf(f); ok {
			s.ns.notifyFile(metadata.FileEvent{Action: metadata.Loaded, File: f})
		}
	}

	s.ns.metrics.RecordBoot(s.name, time.Since(start), len(s.backend.Warnings()), len(orphans)+len(conflicts))
	s.ns.metrics.SetLiveEntries(s.name, len(s.arena))
	logger.Info("Files loaded: count=%d orphans=%d conflicts=%d follow_start=%d in %s",
		len(s.arena), len(orphans), len(conflicts), s.followStart, time.Since(start))
	return nil
}

// divert moves a detached file to lost+found as <name>.<id> and persists
// the new location.
func (s *FileService) divert(id metadata.ID, kind string) error {
	f := s.arena[id].node
	originalContainer := f.ContainerID

	bucket, err := s.ns.containers.recoveryContainer(kind, originalContainer)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s.%d", f.Name, f.ID)
	if _, taken := bucket.FindFile(name); taken {
		name = fmt.Sprintf("%s.%d.%d", f.Name, f.ID, s.nextID)
	}
	f.ContainerID = bucket.ID
	f.Name = name

	offset, err := s.write(f)
	if err != nil {
		return err
	}
	s.arena[id].offset = offset
	s.ns.attachFile(bucket, f)

	msg := fmt.Sprintf("file %d (container %d) moved to /%s/%s/%d/%s", id, originalContainer, LostAndFound, kind, originalContainer, name)
	s.recovery = append(s.recovery, msg)
	logger.Warn("Recovered %s", msg)
	return nil
}

func (s *FileService) warnDetached(id metadata.ID, reason string) {
	f := s.arena[id].node
	msg := fmt.Sprintf("file %d (%s, container %d) left detached: %s", id, f.Name, f.ContainerID, reason)
	s.recovery = append(s.recovery, msg)
	logger.Warn("Read-only namespace: %s", msg)
}
