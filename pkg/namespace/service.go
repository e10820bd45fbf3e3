package namespace

import (
	"slices"

	"github.com/marmos91/dittomd/pkg/metadata"
)

// entry is one arena slot: the offset of the live record and the node
// rebuilt from it. The node is loaded lazily at boot.
type entry[T any] struct {
	offset uint64
	node   T
}

// arena owns the nodes of one service, keyed by id.
type arena[T any] map[metadata.ID]*entry[T]

// offsetIndex is the view of an arena the compactor needs.
type offsetIndex interface {
	offsetOf(id metadata.ID) (uint64, bool)
	setOffset(id metadata.ID, offset uint64)
	snapshot() []compactRecord
	size() int
}

func (a arena[T]) offsetOf(id metadata.ID) (uint64, bool) {
	e, ok := a[id]
	if !ok {
		return 0, false
	}
	return e.offset, true
}

func (a arena[T]) setOffset(id metadata.ID, offset uint64) {
	if e, ok := a[id]; ok {
		e.offset = offset
	}
}

func (a arena[T]) snapshot() []compactRecord {
	out := make([]compactRecord, 0, len(a))
	for id, e := range a {
		out = append(out, compactRecord{id: id, offset: e.offset})
	}
	return out
}

func (a arena[T]) size() int {
	return len(a)
}

func (a arena[T]) sortedIDs() []metadata.ID {
	ids := make([]metadata.ID, 0, len(a))
	for id := range a {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// service is the part shared by the container and file services: backend
// lifecycle, id allocation, persistence, follower and compaction state.
//
// Every field is guarded by the namespace tree lock unless noted.
type service struct {
	ns     *Namespace
	name   string
	cfg    Config
	opener metadata.Opener

	backend  metadata.Backend
	slave    bool
	readOnly bool

	nextID      metadata.ID
	followStart uint64
	recovery    []string

	// follower is only touched with transitionMu held or during Initialize
	follower *follower

	index offsetIndex
}

func newService(ns *Namespace, name string, cfg Config, opener metadata.Opener) service {
	return service{
		ns:     ns,
		name:   name,
		cfg:    cfg,
		opener: opener,
		slave:  cfg.SlaveMode,
		nextID: 1,
	}
}

// open opens the backend in the mode matching the service role.
func (s *service) open() error {
	mode := metadata.OpenCreate | metadata.OpenAppend
	if s.slave {
		mode = metadata.OpenReadOnly
	}

	b, err := s.opener(s.cfg.ChangelogPath, mode)
	if err != nil {
		return err
	}
	s.backend = b
	s.readOnly = s.slave
	s.followStart = b.FirstOffset()
	return nil
}

// scanIndex rebuilds the id -> offset index from the backend. It returns
// the highest id seen, which seeds the id allocator.
func (s *service) scanIndex(add func(id metadata.ID, offset uint64), drop func(id metadata.ID)) (metadata.ID, error) {
	var maxID metadata.ID
	var visitErr error

	stop, err := s.backend.Scan(func(offset uint64, typ metadata.RecordType, payload []byte) bool {
		switch typ {
		case metadata.UpdateRecord, metadata.DeleteRecord:
			id, err := metadata.PeekID(payload)
			if err != nil {
				visitErr = metadata.NewCorruptError(s.backend.Path(), "record at offset %d: %v", offset, err)
				return false
			}
			if typ == metadata.UpdateRecord {
				add(id, offset)
			} else {
				drop(id)
			}
			if id > maxID {
				maxID = id
			}
		case metadata.CompactionMark:
			// Slaves follow from the mark on; the follower skips it
			if s.slave {
				return false
			}
		}
		return true
	}, s.backend.FirstOffset(), s.cfg.AutoRepair)
	if err != nil {
		return 0, err
	}
	if visitErr != nil {
		return 0, visitErr
	}

	s.followStart = stop
	return maxID, nil
}

// persist appends an UPDATE record for the serialized node.
func (s *service) persist(payload []byte) (uint64, error) {
	off, err := s.backend.Write(payload)
	if err != nil {
		return 0, err
	}
	s.ns.metrics.RecordAppend(s.name, metadata.UpdateRecord.String(), len(payload))
	return off, nil
}

// erase appends a DELETE record for id.
func (s *service) erase(id metadata.ID) error {
	if _, err := s.backend.Delete(id); err != nil {
		return err
	}
	s.ns.metrics.RecordAppend(s.name, metadata.DeleteRecord.String(), 8)
	return nil
}

func (s *service) allocateID() metadata.ID {
	id := s.nextID
	s.nextID++
	return id
}

func (s *service) observeID(id metadata.ID) {
	if id >= s.nextID {
		s.nextID = id + 1
	}
}

func (s *service) checkWritable() error {
	if s.slave || s.readOnly {
		return metadata.NewError(metadata.ErrReadOnly, "%s service is read-only", s.name)
	}
	return nil
}

func (s *service) warnings() []string {
	var out []string
	if s.backend != nil {
		out = append(out, s.backend.Warnings()...)
	}
	return append(out, s.recovery...)
}

func (s *service) close() error {
	if s.backend == nil {
		return nil
	}
	err := s.backend.Close()
	s.backend = nil
	return err
}

// Path returns the current location of the service backend.
func (s *service) Path() string {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()
	return s.cfg.ChangelogPath
}

// IsSlave reports whether the service follows a master.
func (s *service) IsSlave() bool {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()
	return s.slave
}

// FollowOffset returns the offset the follower resumes from.
func (s *service) FollowOffset() uint64 {
	s.ns.mu.RLock()
	f := s.follower
	start := s.followStart
	s.ns.mu.RUnlock()

	if f != nil {
		return f.offset.Load()
	}
	return start
}
