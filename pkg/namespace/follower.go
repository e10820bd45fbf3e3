package namespace

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/metadata"
)

// follower tails the backend of a slave service and applies the records
// written by the master.
//
// Parsing happens without the tree lock; only commit runs under it.
type follower struct {
	svc    *service
	offset atomic.Uint64
	poll   time.Duration

	visit  metadata.VisitFunc
	commit func() batchResult

	cancel context.CancelFunc
	doneCh chan struct{}
}

// batchResult summarizes one commit.
type batchResult struct {
	updates  int
	deletes  int
	deferred int
}

func (s *service) newFollower(visit metadata.VisitFunc, commit func() batchResult) *follower {
	f := &follower{
		svc:    s,
		poll:   s.cfg.PollInterval(),
		visit:  visit,
		commit: commit,
	}
	f.offset.Store(s.followStart)
	return f
}

func (f *follower) start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.doneCh = make(chan struct{})
	go f.run(ctx)
}

// stop cancels the follower and waits for it to exit.
func (f *follower) stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.doneCh
}

func (f *follower) run(ctx context.Context) {
	defer close(f.doneCh)

	logger.Info("Follower started: service=%s offset=%d poll=%s", f.svc.name, f.offset.Load(), f.poll)
	for {
		// The backend handle is stable while the follower runs: transitions
		// stop the follower before swapping it
		if f.svc.replaced() {
			logger.Warn("Followed %s log %s was replaced by the master, rebooting the slave",
				f.svc.name, f.svc.backend.Path())
			f.svc.ns.scheduleReboot(f.poll)
			return
		}

		f.step()

		if err := f.svc.backend.Wait(ctx, f.poll); err != nil {
			logger.Info("Follower stopped: service=%s offset=%d", f.svc.name, f.offset.Load())
			return
		}
	}
}

// step reads the complete records past the current offset and commits
// them under the tree lock.
func (f *follower) step() {
	next, err := f.svc.backend.Follow(f.visit, f.offset.Load())
	if next > f.offset.Load() {
		f.offset.Store(next)
	}
	if err != nil {
		logger.Warn("Follower read failed: service=%s offset=%d: %v", f.svc.name, next, err)
	}

	f.svc.ns.mu.Lock()
	res := f.commit()
	f.svc.ns.mu.Unlock()

	if res.updates > 0 || res.deletes > 0 || res.deferred > 0 {
		logger.Debug("Follower batch: service=%s updates=%d deletes=%d deferred=%d",
			f.svc.name, res.updates, res.deletes, res.deferred)
		f.svc.ns.metrics.RecordFollowerBatch(f.svc.name, res.updates, res.deletes, res.deferred)
	}
}

// ============================================================================
// Containers
// ============================================================================

type pendingContainer struct {
	offset uint64
	node   *metadata.ContainerNode
}

// containerBatch accumulates followed container records until commit.
// An update cancels a pending delete of the same id and vice versa.
type containerBatch struct {
	updated map[metadata.ID]pendingContainer
	deleted map[metadata.ID]struct{}
	maxID   metadata.ID
}

func (b *containerBatch) reset() {
	b.updated = make(map[metadata.ID]pendingContainer)
	b.deleted = make(map[metadata.ID]struct{})
}

func (s *ContainerService) startFollower() {
	f := s.newFollower(s.visitRecord, s.commitBatch)
	s.ns.mu.Lock()
	s.follower = f
	s.ns.mu.Unlock()
	f.start()
}

func (s *ContainerService) stopFollower() {
	if s.follower != nil {
		s.follower.stop()
	}
}

func (s *ContainerService) visitRecord(offset uint64, typ metadata.RecordType, payload []byte) bool {
	switch typ {
	case metadata.UpdateRecord:
		node, err := metadata.UnmarshalContainer(payload)
		if err != nil {
			logger.Warn("Skipping container record at offset %d: %v", offset, err)
			return true
		}
		s.batch.updated[node.ID] = pendingContainer{offset: offset, node: node}
		delete(s.batch.deleted, node.ID)
		s.batch.maxID = max(s.batch.maxID, node.ID)
	case metadata.DeleteRecord:
		id, err := metadata.PeekID(payload)
		if err != nil {
			logger.Warn("Skipping container delete at offset %d: %v", offset, err)
			return true
		}
		delete(s.batch.updated, id)
		s.batch.deleted[id] = struct{}{}
	}
	return true
}

// commitBatch applies the pending container records. Deletions go first
// and are deferred while the container still has children; updates whose
// new parent is not indexed yet are deferred as well.
func (s *ContainerService) commitBatch() batchResult {
	var res batchResult
	b := &s.batch
	s.observeID(b.maxID)

	deleted := make([]metadata.ID, 0, len(b.deleted))
	for id := range b.deleted {
		deleted = append(deleted, id)
	}
	slices.Sort(deleted)
	for _, id := range deleted {
		e, ok := s.arena[id]
		if !ok {
			delete(b.deleted, id)
			continue
		}
		if e.node.NumContainers() > 0 || e.node.NumFiles() > 0 {
			res.deferred++
			continue
		}
		s.drop(e)
		delete(b.deleted, id)
		res.deletes++
	}

	updated := make([]metadata.ID, 0, len(b.updated))
	for id := range b.updated {
		updated = append(updated, id)
	}
	slices.Sort(updated)

	var created []*metadata.ContainerNode
	for _, id := range updated {
		u := b.updated[id]
		e, ok := s.arena[id]
		if !ok {
			u.node.TreeSize = 0
			s.arena[id] = &entry[*metadata.ContainerNode]{offset: u.offset, node: u.node}
			created = append(created, u.node)
			delete(b.updated, id)
			res.updates++
			continue
		}
		if !s.applyUpdate(e, u.node) {
			res.deferred++
			continue
		}
		e.offset = u.offset
		delete(b.updated, id)
		res.updates++
	}

	// New containers are linked after the whole batch is indexed so that
	// parents created in the same batch are found
	for _, node := range created {
		if node.ParentID != node.ID {
			if parent, ok := s.arena[node.ParentID]; ok {
				parent.node.AddContainer(node.Name, node.ID)
			}
		}
		s.ns.notifyContainer(node, metadata.Created)
	}

	if res.updates > 0 || res.deletes > 0 {
		s.ns.metrics.SetLiveEntries(s.name, len(s.arena))
	}
	return res
}

// ============================================================================
// Files
// ============================================================================

type pendingFile struct {
	offset uint64
	node   *metadata.FileNode
}

type fileBatch struct {
	updated map[metadata.ID]pendingFile
	deleted map[metadata.ID]struct{}
	maxID   metadata.ID
}

func (b *fileBatch) reset() {
	b.updated = make(map[metadata.ID]pendingFile)
	b.deleted = make(map[metadata.ID]struct{})
}

func (s *FileService) startFollower() {
	f := s.newFollower(s.visitRecord, s.commitBatch)
	s.ns.mu.Lock()
	s.follower = f
	s.ns.mu.Unlock()
	f.start()
}

func (s *FileService) stopFollower() {
	if s.follower != nil {
		s.follower.stop()
	}
}

func (s *FileService) visitRecord(offset uint64, typ metadata.RecordType, payload []byte) bool {
	switch typ {
	case metadata.UpdateRecord:
		f, err := metadata.UnmarshalFile(payload)
		if err != nil {
			logger.Warn("Skipping file record at offset %d: %v", offset, err)
			return true
		}
		s.batch.updated[f.ID] = pendingFile{offset: offset, node: f}
		delete(s.batch.deleted, f.ID)
		s.batch.maxID = max(s.batch.maxID, f.ID)
	case metadata.DeleteRecord:
		id, err := metadata.PeekID(payload)
		if err != nil {
			logger.Warn("Skipping file delete at offset %d: %v", offset, err)
			return true
		}
		delete(s.batch.updated, id)
		s.batch.deleted[id] = struct{}{}
	}
	return true
}

// commitBatch applies the pending file records. New files wait for their
// container to be indexed.
func (s *FileService) commitBatch() batchResult {
	var res batchResult
	b := &s.batch
	s.observeID(b.maxID)

	for id := range b.deleted {
		if e, ok := s.arena[id]; ok {
			s.drop(e)
			res.deletes++
		}
		delete(b.deleted, id)
	}

	updated := make([]metadata.ID, 0, len(b.updated))
	for id := range b.updated {
		updated = append(updated, id)
	}
	slices.Sort(updated)

	for _, id := range updated {
		u := b.updated[id]
		e, ok := s.arena[id]
		if !ok {
			var c *metadata.ContainerNode
			if u.node.ContainerID != 0 {
				ce, ok := s.ns.containers.arena[u.node.ContainerID]
				if !ok {
					res.deferred++
					continue
				}
				c = ce.node
			}
			s.arena[id] = &entry[*metadata.FileNode]{offset: u.offset, node: u.node}
			if c != nil {
				s.attachDisplacing(c, u.node)
			}
			s.notifyCreated(u.node)
		} else {
			if !s.applyUpdate(e, u.node) {
				res.deferred++
				continue
			}
			e.offset = u.offset
		}
		delete(b.updated, id)
		res.updates++
	}

	if res.updates > 0 || res.deletes > 0 {
		s.ns.metrics.SetLiveEntries(s.name, len(s.arena))
	}
	return res
}
