package namespace

import (
	"errors"
	"time"

	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/metadata"
)

var (
	errNamespaceClosed   = errors.New("namespace closed")
	errPartiallyPromoted = errors.New("namespace is partially promoted")
)

// scheduleReboot rebuilds a slave namespace in the background after the
// master replaced a followed log. Failed attempts are retried until one
// succeeds or the namespace is closed.
func (ns *Namespace) scheduleReboot(poll time.Duration) {
	if !ns.rebootPending.CompareAndSwap(false, true) {
		return
	}
	retry := max(poll, 100*time.Millisecond)

	go func() {
		for {
			err := ns.rebootSlave()
			switch {
			case err == nil, errors.Is(err, errNamespaceClosed):
				return
			case errors.Is(err, errPartiallyPromoted):
				logger.Error("Followed log replaced on a partially promoted namespace: following stopped")
				return
			}
			logger.Warn("Slave reboot failed, retrying in %s: %v", retry, err)

			select {
			case <-ns.stopCh:
				return
			case <-time.After(retry):
			}
		}
	}()
}

// rebootSlave stops both followers, drops the tree and rebuilds it from
// the logs now at the configured paths, then resumes following from their
// compaction marks. Listeners see a fresh Loaded pass.
func (ns *Namespace) rebootSlave() error {
	ns.transitionMu.Lock()
	defer ns.transitionMu.Unlock()
	ns.rebootPending.Store(false)

	ns.containers.stopFollower()
	ns.files.stopFollower()

	err := func() error {
		ns.mu.Lock()
		defer ns.mu.Unlock()

		if ns.closed {
			return errNamespaceClosed
		}
		switch {
		case !ns.containers.slave && !ns.files.slave:
			return nil
		case !ns.containers.slave || !ns.files.slave:
			return errPartiallyPromoted
		}
		return ns.rebuildSlave()
	}()
	if err != nil {
		return err
	}

	ns.resumeFollowers()
	return nil
}

// rebuildSlave drops the tree and loads it again from both logs. On
// failure the namespace is left empty with no backend open. The tree lock
// must be held.
func (ns *Namespace) rebuildSlave() error {
	start := time.Now()
	ns.resetTree()
	if err := ns.containers.initialize(); err != nil {
		ns.resetTree()
		return err
	}
	if err := ns.files.initialize(); err != nil {
		ns.resetTree()
		return err
	}
	logger.Info("Slave namespace rebuilt: containers=%d files=%d in %s",
		len(ns.containers.arena), len(ns.files.arena), time.Since(start))
	return nil
}

// replaced reports whether the log at the configured path is no longer
// the one the service holds open.
func (s *service) replaced() bool {
	r, ok := s.backend.(metadata.ReplaceDetector)
	return ok && r.Replaced()
}

// resetTree releases the quota usage of every accounted file, closes both
// backends and empties both services. The tree lock must be held.
func (ns *Namespace) resetTree() {
	if ns.quota != nil {
		memo := make(map[metadata.ID]quotaLookup)
		for id, c := range ns.containers.arena {
			if c.node == nil || c.node.NumFiles() == 0 {
				continue
			}
			q, ok := ns.quotaNodeOf(id, memo)
			if !ok {
				continue
			}
			for _, fid := range c.node.FileIDs() {
				if f, ok := ns.files.arena[fid]; ok && f.node != nil {
					ns.quota.RemoveFile(q, f.node)
				}
			}
		}
	}

	ns.containers.reset()
	ns.files.reset()
}

func (s *ContainerService) reset() {
	s.service.reset()
	s.arena = make(arena[*metadata.ContainerNode])
	s.index = s.arena
	s.batch.reset()
}

func (s *FileService) reset() {
	s.service.reset()
	s.arena = make(arena[*metadata.FileNode])
	s.index = s.arena
	s.batch.reset()
}

func (s *service) reset() {
	if err := s.close(); err != nil {
		logger.Warn("Closing %s log: %v", s.name, err)
	}
	s.nextID = 1
	s.followStart = 0
	s.recovery = nil
	s.follower = nil
}
