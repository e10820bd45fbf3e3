package namespace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/metadata"
)

// SlaveToMaster promotes both services: followers are stopped after a last
// catch-up, the followed logs are renamed to the given paths and reopened
// for writing.
//
// When the promotion fails the services that are still slaves resume
// following. A failure after the container service was promoted leaves the
// namespace with a master container service and a slave file service; the
// error says so.
func (ns *Namespace) SlaveToMaster(ctx context.Context, containersPath, filesPath string) error {
	ns.transitionMu.Lock()
	defer ns.transitionMu.Unlock()

	for _, p := range []struct {
		svc  *service
		path string
	}{{&ns.containers.service, containersPath}, {&ns.files.service, filesPath}} {
		if err := p.svc.checkPromotion(p.path); err != nil {
			return err
		}
	}

	ns.containers.stopFollower()
	ns.files.stopFollower()

	err := ns.promoteAll(ctx, containersPath, filesPath)
	if err != nil {
		ns.resumeFollowers()
	}
	return err
}

func (ns *Namespace) promoteAll(ctx context.Context, containersPath, filesPath string) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	// A compaction on the master may have replaced the followed logs since
	// the followers last looked
	if ns.containers.replaced() || ns.files.replaced() {
		if err := ns.rebuildSlave(); err != nil {
			return err
		}
	}

	ns.containers.drain(ns.containers.visitRecord, ns.containers.commitBatch)
	ns.files.drain(ns.files.visitRecord, ns.files.commitBatch)
	ns.settleBatches()

	if err := ns.containers.promote(ctx, containersPath); err != nil {
		return err
	}
	if err := ns.containers.ensureRoot(); err != nil {
		return fmt.Errorf("containers promoted to %s, files still a slave: %w", containersPath, err)
	}
	if err := ns.files.promote(ctx, filesPath); err != nil {
		return fmt.Errorf("containers promoted to %s, files still a slave: %w", containersPath, err)
	}
	return nil
}

// settleBatches commits both batches again until neither makes progress.
// A container delete can wait for a file delete that the file drain only
// applied afterwards, and a file can wait for its container.
func (ns *Namespace) settleBatches() {
	for {
		c := ns.containers.commitBatch()
		f := ns.files.commitBatch()
		if c.updates+c.deletes+f.updates+f.deletes == 0 {
			if c.deferred > 0 || f.deferred > 0 {
				logger.Warn("Promoting with unresolved records: containers=%d files=%d",
					c.deferred, f.deferred)
			}
			ns.containers.batch.reset()
			ns.files.batch.reset()
			return
		}
	}
}

// resumeFollowers restarts the followers of the services that are still
// slaves. transitionMu must be held.
func (ns *Namespace) resumeFollowers() {
	ns.mu.RLock()
	resumeContainers := ns.containers.slave && ns.containers.backend != nil
	resumeFiles := ns.files.slave && ns.files.backend != nil
	ns.mu.RUnlock()

	if resumeContainers {
		ns.containers.startFollower()
	}
	if resumeFiles {
		ns.files.startFollower()
	}
}

// SlaveToMaster promotes the container service alone. The follower resumes
// when the promotion fails.
func (s *ContainerService) SlaveToMaster(ctx context.Context, newPath string) error {
	s.ns.transitionMu.Lock()
	defer s.ns.transitionMu.Unlock()

	if err := s.checkPromotion(newPath); err != nil {
		return err
	}
	s.stopFollower()

	err := func() error {
		s.ns.mu.Lock()
		defer s.ns.mu.Unlock()

		s.drainAlone(s.visitRecord, s.commitBatch)
		s.batch.reset()
		if err := s.promote(ctx, newPath); err != nil {
			return err
		}
		return s.ensureRoot()
	}()
	if err != nil && s.IsSlave() {
		s.startFollower()
	}
	return err
}

// SlaveToMaster promotes the file service alone. The follower resumes when
// the promotion fails.
func (s *FileService) SlaveToMaster(ctx context.Context, newPath string) error {
	s.ns.transitionMu.Lock()
	defer s.ns.transitionMu.Unlock()

	if err := s.checkPromotion(newPath); err != nil {
		return err
	}
	s.stopFollower()

	err := func() error {
		s.ns.mu.Lock()
		defer s.ns.mu.Unlock()

		s.drainAlone(s.visitRecord, s.commitBatch)
		s.batch.reset()
		return s.promote(ctx, newPath)
	}()
	if err != nil && s.IsSlave() {
		s.startFollower()
	}
	return err
}

// MakeReadOnly reopens both backends read-only. Writes fail with
// ErrReadOnly afterwards; the tree stays queryable.
func (ns *Namespace) MakeReadOnly() error {
	ns.transitionMu.Lock()
	defer ns.transitionMu.Unlock()

	ns.mu.Lock()
	defer ns.mu.Unlock()

	return errors.Join(ns.containers.makeReadOnly(), ns.files.makeReadOnly())
}

func (s *service) checkPromotion(newPath string) error {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()

	if !s.slave {
		return metadata.NewError(metadata.ErrInvalidArgument, "%s service is not a slave", s.name)
	}
	if newPath == "" {
		return metadata.NewError(metadata.ErrInvalidArgument, "%s: new changelog path required", s.name)
	}
	if filepath.Clean(newPath) == filepath.Clean(s.cfg.ChangelogPath) {
		return metadata.NewError(metadata.ErrInvalidArgument,
			"%s: new changelog path must differ from %s", s.name, s.cfg.ChangelogPath)
	}
	return nil
}

// drainAlone is drain for a service promoted on its own: records still
// deferred afterwards are dropped with a warning.
func (s *service) drainAlone(visit metadata.VisitFunc, commit func() batchResult) {
	if res := s.drain(visit, commit); res.deferred > 0 {
		logger.Warn("Promoting %s with %d unresolved records", s.name, res.deferred)
	}
}

// drain applies what the master wrote since the last follower pass.
// The follower must be stopped and the tree lock held.
func (s *service) drain(visit metadata.VisitFunc, commit func() batchResult) batchResult {
	from := s.followStart
	if s.follower != nil {
		from = s.follower.offset.Load()
	}

	next, err := s.backend.Follow(visit, from)
	if err != nil {
		logger.Warn("Final catch-up of %s failed at offset %d: %v", s.name, next, err)
	}
	res := commit()
	s.followStart = max(next, from)
	if res.deferred > 0 {
		logger.Debug("Final catch-up of %s left %d deferred records", s.name, res.deferred)
	}
	s.follower = nil
	return res
}

// promote renames the followed log to newPath and reopens it for writing.
// A copy of the log is kept aside until the rename succeeded and restored
// if the rename lost the original.
func (s *service) promote(ctx context.Context, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cur := s.cfg.ChangelogPath
	spare := cur + ".tmp-" + uuid.NewString()

	if err := copyPath(cur, spare); err != nil {
		_ = os.RemoveAll(spare)
		return metadata.NewIOError(cur, "failed to copy log before promotion", err)
	}

	if err := s.backend.Close(); err != nil {
		logger.Warn("Closing followed %s log: %v", s.name, err)
	}
	s.backend = nil

	if err := os.Rename(cur, newPath); err != nil {
		if _, statErr := os.Stat(cur); errors.Is(statErr, fs.ErrNotExist) {
			_ = os.Rename(spare, cur)
		} else {
			_ = os.RemoveAll(spare)
		}
		if reopenErr := s.reopen(cur, metadata.OpenReadOnly); reopenErr != nil {
			logger.Error("Reopening %s after failed promotion: %v", cur, reopenErr)
		}
		return metadata.NewIOError(cur, "failed to rename log to "+newPath, err)
	}
	_ = os.RemoveAll(spare)

	if err := s.reopen(newPath, metadata.OpenCreate|metadata.OpenAppend); err != nil {
		return err
	}
	s.slave = false
	s.readOnly = false
	s.cfg.SlaveMode = false

	logger.Info("Promoted %s service to master: %s -> %s", s.name, cur, newPath)
	return nil
}

func (s *service) makeReadOnly() error {
	if s.backend == nil {
		return metadata.NewError(metadata.ErrInvalidArgument, "%s service is closed", s.name)
	}
	if err := s.backend.Close(); err != nil {
		logger.Warn("Closing %s log: %v", s.name, err)
	}
	s.backend = nil

	if err := s.reopen(s.cfg.ChangelogPath, metadata.OpenReadOnly); err != nil {
		return err
	}
	s.readOnly = true
	logger.Info("%s service is now read-only", s.name)
	return nil
}

func (s *service) reopen(path string, mode metadata.OpenMode) error {
	b, err := s.opener(path, mode)
	if err != nil {
		return err
	}
	s.backend = b
	s.cfg.ChangelogPath = path
	return nil
}

// copyPath copies a file, or a directory tree for directory backends.
func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode().Perm())
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, fi.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
