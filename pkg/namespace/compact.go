package namespace

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/metadata"
)

type compactRecord struct {
	id        metadata.ID
	offset    uint64
	newOffset uint64
}

type tailUpdate struct {
	offset    uint64
	newOffset uint64
}

// CompactingData carries one compaction of a service backend through its
// three phases: CompactPrepare, Compact and CompactCommit.
//
// A handle can be used once. After a failed Compact it is broken and every
// further use fails with ErrInvalidArgument.
type CompactingData struct {
	svc  *service
	path string

	oldBackend metadata.Backend
	newBackend metadata.Backend
	watermark  uint64

	records []compactRecord
	updates map[metadata.ID]tailUpdate

	copied int
	bytes  int64
	tail   int

	started   time.Time
	compacted bool
	broken    bool
	done      bool
}

// Path returns the location of the compacted backend.
func (d *CompactingData) Path() string { return d.path }

// Records returns the number of live records copied by Compact.
func (d *CompactingData) Records() int { return d.copied }

// Bytes returns the payload bytes copied by Compact.
func (d *CompactingData) Bytes() int64 { return d.bytes }

// Tail returns the number of records copied by CompactCommit.
func (d *CompactingData) Tail() int { return d.tail }

// CompactPrepare opens a new backend at newPath and snapshots the offsets
// of every live record.
func (s *service) CompactPrepare(newPath string) (*CompactingData, error) {
	s.ns.mu.RLock()
	defer s.ns.mu.RUnlock()

	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if newPath == "" || newPath == s.cfg.ChangelogPath {
		return nil, metadata.NewError(metadata.ErrInvalidArgument, "invalid compaction target %q", newPath)
	}

	nb, err := s.opener(newPath, metadata.OpenCreate|metadata.OpenAppend|metadata.OpenTruncate)
	if err != nil {
		return nil, err
	}

	data := &CompactingData{
		svc:        s,
		path:       newPath,
		oldBackend: s.backend,
		newBackend: nb,
		watermark:  s.backend.NextOffset(),
		records:    s.index.snapshot(),
		updates:    make(map[metadata.ID]tailUpdate),
		started:    time.Now(),
	}

	logger.Info("Compaction prepared: service=%s live=%d watermark=%d target=%s",
		s.name, len(data.records), data.watermark, newPath)
	return data, nil
}

// Compact copies the snapshot records into the new backend, in the order
// they appear in the old one. It runs without the tree lock.
func (s *service) Compact(ctx context.Context, data *CompactingData) error {
	if err := data.usable(s); err != nil {
		return err
	}
	if data.compacted {
		return metadata.NewError(metadata.ErrInvalidArgument, "compaction data already copied")
	}

	slices.SortFunc(data.records, func(a, b compactRecord) int {
		switch {
		case a.offset < b.offset:
			return -1
		case a.offset > b.offset:
			return 1
		}
		return 0
	})

	for i := range data.records {
		if err := s.ns.limiter.Wait(ctx); err != nil {
			return data.fail(err)
		}

		rec := &data.records[i]
		typ, payload, err := data.oldBackend.Read(rec.offset)
		if err != nil {
			return data.fail(err)
		}
		if typ != metadata.UpdateRecord {
			return data.fail(metadata.NewCorruptError(data.oldBackend.Path(),
				"expected UPDATE at offset %d, found %s", rec.offset, typ))
		}
		newOffset, err := data.newBackend.Append(typ, payload)
		if err != nil {
			return data.fail(err)
		}
		rec.newOffset = newOffset
		data.copied++
		data.bytes += int64(len(payload))
	}

	data.compacted = true
	logger.Info("Compaction copied: service=%s records=%d bytes=%d", s.name, data.copied, data.bytes)
	return nil
}

// CompactCommit copies the records appended since CompactPrepare, remaps
// the index onto the new backend and swaps it in. The old backend is
// closed; its file is left in place for the caller.
func (s *service) CompactCommit(data *CompactingData) error {
	if err := data.usable(s); err != nil {
		return err
	}
	if !data.compacted {
		return metadata.NewError(metadata.ErrInvalidArgument, "compaction data not copied yet")
	}

	// Most of the tail is copied without blocking writers
	from, err := data.catchUp(data.watermark)
	if err != nil {
		return data.fail(err)
	}

	s.ns.mu.Lock()
	defer s.ns.mu.Unlock()

	if _, err := data.catchUp(from); err != nil {
		return data.fail(err)
	}

	remapped := 0
	for _, rec := range data.records {
		cur, ok := s.index.offsetOf(rec.id)
		if !ok || cur != rec.offset {
			continue
		}
		s.index.setOffset(rec.id, rec.newOffset)
		remapped++
	}
	for id, u := range data.updates {
		cur, ok := s.index.offsetOf(id)
		if !ok || cur != u.offset {
			panic(fmt.Sprintf("compaction: %s record %d is at offset %d in the index but %d in the log",
				s.name, id, cur, u.offset))
		}
		s.index.setOffset(id, u.newOffset)
		remapped++
	}
	if remapped != s.index.size() {
		panic(fmt.Sprintf("compaction: %s remapped %d records but the index holds %d",
			s.name, remapped, s.index.size()))
	}

	if err := data.newBackend.MarkCompacted(); err != nil {
		return data.fail(err)
	}

	old := s.backend
	s.backend = data.newBackend
	s.cfg.ChangelogPath = data.path
	data.done = true

	if err := old.Close(); err != nil {
		logger.Warn("Closing compacted %s backend: %v", s.name, err)
	}

	logger.Info("Compaction committed: service=%s records=%d tail=%d in %s",
		s.name, data.copied, data.tail, time.Since(data.started))
	return nil
}

// catchUp copies the records appended to the old backend from offset on
// and returns the offset where it stopped.
func (d *CompactingData) catchUp(from uint64) (uint64, error) {
	var copyErr error

	next, err := d.oldBackend.Scan(func(offset uint64, typ metadata.RecordType, payload []byte) bool {
		if typ == metadata.CompactionMark {
			return true
		}
		id, err := metadata.PeekID(payload)
		if err != nil {
			copyErr = metadata.NewCorruptError(d.oldBackend.Path(), "record at offset %d: %v", offset, err)
			return false
		}
		newOffset, err := d.newBackend.Append(typ, payload)
		if err != nil {
			copyErr = err
			return false
		}
		if typ == metadata.UpdateRecord {
			d.updates[id] = tailUpdate{offset: offset, newOffset: newOffset}
		} else {
			delete(d.updates, id)
		}
		d.tail++
		return true
	}, from, false)
	if copyErr != nil {
		return next, copyErr
	}
	return next, err
}

func (d *CompactingData) usable(s *service) error {
	switch {
	case d == nil:
		return metadata.NewError(metadata.ErrInvalidArgument, "nil compaction data")
	case d.svc != s:
		return metadata.NewError(metadata.ErrInvalidArgument, "compaction data belongs to the %s service", d.svc.name)
	case d.broken:
		return metadata.NewError(metadata.ErrInvalidArgument, "compaction data is broken by a previous failure")
	case d.done:
		return metadata.NewError(metadata.ErrInvalidArgument, "compaction data already committed")
	}
	return nil
}

// fail discards the new backend and breaks the handle.
func (d *CompactingData) fail(err error) error {
	d.broken = true
	if d.newBackend != nil {
		_ = d.newBackend.Close()
		if rmErr := os.RemoveAll(d.path); rmErr != nil {
			logger.Warn("Removing failed compaction %s: %v", d.path, rmErr)
		}
	}
	logger.Error("Compaction failed: service=%s: %v", d.svc.name, err)
	return err
}
