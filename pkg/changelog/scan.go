package changelog

import (
	"context"
	"path/filepath"
	"time"

	"github.com/marmos91/dittomd/pkg/metadata"
)

// maxSkip is the largest damaged block auto-repair skips over. Anything
// larger is treated as too risky to discard silently.
const maxSkip = 1024

// ScanAllRecords visits every record from the first offset. See
// ScanAllRecordsAtOffset.
func (l *Log) ScanAllRecords(visit metadata.VisitFunc, autoRepair bool) (uint64, error) {
	return l.ScanAllRecordsAtOffset(visit, firstOffset, autoRepair)
}

// ScanAllRecordsAtOffset visits the records starting at from and returns
// the offset to resume following from: the end of the log, or the offset
// of the record the visitor refused.
//
// A damaged record fails the scan with a CorruptRecord error unless
// autoRepair is set. With autoRepair the scan re-synchronizes on the next
// record magic when the damaged block is shorter than 1KB and records a
// warning; larger blocks still fail.
//
// On a read-only log a record still being written ends the scan cleanly.
func (l *Log) ScanAllRecordsAtOffset(visit metadata.VisitFunc, from uint64, autoRepair bool) (uint64, error) {
	if from < firstOffset {
		from = firstOffset
	}

	end := l.end()
	off := from
	for off < end {
		rec, err := readRecordAt(l.file, l.path, off, end)
		if err == errIncomplete && l.readOnly {
			return off, nil
		}
		if err != nil {
			if code, ok := metadata.CodeOf(err); ok && code == metadata.ErrIOError {
				return off, err
			}
			if !autoRepair {
				l.addWarning("corruption at offset 0x%x", off)
				return off, metadata.NewCorruptError(l.path,
					"corruption at offset 0x%x and auto-repair is disabled", off)
			}

			next, found := findRecordMagic(l.file, off+4, end)
			if !found {
				l.addWarning("corruption at end of file at offset 0x%x", off)
				return off, metadata.NewCorruptError(l.path,
					"corruption at end of file at offset 0x%x, repair the file manually", off)
			}
			if next-off >= maxSkip {
				l.addWarning("large block corruption at offset [0x%x <=> 0x%x] len=%d", off, next, next-off)
				return off, metadata.NewCorruptError(l.path,
					"corruption larger than 1KB at offset 0x%x, repair the file manually", off)
			}

			l.addWarning("discarded block at offset [0x%x <=> 0x%x] len=%d", off, next, next-off)
			off = next
			continue
		}

		if !visit(off, rec.typ, rec.payload) {
			return off, nil
		}
		off += rec.total
	}
	return off, nil
}

// Follow visits every complete record from offset on and returns the
// offset of the first record not yet completely written. A checksum
// mismatch with a readable record magic less than 1KB ahead is skipped
// with a warning; a damaged record at the very tail is assumed to be in
// flight and retried on the next call.
func (l *Log) Follow(visit metadata.VisitFunc, from uint64) (uint64, error) {
	if from < firstOffset {
		from = firstOffset
	}

	end := l.end()
	off := from
	for off < end {
		rec, err := readRecordAt(l.file, l.path, off, end)
		if err == errIncomplete {
			return off, nil
		}
		if err != nil {
			if !metadata.IsCorrupt(err) {
				return off, err
			}
			next, found := findRecordMagic(l.file, off+4, end)
			if !found {
				return off, nil
			}
			if next-off >= maxSkip {
				return off, metadata.NewCorruptError(l.path,
					"follow: checksum mismatch at offset 0x%x, need to skip more than 1KB", off)
			}
			l.addWarning("follow: skipped block at offset [0x%x <=> 0x%x] len=%d", off, next, next-off)
			off = next
			continue
		}

		visit(off, rec.typ, rec.payload)
		off += rec.total
	}
	return off, nil
}

// Wait blocks until the log file changes, poll elapses or ctx is done.
// Read-only logs are watched for writes; writable logs just sleep.
func (l *Log) Wait(ctx context.Context, poll time.Duration) error {
	timer := time.NewTimer(poll)
	defer timer.Stop()

	if l.watcher == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	// Directory events about other files do not end the wait
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-l.watcher.Events:
			if !ok || filepath.Clean(ev.Name) == filepath.Clean(l.path) {
				return nil
			}
		case err := <-l.watcher.Errors:
			if err != nil {
				l.addWarning("file watcher: %v", err)
			}
			return nil
		}
	}
}
