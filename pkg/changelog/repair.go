package changelog

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/metadata"
)

// RepairStats summarizes an offline repair run.
type RepairStats struct {
	Scanned            uint64 // Records inspected (healthy or not)
	Healthy            uint64 // Records copied unchanged
	FixedWrongMagic    uint64 // Records accepted despite a damaged magic
	FixedWrongChecksum uint64 // Records accepted with one damaged checksum copy
	NotFixed           uint64 // Damaged regions dropped
	BytesDiscarded     uint64
	BytesAccepted      uint64
	BytesTotal         uint64
	Elapsed            time.Duration
}

// Summary returns a human-readable summary.
func (s *RepairStats) Summary() string {
	return fmt.Sprintf("scanned=%d healthy=%d fixed_magic=%d fixed_checksum=%d not_fixed=%d "+
		"accepted=%dB discarded=%dB total=%dB elapsed=%s",
		s.Scanned, s.Healthy, s.FixedWrongMagic, s.FixedWrongChecksum, s.NotFixed,
		s.BytesAccepted, s.BytesDiscarded, s.BytesTotal, s.Elapsed)
}

// ProgressFunc receives the running statistics after every record.
type ProgressFunc func(stats RepairStats)

// Repair copies every salvageable record of the log at src into a new log
// at dst.
//
// Damaged regions are skipped by re-synchronizing on the next record magic.
// Two kinds of damage are fixed in place: a record whose magic is damaged
// but whose size and checksums are intact, and a record where only one of
// the two checksum copies is damaged. A broken file header aborts the run.
func Repair(src, dst string, stats *RepairStats, progress ProgressFunc) error {
	start := time.Now()
	if stats == nil {
		stats = &RepairStats{}
	}

	in, err := os.Open(src)
	if err != nil {
		return metadata.NewIOError(src, "unable to open source changelog", err)
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return metadata.NewIOError(src, "unable to stat source changelog", err)
	}
	end := uint64(info.Size())
	stats.BytesTotal = end

	var hdr [headerSize]byte
	if _, err := in.ReadAt(hdr[:], 0); err != nil {
		return metadata.NewCorruptError(src, "unable to read changelog header")
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != fileMagic {
		return metadata.NewCorruptError(src, "bad changelog magic")
	}
	ver, content, user := decodeFlags(binary.LittleEndian.Uint32(hdr[4:8]))
	if ver == 0 || ver > version {
		return metadata.NewCorruptError(src, "unsupported changelog version %d", ver)
	}
	logger.Info("Repair: %s version=%d content=0x%x flags=0x%x size=%d", src, ver, content, user, end)

	out, err := Open(dst, metadata.OpenCreate|metadata.OpenTruncate, content)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if user != 0 {
		if err := out.SetUserFlags(user); err != nil {
			return err
		}
	}

	off := firstOffset
	for off < end {
		stats.Scanned++

		rec, fixed, err := reconstructRecord(in, src, off, end)
		if err == nil {
			if _, err := out.StoreRecord(rec.typ, rec.payload); err != nil {
				return err
			}
			switch fixed {
			case fixedMagic:
				stats.FixedWrongMagic++
			case fixedChecksum:
				stats.FixedWrongChecksum++
			default:
				stats.Healthy++
			}
			stats.BytesAccepted += rec.total
			off += rec.total
		} else {
			stats.NotFixed++
			next, found := findRecordMagic(in, off+4, end)
			if !found {
				stats.BytesDiscarded += end - off
				logger.Warn("Repair: discarded tail at 0x%x (%d bytes)", off, end-off)
				break
			}
			stats.BytesDiscarded += next - off
			logger.Warn("Repair: discarded block [0x%x <=> 0x%x] (%d bytes): %v", off, next, next-off, err)
			off = next
		}

		if progress != nil {
			stats.Elapsed = time.Since(start)
			progress(*stats)
		}
	}

	stats.Elapsed = time.Since(start)
	if err := out.Sync(); err != nil {
		return err
	}
	logger.Info("Repair: completed %s -> %s: %s", src, dst, stats.Summary())
	return nil
}

type fixKind int

const (
	fixedNone fixKind = iota
	fixedMagic
	fixedChecksum
)

// reconstructRecord reads the record at off, tolerating a damaged magic or
// one damaged checksum copy.
func reconstructRecord(in *os.File, path string, off, end uint64) (record, fixKind, error) {
	rec, err := readRecordAt(in, path, off, end)
	if err == nil {
		return rec, fixedNone, nil
	}
	if err == errIncomplete {
		return record{}, fixedNone, metadata.NewCorruptError(path, "truncated record at 0x%x", off)
	}
	if !metadata.IsCorrupt(err) {
		return record{}, fixedNone, err
	}

	if off+recordHeaderSize > end {
		return record{}, fixedNone, err
	}
	var hdr [recordHeaderSize]byte
	if _, rerr := in.ReadAt(hdr[:], int64(off)); rerr != nil {
		return record{}, fixedNone, err
	}
	size := uint64(binary.LittleEndian.Uint16(hdr[2:4]))
	if size%4 != 0 || off+recordOverhead+size > end {
		return record{}, fixedNone, err
	}

	buf := make([]byte, recordOverhead+size)
	if _, rerr := in.ReadAt(buf, int64(off)); rerr != nil {
		return record{}, fixedNone, err
	}

	computed := checksum(buf[8 : recordHeaderSize+size])
	head := binary.LittleEndian.Uint32(buf[4:8])
	tail := binary.LittleEndian.Uint32(buf[recordHeaderSize+size:])
	if head != computed && tail != computed {
		return record{}, fixedNone, err
	}

	opts := binary.LittleEndian.Uint32(buf[16:20])
	typ := metadata.RecordType(opts & 0xff)
	pad := uint64(opts>>8) & 0xff
	if !validType(typ) || pad > 3 || pad > size {
		return record{}, fixedNone, err
	}

	kind := fixedChecksum
	if head == computed && tail == computed {
		kind = fixedMagic
	}
	return record{
		typ:     typ,
		payload: buf[recordHeaderSize : recordHeaderSize+size-pad],
		total:   recordOverhead + size,
	}, kind, nil
}
