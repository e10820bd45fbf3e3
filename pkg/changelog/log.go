// Package changelog implements the append-only binary record log that
// persists namespace entities.
//
// A log file starts with an 8-byte header (magic and a flags word holding
// the format version, a content flag and user flags such as COMPACTED)
// followed by variable-length, checksummed records addressed by their byte
// offset. A single writer appends while any number of readers use
// positional reads; a reader never reads past the offset bound it was
// given.
package changelog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/metadata"
)

const (
	fileMagic   uint32 = 0x45434847
	version     uint32 = 1
	headerSize         = 8
	firstOffset uint64 = headerSize
)

// Content flags distinguish the logs of the two namespace services.
const (
	ContainerLog uint16 = 0x0001
	FileLog      uint16 = 0x0002
)

// User flags stored in the header.
const (
	// FlagCompacted is set once the log went through compaction
	FlagCompacted uint8 = 0x01
)

// Log is an open record log.
//
// Thread safety: appends are serialized by an internal mutex and, with
// WithSyncWrites, synced before they return; reads and scans may run
// concurrently with appends.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string

	readOnly    bool
	syncWrites  bool
	contentFlag uint16
	userFlags   uint8
	next        atomic.Uint64

	watcher *fsnotify.Watcher

	warnMu   sync.Mutex
	warnings []string

	closed bool
}

// Option configures a Log at Open.
type Option func(*Log)

// WithSyncWrites makes every append durable before StoreRecord returns.
func WithSyncWrites() Option {
	return func(l *Log) { l.syncWrites = true }
}

// Open opens the log at path.
//
// Parameters:
//   - path: log file location
//   - mode: combination of metadata.OpenReadOnly, OpenCreate, OpenAppend, OpenTruncate
//   - contentFlag: expected content flag; 0 accepts any existing log
//
// A new file gets a fresh header. An existing file must carry a valid
// header, a supported version and, unless contentFlag is 0, the same
// content flag.
func Open(path string, mode metadata.OpenMode, contentFlag uint16, opts ...Option) (*Log, error) {
	readOnly := !mode.Writable()

	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	} else if mode&metadata.OpenCreate != 0 {
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, metadata.NewIOError(path, "unable to open changelog", err)
	}

	l := &Log{file: file, path: path, readOnly: readOnly, contentFlag: contentFlag}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.init(mode); err != nil {
		_ = file.Close()
		return nil, err
	}

	if readOnly {
		l.watch()
	}

	logger.Debug("Changelog opened: path=%s read_only=%v content=0x%x next=0x%x",
		path, readOnly, l.contentFlag, l.next.Load())
	return l, nil
}

// init writes or validates the header and positions the append offset.
func (l *Log) init(mode metadata.OpenMode) error {
	info, err := l.file.Stat()
	if err != nil {
		return metadata.NewIOError(l.path, "unable to stat changelog", err)
	}

	if info.Size() == 0 {
		if l.readOnly {
			return metadata.NewCorruptError(l.path, "changelog is empty")
		}
		var hdr [headerSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], fileMagic)
		binary.LittleEndian.PutUint32(hdr[4:8], encodeFlags(version, l.contentFlag, 0))
		if _, err := l.file.WriteAt(hdr[:], 0); err != nil {
			return metadata.NewIOError(l.path, "unable to write changelog header", err)
		}
		l.next.Store(firstOffset)
		return nil
	}

	if info.Size() < headerSize {
		return metadata.NewCorruptError(l.path, "changelog header truncated")
	}

	var hdr [headerSize]byte
	if _, err := l.file.ReadAt(hdr[:], 0); err != nil {
		return metadata.NewIOError(l.path, "unable to read changelog header", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != fileMagic {
		return metadata.NewCorruptError(l.path, "bad changelog magic")
	}

	ver, content, user := decodeFlags(binary.LittleEndian.Uint32(hdr[4:8]))
	if ver == 0 || ver > version {
		return metadata.NewCorruptError(l.path, "unsupported changelog version %d", ver)
	}
	if l.contentFlag != 0 && l.contentFlag != content {
		return metadata.NewError(metadata.ErrInvalidArgument,
			"changelog %s has content flag 0x%x, requested 0x%x", l.path, content, l.contentFlag)
	}
	l.contentFlag = content
	l.userFlags = user

	if mode&metadata.OpenTruncate != 0 && !l.readOnly {
		if err := l.file.Truncate(int64(firstOffset)); err != nil {
			return metadata.NewIOError(l.path, "unable to truncate changelog", err)
		}
		l.next.Store(firstOffset)
		return nil
	}

	l.next.Store(uint64(info.Size()))
	return nil
}

func encodeFlags(ver uint32, content uint16, user uint8) uint32 {
	return ver&0xff | uint32(content)<<8 | uint32(user)<<24
}

func decodeFlags(flags uint32) (uint32, uint16, uint8) {
	return flags & 0xff, uint16(flags >> 8), uint8(flags >> 24)
}

// watch sets up change notifications for Wait on the file and on its
// directory, so that a writer renaming another log onto the path wakes the
// reader too. Failure falls back to plain polling.
func (l *Log) watch() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("Changelog %s: file watcher unavailable, polling: %v", l.path, err)
		return
	}
	for _, p := range []string{l.path, filepath.Dir(l.path)} {
		if err := w.Add(p); err != nil {
			logger.Debug("Changelog %s: unable to watch %s, polling: %v", l.path, p, err)
			_ = w.Close()
			return
		}
	}
	l.watcher = w
}

// Replaced reports whether the file now at the log path is not the one
// held open. A missing path is not a replacement: the writer may be
// between the two renames of a relocation.
func (l *Log) Replaced() bool {
	cur, err := os.Stat(l.Path())
	if err != nil {
		return false
	}
	held, err := l.file.Stat()
	if err != nil {
		return false
	}
	return !os.SameFile(held, cur)
}

// StoreRecord appends a record and returns its offset.
func (l *Log) StoreRecord(typ metadata.RecordType, payload []byte) (uint64, error) {
	if l.readOnly {
		return 0, metadata.NewError(metadata.ErrReadOnly, "changelog %s is read-only", l.path)
	}

	buf, err := encodeRecord(typ, payload, uint64(time.Now().UnixNano()))
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, metadata.NewError(metadata.ErrIOError, "changelog %s is closed", l.path)
	}

	off := l.next.Load()
	if _, err := l.file.WriteAt(buf, int64(off)); err != nil {
		return 0, metadata.NewIOError(l.path, "unable to append record", err)
	}
	l.next.Store(off + uint64(len(buf)))

	if l.syncWrites {
		if err := l.file.Sync(); err != nil {
			return 0, metadata.NewIOError(l.path, "unable to sync appended record", err)
		}
	}
	return off, nil
}

// ReadRecord returns the type and payload of the record at offset.
func (l *Log) ReadRecord(offset uint64) (metadata.RecordType, []byte, error) {
	if offset < firstOffset {
		return 0, nil, metadata.NewError(metadata.ErrInvalidArgument, "offset 0x%x precedes the first record", offset)
	}

	rec, err := readRecordAt(l.file, l.path, offset, l.end())
	if err == errIncomplete {
		return 0, nil, metadata.NewError(metadata.ErrInvalidArgument,
			"no complete record at offset 0x%x in %s", offset, l.path)
	}
	if err != nil {
		return 0, nil, err
	}
	return rec.typ, rec.payload, nil
}

// end is the first offset readers may not touch. Writable logs know it
// exactly; read-only logs follow the file size.
func (l *Log) end() uint64 {
	if !l.readOnly {
		return l.next.Load()
	}
	info, err := l.file.Stat()
	if err != nil {
		return firstOffset
	}
	return uint64(info.Size())
}

// FirstOffset returns the offset of the first record.
func (l *Log) FirstOffset() uint64 {
	return firstOffset
}

// NextOffset returns the offset the next append will receive. For
// read-only logs this is the current file size.
func (l *Log) NextOffset() uint64 {
	return l.end()
}

// ContentFlag returns the content flag stored in the header.
func (l *Log) ContentFlag() uint16 {
	return l.contentFlag
}

// UserFlags returns the user flags stored in the header.
func (l *Log) UserFlags() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.userFlags
}

// SetUserFlags rewrites the user flags in the header.
func (l *Log) SetUserFlags(flags uint8) error {
	if l.readOnly {
		return metadata.NewError(metadata.ErrReadOnly, "changelog %s is read-only", l.path)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], encodeFlags(version, l.contentFlag, flags))
	if _, err := l.file.WriteAt(word[:], 4); err != nil {
		return metadata.NewIOError(l.path, "unable to update changelog flags", err)
	}
	l.userFlags = flags
	return nil
}

// IsCompacted reports whether the COMPACTED flag is set. Read-only logs
// re-read the header since the writer may have changed it.
func (l *Log) IsCompacted() bool {
	if l.readOnly {
		var word [4]byte
		if _, err := l.file.ReadAt(word[:], 4); err == nil {
			_, _, user := decodeFlags(binary.LittleEndian.Uint32(word[:]))
			return user&FlagCompacted != 0
		}
	}
	return l.UserFlags()&FlagCompacted != 0
}

// AddCompactionMark appends a COMPACTION_MARK record and sets the
// COMPACTED flag.
func (l *Log) AddCompactionMark() error {
	if _, err := l.StoreRecord(metadata.CompactionMark, metadata.EncodeID(0)); err != nil {
		return err
	}
	return l.SetUserFlags(l.UserFlags() | FlagCompacted)
}

// Sync flushes appended records to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return metadata.NewIOError(l.path, "unable to sync changelog", err)
	}
	return nil
}

// Path returns the current location of the log file.
func (l *Log) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Relocate renames the log file while it stays open.
func (l *Log) Relocate(newPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Rename(l.path, newPath); err != nil {
		return metadata.NewIOError(l.path, fmt.Sprintf("unable to rename changelog to %s", newPath), err)
	}
	l.path = newPath
	return nil
}

// Warnings returns the messages recorded while scanning.
func (l *Log) Warnings() []string {
	l.warnMu.Lock()
	defer l.warnMu.Unlock()
	return append([]string(nil), l.warnings...)
}

// ClearWarnings drops the recorded messages.
func (l *Log) ClearWarnings() {
	l.warnMu.Lock()
	defer l.warnMu.Unlock()
	l.warnings = nil
}

func (l *Log) addWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Warn("Changelog %s: %s", l.Path(), msg)

	l.warnMu.Lock()
	defer l.warnMu.Unlock()
	l.warnings = append(l.warnings, msg)
}

// Close syncs (when writable) and closes the log. Safe to call twice.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.watcher != nil {
		_ = l.watcher.Close()
	}

	if !l.readOnly {
		if err := l.file.Sync(); err != nil {
			_ = l.file.Close()
			return metadata.NewIOError(l.path, "unable to sync changelog", err)
		}
	}
	if err := l.file.Close(); err != nil {
		return metadata.NewIOError(l.path, "unable to close changelog", err)
	}
	return nil
}
