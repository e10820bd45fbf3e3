package metadata

import (
	"context"
	"time"
)

// RecordType tags each persisted record.
type RecordType uint8

const (
	// UpdateRecord carries a full serialized entity
	UpdateRecord RecordType = 0x01

	// DeleteRecord carries the 8-byte id of a removed entity
	DeleteRecord RecordType = 0x02

	// CompactionMark separates compacted content from later appends
	CompactionMark RecordType = 0x03
)

func (t RecordType) String() string {
	switch t {
	case UpdateRecord:
		return "UPDATE"
	case DeleteRecord:
		return "DELETE"
	case CompactionMark:
		return "COMPACTION_MARK"
	default:
		return "UNKNOWN"
	}
}

// OpenMode controls how a backend is opened.
type OpenMode int

const (
	// OpenReadOnly opens an existing backend for reading (slaves)
	OpenReadOnly OpenMode = 1 << iota

	// OpenCreate creates the backend if it does not exist
	OpenCreate

	// OpenAppend continues an existing backend for writing
	OpenAppend

	// OpenTruncate discards every record of an existing backend
	OpenTruncate
)

// Writable reports whether the mode allows appends.
func (m OpenMode) Writable() bool {
	return m&OpenReadOnly == 0
}

// VisitFunc is called for every record during a scan or a follow.
// Returning false stops a scan; Follow ignores the result.
type VisitFunc func(offset uint64, typ RecordType, payload []byte) bool

// Backend is the persistence contract the namespace engine is written
// against. Records are addressed by offsets that grow monotonically with
// every append; a reader never observes data past the offset it was given.
//
// Implementations must support a single writer concurrent with any number
// of readers.
type Backend interface {
	// Write appends an UPDATE record and returns its offset.
	Write(payload []byte) (uint64, error)

	// Delete appends a DELETE record for id and returns its offset.
	Delete(id ID) (uint64, error)

	// Append stores a raw record of any type. Used when copying records
	// between backends.
	Append(typ RecordType, payload []byte) (uint64, error)

	// Read returns the record stored at offset.
	Read(offset uint64) (RecordType, []byte, error)

	// Scan visits records from offset on and returns the offset at which
	// it stopped: the end of the backend or the record the visitor refused.
	Scan(visit VisitFunc, from uint64, autoRepair bool) (uint64, error)

	// Follow visits every complete record from offset on and returns the
	// offset of the first record not yet fully written.
	Follow(visit VisitFunc, from uint64) (uint64, error)

	// Wait blocks until new data may be available, the poll interval
	// elapses or ctx is done.
	Wait(ctx context.Context, poll time.Duration) error

	// FirstOffset is the offset of the first record.
	FirstOffset() uint64

	// NextOffset is the offset the next append will receive.
	NextOffset() uint64

	// Compacted reports whether the backend went through compaction.
	Compacted() bool

	// MarkCompacted appends a COMPACTION_MARK record and sets the
	// compacted flag.
	MarkCompacted() error

	// Warnings returns the messages recorded by auto-repair.
	Warnings() []string

	// Path is the filesystem location of the backend.
	Path() string

	// Close releases the backend.
	Close() error
}

// Relocator is implemented by backends that can be renamed while open.
type Relocator interface {
	Relocate(newPath string) error
}

// ReplaceDetector is implemented by read-only backends that can tell when
// the writer put another backend at their path, as compaction does.
type ReplaceDetector interface {
	Replaced() bool
}

// Opener opens (or creates) a backend at path.
type Opener func(path string, mode OpenMode) (Backend, error)
