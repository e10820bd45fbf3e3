// Package badgerlog implements metadata.Backend on top of BadgerDB.
//
// Records are stored under monotonically increasing sequence keys, which
// play the role of log offsets: the namespace engine scans, follows and
// compacts a Badger store exactly like a changelog file.
//
// Key layout:
//
//	r:<seq u64 big endian>  -> type (1 byte) + payload
//	m:flags                 -> user flags (1 byte)
package badgerlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/metadata"
)

const (
	firstSeq uint64 = 1

	// FlagCompacted mirrors the changelog header flag
	FlagCompacted uint8 = 0x01
)

var (
	recordPrefix = []byte("r:")
	flagsKey     = []byte("m:flags")
)

var (
	_ metadata.Backend   = (*Store)(nil)
	_ metadata.Relocator = (*Store)(nil)
)

// Config configures a Store.
type Config struct {
	// Path is the BadgerDB directory
	Path string

	// BlockCacheSizeMB is the block cache size (default: 64MB)
	BlockCacheSizeMB int64

	// IndexCacheSizeMB is the index cache size (default: 32MB)
	IndexCacheSizeMB int64

	// SyncWrites makes every append durable before returning
	SyncWrites bool

	// BadgerOptions overrides every option above when set
	BadgerOptions *badger.Options
}

// Store is a BadgerDB-backed record store.
//
// Thread Safety: appends are serialized by mu; reads use Badger
// transactions and may run concurrently.
type Store struct {
	mu       sync.Mutex
	db       *badger.DB
	opts     badger.Options
	path     string
	readOnly bool
	next     atomic.Uint64
	flags    atomic.Uint32
}

// Opener returns a metadata.Opener creating stores with default cache
// sizes.
func Opener(syncWrites bool) metadata.Opener {
	return func(path string, mode metadata.OpenMode) (metadata.Backend, error) {
		return Open(Config{Path: path, SyncWrites: syncWrites}, mode)
	}
}

// Open opens the store described by config.
func Open(config Config, mode metadata.OpenMode) (*Store, error) {
	readOnly := !mode.Writable()

	if _, err := os.Stat(config.Path); err != nil {
		if !os.IsNotExist(err) || readOnly || mode&metadata.OpenCreate == 0 {
			return nil, metadata.NewIOError(config.Path, "unable to open badger record store", err)
		}
	}

	var opts badger.Options
	if config.BadgerOptions != nil {
		opts = *config.BadgerOptions
	} else {
		opts = badger.DefaultOptions(config.Path)
		opts = opts.WithLoggingLevel(badger.WARNING)
		opts = opts.WithCompression(options.None)

		blockCacheMB := config.BlockCacheSizeMB
		if blockCacheMB == 0 {
			blockCacheMB = 64
		}
		indexCacheMB := config.IndexCacheSizeMB
		if indexCacheMB == 0 {
			indexCacheMB = 32
		}
		opts = opts.WithBlockCacheSize(blockCacheMB << 20)
		opts = opts.WithIndexCacheSize(indexCacheMB << 20)
		opts = opts.WithSyncWrites(config.SyncWrites)
	}
	opts = opts.WithReadOnly(readOnly)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, metadata.NewIOError(config.Path, "unable to open badger record store", err)
	}

	s := &Store{db: db, opts: opts, path: config.Path, readOnly: readOnly}

	if mode&metadata.OpenTruncate != 0 && !readOnly {
		if err := db.DropAll(); err != nil {
			_ = db.Close()
			return nil, metadata.NewIOError(config.Path, "unable to truncate badger record store", err)
		}
	}

	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("Badger record store opened: path=%s read_only=%v next=%d", config.Path, readOnly, s.next.Load())
	return s, nil
}

// load positions the append sequence after the last record and reads the
// user flags.
func (s *Store) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = recordPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		s.next.Store(firstSeq)
		// Seek past the largest possible key of the prefix
		it.Seek(recordKey(^uint64(0)))
		if it.Valid() {
			s.next.Store(seqOf(it.Item().Key()) + 1)
		}

		item, err := txn.Get(flagsKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return metadata.NewIOError(s.path, "unable to read store flags", err)
		}
		return item.Value(func(val []byte) error {
			if len(val) > 0 {
				s.flags.Store(uint32(val[0]))
			}
			return nil
		})
	})
}

func recordKey(seq uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], seq)
	return key
}

func seqOf(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(recordPrefix):])
}

// Append stores a raw record under the next sequence number.
func (s *Store) Append(typ metadata.RecordType, payload []byte) (uint64, error) {
	if s.readOnly {
		return 0, metadata.NewError(metadata.ErrReadOnly, "record store %s is read-only", s.path)
	}

	val := make([]byte, 1+len(payload))
	val[0] = byte(typ)
	copy(val[1:], payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.next.Load()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(seq), val)
	})
	if err != nil {
		return 0, metadata.NewIOError(s.path, "unable to append record", err)
	}
	s.next.Store(seq + 1)
	return seq, nil
}

// Write appends an UPDATE record.
func (s *Store) Write(payload []byte) (uint64, error) {
	return s.Append(metadata.UpdateRecord, payload)
}

// Delete appends a DELETE record for id.
func (s *Store) Delete(id metadata.ID) (uint64, error) {
	return s.Append(metadata.DeleteRecord, metadata.EncodeID(id))
}

// Read returns the record stored under offset.
func (s *Store) Read(offset uint64) (metadata.RecordType, []byte, error) {
	var (
		typ     metadata.RecordType
		payload []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(offset))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		typ, payload, err = decodeValue(s.path, offset, val)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil, metadata.NewError(metadata.ErrInvalidArgument, "no record at offset %d in %s", offset, s.path)
	}
	if err != nil {
		if _, ok := metadata.CodeOf(err); ok {
			return 0, nil, err
		}
		return 0, nil, metadata.NewIOError(s.path, fmt.Sprintf("unable to read record %d", offset), err)
	}
	return typ, payload, nil
}

func decodeValue(path string, seq uint64, val []byte) (metadata.RecordType, []byte, error) {
	if len(val) == 0 {
		return 0, nil, metadata.NewCorruptError(path, "empty record %d", seq)
	}
	typ := metadata.RecordType(val[0])
	switch typ {
	case metadata.UpdateRecord, metadata.DeleteRecord, metadata.CompactionMark:
	default:
		return 0, nil, metadata.NewCorruptError(path, "unknown record type 0x%x at %d", val[0], seq)
	}
	return typ, val[1:], nil
}

// Scan visits records in sequence order from offset on. Records with an
// unknown type abort the scan unless autoRepair is set, in which case they
// are skipped.
func (s *Store) Scan(visit metadata.VisitFunc, from uint64, autoRepair bool) (uint64, error) {
	return s.iterate(visit, from, autoRepair, true)
}

// Follow visits every record from offset on.
func (s *Store) Follow(visit metadata.VisitFunc, from uint64) (uint64, error) {
	return s.iterate(visit, from, true, false)
}

func (s *Store) iterate(visit metadata.VisitFunc, from uint64, autoRepair, stoppable bool) (uint64, error) {
	if from < firstSeq {
		from = firstSeq
	}
	next := from

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(recordKey(from)); it.Valid(); it.Next() {
			item := it.Item()
			seq := seqOf(item.Key())

			val, err := item.ValueCopy(nil)
			if err != nil {
				return metadata.NewIOError(s.path, fmt.Sprintf("unable to read record %d", seq), err)
			}
			typ, payload, err := decodeValue(s.path, seq, val)
			if err != nil {
				if !autoRepair {
					return err
				}
				logger.Warn("Badger record store %s: skipping record %d: %v", s.path, seq, err)
				next = seq + 1
				continue
			}

			if !visit(seq, typ, payload) && stoppable {
				next = seq
				return nil
			}
			next = seq + 1
		}
		return nil
	})
	return next, err
}

// Wait sleeps for poll or until ctx is done.
func (s *Store) Wait(ctx context.Context, poll time.Duration) error {
	timer := time.NewTimer(poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FirstOffset returns the first sequence number.
func (s *Store) FirstOffset() uint64 {
	return firstSeq
}

// NextOffset returns the sequence number of the next append.
func (s *Store) NextOffset() uint64 {
	return s.next.Load()
}

// Compacted reports whether the compacted flag is set.
func (s *Store) Compacted() bool {
	return uint8(s.flags.Load())&FlagCompacted != 0
}

// MarkCompacted appends a COMPACTION_MARK and sets the compacted flag.
func (s *Store) MarkCompacted() error {
	if _, err := s.Append(metadata.CompactionMark, metadata.EncodeID(0)); err != nil {
		return err
	}

	flags := uint8(s.flags.Load()) | FlagCompacted
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(flagsKey, []byte{flags})
	})
	if err != nil {
		return metadata.NewIOError(s.path, "unable to update store flags", err)
	}
	s.flags.Store(uint32(flags))
	return nil
}

// Warnings always returns nil: the store has no partial-record repair.
func (s *Store) Warnings() []string {
	return nil
}

// Path returns the BadgerDB directory.
func (s *Store) Path() string {
	return s.path
}

// Relocate moves the database directory to newPath. Badger keeps opening
// files by directory name, so the database is closed, renamed and reopened.
func (s *Store) Relocate(newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return metadata.NewError(metadata.ErrInvalidArgument, "record store %s is closed", s.path)
	}
	if err := s.db.Close(); err != nil {
		return metadata.NewIOError(s.path, "unable to close badger record store", err)
	}
	s.db = nil

	dir := s.path
	if err := os.Rename(s.path, newPath); err != nil {
		// Reopen in place so the store stays usable
		if reopenErr := s.reopen(dir); reopenErr != nil {
			return reopenErr
		}
		return metadata.NewIOError(dir, "unable to relocate badger record store", err)
	}

	if err := s.reopen(newPath); err != nil {
		return err
	}
	logger.Debug("Badger record store relocated: %s -> %s", dir, newPath)
	return nil
}

func (s *Store) reopen(path string) error {
	opts := s.opts.WithDir(path).WithValueDir(path)
	db, err := badger.Open(opts)
	if err != nil {
		return metadata.NewIOError(path, "unable to reopen badger record store", err)
	}
	s.db = db
	s.opts = opts
	s.path = path
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return metadata.NewIOError(s.path, "unable to close badger record store", err)
	}
	return nil
}
