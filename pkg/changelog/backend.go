package changelog

import "github.com/marmos91/dittomd/pkg/metadata"

var (
	_ metadata.Backend         = (*Log)(nil)
	_ metadata.Relocator       = (*Log)(nil)
	_ metadata.ReplaceDetector = (*Log)(nil)
)

// Opener returns a metadata.Opener producing logs with the given content
// flag and options.
func Opener(contentFlag uint16, opts ...Option) metadata.Opener {
	return func(path string, mode metadata.OpenMode) (metadata.Backend, error) {
		return Open(path, mode, contentFlag, opts...)
	}
}

// Write appends an UPDATE record.
func (l *Log) Write(payload []byte) (uint64, error) {
	return l.StoreRecord(metadata.UpdateRecord, payload)
}

// Delete appends a DELETE record for id.
func (l *Log) Delete(id metadata.ID) (uint64, error) {
	return l.StoreRecord(metadata.DeleteRecord, metadata.EncodeID(id))
}

// Append stores a raw record.
func (l *Log) Append(typ metadata.RecordType, payload []byte) (uint64, error) {
	return l.StoreRecord(typ, payload)
}

// Read returns the record at offset.
func (l *Log) Read(offset uint64) (metadata.RecordType, []byte, error) {
	return l.ReadRecord(offset)
}

// Scan is ScanAllRecordsAtOffset.
func (l *Log) Scan(visit metadata.VisitFunc, from uint64, autoRepair bool) (uint64, error) {
	return l.ScanAllRecordsAtOffset(visit, from, autoRepair)
}

// Compacted reports whether the COMPACTED flag is set.
func (l *Log) Compacted() bool {
	return l.IsCompacted()
}

// MarkCompacted is AddCompactionMark.
func (l *Log) MarkCompacted() error {
	return l.AddCompactionMark()
}
