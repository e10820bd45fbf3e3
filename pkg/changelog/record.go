package changelog

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/marmos91/dittomd/pkg/metadata"
)

// Record layout:
//
//	magic    u16  0x4552
//	size     u16  payload length padded to 4 bytes
//	checksum u32  over seq, opts and the padded payload
//	seq      u64  append timestamp (unix nanoseconds)
//	opts     u32  byte 0: record type, byte 1: pad count
//	payload  size bytes
//	checksum u32  copy of the header checksum
const (
	recordMagic      uint16 = 0x4552
	recordHeaderSize        = 20
	recordOverhead          = recordHeaderSize + 4

	// MaxPayloadSize is the largest payload a single record can hold
	MaxPayloadSize = math.MaxUint16 - 3
)

// errIncomplete marks a record that extends past the readable end of the
// log. It is not corruption: the writer may still be appending it.
var errIncomplete = errors.New("incomplete record")

// record is a decoded log entry.
type record struct {
	typ     metadata.RecordType
	payload []byte
	// total is the on-disk length including header and trailer
	total uint64
}

func paddedSize(n int) int {
	return (n + 3) &^ 3
}

func checksum(body []byte) uint32 {
	return uint32(xxhash.Sum64(body))
}

// encodeRecord builds the on-disk representation of a record.
func encodeRecord(typ metadata.RecordType, payload []byte, seq uint64) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, metadata.NewError(metadata.ErrInvalidArgument,
			"record payload too large: %d bytes (max %d)", len(payload), MaxPayloadSize)
	}

	size := paddedSize(len(payload))
	pad := size - len(payload)
	buf := make([]byte, recordOverhead+size)

	binary.LittleEndian.PutUint16(buf[0:2], recordMagic)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(size))
	binary.LittleEndian.PutUint64(buf[8:16], seq)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(typ)|uint32(pad)<<8)
	copy(buf[recordHeaderSize:], payload)

	sum := checksum(buf[8 : recordHeaderSize+size])
	binary.LittleEndian.PutUint32(buf[4:8], sum)
	binary.LittleEndian.PutUint32(buf[recordHeaderSize+size:], sum)
	return buf, nil
}

func validType(t metadata.RecordType) bool {
	return t == metadata.UpdateRecord || t == metadata.DeleteRecord || t == metadata.CompactionMark
}

// readRecordAt decodes the record at off. end is the first offset that may
// not be read. A record crossing end yields errIncomplete; any structural or
// checksum problem yields a CorruptRecord StoreError.
func readRecordAt(r io.ReaderAt, path string, off, end uint64) (record, error) {
	if off+recordHeaderSize > end {
		return record{}, errIncomplete
	}

	var hdr [recordHeaderSize]byte
	if _, err := r.ReadAt(hdr[:], int64(off)); err != nil {
		if errors.Is(err, io.EOF) {
			return record{}, errIncomplete
		}
		return record{}, metadata.NewIOError(path, "read record header", err)
	}

	if binary.LittleEndian.Uint16(hdr[0:2]) != recordMagic {
		return record{}, metadata.NewCorruptError(path, "bad record magic at offset 0x%x", off)
	}

	size := uint64(binary.LittleEndian.Uint16(hdr[2:4]))
	if off+recordOverhead+size > end {
		return record{}, errIncomplete
	}

	buf := make([]byte, recordOverhead+size)
	if _, err := r.ReadAt(buf, int64(off)); err != nil {
		if errors.Is(err, io.EOF) {
			return record{}, errIncomplete
		}
		return record{}, metadata.NewIOError(path, "read record", err)
	}

	head := binary.LittleEndian.Uint32(buf[4:8])
	tail := binary.LittleEndian.Uint32(buf[recordHeaderSize+size:])
	if head != tail || checksum(buf[8:recordHeaderSize+size]) != head {
		return record{}, metadata.NewCorruptError(path, "checksum mismatch at offset 0x%x", off)
	}

	opts := binary.LittleEndian.Uint32(buf[16:20])
	typ := metadata.RecordType(opts & 0xff)
	pad := uint64(opts>>8) & 0xff
	if !validType(typ) || pad > 3 || pad > size {
		return record{}, metadata.NewCorruptError(path, "bad record options 0x%x at offset 0x%x", opts, off)
	}

	return record{
		typ:     typ,
		payload: buf[recordHeaderSize : recordHeaderSize+size-pad],
		total:   recordOverhead + size,
	}, nil
}

// findRecordMagic searches [from, end) on 4-byte alignment for the next
// record magic.
func findRecordMagic(r io.ReaderAt, from, end uint64) (uint64, bool) {
	from = (from + 3) &^ 3
	chunk := make([]byte, 64*1024)

	for pos := from; pos+2 <= end; {
		n := uint64(len(chunk))
		if pos+n > end {
			n = end - pos
		}
		read, err := r.ReadAt(chunk[:n], int64(pos))
		if read < 2 {
			return 0, false
		}
		for i := 0; i+2 <= read; i += 4 {
			if binary.LittleEndian.Uint16(chunk[i:i+2]) == recordMagic {
				return pos + uint64(i), true
			}
		}
		if (err != nil && !errors.Is(err, io.EOF)) || read < 4 {
			return 0, false
		}
		pos += uint64(read) &^ 3
	}
	return 0, false
}
