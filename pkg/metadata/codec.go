package metadata

import (
	"encoding/binary"
	"math"
	"sort"
)

// MaxNameLen is the longest name (in bytes) that can be encoded.
const MaxNameLen = math.MaxUint16

// encoder appends little-endian fields to a buffer.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) time(t Timespec) {
	e.u64(uint64(t.Sec))
	e.u64(uint64(t.Nsec))
}

func (e *encoder) str(field, s string) {
	if len(s) > math.MaxUint16 {
		if e.err == nil {
			e.err = NewError(ErrInvalidArgument, "%s too long (%d bytes)", field, len(s))
		}
		return
	}
	e.u16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// xattrs writes the count followed by (keyLen, key, valueLen, value) in key
// order so that equal maps always encode to equal bytes.
func (e *encoder) xattrs(m map[string]string) {
	if len(m) > math.MaxUint16 {
		if e.err == nil {
			e.err = NewError(ErrInvalidArgument, "too many extended attributes (%d)", len(m))
		}
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.u16(uint16(len(keys)))
	for _, k := range keys {
		e.str("xattr key", k)
		e.str("xattr value", m[k])
	}
}

func (e *encoder) locations(locs []Location) {
	if len(locs) > math.MaxUint16 {
		if e.err == nil {
			e.err = NewError(ErrInvalidArgument, "too many locations (%d)", len(locs))
		}
		return
	}
	e.u16(uint16(len(locs)))
	for _, l := range locs {
		e.u32(uint32(l))
	}
}

// decoder consumes little-endian fields; the first short read sets err.
type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.buf) {
		d.err = NewCorruptError("", "truncated entity: need %d bytes at %d, have %d", n, d.pos, len(d.buf))
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) time() Timespec {
	return Timespec{Sec: int64(d.u64()), Nsec: int64(d.u64())}
}

func (d *decoder) str() string {
	n := int(d.u16())
	return string(d.take(n))
}

func (d *decoder) xattrs() map[string]string {
	n := int(d.u16())
	m := make(map[string]string, n)
	for i := 0; i < n && d.err == nil; i++ {
		k := d.str()
		m[k] = d.str()
	}
	return m
}

func (d *decoder) locations() []Location {
	n := int(d.u16())
	if n == 0 {
		return nil
	}
	locs := make([]Location, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		locs = append(locs, Location(d.u32()))
	}
	return locs
}

// PeekID returns the id stored in the first 8 bytes of an entity payload or
// a DELETE record.
func PeekID(payload []byte) (ID, error) {
	if len(payload) < 8 {
		return 0, NewCorruptError("", "record too short to hold an id (%d bytes)", len(payload))
	}
	return ID(binary.LittleEndian.Uint64(payload)), nil
}

// EncodeID encodes the payload of a DELETE record.
func EncodeID(id ID) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(id))
}

// MarshalContainer serializes c in the stable container field order.
func MarshalContainer(c *ContainerNode) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 128+len(c.Name))}
	e.u64(uint64(c.ID))
	e.u64(uint64(c.ParentID))
	e.u16(c.Flags)
	e.time(c.CTime)
	e.time(c.MTime)
	e.time(c.TMTime)
	e.u64(c.TreeSize)
	e.u32(c.UID)
	e.u32(c.GID)
	e.u32(c.Mode)
	e.str("name", c.Name)
	e.xattrs(c.XAttrs)
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// UnmarshalContainer decodes a container payload. Trailing bytes are ignored.
func UnmarshalContainer(payload []byte) (*ContainerNode, error) {
	d := &decoder{buf: payload}
	c := &ContainerNode{}
	c.ID = ID(d.u64())
	c.ParentID = ID(d.u64())
	c.Flags = d.u16()
	c.CTime = d.time()
	c.MTime = d.time()
	c.TMTime = d.time()
	c.TreeSize = d.u64()
	c.UID = d.u32()
	c.GID = d.u32()
	c.Mode = d.u32()
	c.Name = d.str()
	c.XAttrs = d.xattrs()
	if d.err != nil {
		return nil, d.err
	}
	return c, nil
}

// MarshalFile serializes f in the stable file field order.
func MarshalFile(f *FileNode) ([]byte, error) {
	if len(f.Checksum) > math.MaxUint8 {
		return nil, NewError(ErrInvalidArgument, "checksum too long (%d bytes)", len(f.Checksum))
	}

	e := &encoder{buf: make([]byte, 0, 128+len(f.Name))}
	e.u64(uint64(f.ID))
	e.u64(uint64(f.ContainerID))
	e.time(f.CTime)
	e.time(f.MTime)
	e.u64(f.Size)
	e.u32(f.LayoutID)
	e.u16(f.Flags)
	e.u32(f.UID)
	e.u32(f.GID)
	e.str("name", f.Name)
	e.locations(f.Locations)
	e.locations(f.UnlinkedLocations)
	e.u8(uint8(len(f.Checksum)))
	e.buf = append(e.buf, f.Checksum...)
	e.xattrs(f.XAttrs)
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// UnmarshalFile decodes a file payload. Trailing bytes are ignored.
func UnmarshalFile(payload []byte) (*FileNode, error) {
	d := &decoder{buf: payload}
	f := &FileNode{}
	f.ID = ID(d.u64())
	f.ContainerID = ID(d.u64())
	f.CTime = d.time()
	f.MTime = d.time()
	f.Size = d.u64()
	f.LayoutID = d.u32()
	f.Flags = d.u16()
	f.UID = d.u32()
	f.GID = d.u32()
	f.Name = d.str()
	f.Locations = d.locations()
	f.UnlinkedLocations = d.locations()
	if n := int(d.u8()); n > 0 {
		f.Checksum = append([]byte(nil), d.take(n)...)
	}
	f.XAttrs = d.xattrs()
	if d.err != nil {
		return nil, d.err
	}
	return f, nil
}
