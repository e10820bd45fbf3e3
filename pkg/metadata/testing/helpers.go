package testing

import (
	"fmt"
	"testing"

	"github.com/marmos91/dittomd/pkg/metadata"
	"github.com/stretchr/testify/require"
)

// Record is a visited record captured by Collect.
type Record struct {
	Offset  uint64
	Type    metadata.RecordType
	Payload []byte
}

// Collect returns a VisitFunc that appends every record to out.
func Collect(out *[]Record) metadata.VisitFunc {
	return func(offset uint64, typ metadata.RecordType, payload []byte) bool {
		*out = append(*out, Record{Offset: offset, Type: typ, Payload: append([]byte(nil), payload...)})
		return true
	}
}

// TestContainer returns a populated container suitable for persistence tests.
func TestContainer(id, parent metadata.ID, name string) *metadata.ContainerNode {
	c := metadata.NewContainerNode(id, parent, name)
	c.UID = 1000
	c.GID = 1000
	c.Mode = 0o755
	c.CTime = metadata.Timespec{Sec: 1700000000 + int64(id)}
	c.MTime = c.CTime
	return c
}

// TestFile returns a populated file suitable for persistence tests.
func TestFile(id, container metadata.ID, name string, size uint64) *metadata.FileNode {
	f := metadata.NewFileNode(id, container, name)
	f.Size = size
	f.UID = 1000
	f.GID = 1000
	f.Locations = []metadata.Location{1, 2}
	f.CTime = metadata.Timespec{Sec: 1700000000 + int64(id)}
	f.MTime = f.CTime
	return f
}

// MustMarshalContainer serializes c or fails the test.
func MustMarshalContainer(t *testing.T, c *metadata.ContainerNode) []byte {
	t.Helper()
	payload, err := metadata.MarshalContainer(c)
	require.NoError(t, err)
	return payload
}

// MustMarshalFile serializes f or fails the test.
func MustMarshalFile(t *testing.T, f *metadata.FileNode) []byte {
	t.Helper()
	payload, err := metadata.MarshalFile(f)
	require.NoError(t, err)
	return payload
}

// AssertErrorCode checks that err is a StoreError with the given code.
func AssertErrorCode(t *testing.T, expected metadata.ErrorCode, err error) {
	t.Helper()
	require.Error(t, err)
	code, ok := metadata.CodeOf(err)
	require.True(t, ok, "expected StoreError, got %T: %v", err, err)
	require.Equal(t, expected, code, "unexpected error code: %v", err)
}

// payloadN returns a deterministic payload of n bytes that never contains a
// record magic.
func payloadN(seed, n int) []byte {
	b := []byte(fmt.Sprintf("record-%06d:", seed))
	for len(b) < n {
		b = append(b, 'a'+byte(len(b)%26))
	}
	return b[:n]
}
