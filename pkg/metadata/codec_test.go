package metadata

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleContainer() *ContainerNode {
	c := NewContainerNode(42, 7, "projects")
	c.UID = 1000
	c.GID = 100
	c.Mode = 0o755
	c.SetQuotaNode(true)
	c.CTime = Timespec{Sec: 1700000000, Nsec: 12}
	c.MTime = Timespec{Sec: 1700000100, Nsec: 999999999}
	c.TMTime = Timespec{Sec: 1700000200, Nsec: 1}
	c.TreeSize = 1 << 40
	c.XAttrs["user.tag"] = "blue"
	c.XAttrs["sys.acl"] = ""
	return c
}

func sampleFile() *FileNode {
	f := NewFileNode(9, 42, "report.pdf")
	f.Size = 123456789
	f.LayoutID = 0x00100012
	f.Flags = 3
	f.UID = 1000
	f.GID = 100
	f.Locations = []Location{1, 5, 9}
	f.UnlinkedLocations = []Location{2}
	f.Checksum = []byte{0xde, 0xad, 0xbe, 0xef}
	f.CTime = Timespec{Sec: 1, Nsec: 2}
	f.MTime = Timespec{Sec: 3, Nsec: 4}
	f.XAttrs["user.owner"] = "alice"
	return f
}

func TestContainerRoundTrip(t *testing.T) {
	t.Run("Populated", func(t *testing.T) {
		c := sampleContainer()
		payload, err := MarshalContainer(c)
		require.NoError(t, err)

		got, err := UnmarshalContainer(payload)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	})

	t.Run("EmptyXAttrs", func(t *testing.T) {
		c := NewContainerNode(RootID, RootID, "")
		payload, err := MarshalContainer(c)
		require.NoError(t, err)

		got, err := UnmarshalContainer(payload)
		require.NoError(t, err)
		assert.Equal(t, c, got)
		assert.Empty(t, got.XAttrs)
	})

	t.Run("LargeXAttrs", func(t *testing.T) {
		c := NewContainerNode(3, 1, "big")
		for i := 0; i < 2000; i++ {
			c.XAttrs[fmt.Sprintf("user.k%04d", i)] = strings.Repeat("v", i%64)
		}
		c.XAttrs["user.huge"] = strings.Repeat("x", 65535)

		payload, err := MarshalContainer(c)
		require.NoError(t, err)
		got, err := UnmarshalContainer(payload)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	})

	t.Run("EncodingIsStable", func(t *testing.T) {
		a, err := MarshalContainer(sampleContainer())
		require.NoError(t, err)
		b, err := MarshalContainer(sampleContainer())
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("ChildMapsAreNotSerialized", func(t *testing.T) {
		c := sampleContainer()
		c.AddContainer("sub", 50)
		c.AddFile("f", 51)

		payload, err := MarshalContainer(c)
		require.NoError(t, err)
		got, err := UnmarshalContainer(payload)
		require.NoError(t, err)
		assert.Equal(t, 0, got.NumContainers())
		assert.Equal(t, 0, got.NumFiles())
	})
}

func TestFileRoundTrip(t *testing.T) {
	t.Run("Populated", func(t *testing.T) {
		f := sampleFile()
		payload, err := MarshalFile(f)
		require.NoError(t, err)

		got, err := UnmarshalFile(payload)
		require.NoError(t, err)
		assert.Equal(t, f, got)
	})

	t.Run("Minimal", func(t *testing.T) {
		f := NewFileNode(1, 0, "")
		payload, err := MarshalFile(f)
		require.NoError(t, err)

		got, err := UnmarshalFile(payload)
		require.NoError(t, err)
		assert.Equal(t, f, got)
	})

	t.Run("ChecksumTooLong", func(t *testing.T) {
		f := sampleFile()
		f.Checksum = make([]byte, 300)
		_, err := MarshalFile(f)
		code, ok := CodeOf(err)
		require.True(t, ok)
		assert.Equal(t, ErrInvalidArgument, code)
	})
}

func TestUnmarshalTruncated(t *testing.T) {
	payload, err := MarshalFile(sampleFile())
	require.NoError(t, err)

	for _, n := range []int{0, 7, 8, 40, len(payload) - 1} {
		_, err := UnmarshalFile(payload[:n])
		assert.True(t, IsCorrupt(err), "length %d should be corrupt, got %v", n, err)
	}

	cpayload, err := MarshalContainer(sampleContainer())
	require.NoError(t, err)
	_, err = UnmarshalContainer(cpayload[:len(cpayload)-3])
	assert.True(t, IsCorrupt(err))
}

func TestUnmarshalIgnoresPadding(t *testing.T) {
	payload, err := MarshalContainer(sampleContainer())
	require.NoError(t, err)

	got, err := UnmarshalContainer(append(payload, 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, sampleContainer(), got)
}

func TestPeekID(t *testing.T) {
	id, err := PeekID(EncodeID(77))
	require.NoError(t, err)
	assert.Equal(t, ID(77), id)

	payload, err := MarshalFile(sampleFile())
	require.NoError(t, err)
	id, err = PeekID(payload)
	require.NoError(t, err)
	assert.Equal(t, ID(9), id)

	_, err = PeekID([]byte{1, 2})
	assert.True(t, IsCorrupt(err))
}

func TestContainerTreeSizeSaturates(t *testing.T) {
	c := NewContainerNode(2, 1, "a")
	c.AddTreeSize(10)
	c.AddTreeSize(-4)
	assert.Equal(t, uint64(6), c.TreeSize)
	c.AddTreeSize(-100)
	assert.Equal(t, uint64(0), c.TreeSize)
}

func TestContainerTMTimeOnlyNewer(t *testing.T) {
	c := NewContainerNode(2, 1, "a")
	assert.True(t, c.SetTMTime(Timespec{Sec: 10, Nsec: 5}))
	assert.False(t, c.SetTMTime(Timespec{Sec: 10, Nsec: 5}))
	assert.False(t, c.SetTMTime(Timespec{Sec: 9, Nsec: 999}))
	assert.True(t, c.SetTMTime(Timespec{Sec: 10, Nsec: 6}))
	assert.Equal(t, Timespec{Sec: 10, Nsec: 6}, c.TMTime)
}

func TestCopyAttributesKeepsNewerTMTime(t *testing.T) {
	c := NewContainerNode(2, 1, "a")
	c.TMTime = Timespec{Sec: 20}

	stale := NewContainerNode(2, 1, "b")
	stale.Mode = 0o700
	stale.TMTime = Timespec{Sec: 15}
	c.CopyAttributes(stale)
	assert.Equal(t, "b", c.Name)
	assert.Equal(t, uint32(0o700), c.Mode)
	assert.Equal(t, Timespec{Sec: 20}, c.TMTime)

	fresh := stale.Clone()
	fresh.TMTime = Timespec{Sec: 30}
	c.CopyAttributes(fresh)
	assert.Equal(t, Timespec{Sec: 30}, c.TMTime)
}

func TestFileLocations(t *testing.T) {
	f := NewFileNode(1, 1, "f")
	f.AddLocation(3)
	f.AddLocation(3)
	f.AddLocation(4)
	assert.Equal(t, []Location{3, 4}, f.Locations)

	f.UnlinkLocation(3)
	assert.Equal(t, []Location{4}, f.Locations)
	assert.Equal(t, []Location{3}, f.UnlinkedLocations)

	f.RemoveLocation(3)
	assert.Empty(t, f.UnlinkedLocations)
	assert.Equal(t, uint64(0), f.PhysicalSize())
	f.Size = 10
	assert.Equal(t, uint64(10), f.PhysicalSize())
}
