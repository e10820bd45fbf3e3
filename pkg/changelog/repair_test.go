package changelog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/dittomd/pkg/metadata"
	metatesting "github.com/marmos91/dittomd/pkg/metadata/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecords(t *testing.T, n int) (string, []uint64) {
	t.Helper()
	l, path := newLog(t)
	var offs []uint64
	for i := 0; i < n; i++ {
		off, err := l.StoreRecord(metadata.UpdateRecord, payload(24, byte('a'+i)))
		require.NoError(t, err)
		offs = append(offs, off)
	}
	require.NoError(t, l.AddCompactionMark())
	require.NoError(t, l.Close())
	return path, offs
}

func scanPayloads(t *testing.T, path string) []metatesting.Record {
	t.Helper()
	l, err := Open(path, metadata.OpenReadOnly, 0)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	var got []metatesting.Record
	_, err = l.ScanAllRecords(metatesting.Collect(&got), false)
	require.NoError(t, err)
	return got
}

func TestRepair(t *testing.T) {
	t.Run("HealthyLog", func(t *testing.T) {
		src, _ := writeRecords(t, 4)
		dst := filepath.Join(t.TempDir(), "repaired")

		var stats RepairStats
		var calls int
		require.NoError(t, Repair(src, dst, &stats, func(RepairStats) { calls++ }))

		assert.Equal(t, uint64(5), stats.Scanned)
		assert.Equal(t, uint64(5), stats.Healthy)
		assert.Zero(t, stats.NotFixed)
		assert.Zero(t, stats.BytesDiscarded)
		assert.Equal(t, stats.BytesTotal-firstOffset, stats.BytesAccepted)
		assert.Equal(t, 5, calls)

		got := scanPayloads(t, dst)
		assert.Len(t, got, 5)

		// User flags are carried over
		l, err := Open(dst, metadata.OpenReadOnly, 0)
		require.NoError(t, err)
		assert.True(t, l.IsCompacted())
		require.NoError(t, l.Close())
	})

	t.Run("DropsDamagedRecord", func(t *testing.T) {
		src, offs := writeRecords(t, 4)
		corrupt(t, src, offs[1]+recordHeaderSize+1)

		// Also damage the trailing checksum copy so the record cannot be fixed
		f, err := os.OpenFile(src, os.O_RDWR, 0)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte{1, 2, 3, 4}, int64(offs[1]+recordHeaderSize+24))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		dst := filepath.Join(t.TempDir(), "repaired")
		var stats RepairStats
		require.NoError(t, Repair(src, dst, &stats, nil))

		assert.Equal(t, uint64(1), stats.NotFixed)
		assert.Equal(t, uint64(4), stats.Healthy)
		assert.Equal(t, offs[2]-offs[1], stats.BytesDiscarded)

		got := scanPayloads(t, dst)
		require.Len(t, got, 4)
		assert.Equal(t, payload(24, 'a'), got[0].Payload)
		assert.Equal(t, payload(24, 'c'), got[1].Payload)
	})

	t.Run("FixesSingleChecksumCopy", func(t *testing.T) {
		src, offs := writeRecords(t, 2)

		f, err := os.OpenFile(src, os.O_RDWR, 0)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte{9, 9, 9, 9}, int64(offs[0]+recordHeaderSize+24))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		dst := filepath.Join(t.TempDir(), "repaired")
		var stats RepairStats
		require.NoError(t, Repair(src, dst, &stats, nil))
		assert.Equal(t, uint64(1), stats.FixedWrongChecksum)
		assert.Len(t, scanPayloads(t, dst), 3)
	})

	t.Run("FixesDamagedMagic", func(t *testing.T) {
		src, offs := writeRecords(t, 2)

		f, err := os.OpenFile(src, os.O_RDWR, 0)
		require.NoError(t, err)
		var bad [2]byte
		binary.LittleEndian.PutUint16(bad[:], 0x1234)
		_, err = f.WriteAt(bad[:], int64(offs[1]))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		dst := filepath.Join(t.TempDir(), "repaired")
		var stats RepairStats
		require.NoError(t, Repair(src, dst, &stats, nil))
		assert.Equal(t, uint64(1), stats.FixedWrongMagic)
		got := scanPayloads(t, dst)
		require.Len(t, got, 3)
		assert.Equal(t, payload(24, 'b'), got[1].Payload)
	})

	t.Run("BrokenHeader", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "broken")
		require.NoError(t, os.WriteFile(src, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8}, 0o644))
		err := Repair(src, filepath.Join(t.TempDir(), "dst"), nil, nil)
		metatesting.AssertErrorCode(t, metadata.ErrCorruptRecord, err)
	})
}
