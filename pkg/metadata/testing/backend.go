package testing

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/dittomd/pkg/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Append / Read
// ============================================================================

// RunAppendReadTests executes the append and read tests
func (suite *BackendTestSuite) RunAppendReadTests(t *testing.T) {
	t.Run("OffsetsIncrease", suite.testOffsetsIncrease)
	t.Run("ReadReturnsAppended", suite.testReadReturnsAppended)
	t.Run("DeleteRecordCarriesID", suite.testDeleteRecordCarriesID)
	t.Run("EmptyPayload", suite.testEmptyPayload)
}

func (suite *BackendTestSuite) create(t *testing.T) (metadata.Backend, string) {
	t.Helper()
	path := suite.NewPath(t)
	b, err := suite.Open(path, metadata.OpenCreate|metadata.OpenAppend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, path
}

func (suite *BackendTestSuite) testOffsetsIncrease(t *testing.T) {
	b, _ := suite.create(t)

	assert.Equal(t, b.FirstOffset(), b.NextOffset())

	prev := uint64(0)
	for i := 0; i < 20; i++ {
		off, err := b.Write(payloadN(i, 10+i*7))
		require.NoError(t, err)
		require.Greater(t, off, prev)
		require.GreaterOrEqual(t, off, b.FirstOffset())
		prev = off
	}
	assert.Greater(t, b.NextOffset(), prev)
}

func (suite *BackendTestSuite) testReadReturnsAppended(t *testing.T) {
	b, _ := suite.create(t)

	var offsets []uint64
	for i := 0; i < 50; i++ {
		off, err := b.Write(payloadN(i, 1+i*13))
		require.NoError(t, err)
		offsets = append(offsets, off)

		// Earlier records stay readable while later ones are appended
		j := i / 2
		typ, payload, err := b.Read(offsets[j])
		require.NoError(t, err)
		require.Equal(t, metadata.UpdateRecord, typ)
		require.Equal(t, payloadN(j, 1+j*13), payload)
	}

	for i, off := range offsets {
		typ, payload, err := b.Read(off)
		require.NoError(t, err)
		assert.Equal(t, metadata.UpdateRecord, typ)
		assert.Equal(t, payloadN(i, 1+i*13), payload)
	}
}

func (suite *BackendTestSuite) testDeleteRecordCarriesID(t *testing.T) {
	b, _ := suite.create(t)

	off, err := b.Delete(4242)
	require.NoError(t, err)

	typ, payload, err := b.Read(off)
	require.NoError(t, err)
	assert.Equal(t, metadata.DeleteRecord, typ)

	id, err := metadata.PeekID(payload)
	require.NoError(t, err)
	assert.Equal(t, metadata.ID(4242), id)
}

func (suite *BackendTestSuite) testEmptyPayload(t *testing.T) {
	b, _ := suite.create(t)

	off, err := b.Append(metadata.UpdateRecord, nil)
	require.NoError(t, err)

	_, payload, err := b.Read(off)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

// ============================================================================
// Scan
// ============================================================================

// RunScanTests executes the scan tests
func (suite *BackendTestSuite) RunScanTests(t *testing.T) {
	t.Run("VisitsInOrder", suite.testScanVisitsInOrder)
	t.Run("StopsWhenRefused", suite.testScanStopsWhenRefused)
	t.Run("FromOffset", suite.testScanFromOffset)
}

func (suite *BackendTestSuite) testScanVisitsInOrder(t *testing.T) {
	b, _ := suite.create(t)

	var offsets []uint64
	for i := 0; i < 10; i++ {
		off, err := b.Write(payloadN(i, 32))
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	delOff, err := b.Delete(3)
	require.NoError(t, err)

	var got []Record
	next, err := b.Scan(Collect(&got), b.FirstOffset(), false)
	require.NoError(t, err)
	assert.Equal(t, b.NextOffset(), next)

	require.Len(t, got, 11)
	for i := 0; i < 10; i++ {
		assert.Equal(t, offsets[i], got[i].Offset)
		assert.Equal(t, payloadN(i, 32), got[i].Payload)
	}
	assert.Equal(t, delOff, got[10].Offset)
	assert.Equal(t, metadata.DeleteRecord, got[10].Type)
}

func (suite *BackendTestSuite) testScanStopsWhenRefused(t *testing.T) {
	b, _ := suite.create(t)

	_, err := b.Write(payloadN(0, 16))
	require.NoError(t, err)
	require.NoError(t, b.MarkCompacted())
	_, err = b.Write(payloadN(1, 16))
	require.NoError(t, err)

	var seen []metadata.RecordType
	var markOffset uint64
	next, err := b.Scan(func(off uint64, typ metadata.RecordType, _ []byte) bool {
		seen = append(seen, typ)
		if typ == metadata.CompactionMark {
			markOffset = off
			return false
		}
		return true
	}, b.FirstOffset(), false)
	require.NoError(t, err)

	assert.Equal(t, []metadata.RecordType{metadata.UpdateRecord, metadata.CompactionMark}, seen)
	assert.Equal(t, markOffset, next)
}

func (suite *BackendTestSuite) testScanFromOffset(t *testing.T) {
	b, _ := suite.create(t)

	var offsets []uint64
	for i := 0; i < 6; i++ {
		off, err := b.Write(payloadN(i, 8))
		require.NoError(t, err)
		offsets = append(offsets, off)
	}

	var got []Record
	_, err := b.Scan(Collect(&got), offsets[4], false)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, payloadN(4, 8), got[0].Payload)
	assert.Equal(t, payloadN(5, 8), got[1].Payload)
}

// ============================================================================
// Follow
// ============================================================================

// RunFollowTests executes the follow tests
func (suite *BackendTestSuite) RunFollowTests(t *testing.T) {
	t.Run("ReturnsResumeOffset", suite.testFollowReturnsResumeOffset)
	t.Run("ConcurrentReader", suite.testFollowConcurrentReader)
	t.Run("WaitHonorsCancellation", suite.testWaitHonorsCancellation)
}

func (suite *BackendTestSuite) testFollowReturnsResumeOffset(t *testing.T) {
	b, _ := suite.create(t)

	for i := 0; i < 3; i++ {
		_, err := b.Write(payloadN(i, 20))
		require.NoError(t, err)
	}

	var got []Record
	next, err := b.Follow(Collect(&got), b.FirstOffset())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, b.NextOffset(), next)

	// Nothing new: same offset, no visits
	got = nil
	again, err := b.Follow(Collect(&got), next)
	require.NoError(t, err)
	assert.Equal(t, next, again)
	assert.Empty(t, got)

	_, err = b.Write(payloadN(3, 20))
	require.NoError(t, err)
	_, err = b.Follow(Collect(&got), next)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, payloadN(3, 20), got[0].Payload)
}

func (suite *BackendTestSuite) testFollowConcurrentReader(t *testing.T) {
	if !suite.SupportsConcurrentReader {
		t.Skip("backend does not support a reader concurrent with the writer")
	}

	w, path := suite.create(t)
	_, err := w.Write(payloadN(0, 40))
	require.NoError(t, err)

	r, err := suite.Open(path, metadata.OpenReadOnly)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	var got []Record
	next, err := r.Follow(Collect(&got), r.FirstOffset())
	require.NoError(t, err)
	require.Len(t, got, 1)

	for i := 1; i <= 5; i++ {
		_, err := w.Write(payloadN(i, 40))
		require.NoError(t, err)
	}

	got = nil
	_, err = r.Follow(Collect(&got), next)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, rec := range got {
		assert.Equal(t, payloadN(i+1, 40), rec.Payload)
	}
}

func (suite *BackendTestSuite) testWaitHonorsCancellation(t *testing.T) {
	b, _ := suite.create(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := b.Wait(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	// Without cancellation Wait returns after the poll interval
	require.NoError(t, b.Wait(context.Background(), 10*time.Millisecond))
}

// ============================================================================
// Lifecycle
// ============================================================================

// RunLifecycleTests executes open/close/flag tests
func (suite *BackendTestSuite) RunLifecycleTests(t *testing.T) {
	t.Run("ReopenKeepsRecords", suite.testReopenKeepsRecords)
	t.Run("CompactedFlagPersists", suite.testCompactedFlagPersists)
	t.Run("ReadOnlyRejectsWrites", suite.testReadOnlyRejectsWrites)
	t.Run("Truncate", suite.testTruncate)
}

func (suite *BackendTestSuite) testReopenKeepsRecords(t *testing.T) {
	path := suite.NewPath(t)
	b, err := suite.Open(path, metadata.OpenCreate|metadata.OpenAppend)
	require.NoError(t, err)

	off, err := b.Write(payloadN(1, 64))
	require.NoError(t, err)
	next := b.NextOffset()
	require.NoError(t, b.Close())

	b, err = suite.Open(path, metadata.OpenAppend)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.Equal(t, next, b.NextOffset())
	_, payload, err := b.Read(off)
	require.NoError(t, err)
	assert.Equal(t, payloadN(1, 64), payload)

	off2, err := b.Write(payloadN(2, 64))
	require.NoError(t, err)
	assert.Equal(t, next, off2)
}

func (suite *BackendTestSuite) testCompactedFlagPersists(t *testing.T) {
	path := suite.NewPath(t)
	b, err := suite.Open(path, metadata.OpenCreate|metadata.OpenAppend)
	require.NoError(t, err)
	assert.False(t, b.Compacted())
	require.NoError(t, b.MarkCompacted())
	assert.True(t, b.Compacted())
	require.NoError(t, b.Close())

	r, err := suite.Open(path, metadata.OpenReadOnly)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	assert.True(t, r.Compacted())

	var got []Record
	_, err = r.Scan(Collect(&got), r.FirstOffset(), false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, metadata.CompactionMark, got[0].Type)
}

func (suite *BackendTestSuite) testReadOnlyRejectsWrites(t *testing.T) {
	path := suite.NewPath(t)
	b, err := suite.Open(path, metadata.OpenCreate|metadata.OpenAppend)
	require.NoError(t, err)
	_, err = b.Write(payloadN(0, 4))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	r, err := suite.Open(path, metadata.OpenReadOnly)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, err = r.Write(payloadN(1, 4))
	AssertErrorCode(t, metadata.ErrReadOnly, err)
}

func (suite *BackendTestSuite) testTruncate(t *testing.T) {
	path := suite.NewPath(t)
	b, err := suite.Open(path, metadata.OpenCreate|metadata.OpenAppend)
	require.NoError(t, err)
	_, err = b.Write(payloadN(0, 4))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = suite.Open(path, metadata.OpenAppend|metadata.OpenTruncate)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.Equal(t, b.FirstOffset(), b.NextOffset())
	var got []Record
	_, err = b.Scan(Collect(&got), b.FirstOffset(), false)
	require.NoError(t, err)
	assert.Empty(t, got)
}
