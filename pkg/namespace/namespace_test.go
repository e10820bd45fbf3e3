package namespace

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/marmos91/dittomd/pkg/changelog"
	"github.com/marmos91/dittomd/pkg/metadata"
	metatesting "github.com/marmos91/dittomd/pkg/metadata/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Helpers
// ============================================================================

func testOptions(dir string) Options {
	return Options{
		Containers: Config{ChangelogPath: filepath.Join(dir, "containers.log")},
		Files:      Config{ChangelogPath: filepath.Join(dir, "files.log")},
	}
}

func openNamespace(t *testing.T, opts Options) *Namespace {
	t.Helper()
	ns, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, ns.Initialize(context.Background()))
	t.Cleanup(func() { _ = ns.Close() })
	return ns
}

// writeRaw appends serialized nodes straight into a log, bypassing the
// namespace, to build damaged trees.
func writeRaw(t *testing.T, path string, contentFlag uint16, payloads ...[]byte) {
	t.Helper()
	l, err := changelog.Open(path, metadata.OpenCreate|metadata.OpenAppend, contentFlag)
	require.NoError(t, err)
	for _, p := range payloads {
		_, err := l.Write(p)
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())
}

func rawContainers(t *testing.T, nodes ...*metadata.ContainerNode) [][]byte {
	out := make([][]byte, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, metatesting.MustMarshalContainer(t, n))
	}
	return out
}

func rawFiles(t *testing.T, files ...*metadata.FileNode) [][]byte {
	out := make([][]byte, 0, len(files))
	for _, f := range files {
		out = append(out, metatesting.MustMarshalFile(t, f))
	}
	return out
}

type recordedEvent struct {
	id     metadata.ID
	action metadata.Action
	loc    metadata.Location
	delta  int64
}

type recorder struct {
	mu         sync.Mutex
	containers []recordedEvent
	files      []recordedEvent
}

func (r *recorder) ContainerChanged(node *metadata.ContainerNode, action metadata.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers = append(r.containers, recordedEvent{id: node.ID, action: action})
}

func (r *recorder) FileChanged(ev metadata.FileEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, recordedEvent{id: ev.File.ID, action: ev.Action, loc: ev.Location, delta: ev.SizeDelta})
}

func (r *recorder) fileActions(id metadata.ID) []metadata.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []metadata.Action
	for _, ev := range r.files {
		if ev.id == id {
			out = append(out, ev.action)
		}
	}
	return out
}

func (r *recorder) count(events []recordedEvent, action metadata.Action) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range events {
		if ev.action == action {
			n++
		}
	}
	return n
}

// ============================================================================
// Tests
// ============================================================================

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Options{})
	metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, err)

	dir := t.TempDir()
	opts := testOptions(dir)
	opts.Files.ChangelogPath = opts.Containers.ChangelogPath
	_, err = New(opts)
	metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, err)

	opts = testOptions(dir)
	opts.Files.Backend = "rocksdb"
	_, err = New(opts)
	metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, err)
}

func TestEmptyMasterCreatesRoot(t *testing.T) {
	ns := openNamespace(t, testOptions(t.TempDir()))

	root, err := ns.Containers().GetContainer(metadata.RootID)
	require.NoError(t, err)
	assert.True(t, root.IsRoot())
	assert.Equal(t, metadata.RootID, root.ParentID)
	assert.Equal(t, 1, ns.Containers().NumContainers())
	assert.Equal(t, 0, ns.Files().NumFiles())
	assert.False(t, ns.IsSlave())

	err = ns.Initialize(context.Background())
	metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, err)
}

func TestContainerLifecycle(t *testing.T) {
	ns := openNamespace(t, testOptions(t.TempDir()))
	cs := ns.Containers()

	home, err := cs.CreateContainer(metadata.RootID, "home", ContainerAttr{UID: 1000, Mode: 0o755})
	require.NoError(t, err)
	assert.Equal(t, metadata.ID(2), home.ID)

	alice, err := cs.CreateContainer(home.ID, "alice", ContainerAttr{})
	require.NoError(t, err)

	_, err = cs.CreateContainer(home.ID, "alice", ContainerAttr{})
	metatesting.AssertErrorCode(t, metadata.ErrAlreadyExists, err)
	_, err = cs.CreateContainer(999, "x", ContainerAttr{})
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)
	_, err = cs.CreateContainer(home.ID, "a/b", ContainerAttr{})
	metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, err)

	found, err := cs.FindContainer(home.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, found.ID)

	path, err := cs.GetPath(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "/home/alice", path)

	looked, err := cs.Lookup("/home/alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, looked.ID)

	// Rename
	update := alice.Clone()
	update.Name = "bob"
	require.NoError(t, cs.UpdateContainer(update))
	_, err = cs.FindContainer(home.ID, "alice")
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)
	_, err = cs.Lookup("/home/bob")
	require.NoError(t, err)

	// Non-empty containers cannot be removed
	err = cs.RemoveContainer(home.ID)
	metatesting.AssertErrorCode(t, metadata.ErrNotEmpty, err)
	err = cs.RemoveContainer(metadata.RootID)
	metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, err)

	require.NoError(t, cs.RemoveContainer(alice.ID))
	require.NoError(t, cs.RemoveContainer(home.ID))
	_, err = cs.GetContainer(home.ID)
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)

	list, err := cs.ListContainers(metadata.RootID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMoveIntoOwnSubtreeRejected(t *testing.T) {
	ns := openNamespace(t, testOptions(t.TempDir()))
	cs := ns.Containers()

	a, err := cs.CreateContainer(metadata.RootID, "a", ContainerAttr{})
	require.NoError(t, err)
	b, err := cs.CreateContainer(a.ID, "b", ContainerAttr{})
	require.NoError(t, err)

	update := a.Clone()
	update.ParentID = b.ID
	metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, cs.UpdateContainer(update))

	root, err := cs.GetContainer(metadata.RootID)
	require.NoError(t, err)
	root.Name = "renamed"
	metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, cs.UpdateContainer(root))
}

func TestListingsAreSortedCopies(t *testing.T) {
	ns := openNamespace(t, testOptions(t.TempDir()))

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := ns.Containers().CreateContainer(metadata.RootID, name, ContainerAttr{})
		require.NoError(t, err)
		_, err = ns.Files().CreateFile(metadata.RootID, name+".txt", FileAttr{Size: 1})
		require.NoError(t, err)
	}

	containers, err := ns.Containers().ListContainers(metadata.RootID)
	require.NoError(t, err)
	require.Len(t, containers, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"},
		[]string{containers[0].Name, containers[1].Name, containers[2].Name})

	files, err := ns.Files().ListFiles(metadata.RootID)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "alpha.txt", files[0].Name)

	// Mutating a copy leaves the index untouched
	files[0].Size = 999
	again, err := ns.Files().GetFile(files[0].ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), again.Size)
}

func TestFileLifecycleEvents(t *testing.T) {
	rec := &recorder{}
	ns, err := New(testOptions(t.TempDir()))
	require.NoError(t, err)
	ns.AddFileListener(rec)
	ns.AddContainerListener(rec)
	require.NoError(t, ns.Initialize(context.Background()))
	defer func() { _ = ns.Close() }()

	fs := ns.Files()
	f, err := fs.CreateFile(metadata.RootID, "data.bin", FileAttr{
		Size:      100,
		Locations: []metadata.Location{1, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []metadata.Action{metadata.Created, metadata.SizeChanged, metadata.LocationAdded, metadata.LocationAdded},
		rec.fileActions(f.ID))

	_, err = fs.CreateFile(metadata.RootID, "data.bin", FileAttr{})
	metatesting.AssertErrorCode(t, metadata.ErrAlreadyExists, err)

	// Grow the file and unlink a replica
	update := f.Clone()
	update.Size = 150
	update.UnlinkLocation(2)
	require.NoError(t, fs.UpdateFile(update))

	rec.mu.Lock()
	tail := rec.files[len(rec.files)-3:]
	rec.mu.Unlock()
	assert.Equal(t, metadata.Updated, tail[0].action)
	assert.Equal(t, recordedEvent{id: f.ID, action: metadata.SizeChanged, delta: 50}, tail[1])
	assert.Equal(t, recordedEvent{id: f.ID, action: metadata.LocationUnlinked, loc: 2}, tail[2])

	// Drop the unlinked replica
	update = update.Clone()
	update.RemoveLocation(2)
	require.NoError(t, fs.UpdateFile(update))
	actions := rec.fileActions(f.ID)
	assert.Equal(t, metadata.LocationRemoved, actions[len(actions)-1])

	root, err := ns.Containers().GetContainer(metadata.RootID)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), root.TreeSize)

	require.NoError(t, fs.RemoveFile(f.ID))
	actions = rec.fileActions(f.ID)
	assert.Equal(t, metadata.Deleted, actions[len(actions)-1])
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, fs.RemoveFile(f.ID))

	root, err = ns.Containers().GetContainer(metadata.RootID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), root.TreeSize)
}

func TestFileMoveAndDetach(t *testing.T) {
	ns := openNamespace(t, testOptions(t.TempDir()))

	dst, err := ns.Containers().CreateContainer(metadata.RootID, "dst", ContainerAttr{})
	require.NoError(t, err)
	f, err := ns.Files().CreateFile(metadata.RootID, "a", FileAttr{Size: 10})
	require.NoError(t, err)
	other, err := ns.Files().CreateFile(dst.ID, "a", FileAttr{Size: 1})
	require.NoError(t, err)

	moved := f.Clone()
	moved.ContainerID = dst.ID
	metatesting.AssertErrorCode(t, metadata.ErrAlreadyExists, ns.Files().UpdateFile(moved))

	require.NoError(t, ns.Files().RemoveFile(other.ID))
	require.NoError(t, ns.Files().UpdateFile(moved))

	got, err := ns.Files().FindFile(dst.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)
	_, err = ns.Files().FindFile(metadata.RootID, "a")
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)

	c, err := ns.Containers().GetContainer(dst.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), c.TreeSize)

	detached := moved.Clone()
	detached.ContainerID = 0
	require.NoError(t, ns.Files().UpdateFile(detached))

	c, err = ns.Containers().GetContainer(dst.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, c.NumFiles())
	assert.Equal(t, uint64(0), c.TreeSize)

	still, err := ns.Files().GetFile(f.ID)
	require.NoError(t, err)
	assert.Equal(t, metadata.ID(0), still.ContainerID)
}

func TestTMTimePropagatesUpward(t *testing.T) {
	ns := openNamespace(t, testOptions(t.TempDir()))

	a, err := ns.Containers().CreateContainer(metadata.RootID, "a", ContainerAttr{})
	require.NoError(t, err)
	b, err := ns.Containers().CreateContainer(a.ID, "b", ContainerAttr{})
	require.NoError(t, err)

	f, err := ns.Files().CreateFile(b.ID, "f", FileAttr{})
	require.NoError(t, err)

	future := metadata.Timespec{Sec: f.MTime.Sec + 3600}
	update := f.Clone()
	update.MTime = future
	require.NoError(t, ns.Files().UpdateFile(update))

	for _, id := range []metadata.ID{b.ID, a.ID, metadata.RootID} {
		c, err := ns.Containers().GetContainer(id)
		require.NoError(t, err)
		assert.Equal(t, future, c.TMTime, "container %d", id)
	}

	// Older timestamps never lower tmtime
	update = update.Clone()
	update.MTime = metadata.Timespec{Sec: 1}
	require.NoError(t, ns.Files().UpdateFile(update))
	c, err := ns.Containers().GetContainer(a.ID)
	require.NoError(t, err)
	assert.Equal(t, future, c.TMTime)
}

func TestUpdateFromStaleCopyKeepsTMTime(t *testing.T) {
	ns := openNamespace(t, testOptions(t.TempDir()))

	c, err := ns.Containers().CreateContainer(metadata.RootID, "c", ContainerAttr{})
	require.NoError(t, err)
	stale := c.Clone()

	f, err := ns.Files().CreateFile(c.ID, "f", FileAttr{})
	require.NoError(t, err)
	future := metadata.Timespec{Sec: f.MTime.Sec + 3600}
	update := f.Clone()
	update.MTime = future
	require.NoError(t, ns.Files().UpdateFile(update))

	stale.Mode = 0o700
	require.NoError(t, ns.Containers().UpdateContainer(stale))

	got, err := ns.Containers().GetContainer(c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o700), got.Mode)
	assert.Equal(t, future, got.TMTime)
}

func TestStateSurvivesReboot(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	ns, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, ns.Initialize(context.Background()))

	const k, m = 40, 15
	ids := make([]metadata.ID, 0, k)
	for i := 0; i < k; i++ {
		c, err := ns.Containers().CreateContainer(metadata.RootID, "c"+string(rune('A'+i%26))+string(rune('a'+i/26)), ContainerAttr{})
		require.NoError(t, err)
		ids = append(ids, c.ID)
		_, err = ns.Files().CreateFile(c.ID, "f", FileAttr{Size: uint64(i)})
		require.NoError(t, err)
	}
	for i := 0; i < m; i++ {
		f, err := ns.Files().FindFile(ids[i], "f")
		require.NoError(t, err)
		require.NoError(t, ns.Files().RemoveFile(f.ID))
		require.NoError(t, ns.Containers().RemoveContainer(ids[i]))
	}
	require.NoError(t, ns.Close())

	ns = openNamespace(t, opts)
	assert.Equal(t, 1+k-m, ns.Containers().NumContainers())
	assert.Equal(t, k-m, ns.Files().NumFiles())
	assert.Empty(t, ns.Warnings())

	// Ids are never reused after a reboot
	c, err := ns.Containers().CreateContainer(metadata.RootID, "fresh", ContainerAttr{})
	require.NoError(t, err)
	assert.Greater(t, c.ID, ids[len(ids)-1])

	var total uint64
	for i := m; i < k; i++ {
		total += uint64(i)
	}
	root, err := ns.Containers().GetContainer(metadata.RootID)
	require.NoError(t, err)
	assert.Equal(t, total, root.TreeSize)
}

func TestWritesRejectedAfterMakeReadOnly(t *testing.T) {
	ns := openNamespace(t, testOptions(t.TempDir()))
	_, err := ns.Containers().CreateContainer(metadata.RootID, "a", ContainerAttr{})
	require.NoError(t, err)

	require.NoError(t, ns.MakeReadOnly())

	_, err = ns.Containers().CreateContainer(metadata.RootID, "b", ContainerAttr{})
	metatesting.AssertErrorCode(t, metadata.ErrReadOnly, err)
	_, err = ns.Files().CreateFile(metadata.RootID, "f", FileAttr{})
	metatesting.AssertErrorCode(t, metadata.ErrReadOnly, err)

	_, err = ns.Containers().Lookup("/a")
	assert.NoError(t, err)
}
