package namespace

import (
	"path/filepath"
	"testing"

	"github.com/marmos91/dittomd/pkg/metadata"
	metatesting "github.com/marmos91/dittomd/pkg/metadata/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlaveToMaster(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	master := openNamespace(t, opts)

	a, err := master.Containers().CreateContainer(metadata.RootID, "a", ContainerAttr{})
	require.NoError(t, err)

	slave := openNamespace(t, slaveOptions(opts))

	f, err := master.Files().CreateFile(a.ID, "f", FileAttr{Size: 3})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := slave.Files().FindFile(a.ID, "f")
		return err == nil
	}, followTimeout, followTick)

	// Written after the last poll the test waited for: picked up by the
	// final catch-up
	b, err := master.Containers().CreateContainer(metadata.RootID, "b", ContainerAttr{})
	require.NoError(t, err)
	require.NoError(t, master.Close())

	newContainers := filepath.Join(dir, "promoted-containers.log")
	newFiles := filepath.Join(dir, "promoted-files.log")
	require.NoError(t, slave.SlaveToMaster(t.Context(), newContainers, newFiles))

	assert.False(t, slave.IsSlave())
	assert.Equal(t, newContainers, slave.Containers().Path())
	assert.Equal(t, newFiles, slave.Files().Path())
	assert.NoFileExists(t, opts.Containers.ChangelogPath)
	assert.NoFileExists(t, opts.Files.ChangelogPath)

	_, err = slave.Containers().Lookup("/b")
	require.NoError(t, err)

	c, err := slave.Containers().CreateContainer(metadata.RootID, "c", ContainerAttr{})
	require.NoError(t, err)
	assert.Greater(t, c.ID, b.ID)
	g, err := slave.Files().CreateFile(c.ID, "g", FileAttr{Size: 4})
	require.NoError(t, err)
	assert.Greater(t, g.ID, f.ID)
	require.NoError(t, slave.Close())

	// The promoted logs boot as a regular master
	promoted := openNamespace(t, Options{
		Containers: Config{ChangelogPath: newContainers},
		Files:      Config{ChangelogPath: newFiles},
	})
	assert.Equal(t, 4, promoted.Containers().NumContainers())
	assert.Equal(t, 2, promoted.Files().NumFiles())
	root, err := promoted.Containers().GetContainer(metadata.RootID)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), root.TreeSize)
}

func TestSlaveToMasterValidation(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	master := openNamespace(t, opts)

	err := master.SlaveToMaster(t.Context(), filepath.Join(dir, "x"), filepath.Join(dir, "y"))
	metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, err)

	slave := openNamespace(t, slaveOptions(opts))

	err = slave.SlaveToMaster(t.Context(), "", filepath.Join(dir, "y"))
	metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, err)
	err = slave.SlaveToMaster(t.Context(), opts.Containers.ChangelogPath, filepath.Join(dir, "y"))
	metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, err)

	// Nothing changed
	assert.True(t, slave.IsSlave())
	assert.FileExists(t, opts.Containers.ChangelogPath)
}

func TestPromoteContainersOnly(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	master := openNamespace(t, opts)
	require.NoError(t, master.Close())

	slave := openNamespace(t, slaveOptions(opts))
	require.NoError(t, slave.Containers().SlaveToMaster(t.Context(), filepath.Join(dir, "c2.log")))

	assert.False(t, slave.Containers().IsSlave())
	assert.True(t, slave.Files().IsSlave())
	assert.True(t, slave.IsSlave())

	c, err := slave.Containers().CreateContainer(metadata.RootID, "new", ContainerAttr{})
	require.NoError(t, err)
	_, err = slave.Files().CreateFile(c.ID, "f", FileAttr{})
	metatesting.AssertErrorCode(t, metadata.ErrReadOnly, err)

	require.NoError(t, slave.Files().SlaveToMaster(t.Context(), filepath.Join(dir, "f2.log")))
	assert.False(t, slave.IsSlave())
	_, err = slave.Files().CreateFile(c.ID, "f", FileAttr{})
	require.NoError(t, err)
}

func TestSlaveToMasterAppliesDeferredDeletes(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	master := openNamespace(t, opts)

	c, err := master.Containers().CreateContainer(metadata.RootID, "c", ContainerAttr{})
	require.NoError(t, err)
	f, err := master.Files().CreateFile(c.ID, "f", FileAttr{Size: 9})
	require.NoError(t, err)

	slave := openNamespace(t, slaveOptions(opts))
	require.Eventually(t, func() bool {
		_, err := slave.Files().FindFile(c.ID, "f")
		return err == nil
	}, followTimeout, followTick)

	// Both deletes reach the slave only through the final catch-up, where
	// the container is drained before its file
	slave.transitionMu.Lock()
	slave.containers.stopFollower()
	slave.files.stopFollower()
	slave.transitionMu.Unlock()

	require.NoError(t, master.Files().RemoveFile(f.ID))
	require.NoError(t, master.Containers().RemoveContainer(c.ID))
	require.NoError(t, master.Close())

	require.NoError(t, slave.SlaveToMaster(t.Context(),
		filepath.Join(dir, "promoted-containers.log"), filepath.Join(dir, "promoted-files.log")))

	_, err = slave.Files().GetFile(f.ID)
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)
	_, err = slave.Containers().GetContainer(c.ID)
	metatesting.AssertErrorCode(t, metadata.ErrNotFound, err)
	assert.Equal(t, 1, slave.Containers().NumContainers())

	root, err := slave.Containers().GetContainer(metadata.RootID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), root.TreeSize)
}

func TestSlaveToMasterFailureKeepsFollowing(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	master := openNamespace(t, opts)
	slave := openNamespace(t, slaveOptions(opts))

	newContainers := filepath.Join(dir, "promoted-containers.log")
	err := slave.SlaveToMaster(t.Context(), newContainers, filepath.Join(dir, "missing", "files.log"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "files still a slave")

	assert.False(t, slave.Containers().IsSlave())
	assert.Equal(t, newContainers, slave.Containers().Path())
	assert.True(t, slave.Files().IsSlave())
	assert.Equal(t, opts.Files.ChangelogPath, slave.Files().Path())

	// The file service still tails the master
	f, err := master.Files().CreateFile(metadata.RootID, "late", FileAttr{Size: 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := slave.Files().FindFile(metadata.RootID, "late")
		return err == nil && got.ID == f.ID
	}, followTimeout, followTick)
}
