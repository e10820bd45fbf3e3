package namespace

import (
	"testing"
	"time"

	"github.com/marmos91/dittomd/pkg/metadata"
	metatesting "github.com/marmos91/dittomd/pkg/metadata/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := DecodeConfig(map[string]any{"changelog_path": "/var/lib/dittomd/containers.log"})
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/dittomd/containers.log", cfg.ChangelogPath)
		assert.Equal(t, BackendChangelog, cfg.Backend)
		assert.Equal(t, DefaultPollIntervalUS, cfg.PollIntervalUS)
		assert.Equal(t, time.Millisecond, cfg.PollInterval())
		assert.False(t, cfg.SlaveMode)
	})

	t.Run("WeakTyping", func(t *testing.T) {
		cfg, err := DecodeConfig(map[string]any{
			"changelog_path":   "/data/files",
			"slave_mode":       "true",
			"poll_interval_us": "250",
			"backend":          "badger",
			"sync_writes":      "1",
		})
		require.NoError(t, err)
		assert.True(t, cfg.SlaveMode)
		assert.True(t, cfg.SyncWrites)
		assert.Equal(t, 250*time.Microsecond, cfg.PollInterval())
		assert.Equal(t, BackendBadger, cfg.Backend)
	})

	t.Run("UnknownKey", func(t *testing.T) {
		_, err := DecodeConfig(map[string]any{"changelog_path": "/x", "changelog": "/y"})
		metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, err)
	})

	t.Run("MissingPath", func(t *testing.T) {
		_, err := DecodeConfig(map[string]any{"slave_mode": true})
		metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, err)
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		_, err := DecodeConfig(map[string]any{"changelog_path": "/x", "backend": "sqlite"})
		metatesting.AssertErrorCode(t, metadata.ErrInvalidArgument, err)
	})
}

func TestBadgerBackedNamespace(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.Containers.Backend = BackendBadger
	opts.Files.Backend = BackendBadger

	ns, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, ns.Initialize(t.Context()))

	c, err := ns.Containers().CreateContainer(metadata.RootID, "home", ContainerAttr{})
	require.NoError(t, err)
	_, err = ns.Files().CreateFile(c.ID, "f", FileAttr{Size: 9})
	require.NoError(t, err)

	stats, err := NewCompactor(ns, CompactorConfig{}, nil).RunNow(t.Context())
	require.NoError(t, err)
	require.Len(t, stats.Services, 2)
	require.NoError(t, ns.Close())

	// Badger stores are relocated back onto their configured directories
	assert.Equal(t, opts.Containers.ChangelogPath, ns.Containers().Path())
	assert.NoDirExists(t, stats.Services[0].Retired)

	ns = openNamespace(t, opts)
	got, err := ns.Files().FindFile(c.ID, "f")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.Size)
}
