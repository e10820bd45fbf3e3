package namespace

import (
	"fmt"
	"time"

	"github.com/marmos91/dittomd/pkg/changelog"
	"github.com/marmos91/dittomd/pkg/metadata"
	"github.com/marmos91/dittomd/pkg/store/badgerlog"
	"github.com/mitchellh/mapstructure"
)

const (
	// DefaultPollIntervalUS is the follower poll interval when none is set
	DefaultPollIntervalUS = 1000

	// BackendChangelog stores records in a changelog file
	BackendChangelog = "changelog"

	// BackendBadger stores records in a BadgerDB directory
	BackendBadger = "badger"
)

// Config configures one service (containers or files) of a namespace.
type Config struct {
	// ChangelogPath is the location of the record backend (required)
	ChangelogPath string `mapstructure:"changelog_path"`

	// SlaveMode opens the backend read-only and follows a master
	SlaveMode bool `mapstructure:"slave_mode"`

	// PollIntervalUS is the follower wait between polls, in microseconds
	PollIntervalUS int `mapstructure:"poll_interval_us"`

	// AutoRepair skips small damaged blocks at boot instead of failing
	AutoRepair bool `mapstructure:"auto_repair"`

	// Backend selects the record backend: "changelog" (default) or "badger"
	Backend string `mapstructure:"backend"`

	// SyncWrites makes every append durable before the write returns
	SyncWrites bool `mapstructure:"sync_writes"`
}

// DecodeConfig builds a Config from a configuration section.
func DecodeConfig(section map[string]any) (Config, error) {
	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return cfg, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(section); err != nil {
		return cfg, metadata.NewError(metadata.ErrInvalidArgument, "invalid namespace configuration: %v", err)
	}

	cfg.normalize()
	return cfg, cfg.validate()
}

func (c *Config) normalize() {
	if c.PollIntervalUS < 1 {
		c.PollIntervalUS = DefaultPollIntervalUS
	}
	if c.Backend == "" {
		c.Backend = BackendChangelog
	}
}

func (c *Config) validate() error {
	if c.ChangelogPath == "" {
		return metadata.NewError(metadata.ErrInvalidArgument, "changelog_path not specified")
	}
	switch c.Backend {
	case BackendChangelog, BackendBadger:
	default:
		return metadata.NewError(metadata.ErrInvalidArgument, "unknown backend %q", c.Backend)
	}
	return nil
}

// PollInterval returns the follower poll interval.
func (c Config) PollInterval() time.Duration {
	if c.PollIntervalUS < 1 {
		return DefaultPollIntervalUS * time.Microsecond
	}
	return time.Duration(c.PollIntervalUS) * time.Microsecond
}

// openerFor returns the opener of the configured backend.
func (c Config) openerFor(contentFlag uint16) metadata.Opener {
	if c.Backend == BackendBadger {
		return badgerlog.Opener(c.SyncWrites)
	}
	if c.SyncWrites {
		return changelog.Opener(contentFlag, changelog.WithSyncWrites())
	}
	return changelog.Opener(contentFlag)
}
