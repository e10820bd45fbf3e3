package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/dittomd/pkg/namespace"
)

var validate = validator.New()

// Validate checks struct tags first, then the rules that need decoded
// namespace sections. Log level case is normalized earlier by ApplyDefaults.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	containers, err := namespace.DecodeConfig(cfg.Namespace.Containers)
	if err != nil {
		return fmt.Errorf("namespace.containers: %w", err)
	}
	files, err := namespace.DecodeConfig(cfg.Namespace.Files)
	if err != nil {
		return fmt.Errorf("namespace.files: %w", err)
	}

	if filepath.Clean(containers.ChangelogPath) == filepath.Clean(files.ChangelogPath) {
		return fmt.Errorf("namespace: containers and files must use different changelog paths (%s)", containers.ChangelogPath)
	}

	// Slaves never compact
	if cfg.Compaction.Enabled && containers.SlaveMode && files.SlaveMode {
		return fmt.Errorf("compaction: cannot be enabled when both services run in slave mode")
	}

	switch cfg.Backup.Type {
	case "s3":
		if s, _ := cfg.Backup.S3["bucket"].(string); s == "" {
			return fmt.Errorf("backup.s3: bucket is required")
		}
		if s, _ := cfg.Backup.S3["region"].(string); s == "" {
			return fmt.Errorf("backup.s3: region is required")
		}
	case "filesystem":
		if s, _ := cfg.Backup.Filesystem["path"].(string); s == "" {
			return fmt.Errorf("backup.filesystem: path is required")
		}
	}

	return nil
}

// formatValidationError reports every failing field, one per line.
func formatValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s: invalid value %v (%s)", fe.Namespace(), fe.Value(), rule))
	}
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
}
