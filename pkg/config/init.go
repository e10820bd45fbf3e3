package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const configHeader = `# dittomd Configuration File
#
# Environment variables override file values using the DITTOMD_ prefix,
# e.g. DITTOMD_LOGGING_LEVEL=DEBUG or DITTOMD_METRICS_PORT=9191.
`

// sectionComments are attached as head comments to the matching keys of
// the generated file.
var sectionComments = map[string]string{
	"logging":                       "Logging: level DEBUG|INFO|WARN|ERROR, format text|json, output stdout|stderr|<path>",
	"server":                        "Process-wide settings",
	"namespace":                     "Container and file services",
	"namespace.containers":          "Container service: changelog_path, slave_mode, poll_interval_us, auto_repair, sync_writes, backend (changelog|badger)",
	"namespace.files":               "File service: same keys as namespace.containers, on a different changelog_path",
	"namespace.quota":               "Track per quota node usage in memory",
	"compaction":                    "Background compaction of both services (masters only)",
	"compaction.records_per_second": "Copy throttle, 0 = unlimited",
	"compaction.keep_retired":       "Keep the pre-compaction log on disk after the run",
	"backup":                        "Where retired logs go after compaction: none|filesystem|s3",
	"metrics":                       "Prometheus /metrics endpoint",
}

// InitConfig writes a commented default configuration to the default
// location and returns its path. An existing file is only replaced when
// force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a commented default configuration to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a header and section
// comments. Durations are written in their string form (e.g. "1h0m0s").
func generateYAMLWithComments(cfg *Config) (string, error) {
	var root yaml.Node
	if err := root.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	durations := map[string]time.Duration{
		"server.shutdown_timeout": cfg.Server.ShutdownTimeout,
		"compaction.interval":     cfg.Compaction.Interval,
		"compaction.timeout":      cfg.Compaction.Timeout,
	}
	annotate(&root, "", durations)

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}

	return buf.String(), nil
}

func annotate(n *yaml.Node, prefix string, durations map[string]time.Duration) {
	if n.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		path := key.Value
		if prefix != "" {
			path = prefix + "." + key.Value
		}

		if c, ok := sectionComments[path]; ok {
			key.HeadComment = c
		}
		if d, ok := durations[path]; ok && value.Kind == yaml.ScalarNode {
			value.Value = d.String()
			value.Tag = "!!str"
		}
		annotate(value, path, durations)
	}
}
