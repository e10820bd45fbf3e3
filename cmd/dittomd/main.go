package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/marmos91/dittomd/internal/logger"
	"github.com/marmos91/dittomd/pkg/config"
)

const usage = `dittomd - hierarchical metadata namespace

Usage:
  dittomd <command> [flags]

Commands:
  serve     Boot the namespace and run followers, compaction and metrics
  compact   Compact both changelogs once and exit
  repair    Salvage a damaged changelog into a new file: repair <src> <dst>
  promote   Promote slave changelogs to master logs at new paths
  init      Write a default configuration file

Run 'dittomd <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(args)
	case "compact":
		err = runCompact(args)
	case "repair":
		err = runRepair(args)
	case "promote":
		err = runPromote(args)
	case "init":
		err = runInit(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("%s: %v", os.Args[1], err)
		os.Exit(1)
	}
}

// loadConfig parses the shared -config flag and loads the configuration.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/dittomd/config.yaml)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(&cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.LoggingConfig) error {
	logger.SetLevel(cfg.Level)
	logger.SetFormat(cfg.Format)
	return logger.SetOutput(cfg.Output)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing config file")
	path := fs.String("path", "", "Write to this path instead of the default location")
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := *path
	if target == "" {
		var err error
		if target, err = config.InitConfig(*force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(target, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", target)
	return nil
}
