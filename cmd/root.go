package cmd

import (
	"context"
	"os"

	log "github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/stratusops/iamsync/pkg/config"
	"github.com/stratusops/iamsync/pkg/schema"
)

var (
	configPath string
	logLevel   string
	noColor    bool
)

// RootCmd is the entry command; all subcommands hang off it.
var RootCmd = &cobra.Command{
	Use:   "iamsync",
	Short: "Keep IAM and Identity Center resources in sync with declarative templates",
	Long: `iamsync discovers IAM and Identity Center resources across all configured
accounts, writes deduplicated access-scoped YAML templates, and converges
live state back onto those templates.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with the given context.
func Execute(ctx context.Context) error {
	return RootCmd.ExecuteContext(ctx)
}

func init() {
	setGlobalFlags(RootCmd.PersistentFlags())
}

func setGlobalFlags(flags *pflag.FlagSet) {
	flags.StringVar(&configPath, "config", "", "Path to iamsync.yaml (overrides the search path)")
	flags.StringVar(&logLevel, "logs-level", "", "Log level: debug, info, warn, error")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")
}

// loadConfig resolves configuration and applies the logging settings, with
// command-line flags winning over the config file.
func loadConfig() (schema.Configuration, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	level := cfg.Logs.Level
	if logLevel != "" {
		level = logLevel
	}
	if parsed, err := log.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	} else {
		log.Warn("unknown log level, keeping default", "level", level)
	}
	if cfg.Logs.File != "" && cfg.Logs.File != "/dev/stderr" {
		f, err := os.OpenFile(cfg.Logs.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return cfg, err
		}
		log.SetOutput(f)
	}
	if noColor {
		color.NoColor = true
	}
	return cfg, nil
}
