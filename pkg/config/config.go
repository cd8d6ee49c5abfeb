// Package config loads the `iamsync.yaml` CLI configuration, layered from
// lower to higher priority: built-in defaults, home dir (~/.iamsync), current
// directory, ENV vars (IAMSYNC_*), then an explicit --config path.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	log "github.com/charmbracelet/log"
	"github.com/mitchellh/go-homedir"
	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/viper"

	errUtils "github.com/stratusops/iamsync/errors"
	"github.com/stratusops/iamsync/pkg/schema"
)

const (
	ConfigFileName = "iamsync"
	ConfigFileType = "yaml"
	HomeDirName    = ".iamsync"
	EnvPrefix      = "IAMSYNC"
)

// Load resolves the CLI configuration. An explicit path wins over the search
// path; a missing explicit path is an error while missing search-path files
// are not.
func Load(explicitPath string) (schema.Configuration, error) {
	var cfg schema.Configuration

	v := viper.New()
	v.SetConfigType(ConfigFileType)
	v.SetConfigName(ConfigFileName)
	v.SetTypeByDefaultValue(true)

	if err := readHomeConfig(v); err != nil {
		return cfg, err
	}
	if err := readWorkDirConfig(v); err != nil {
		return cfg, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		if err := v.MergeInConfig(); err != nil {
			return cfg, pkgerrors.Wrapf(errUtils.ErrConfigNotFound, "%s", explicitPath)
		}
	}

	if v.ConfigFileUsed() == "" {
		return cfg, pkgerrors.Wrap(errUtils.ErrConfigNotFound, "searched home dir and current dir")
	}
	log.Debug("loaded configuration", "file", v.ConfigFileUsed())

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, pkgerrors.Wrap(err, "parsing configuration")
	}
	if err := mergo.Merge(&cfg, defaultConfiguration()); err != nil {
		return cfg, pkgerrors.Wrap(err, "applying configuration defaults")
	}
	if err := Validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// defaultConfiguration holds the zero-value fallbacks merged under whatever
// the config file sets.
func defaultConfiguration() schema.Configuration {
	return schema.Configuration{
		TemplatesDir:           "templates",
		ScratchDir:             filepath.Join(".iamsync", "scratch"),
		MinAccountsForWildcard: 4,
		PropagationDelay:       5 * time.Second,
		Concurrency: schema.Concurrency{
			Accounts:   10,
			APICalls:   20,
			FileWrites: 10,
		},
		Retry: schema.RetryConfig{
			MaxAttempts:     10,
			BackoffStrategy: schema.BackoffExponential,
			InitialDelay:    1 * time.Second,
			MaxDelay:        30 * time.Second,
			Multiplier:      2.0,
			RandomJitter:    true,
			MaxElapsedTime:  10 * time.Minute,
		},
		Logs: schema.Logs{
			Level: "info",
			File:  "/dev/stderr",
		},
	}
}

// Validate rejects configurations the run could not act on coherently.
func Validate(cfg *schema.Configuration) error {
	if len(cfg.Accounts) == 0 {
		return errUtils.ErrNoAccounts
	}
	seen := map[string]struct{}{}
	for _, acct := range cfg.Accounts {
		if acct.ID == "" {
			return pkgerrors.New("account entry with empty id")
		}
		if _, dup := seen[acct.ID]; dup {
			return pkgerrors.Wrapf(errUtils.ErrDuplicateAccount, "%s", acct.ID)
		}
		seen[acct.ID] = struct{}{}
	}
	switch cfg.Retry.BackoffStrategy {
	case schema.BackoffConstant, schema.BackoffLinear, schema.BackoffExponential:
	default:
		return pkgerrors.Errorf("unknown backoff strategy %q", cfg.Retry.BackoffStrategy)
	}
	return nil
}

func readHomeConfig(v *viper.Viper) error {
	home, err := homedir.Dir()
	if err != nil {
		log.Debug("could not resolve home directory", "error", err)
		return nil
	}
	return mergeConfig(v, filepath.Join(home, HomeDirName))
}

func readWorkDirConfig(v *viper.Viper) error {
	return mergeConfig(v, ".")
}

func mergeConfig(v *viper.Viper, path string) error {
	v.AddConfigPath(path)
	err := v.MergeInConfig()
	switch err.(type) {
	case nil:
		return nil
	case viper.ConfigFileNotFoundError:
		log.Debug("no config file", "path", path)
		return nil
	default:
		return err
	}
}
