package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errUtils "github.com/stratusops/iamsync/errors"
	"github.com/stratusops/iamsync/pkg/schema"
)

const minimalConfig = `
accounts:
  - id: "111111111111"
    name: alpha
  - id: "222222222222"
    name: bravo
    read_only: true
`

// isolate keeps the test from picking up real home or working dir configs.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	homedir.Reset()
	t.Cleanup(homedir.Reset)
	t.Chdir(t.TempDir())
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName+"."+ConfigFileType)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadExplicitPath(t *testing.T) {
	isolate(t)
	path := writeConfig(t, t.TempDir(), minimalConfig+`
templates_dir: iam/templates
identity_center:
  instance_arn: arn:aws:sso:::instance/ssoins-1234
  identity_store_id: d-1234567890
  region: us-east-1
retry:
  max_attempts: 3
  backoff_strategy: constant
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "iam/templates", cfg.TemplatesDir)
	assert.Equal(t, "arn:aws:sso:::instance/ssoins-1234", cfg.IdentityCenter.InstanceARN)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, schema.BackoffConstant, cfg.Retry.BackoffStrategy)

	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, "alpha", cfg.Accounts[0].Name)
	assert.True(t, cfg.Accounts[1].ReadOnly)

	// Unset fields come from defaults.
	assert.Equal(t, filepath.Join(".iamsync", "scratch"), cfg.ScratchDir)
	assert.Equal(t, 4, cfg.MinAccountsForWildcard)
	assert.Equal(t, 5*time.Second, cfg.PropagationDelay)
	assert.Equal(t, 10, cfg.Concurrency.Accounts)
	assert.Equal(t, 20, cfg.Concurrency.APICalls)
	assert.Equal(t, "info", cfg.Logs.Level)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
}

func TestLoadFromWorkingDirectory(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeConfig(t, dir, minimalConfig)
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Len(t, cfg.Accounts, 2)
	assert.Equal(t, "templates", cfg.TemplatesDir)
}

func TestLoadMissingExplicitPath(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errUtils.ErrConfigNotFound)
}

func TestLoadNoConfigAnywhere(t *testing.T) {
	isolate(t)
	_, err := Load("")
	require.Error(t, err)
	assert.ErrorIs(t, err, errUtils.ErrConfigNotFound)
}

func TestLoadRejectsEmptyAccounts(t *testing.T) {
	isolate(t)
	path := writeConfig(t, t.TempDir(), "templates_dir: templates\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errUtils.ErrNoAccounts)
}

func TestValidate(t *testing.T) {
	base := func() *schema.Configuration {
		cfg := defaultConfiguration()
		cfg.Accounts = []schema.AccountConfig{
			{ID: "111111111111", Name: "alpha"},
			{ID: "222222222222", Name: "bravo"},
		}
		return &cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, Validate(base()))
	})

	t.Run("no accounts", func(t *testing.T) {
		cfg := base()
		cfg.Accounts = nil
		assert.ErrorIs(t, Validate(cfg), errUtils.ErrNoAccounts)
	})

	t.Run("empty account id", func(t *testing.T) {
		cfg := base()
		cfg.Accounts[1].ID = ""
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty id")
	})

	t.Run("duplicate account id", func(t *testing.T) {
		cfg := base()
		cfg.Accounts[1].ID = cfg.Accounts[0].ID
		assert.ErrorIs(t, Validate(cfg), errUtils.ErrDuplicateAccount)
	})

	t.Run("unknown backoff strategy", func(t *testing.T) {
		cfg := base()
		cfg.Retry.BackoffStrategy = "fibonacci"
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backoff strategy")
	})
}
