package exec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratusops/iamsync/pkg/converge"
	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/provider/memory"
	"github.com/stratusops/iamsync/pkg/schema"
	"github.com/stratusops/iamsync/pkg/template"
)

func testConfiguration(t *testing.T) schema.Configuration {
	t.Helper()
	root := t.TempDir()
	return schema.Configuration{
		TemplatesDir:           filepath.Join(root, "templates"),
		ScratchDir:             filepath.Join(root, "scratch"),
		MinAccountsForWildcard: 4,
		PropagationDelay:       time.Millisecond,
		Concurrency:            schema.Concurrency{Accounts: 2, APICalls: 4, FileWrites: 2},
		Retry: schema.RetryConfig{
			MaxAttempts:     1,
			BackoffStrategy: schema.BackoffConstant,
			InitialDelay:    time.Millisecond,
			MaxDelay:        time.Millisecond,
			MaxElapsedTime:  time.Minute,
		},
		Accounts: []schema.AccountConfig{
			{ID: "111111111111", Name: "alpha"},
			{ID: "222222222222", Name: "bravo"},
		},
	}
}

func seedDeployer(store *memory.Store, accountID string) {
	store.Seed(&provider.Resource{
		Kind:        schema.KindRole,
		Name:        "deployer",
		Description: "deployment automation",
		Tags:        map[string]string{"team": "platform"},
		ManagedPolicies: []string{
			"arn:aws:iam::" + accountID + ":policy/deploy-base",
		},
	})
}

func TestImportThenPlanProposesNothing(t *testing.T) {
	cfg := testConfiguration(t)
	stores := map[string]*memory.Store{
		"111111111111": memory.New(),
		"222222222222": memory.New(),
	}
	seedDeployer(stores["111111111111"], "111111111111")
	seedDeployer(stores["222222222222"], "222222222222")
	factory := memory.Factory(stores)

	err := ExecuteImport(context.Background(), &ImportOptions{
		Config:  cfg,
		Factory: factory,
	})
	require.NoError(t, err)

	templates, err := template.LoadAll(cfg.TemplatesDir)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	tpl := templates[0]
	assert.Equal(t, "deployer", tpl.Identifier)
	assert.Equal(t, template.TypeRole, tpl.TemplateType)
	// Both accounts carry the role, so the template is unscoped; the policy
	// ARN differs only by account id and collapses to one templatized entry.
	require.Len(t, tpl.Properties.ManagedPolicies, 1)
	assert.Equal(t, "arn:aws:iam::{{account_id}}:policy/deploy-base", tpl.Properties.ManagedPolicies[0].PolicyARN)

	// Scratch snapshots are cleaned up unless asked to keep them.
	_, statErr := os.Stat(cfg.ScratchDir)
	assert.True(t, os.IsNotExist(statErr))

	err = ExecuteApply(context.Background(), &ApplyOptions{
		Config:  cfg,
		Factory: factory,
		Mode:    converge.ModePlan,
	})
	require.NoError(t, err, "freshly imported templates must plan clean")
}

func TestApplyCorrectsDrift(t *testing.T) {
	cfg := testConfiguration(t)
	stores := map[string]*memory.Store{
		"111111111111": memory.New(),
		"222222222222": memory.New(),
	}
	seedDeployer(stores["111111111111"], "111111111111")
	seedDeployer(stores["222222222222"], "222222222222")
	factory := memory.Factory(stores)

	require.NoError(t, ExecuteImport(context.Background(), &ImportOptions{
		Config:  cfg,
		Factory: factory,
	}))

	// Drift one account out from under the template.
	require.NoError(t, stores["111111111111"].UpdateResource(
		context.Background(), schema.KindRole, "deployer",
		map[string]any{"description": "edited by hand"}))

	err := ExecuteApply(context.Background(), &ApplyOptions{
		Config:  cfg,
		Factory: factory,
		Mode:    converge.ModeExecute,
	})
	require.NoError(t, err)

	live, err := stores["111111111111"].GetResource(context.Background(), schema.KindRole, "deployer")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "deployment automation", live.Description)
}

func TestSoftDeletedTemplateFileIsRemovedAfterApply(t *testing.T) {
	cfg := testConfiguration(t)
	stores := map[string]*memory.Store{
		"111111111111": memory.New(),
		"222222222222": memory.New(),
	}
	seedDeployer(stores["111111111111"], "111111111111")
	seedDeployer(stores["222222222222"], "222222222222")
	factory := memory.Factory(stores)

	require.NoError(t, ExecuteImport(context.Background(), &ImportOptions{
		Config:  cfg,
		Factory: factory,
	}))

	templates, err := template.LoadAll(cfg.TemplatesDir)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	templates[0].Scope.Deleted = true
	require.NoError(t, template.Write(templates[0]))

	err = ExecuteApply(context.Background(), &ApplyOptions{
		Config:  cfg,
		Factory: factory,
		Mode:    converge.ModeExecute,
	})
	require.NoError(t, err)

	for id, store := range stores {
		live, err := store.GetResource(context.Background(), schema.KindRole, "deployer")
		require.NoError(t, err)
		assert.Nil(t, live, "role still present in %s", id)
	}
	_, statErr := os.Stat(templates[0].FilePath)
	assert.True(t, os.IsNotExist(statErr), "template file should be gone after completed soft-delete")
}

func TestImportReportsFailedAccountsAndSkipsPrune(t *testing.T) {
	cfg := testConfiguration(t)
	broken := memory.New()
	broken.FailOn = func(op string, args ...string) error {
		if op == "ListResources" {
			return os.ErrPermission
		}
		return nil
	}
	stores := map[string]*memory.Store{
		"111111111111": memory.New(),
		"222222222222": broken,
	}
	seedDeployer(stores["111111111111"], "111111111111")

	// A pre-existing template whose resource was never observed must survive
	// the run, because the failed account might still hold it.
	stale := &template.Template{
		TemplateType: template.TypeRole,
		Identifier:   "auditor",
		FilePath:     filepath.Join(cfg.TemplatesDir, "all_accounts", "auditor.yaml"),
	}
	require.NoError(t, template.Write(stale))

	err := ExecuteImport(context.Background(), &ImportOptions{
		Config:  cfg,
		Factory: memory.Factory(stores),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "222222222222")

	_, statErr := os.Stat(stale.FilePath)
	assert.NoError(t, statErr, "prune must be skipped when an account failed collection")
}

func TestFilterAccounts(t *testing.T) {
	cfg := testConfiguration(t)
	stores := map[string]*memory.Store{}
	seed := memory.New()
	seedDeployer(seed, "111111111111")
	stores["111111111111"] = seed

	err := ExecuteImport(context.Background(), &ImportOptions{
		Config:   cfg,
		Factory:  memory.Factory(stores),
		Accounts: []string{"alpha"},
	})
	require.NoError(t, err)

	templates, err := template.LoadAll(cfg.TemplatesDir)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "deployer", templates[0].Identifier)
	// The synthesizer works over the filtered account set, so a resource
	// present in every account of the run collapses to the wildcard scope.
	assert.Equal(t, []string{"*"}, templates[0].Scope.IncludedAccounts)
}

func TestMatchesAny(t *testing.T) {
	assert.True(t, matchesAny("deployer", nil))
	assert.True(t, matchesAny("deployer", []string{"dep*"}))
	assert.True(t, matchesAny("ops/admin", []string{"nomatch", "ops/*"}))
	assert.False(t, matchesAny("deployer", []string{"auditor"}))
}
