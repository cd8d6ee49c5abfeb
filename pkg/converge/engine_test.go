package converge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratusops/iamsync/pkg/account"
	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/provider/memory"
	"github.com/stratusops/iamsync/pkg/schema"
	"github.com/stratusops/iamsync/pkg/template"
)

var fastRetry = &schema.RetryConfig{
	MaxAttempts:     1,
	BackoffStrategy: schema.BackoffConstant,
	InitialDelay:    time.Millisecond,
	MaxDelay:        time.Millisecond,
	MaxElapsedTime:  time.Minute,
}

func testAccounts(cfgs ...schema.AccountConfig) []*account.Account {
	return account.FromConfigs(cfgs, nil)
}

func testEngine(stores map[string]*memory.Store, accounts []*account.Account) *Engine {
	return &Engine{
		Factory:          memory.Factory(stores),
		Accounts:         accounts,
		PropagationDelay: time.Millisecond,
		PollInterval:     time.Millisecond,
		Retry:            fastRetry,
	}
}

func roleTemplate() *template.Template {
	return &template.Template{
		TemplateType: template.TypeRole,
		Identifier:   "deployer",
		Properties: template.Properties{
			Description: template.StringAttr{{Value: "deployment automation"}},
			AssumeRolePolicyDocument: template.DocumentAttr{{Document: map[string]any{
				"Version": "2012-10-17",
				"Statement": []any{map[string]any{
					"Effect":    "Allow",
					"Principal": map[string]any{"Service": "ec2.amazonaws.com"},
					"Action":    "sts:AssumeRole",
				}},
			}}},
			Tags: []template.Tag{
				{Key: "team", Value: "platform"},
			},
			ManagedPolicies: []template.ManagedPolicyRef{
				{PolicyARN: "arn:aws:iam::aws:policy/ReadOnlyAccess"},
			},
			InlinePolicies: []template.InlinePolicy{
				{PolicyName: "deploy", Statement: map[string]any{
					"Version": "2012-10-17",
					"Statement": []any{map[string]any{
						"Effect":   "Allow",
						"Action":   "s3:PutObject",
						"Resource": "*",
					}},
				}},
			},
		},
	}
}

func TestApplyCreatesMissingRole(t *testing.T) {
	accounts := testAccounts(
		schema.AccountConfig{ID: "111111111111", Name: "alpha"},
		schema.AccountConfig{ID: "222222222222", Name: "bravo"},
	)
	stores := map[string]*memory.Store{}
	engine := testEngine(stores, accounts)

	results := engine.Apply(context.Background(), []*template.Template{roleTemplate()}, ModeExecute)
	require.Len(t, results, 1)
	require.False(t, results[0].HasErrors(), "exceptions: %v", results[0].Accounts)
	assert.Len(t, results[0].Accounts, 2)

	for _, acct := range accounts {
		store := stores[acct.ID]
		require.NotNil(t, store, "no provider state for %s", acct.ID)
		created, err := store.GetResource(context.Background(), schema.KindRole, "deployer")
		require.NoError(t, err)
		require.NotNil(t, created, "role missing in %s", acct.ID)
		assert.Equal(t, "deployment automation", created.Description)
		assert.Equal(t, map[string]string{"team": "platform"}, created.Tags)
		assert.Equal(t, []string{"arn:aws:iam::aws:policy/ReadOnlyAccess"}, created.ManagedPolicies)
		assert.Contains(t, created.InlinePolicies, "deploy")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	accounts := testAccounts(schema.AccountConfig{ID: "111111111111", Name: "alpha"})
	stores := map[string]*memory.Store{}
	engine := testEngine(stores, accounts)

	first := engine.Apply(context.Background(), []*template.Template{roleTemplate()}, ModeExecute)
	require.Len(t, first, 1)
	require.False(t, first[0].HasErrors())
	require.True(t, first[0].HasChanges())

	second := engine.Apply(context.Background(), []*template.Template{roleTemplate()}, ModeExecute)
	require.Len(t, second, 1)
	assert.False(t, second[0].HasErrors())
	assert.False(t, second[0].HasChanges(), "second run proposed: %+v", second[0].Accounts)
}

func TestPlanModeDoesNotMutate(t *testing.T) {
	accounts := testAccounts(schema.AccountConfig{ID: "111111111111", Name: "alpha"})
	stores := map[string]*memory.Store{"111111111111": memory.New()}
	engine := testEngine(stores, accounts)

	results := engine.Apply(context.Background(), []*template.Template{roleTemplate()}, ModePlan)
	require.Len(t, results, 1)
	require.Len(t, results[0].Accounts, 1)

	changes := results[0].Accounts[0].Changes
	require.Len(t, changes, 1)
	assert.Equal(t, Create, changes[0].Type)
	assert.Equal(t, "deployer", changes[0].ResourceID)

	live, err := stores["111111111111"].GetResource(context.Background(), schema.KindRole, "deployer")
	require.NoError(t, err)
	assert.Nil(t, live, "plan mode must not create resources")
}

func TestApplyUpdatesDriftedAttributes(t *testing.T) {
	accounts := testAccounts(schema.AccountConfig{ID: "111111111111", Name: "alpha"})
	store := memory.New()
	tpl := roleTemplate()
	store.Seed(&provider.Resource{
		Kind:        schema.KindRole,
		Name:        "deployer",
		Description: "stale description",
		Tags:        map[string]string{"team": "platform", "owner": "nobody"},
		ManagedPolicies: []string{
			"arn:aws:iam::aws:policy/ReadOnlyAccess",
			"arn:aws:iam::aws:policy/AdministratorAccess",
		},
		AssumeRolePolicyDocument: tpl.Properties.AssumeRolePolicyDocument[0].Document,
		InlinePolicies: map[string]map[string]any{
			"deploy": tpl.Properties.InlinePolicies[0].Statement,
		},
	})
	stores := map[string]*memory.Store{"111111111111": store}
	engine := testEngine(stores, accounts)

	results := engine.Apply(context.Background(), []*template.Template{tpl}, ModeExecute)
	require.Len(t, results, 1)
	require.False(t, results[0].HasErrors(), "exceptions: %v", results[0].Accounts[0].ExceptionsSeen)

	types := map[ChangeType]int{}
	for _, change := range results[0].Accounts[0].Changes {
		types[change.Type]++
	}
	assert.Equal(t, 1, types[Update], "description drift")
	assert.GreaterOrEqual(t, types[Detach], 2, "stale tag and stale managed policy")

	live, err := store.GetResource(context.Background(), schema.KindRole, "deployer")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "deployment automation", live.Description)
	assert.Equal(t, map[string]string{"team": "platform"}, live.Tags)
	assert.Equal(t, []string{"arn:aws:iam::aws:policy/ReadOnlyAccess"}, live.ManagedPolicies)
}

func TestSoftDeleteRemovesEverywhere(t *testing.T) {
	accounts := testAccounts(
		schema.AccountConfig{ID: "111111111111", Name: "alpha"},
		schema.AccountConfig{ID: "222222222222", Name: "bravo"},
	)
	stores := map[string]*memory.Store{
		"111111111111": memory.New(),
		"222222222222": memory.New(),
	}
	stores["111111111111"].Seed(&provider.Resource{
		Kind:            schema.KindRole,
		Name:            "deployer",
		ManagedPolicies: []string{"arn:aws:iam::aws:policy/ReadOnlyAccess"},
	})
	engine := testEngine(stores, accounts)

	tpl := roleTemplate()
	tpl.Scope.Deleted = true
	results := engine.Apply(context.Background(), []*template.Template{tpl}, ModeExecute)
	require.Len(t, results, 1)
	require.False(t, results[0].HasErrors())
	assert.True(t, results[0].DeletedEverywhere)

	live, err := stores["111111111111"].GetResource(context.Background(), schema.KindRole, "deployer")
	require.NoError(t, err)
	assert.Nil(t, live)
}

func TestSoftDeleteInPlanModeIsNotConfirmed(t *testing.T) {
	accounts := testAccounts(schema.AccountConfig{ID: "111111111111", Name: "alpha"})
	stores := map[string]*memory.Store{"111111111111": memory.New()}
	stores["111111111111"].Seed(&provider.Resource{Kind: schema.KindRole, Name: "deployer"})
	engine := testEngine(stores, accounts)

	tpl := roleTemplate()
	tpl.Scope.Deleted = true
	results := engine.Apply(context.Background(), []*template.Template{tpl}, ModePlan)
	require.Len(t, results, 1)
	assert.False(t, results[0].DeletedEverywhere, "live resource still present")
	require.Len(t, results[0].Accounts, 1)
	require.Len(t, results[0].Accounts[0].Changes, 1)
	assert.Equal(t, Delete, results[0].Accounts[0].Changes[0].Type)

	live, err := stores["111111111111"].GetResource(context.Background(), schema.KindRole, "deployer")
	require.NoError(t, err)
	assert.NotNil(t, live)
}

func TestAccountFailureIsIsolated(t *testing.T) {
	accounts := testAccounts(
		schema.AccountConfig{ID: "111111111111", Name: "alpha"},
		schema.AccountConfig{ID: "222222222222", Name: "bravo"},
		schema.AccountConfig{ID: "333333333333", Name: "charlie"},
	)
	broken := memory.New()
	broken.FailOn = func(op string, args ...string) error {
		if op == "GetResource" {
			return fmt.Errorf("access denied")
		}
		return nil
	}
	stores := map[string]*memory.Store{"222222222222": broken}
	engine := testEngine(stores, accounts)

	results := engine.Apply(context.Background(), []*template.Template{roleTemplate()}, ModeExecute)
	require.Len(t, results, 1)
	require.True(t, results[0].HasErrors())
	require.Len(t, results[0].Accounts, 3)

	for _, details := range results[0].Accounts {
		if details.Account == "222222222222" {
			assert.True(t, details.HasErrors())
			assert.Contains(t, details.ExceptionsSeen[0], "access denied")
			continue
		}
		assert.False(t, details.HasErrors(), "sibling %s saw exceptions", details.Account)
		live, err := stores[details.Account].GetResource(context.Background(), schema.KindRole, "deployer")
		require.NoError(t, err)
		assert.NotNil(t, live, "sibling %s was not converged", details.Account)
	}
}

func TestReadOnlyAccountIsNeverMutated(t *testing.T) {
	accounts := testAccounts(
		schema.AccountConfig{ID: "111111111111", Name: "alpha", ReadOnly: true},
	)
	stores := map[string]*memory.Store{"111111111111": memory.New()}
	engine := testEngine(stores, accounts)

	results := engine.Apply(context.Background(), []*template.Template{roleTemplate()}, ModeExecute)
	require.Len(t, results, 1)
	require.False(t, results[0].HasErrors())
	require.Len(t, results[0].Accounts, 1)
	assert.True(t, results[0].Accounts[0].HasChanges(), "changes are still computed")

	live, err := stores["111111111111"].GetResource(context.Background(), schema.KindRole, "deployer")
	require.NoError(t, err)
	assert.Nil(t, live)
}

func TestScopedTemplateSkipsOtherAccounts(t *testing.T) {
	accounts := testAccounts(
		schema.AccountConfig{ID: "111111111111", Name: "alpha"},
		schema.AccountConfig{ID: "222222222222", Name: "bravo"},
	)
	stores := map[string]*memory.Store{}
	engine := testEngine(stores, accounts)

	tpl := roleTemplate()
	tpl.Scope.IncludedAccounts = []string{"alpha"}
	results := engine.Apply(context.Background(), []*template.Template{tpl}, ModeExecute)
	require.Len(t, results, 1)
	require.Len(t, results[0].Accounts, 1)
	assert.Equal(t, "111111111111", results[0].Accounts[0].Account)

	live, err := stores["111111111111"].GetResource(context.Background(), schema.KindRole, "deployer")
	require.NoError(t, err)
	assert.NotNil(t, live)
	_, touched := stores["222222222222"]
	if touched {
		other, err := stores["222222222222"].GetResource(context.Background(), schema.KindRole, "deployer")
		require.NoError(t, err)
		assert.Nil(t, other)
	}
}

func TestApplyBoundsTemplateFanOut(t *testing.T) {
	accounts := testAccounts(schema.AccountConfig{ID: "111111111111", Name: "alpha"})
	inner := memory.Factory(map[string]*memory.Store{})

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	factory := func(ctx context.Context, acct *account.Account) (provider.Service, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return inner(ctx, acct)
	}

	engine := &Engine{
		Factory:          factory,
		Accounts:         accounts,
		Concurrency:      1,
		PropagationDelay: time.Millisecond,
		PollInterval:     time.Millisecond,
		Retry:            fastRetry,
	}

	var templates []*template.Template
	for _, name := range []string{"alfa", "bravo", "charlie", "delta", "echo"} {
		tpl := roleTemplate()
		tpl.Identifier = name
		templates = append(templates, tpl)
	}

	results := engine.Apply(context.Background(), templates, ModePlan)
	require.Len(t, results, 5)
	assert.Equal(t, 1, maxInFlight, "template fan-out must respect the concurrency bound")
}

func permissionSetTemplate() *template.Template {
	return &template.Template{
		TemplateType: template.TypePermissionSet,
		Identifier:   "Operators",
		Properties: template.Properties{
			SessionDuration: template.StringAttr{{Value: "PT4H"}},
			AccessRules: []template.AccessRule{
				{
					Users:  []string{"casey"},
					Groups: []string{"sre"},
					Scope:  schema.Scope{IncludedAccounts: []string{"*"}},
				},
			},
		},
	}
}

func TestPermissionSetAssignments(t *testing.T) {
	accounts := testAccounts(schema.AccountConfig{ID: "111111111111", Name: "alpha"})
	store := memory.New()
	store.PendingPolls = 2
	store.SeedPrincipal(provider.PrincipalUser, "casey", "u-100")
	store.SeedPrincipal(provider.PrincipalGroup, "sre", "g-200")
	store.Seed(&provider.Resource{
		Kind:            schema.KindPermissionSet,
		Name:            "Operators",
		SessionDuration: "PT4H",
	})
	stores := map[string]*memory.Store{"111111111111": store}
	engine := testEngine(stores, accounts)

	results := engine.Apply(context.Background(), []*template.Template{permissionSetTemplate()}, ModeExecute)
	require.Len(t, results, 1)
	require.False(t, results[0].HasErrors(), "exceptions: %v", results[0].Accounts[0].ExceptionsSeen)

	assignments, err := store.ListAssignments(context.Background(), "Operators")
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	byID := map[string]provider.PrincipalType{}
	for _, a := range assignments {
		byID[a.PrincipalID] = a.PrincipalType
	}
	assert.Equal(t, provider.PrincipalUser, byID["u-100"])
	assert.Equal(t, provider.PrincipalGroup, byID["g-200"])
}

func TestFailedAssignmentOperationIsReported(t *testing.T) {
	accounts := testAccounts(schema.AccountConfig{ID: "111111111111", Name: "alpha"})
	store := memory.New()
	store.SeedPrincipal(provider.PrincipalGroup, "sre", "g-200")
	store.Seed(&provider.Resource{
		Kind:            schema.KindPermissionSet,
		Name:            "Operators",
		SessionDuration: "PT4H",
	})
	// The first async operation the store hands out is op-1.
	store.FailOp("op-1", "conflicting assignment")
	stores := map[string]*memory.Store{"111111111111": store}
	engine := testEngine(stores, accounts)

	tpl := permissionSetTemplate()
	tpl.Properties.AccessRules[0].Users = nil
	results := engine.Apply(context.Background(), []*template.Template{tpl}, ModeExecute)
	require.Len(t, results, 1)
	require.Len(t, results[0].Accounts, 1)
	require.True(t, results[0].Accounts[0].HasErrors())
	assert.Contains(t, results[0].Accounts[0].ExceptionsSeen[0], "conflicting assignment")
}

func TestUnresolvablePrincipalIsReported(t *testing.T) {
	accounts := testAccounts(schema.AccountConfig{ID: "111111111111", Name: "alpha"})
	store := memory.New()
	store.Seed(&provider.Resource{
		Kind:            schema.KindPermissionSet,
		Name:            "Operators",
		SessionDuration: "PT4H",
	})
	stores := map[string]*memory.Store{"111111111111": store}
	engine := testEngine(stores, accounts)

	results := engine.Apply(context.Background(), []*template.Template{permissionSetTemplate()}, ModeExecute)
	require.Len(t, results, 1)
	require.Len(t, results[0].Accounts, 1)
	require.True(t, results[0].Accounts[0].HasErrors())
	assert.Contains(t, results[0].Accounts[0].ExceptionsSeen[0], "not found")
}

func TestDeleteResourceRemovesAssignmentsFirst(t *testing.T) {
	accounts := testAccounts(schema.AccountConfig{ID: "111111111111", Name: "alpha"})
	store := memory.New()
	store.Seed(&provider.Resource{
		Kind: schema.KindPermissionSet,
		Name: "Operators",
	})
	// DeleteResource drops assignment state wholesale, so a lingering
	// assignment must be deleted through the assignment API beforehand.
	_, err := store.CreateAssignment(context.Background(), "Operators", provider.Assignment{
		PrincipalType: provider.PrincipalGroup,
		PrincipalID:   "g-200",
	})
	require.NoError(t, err)
	deletedViaAPI := false
	store.FailOn = func(op string, args ...string) error {
		if op == "DeleteAssignment" {
			deletedViaAPI = true
		}
		return nil
	}
	stores := map[string]*memory.Store{"111111111111": store}
	engine := testEngine(stores, accounts)

	tpl := permissionSetTemplate()
	tpl.Scope.Deleted = true
	results := engine.Apply(context.Background(), []*template.Template{tpl}, ModeExecute)
	require.Len(t, results, 1)
	require.False(t, results[0].HasErrors(), "exceptions: %v", results[0].Accounts[0].ExceptionsSeen)
	assert.True(t, results[0].DeletedEverywhere)
	assert.True(t, deletedViaAPI)

	live, err := store.GetResource(context.Background(), schema.KindPermissionSet, "Operators")
	require.NoError(t, err)
	assert.Nil(t, live)
}

func TestUserGroupMembership(t *testing.T) {
	accounts := testAccounts(schema.AccountConfig{ID: "111111111111", Name: "alpha"})
	store := memory.New()
	store.Seed(&provider.Resource{
		Kind:   schema.KindUser,
		Name:   "casey",
		Groups: []string{"legacy"},
	})
	stores := map[string]*memory.Store{"111111111111": store}
	engine := testEngine(stores, accounts)

	tpl := &template.Template{
		TemplateType: template.TypeUser,
		Identifier:   "casey",
		Properties: template.Properties{
			Groups: []template.Membership{
				{Group: "engineers"},
			},
		},
	}
	results := engine.Apply(context.Background(), []*template.Template{tpl}, ModeExecute)
	require.Len(t, results, 1)
	require.False(t, results[0].HasErrors())

	live, err := store.GetResource(context.Background(), schema.KindUser, "casey")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, []string{"engineers"}, live.Groups)
}
