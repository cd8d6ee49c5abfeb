package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratusops/iamsync/pkg/account"
	"github.com/stratusops/iamsync/pkg/schema"
)

func sc(accounts ...string) schema.Scope {
	return schema.Scope{IncludedAccounts: accounts}
}

func renderAccount(id, name string, vars map[string]string) *account.Account {
	return account.FromConfig(schema.AccountConfig{ID: id, Name: name, Variables: vars}, nil)
}

var renderNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func TestRenderScoping(t *testing.T) {
	alpha := renderAccount("111111111111", "alpha", nil)
	bravo := renderAccount("222222222222", "bravo", nil)

	tpl := &Template{
		TemplateType: TypeRole,
		Identifier:   "deployer",
		Scope:        sc("alpha"),
	}

	resolved, applies := Render(tpl, alpha, renderNow)
	require.True(t, applies)
	assert.False(t, resolved.Deleted)
	assert.Equal(t, "deployer", resolved.Name)

	_, applies = Render(tpl, bravo, renderNow)
	assert.False(t, applies)
}

func TestRenderZeroScopeMeansEverywhere(t *testing.T) {
	tpl := &Template{TemplateType: TypeGroup, Identifier: "engineers"}
	_, applies := Render(tpl, renderAccount("111111111111", "alpha", nil), renderNow)
	assert.True(t, applies)
}

func TestRenderDeletedAndExpired(t *testing.T) {
	alpha := renderAccount("111111111111", "alpha", nil)
	past := renderNow.Add(-time.Hour)

	deleted := &Template{
		TemplateType: TypeRole,
		Identifier:   "deployer",
		Scope:        schema.Scope{IncludedAccounts: []string{"*"}, Deleted: true},
	}
	resolved, applies := Render(deleted, alpha, renderNow)
	require.True(t, applies)
	assert.True(t, resolved.Deleted)

	expired := &Template{
		TemplateType: TypeRole,
		Identifier:   "deployer",
		Scope:        schema.Scope{IncludedAccounts: []string{"*"}, ExpiresAt: &past},
	}
	resolved, applies = Render(expired, alpha, renderNow)
	require.True(t, applies)
	assert.True(t, resolved.Deleted)
}

func TestRenderResolvesScopedAttributes(t *testing.T) {
	alpha := renderAccount("111111111111", "alpha", nil)
	charlie := renderAccount("333333333333", "charlie", nil)

	tpl := &Template{
		TemplateType: TypeRole,
		Identifier:   "deployer",
		Scope:        sc("*"),
		Properties: Properties{
			Description: StringAttr{
				{Value: "default role"},
				{Value: "charlie role", Scope: sc("charlie")},
			},
			MaxSessionDuration: IntAttr{{Value: 3600}},
		},
	}

	resolved, applies := Render(tpl, alpha, renderNow)
	require.True(t, applies)
	assert.Equal(t, "default role", resolved.Description)
	assert.Equal(t, 3600, resolved.MaxSessionDuration)

	// The more specific entry wins over the unscoped default.
	resolved, applies = Render(tpl, charlie, renderNow)
	require.True(t, applies)
	assert.Equal(t, "charlie role", resolved.Description)
}

func TestRenderDropsExpiredEntries(t *testing.T) {
	alpha := renderAccount("111111111111", "alpha", nil)
	past := renderNow.Add(-time.Hour)
	future := renderNow.Add(time.Hour)

	tpl := &Template{
		TemplateType: TypeUser,
		Identifier:   "ci",
		Scope:        sc("*"),
		Properties: Properties{
			Groups: []Membership{
				{Group: "engineers"},
				{Group: "breakglass", Scope: schema.Scope{ExpiresAt: &past}},
				{Group: "oncall", Scope: schema.Scope{ExpiresAt: &future}},
				{Group: "legacy", Scope: schema.Scope{Deleted: true}},
			},
		},
	}

	resolved, applies := Render(tpl, alpha, renderNow)
	require.True(t, applies)
	assert.Equal(t, []string{"engineers", "oncall"}, resolved.Groups)
}

func TestRenderDropsDeletedAndExpiredScalarEntries(t *testing.T) {
	alpha := renderAccount("111111111111", "alpha", nil)
	past := renderNow.Add(-time.Hour)

	oldDoc := map[string]any{"Version": "old"}
	staleDoc := map[string]any{"Version": "stale"}

	tpl := &Template{
		TemplateType: TypeRole,
		Identifier:   "deployer",
		Scope:        sc("*"),
		Properties: Properties{
			Description: StringAttr{
				{Value: "retired", Scope: schema.Scope{Deleted: true}},
			},
			MaxSessionDuration: IntAttr{
				{Value: 7200, Scope: schema.Scope{Deleted: true}},
			},
			AssumeRolePolicyDocument: DocumentAttr{
				{Document: oldDoc, Scope: schema.Scope{Deleted: true}},
			},
			PolicyDocument: DocumentAttr{
				{Document: staleDoc, Scope: schema.Scope{ExpiresAt: &past}},
			},
		},
	}

	resolved, applies := Render(tpl, alpha, renderNow)
	require.True(t, applies)
	assert.Empty(t, resolved.Description)
	assert.Zero(t, resolved.MaxSessionDuration)
	assert.Nil(t, resolved.AssumeRolePolicyDocument)
	assert.Nil(t, resolved.PolicyDocument)
}

func TestRenderExpiredEntryFallsBackToSurvivor(t *testing.T) {
	alpha := renderAccount("111111111111", "alpha", nil)
	past := renderNow.Add(-time.Hour)

	tpl := &Template{
		TemplateType: TypePermissionSet,
		Identifier:   "Operators",
		Scope:        sc("*"),
		Properties: Properties{
			// The scoped grant expired, so the unscoped default wins again.
			MaxSessionDuration: IntAttr{
				{Value: 3600},
				{Value: 14400, Scope: schema.Scope{IncludedAccounts: []string{"alpha"}, ExpiresAt: &past}},
			},
			SessionDuration: StringAttr{
				{Value: "PT1H"},
				{Value: "PT12H", Scope: schema.Scope{IncludedAccounts: []string{"alpha"}, Deleted: true}},
			},
		},
	}

	resolved, applies := Render(tpl, alpha, renderNow)
	require.True(t, applies)
	assert.Equal(t, 3600, resolved.MaxSessionDuration)
	assert.Equal(t, "PT1H", resolved.SessionDuration)
}

func TestRenderExpandsPlaceholders(t *testing.T) {
	alpha := renderAccount("111111111111", "alpha", map[string]string{"team": "platform"})

	tpl := &Template{
		TemplateType: TypeRole,
		Identifier:   "deployer-{{account_name}}",
		Scope:        sc("*"),
		Properties: Properties{
			PermissionsBoundary: StringAttr{{Value: "arn:aws:iam::{{account_id}}:policy/boundary"}},
			Tags:                []Tag{{Key: "owner", Value: "{{team}}"}},
			AssumeRolePolicyDocument: DocumentAttr{{Document: map[string]any{
				"Statement": []any{map[string]any{
					"Resource": "arn:aws:s3:::{{account_name}}-artifacts/*",
				}},
			}}},
		},
	}

	resolved, applies := Render(tpl, alpha, renderNow)
	require.True(t, applies)
	assert.Equal(t, "deployer-alpha", resolved.Name)
	assert.Equal(t, "arn:aws:iam::111111111111:policy/boundary", resolved.PermissionsBoundary)
	assert.Equal(t, map[string]string{"owner": "platform"}, resolved.Tags)

	statement := resolved.AssumeRolePolicyDocument["Statement"].([]any)[0].(map[string]any)
	assert.Equal(t, "arn:aws:s3:::alpha-artifacts/*", statement["Resource"])
}
