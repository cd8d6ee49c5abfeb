package synth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratusops/iamsync/pkg/account"
	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/schema"
	"github.com/stratusops/iamsync/pkg/synth"
	"github.com/stratusops/iamsync/pkg/template"
)

func testAccounts(configs ...schema.AccountConfig) []*account.Account {
	return account.FromConfigs(configs, nil)
}

func fourAccounts() []*account.Account {
	return testAccounts(
		schema.AccountConfig{ID: "111111111111", Name: "alpha"},
		schema.AccountConfig{ID: "222222222222", Name: "bravo"},
		schema.AccountConfig{ID: "333333333333", Name: "charlie"},
		schema.AccountConfig{ID: "444444444444", Name: "delta"},
	)
}

func TestTemplatize(t *testing.T) {
	s := synth.New(fourAccounts(), 0)

	assert.Equal(t, "app-{{account_id}}", s.Templatize("app-111111111111", "111111111111"))
	assert.Equal(t, "{{account_name}}-logs", s.Templatize("alpha-logs", "111111111111"))
	assert.Equal(t, "static", s.Templatize("static", "111111111111"))
	// An unknown account leaves the value untouched.
	assert.Equal(t, "app-999", s.Templatize("app-999", "999999999999"))
}

func TestGroupStringCollapsesSharedValue(t *testing.T) {
	s := synth.New(fourAccounts(), 0)

	attr := s.GroupString(map[string]string{
		"111111111111": "shared",
		"222222222222": "shared",
	})
	require.Len(t, attr, 1)
	value, ok := attr.Scalar()
	require.True(t, ok)
	assert.Equal(t, "shared", value)
}

func TestGroupStringSplitsByValue(t *testing.T) {
	s := synth.New(fourAccounts(), 0)

	attr := s.GroupString(map[string]string{
		"111111111111": "common",
		"222222222222": "common",
		"333333333333": "odd-one-out",
	})
	require.Len(t, attr, 2)
	// Largest group first, scopes use lower-cased account names.
	assert.Equal(t, "common", attr[0].Value)
	assert.Equal(t, []string{"alpha", "bravo"}, attr[0].Scope.IncludedAccounts)
	assert.Equal(t, "odd-one-out", attr[1].Value)
	assert.Equal(t, []string{"charlie"}, attr[1].Scope.IncludedAccounts)
}

func TestGroupDocumentStableRepresentative(t *testing.T) {
	s := synth.New(fourAccounts(), 0)

	// Structurally equal documents whose Action lists differ only in order
	// collapse to one entry, and the representative is always the
	// lowest-sorted account's document.
	alphaDoc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{map[string]any{
			"Effect": "Allow",
			"Action": []any{"s3:GetObject", "s3:PutObject"},
		}},
	}
	bravoDoc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{map[string]any{
			"Effect": "Allow",
			"Action": []any{"s3:PutObject", "s3:GetObject"},
		}},
	}

	for i := 0; i < 50; i++ {
		attr := s.GroupDocument(map[string]map[string]any{
			"111111111111": alphaDoc,
			"222222222222": bravoDoc,
		})
		require.Len(t, attr, 1, "iteration %d", i)
		statements := attr[0].Document["Statement"].([]any)
		actions := statements[0].(map[string]any)["Action"]
		assert.Equal(t, []any{"s3:GetObject", "s3:PutObject"}, actions, "iteration %d", i)
	}
}

func TestGroupStringWildcardThreshold(t *testing.T) {
	s := synth.New(fourAccounts(), 3)

	attr := s.GroupString(map[string]string{
		"111111111111": "popular",
		"222222222222": "popular",
		"333333333333": "popular",
		"444444444444": "rare",
	})
	require.Len(t, attr, 2)
	assert.Equal(t, []string{"*"}, attr[0].Scope.IncludedAccounts)
	assert.Equal(t, []string{"delta"}, attr[1].Scope.IncludedAccounts)
}

func TestGroupStringTemplatizedValuesCollapse(t *testing.T) {
	s := synth.New(fourAccounts(), 0)

	// Values differing only by the embedded account id parameterize to one
	// scalar.
	attr := s.GroupString(map[string]string{
		"111111111111": "arn:aws:iam::111111111111:policy/boundary",
		"222222222222": "arn:aws:iam::222222222222:policy/boundary",
	})
	require.Len(t, attr, 1)
	value, ok := attr.Scalar()
	require.True(t, ok)
	assert.Equal(t, "arn:aws:iam::{{account_id}}:policy/boundary", value)
}

func roleSnapshot(maxSession int, tags map[string]string) *provider.Resource {
	return &provider.Resource{
		Kind:               schema.KindRole,
		Name:               "deployer",
		Path:               "/",
		Description:        "deployment role",
		MaxSessionDuration: maxSession,
		AssumeRolePolicyDocument: map[string]any{
			"Version": "2012-10-17",
			"Statement": []any{
				map[string]any{"Effect": "Allow", "Principal": map[string]any{"Service": "ec2.amazonaws.com"}, "Action": "sts:AssumeRole"},
			},
		},
		Tags: tags,
	}
}

func TestSynthesizeDeterministicUnderPermutation(t *testing.T) {
	accounts := fourAccounts()

	build := func(order []string) []byte {
		s := synth.New(accounts, 0)
		byAccount := map[string]*provider.Resource{}
		for _, id := range order {
			maxSession := 3600
			if id == "444444444444" {
				maxSession = 7200
			}
			byAccount[id] = roleSnapshot(maxSession, map[string]string{"team": "platform"})
		}
		tpl := s.Synthesize(schema.KindRole, "deployer", byAccount)
		data, err := template.Marshal(tpl)
		require.NoError(t, err)
		return data
	}

	first := build([]string{"111111111111", "222222222222", "333333333333", "444444444444"})
	second := build([]string{"444444444444", "333333333333", "111111111111", "222222222222"})
	assert.Equal(t, string(first), string(second))
}

func TestSynthesizeRole(t *testing.T) {
	s := synth.New(fourAccounts(), 0)
	byAccount := map[string]*provider.Resource{
		"111111111111": roleSnapshot(3600, map[string]string{"team": "platform", "env": "alpha"}),
		"222222222222": roleSnapshot(3600, map[string]string{"team": "platform"}),
	}

	tpl := s.Synthesize(schema.KindRole, "deployer", byAccount)
	assert.Equal(t, template.TypeRole, tpl.TemplateType)
	assert.Equal(t, []string{"alpha", "bravo"}, tpl.Scope.IncludedAccounts)

	duration := tpl.Properties.MaxSessionDuration
	require.Len(t, duration, 1)
	assert.Equal(t, 3600, duration[0].Value)

	require.Len(t, tpl.Properties.Tags, 2)
	// Universal tag first with a zero scope, account-specific tag scoped.
	assert.Equal(t, "team", tpl.Properties.Tags[0].Key)
	assert.Empty(t, tpl.Properties.Tags[0].Scope.IncludedAccounts)
	assert.Equal(t, "env", tpl.Properties.Tags[1].Key)
	assert.Equal(t, []string{"alpha"}, tpl.Properties.Tags[1].Scope.IncludedAccounts)

	require.Len(t, tpl.Properties.AssumeRolePolicyDocument, 1)
}

func TestSynthesizePermissionSetAccessRules(t *testing.T) {
	s := synth.New(fourAccounts(), 0)
	assignments := func(users ...string) []provider.Assignment {
		var out []provider.Assignment
		for _, u := range users {
			out = append(out, provider.Assignment{PrincipalType: provider.PrincipalUser, PrincipalID: "id-" + u, PrincipalName: u})
		}
		return out
	}
	byAccount := map[string]*provider.Resource{
		"111111111111": {Kind: schema.KindPermissionSet, Name: "AdminAccess", SessionDuration: "PT8H", Assignments: assignments("alice", "bob")},
		"222222222222": {Kind: schema.KindPermissionSet, Name: "AdminAccess", SessionDuration: "PT8H", Assignments: assignments("alice", "bob")},
		"333333333333": {Kind: schema.KindPermissionSet, Name: "AdminAccess", SessionDuration: "PT8H", Assignments: assignments("carol")},
	}

	tpl := s.Synthesize(schema.KindPermissionSet, "AdminAccess", byAccount)
	require.Len(t, tpl.Properties.AccessRules, 2)
	assert.Equal(t, []string{"alice", "bob"}, tpl.Properties.AccessRules[0].Users)
	assert.Equal(t, []string{"alpha", "bravo"}, tpl.Properties.AccessRules[0].Scope.IncludedAccounts)
	assert.Equal(t, []string{"carol"}, tpl.Properties.AccessRules[1].Users)
	assert.Equal(t, []string{"charlie"}, tpl.Properties.AccessRules[1].Scope.IncludedAccounts)
}
