package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const roleTemplateYAML = `template_type: aws:iam:role
identifier: deployer-{{account_name}}
included_accounts:
  - "*"
properties:
  path: /
  description:
    - resource_val: deployment role
      included_accounts:
        - alpha
        - bravo
    - resource_val: legacy deployment role
      included_accounts:
        - charlie
  max_session_duration: 3600
  assume_role_policy_document:
    Version: "2012-10-17"
    Statement:
      - Effect: Allow
        Action: sts:AssumeRole
  tags:
    - key: team
      value: platform
`

func TestUnmarshalMixedScalarAndScopedForms(t *testing.T) {
	var tpl Template
	require.NoError(t, yaml.Unmarshal([]byte(roleTemplateYAML), &tpl))

	assert.Equal(t, TypeRole, tpl.TemplateType)
	assert.Equal(t, "deployer-{{account_name}}", tpl.Identifier)
	assert.Equal(t, []string{"*"}, tpl.Scope.IncludedAccounts)

	path, ok := tpl.Properties.Path.Scalar()
	require.True(t, ok)
	assert.Equal(t, "/", path)

	// The scoped form stays a list and never collapses.
	require.Len(t, tpl.Properties.Description, 2)
	assert.Equal(t, "deployment role", tpl.Properties.Description[0].Value)
	assert.Equal(t, []string{"alpha", "bravo"}, tpl.Properties.Description[0].Scope.IncludedAccounts)
	_, ok = tpl.Properties.Description.Scalar()
	assert.False(t, ok)

	require.Len(t, tpl.Properties.MaxSessionDuration, 1)
	assert.Equal(t, 3600, tpl.Properties.MaxSessionDuration[0].Value)

	require.Len(t, tpl.Properties.AssumeRolePolicyDocument, 1)
	doc := tpl.Properties.AssumeRolePolicyDocument[0].Document
	assert.Equal(t, "2012-10-17", doc["Version"])
}

func TestMarshalCollapsesUnscopedEntries(t *testing.T) {
	tpl := &Template{
		TemplateType: TypeManagedPolicy,
		Identifier:   "boundary",
		Properties: Properties{
			Description: StringAttr{{Value: "permission boundary"}},
			PolicyDocument: DocumentAttr{{Document: map[string]any{
				"Version": "2012-10-17",
			}}},
		},
	}
	data, err := Marshal(tpl)
	require.NoError(t, err)
	assert.Contains(t, string(data), "description: permission boundary\n")
	assert.NotContains(t, string(data), "resource_val")
	assert.NotContains(t, string(data), "document:")
}

func TestYAMLRoundTripPreservesScopes(t *testing.T) {
	tpl := &Template{
		TemplateType: TypeUser,
		Identifier:   "ci-{{account_name}}",
		Properties: Properties{
			Groups: []Membership{
				{Group: "engineers"},
				{Group: "admins", Scope: sc("alpha")},
			},
		},
	}
	data, err := Marshal(tpl)
	require.NoError(t, err)

	var back Template
	require.NoError(t, yaml.Unmarshal(data, &back))
	require.Len(t, back.Properties.Groups, 2)
	assert.Empty(t, back.Properties.Groups[0].Scope.IncludedAccounts)
	assert.Equal(t, []string{"alpha"}, back.Properties.Groups[1].Scope.IncludedAccounts)
}

func TestUnmarshalRejectsBadAttributeShape(t *testing.T) {
	bad := `template_type: aws:iam:role
identifier: x
properties:
  description:
    nested: mapping
`
	var tpl Template
	assert.Error(t, yaml.Unmarshal([]byte(bad), &tpl))
}
