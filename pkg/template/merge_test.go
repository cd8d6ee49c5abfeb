package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratusops/iamsync/pkg/schema"
)

func TestMergeExistingCarriesExpiry(t *testing.T) {
	expiry := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)

	synthesized := &Template{
		TemplateType: TypeUser,
		Identifier:   "ci",
		Properties: Properties{
			Description: StringAttr{{Value: "ci user"}},
			Groups: []Membership{
				{Group: "engineers"},
				{Group: "breakglass", Scope: sc("alpha")},
			},
		},
	}
	existing := &Template{
		TemplateType: TypeUser,
		Identifier:   "ci",
		Properties: Properties{
			Description: StringAttr{{Value: "ci user"}},
			Groups: []Membership{
				{Group: "engineers"},
				{Group: "breakglass", Scope: schema.Scope{IncludedAccounts: []string{"alpha"}, ExpiresAt: &expiry}},
			},
		},
	}

	MergeExisting(synthesized, existing)

	require.Len(t, synthesized.Properties.Groups, 2)
	assert.Nil(t, synthesized.Properties.Groups[0].Scope.ExpiresAt)
	require.NotNil(t, synthesized.Properties.Groups[1].Scope.ExpiresAt)
	assert.True(t, expiry.Equal(*synthesized.Properties.Groups[1].Scope.ExpiresAt))
}

func TestMergeExistingSkipsChangedEntries(t *testing.T) {
	expiry := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)

	synthesized := &Template{
		TemplateType: TypeRole,
		Identifier:   "deployer",
		Properties: Properties{
			Description: StringAttr{{Value: "new wording"}},
		},
	}
	existing := &Template{
		TemplateType: TypeRole,
		Identifier:   "deployer",
		Properties: Properties{
			Description: StringAttr{{Value: "old wording", Scope: schema.Scope{ExpiresAt: &expiry}}},
		},
	}

	MergeExisting(synthesized, existing)
	// The value changed, so the old entry's expiry must not leak onto it.
	assert.Nil(t, synthesized.Properties.Description[0].Scope.ExpiresAt)
}

func TestMergeExistingCarriesResourceExpiryAndDeletion(t *testing.T) {
	expiry := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)

	synthesized := &Template{TemplateType: TypeRole, Identifier: "deployer"}
	existing := &Template{
		TemplateType: TypeRole,
		Identifier:   "deployer",
		Scope:        schema.Scope{ExpiresAt: &expiry, Deleted: true},
	}

	MergeExisting(synthesized, existing)
	require.NotNil(t, synthesized.Scope.ExpiresAt)
	assert.True(t, expiry.Equal(*synthesized.Scope.ExpiresAt))
	assert.True(t, synthesized.Scope.Deleted)
}

func TestMergeExistingNil(t *testing.T) {
	synthesized := &Template{TemplateType: TypeRole, Identifier: "deployer"}
	MergeExisting(synthesized, nil)
	assert.Nil(t, synthesized.Scope.ExpiresAt)
}
