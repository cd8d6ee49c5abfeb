package template

import (
	"github.com/stratusops/iamsync/pkg/diff"
	"github.com/stratusops/iamsync/pkg/schema"
)

// MergeExisting merges user-authored fields from an existing template into a
// freshly synthesized one: an existing entry's expires_at is carried onto the
// new entry that matches it on every non-expiry field, rather than being
// overwritten by the import. The synthesized content otherwise wins.
func MergeExisting(synth, existing *Template) {
	if existing == nil {
		return
	}
	if synth.Scope.ExpiresAt == nil {
		synth.Scope.ExpiresAt = existing.Scope.ExpiresAt
	}
	// A pending soft-delete survives re-import until the live resource is
	// actually gone.
	if existing.Scope.Deleted {
		synth.Scope.Deleted = true
	}

	np, ep := &synth.Properties, &existing.Properties
	mergeStringAttr(np.Path, ep.Path)
	mergeStringAttr(np.Description, ep.Description)
	mergeStringAttr(np.PermissionsBoundary, ep.PermissionsBoundary)
	mergeStringAttr(np.SessionDuration, ep.SessionDuration)
	mergeStringAttr(np.RelayState, ep.RelayState)
	mergeIntAttr(np.MaxSessionDuration, ep.MaxSessionDuration)
	mergeDocumentAttr(np.AssumeRolePolicyDocument, ep.AssumeRolePolicyDocument)
	mergeDocumentAttr(np.PolicyDocument, ep.PolicyDocument)

	for i := range np.Tags {
		for j := range ep.Tags {
			if np.Tags[i].Key == ep.Tags[j].Key && np.Tags[i].Value == ep.Tags[j].Value &&
				np.Tags[i].Scope.SameTarget(&ep.Tags[j].Scope) {
				carryExpiry(&np.Tags[i].Scope, &ep.Tags[j].Scope)
			}
		}
	}
	for i := range np.ManagedPolicies {
		for j := range ep.ManagedPolicies {
			if np.ManagedPolicies[i].PolicyARN == ep.ManagedPolicies[j].PolicyARN &&
				np.ManagedPolicies[i].Scope.SameTarget(&ep.ManagedPolicies[j].Scope) {
				carryExpiry(&np.ManagedPolicies[i].Scope, &ep.ManagedPolicies[j].Scope)
			}
		}
	}
	for i := range np.InlinePolicies {
		for j := range ep.InlinePolicies {
			if np.InlinePolicies[i].PolicyName == ep.InlinePolicies[j].PolicyName &&
				diff.Equal(np.InlinePolicies[i].Statement, ep.InlinePolicies[j].Statement) &&
				np.InlinePolicies[i].Scope.SameTarget(&ep.InlinePolicies[j].Scope) {
				carryExpiry(&np.InlinePolicies[i].Scope, &ep.InlinePolicies[j].Scope)
			}
		}
	}
	for i := range np.Groups {
		for j := range ep.Groups {
			if np.Groups[i].Group == ep.Groups[j].Group &&
				np.Groups[i].Scope.SameTarget(&ep.Groups[j].Scope) {
				carryExpiry(&np.Groups[i].Scope, &ep.Groups[j].Scope)
			}
		}
	}
	for i := range np.AccessRules {
		for j := range ep.AccessRules {
			if diff.Equal(np.AccessRules[i].Users, ep.AccessRules[j].Users) &&
				diff.Equal(np.AccessRules[i].Groups, ep.AccessRules[j].Groups) &&
				np.AccessRules[i].Scope.SameTarget(&ep.AccessRules[j].Scope) {
				carryExpiry(&np.AccessRules[i].Scope, &ep.AccessRules[j].Scope)
			}
		}
	}
}

func mergeStringAttr(synth, existing StringAttr) {
	for i := range synth {
		for j := range existing {
			if synth[i].Value == existing[j].Value && synth[i].Scope.SameTarget(&existing[j].Scope) {
				carryExpiry(&synth[i].Scope, &existing[j].Scope)
			}
		}
	}
}

func mergeIntAttr(synth, existing IntAttr) {
	for i := range synth {
		for j := range existing {
			if synth[i].Value == existing[j].Value && synth[i].Scope.SameTarget(&existing[j].Scope) {
				carryExpiry(&synth[i].Scope, &existing[j].Scope)
			}
		}
	}
}

func mergeDocumentAttr(synth, existing DocumentAttr) {
	for i := range synth {
		for j := range existing {
			if diff.Equal(synth[i].Document, existing[j].Document) && synth[i].Scope.SameTarget(&existing[j].Scope) {
				carryExpiry(&synth[i].Scope, &existing[j].Scope)
			}
		}
	}
}

func carryExpiry(dst, src *schema.Scope) {
	if dst.ExpiresAt == nil {
		dst.ExpiresAt = src.ExpiresAt
	}
}
