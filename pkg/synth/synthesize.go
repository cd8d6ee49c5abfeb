package synth

import (
	"sort"

	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/schema"
	"github.com/stratusops/iamsync/pkg/template"
)

// Synthesize produces one template from the per-account snapshots of a single
// logical resource. Snapshots are matched upstream by templatized name; the
// identifier passed here is already parameterized. The result is identical
// for any iteration order of the input map.
func (s *Synthesizer) Synthesize(kind schema.ResourceKind, identifier string, byAccount map[string]*provider.Resource) *template.Template {
	t := &template.Template{
		TemplateType: template.TypeForKind(kind),
		Identifier:   identifier,
	}

	ids := make([]string, 0, len(byAccount))
	for id := range byAccount {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	t.Scope = s.scopeFor(ids)

	props := &t.Properties
	props.Path = s.GroupString(collectString(byAccount, func(r *provider.Resource) string { return r.Path }))
	props.Description = s.GroupString(collectString(byAccount, func(r *provider.Resource) string { return r.Description }))
	props.PermissionsBoundary = s.GroupString(collectString(byAccount, func(r *provider.Resource) string { return r.PermissionsBoundary }))

	switch kind {
	case schema.KindRole:
		props.MaxSessionDuration = s.GroupInt(collectInt(byAccount, func(r *provider.Resource) int { return r.MaxSessionDuration }))
		props.AssumeRolePolicyDocument = s.GroupDocument(collectDocument(byAccount, func(r *provider.Resource) map[string]any { return r.AssumeRolePolicyDocument }))
	case schema.KindManagedPolicy:
		props.PolicyDocument = s.GroupDocument(collectDocument(byAccount, func(r *provider.Resource) map[string]any { return r.PolicyDocument }))
	case schema.KindPermissionSet:
		props.SessionDuration = s.GroupString(collectString(byAccount, func(r *provider.Resource) string { return r.SessionDuration }))
		props.RelayState = s.GroupString(collectString(byAccount, func(r *provider.Resource) string { return r.RelayState }))
		props.AccessRules = s.groupAccessRules(byAccount)
	}

	props.Tags = s.groupTags(byAccount)
	props.ManagedPolicies = s.groupManagedPolicies(byAccount)
	props.InlinePolicies = s.groupInlinePolicies(byAccount)
	if kind == schema.KindUser {
		props.Groups = s.groupMemberships(byAccount)
	}

	return t
}

func collectString(byAccount map[string]*provider.Resource, get func(*provider.Resource) string) map[string]string {
	out := map[string]string{}
	for id, r := range byAccount {
		if v := get(r); v != "" {
			out[id] = v
		}
	}
	return out
}

func collectInt(byAccount map[string]*provider.Resource, get func(*provider.Resource) int) map[string]int {
	out := map[string]int{}
	for id, r := range byAccount {
		if v := get(r); v != 0 {
			out[id] = v
		}
	}
	return out
}

func collectDocument(byAccount map[string]*provider.Resource, get func(*provider.Resource) map[string]any) map[string]map[string]any {
	out := map[string]map[string]any{}
	for id, r := range byAccount {
		if doc := get(r); doc != nil {
			out[id] = doc
		}
	}
	return out
}

type keyedTag struct {
	key, value string
}

func (s *Synthesizer) groupTags(byAccount map[string]*provider.Resource) []template.Tag {
	perAccount := map[string][]keyedTag{}
	for id, r := range byAccount {
		for k, v := range r.Tags {
			perAccount[id] = append(perAccount[id], keyedTag{key: k, value: v})
		}
	}
	grouped := groupItems(s, perAccount, func(item keyedTag, accountID string) (string, keyedTag) {
		t := keyedTag{key: s.Templatize(item.key, accountID), value: s.Templatize(item.value, accountID)}
		return canonicalKey([]any{t.key, t.value}), t
	})
	out := make([]template.Tag, 0, len(grouped))
	for _, g := range grouped {
		out = append(out, template.Tag{Key: g.item.key, Value: g.item.value, Scope: g.scope})
	}
	return out
}

func (s *Synthesizer) groupManagedPolicies(byAccount map[string]*provider.Resource) []template.ManagedPolicyRef {
	perAccount := map[string][]string{}
	for id, r := range byAccount {
		if len(r.ManagedPolicies) > 0 {
			perAccount[id] = r.ManagedPolicies
		}
	}
	grouped := groupItems(s, perAccount, func(arn, accountID string) (string, string) {
		t := s.Templatize(arn, accountID)
		return t, t
	})
	out := make([]template.ManagedPolicyRef, 0, len(grouped))
	for _, g := range grouped {
		out = append(out, template.ManagedPolicyRef{PolicyARN: g.item, Scope: g.scope})
	}
	return out
}

type namedPolicy struct {
	name string
	doc  map[string]any
}

func (s *Synthesizer) groupInlinePolicies(byAccount map[string]*provider.Resource) []template.InlinePolicy {
	perAccount := map[string][]namedPolicy{}
	for id, r := range byAccount {
		for name, doc := range r.InlinePolicies {
			perAccount[id] = append(perAccount[id], namedPolicy{name: name, doc: doc})
		}
	}
	grouped := groupItems(s, perAccount, func(item namedPolicy, accountID string) (string, namedPolicy) {
		t := namedPolicy{name: s.Templatize(item.name, accountID), doc: s.TemplatizeDocument(item.doc, accountID)}
		return canonicalKey([]any{t.name, t.doc}), t
	})
	out := make([]template.InlinePolicy, 0, len(grouped))
	for _, g := range grouped {
		out = append(out, template.InlinePolicy{PolicyName: g.item.name, Statement: g.item.doc, Scope: g.scope})
	}
	return out
}

func (s *Synthesizer) groupMemberships(byAccount map[string]*provider.Resource) []template.Membership {
	perAccount := map[string][]string{}
	for id, r := range byAccount {
		if len(r.Groups) > 0 {
			perAccount[id] = r.Groups
		}
	}
	grouped := groupItems(s, perAccount, func(group, accountID string) (string, string) {
		t := s.Templatize(group, accountID)
		return t, t
	})
	out := make([]template.Membership, 0, len(grouped))
	for _, g := range grouped {
		out = append(out, template.Membership{Group: g.item, Scope: g.scope})
	}
	return out
}

type principalSet struct {
	users, groups []string
}

// groupAccessRules buckets accounts by their full assignment set: accounts
// granting the same principals collapse into one access rule scoped to them.
// Access rules always carry an explicit scope; they are the access control.
func (s *Synthesizer) groupAccessRules(byAccount map[string]*provider.Resource) []template.AccessRule {
	keys := map[string]string{}
	sets := map[string]principalSet{}
	for id, r := range byAccount {
		if len(r.Assignments) == 0 {
			continue
		}
		key, users, groups := assignmentSetKey(r.Assignments)
		keys[id] = key
		sets[key] = principalSet{users: users, groups: groups}
	}
	buckets := bucketize(keys)
	out := make([]template.AccessRule, 0, len(buckets))
	for _, b := range buckets {
		set := sets[b.key]
		out = append(out, template.AccessRule{
			Users:  set.users,
			Groups: set.groups,
			Scope:  s.scopeFor(b.accounts),
		})
	}
	return out
}
