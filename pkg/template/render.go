package template

import (
	"strings"
	"time"

	"github.com/stratusops/iamsync/pkg/access"
	"github.com/stratusops/iamsync/pkg/account"
	"github.com/stratusops/iamsync/pkg/schema"
)

// Placeholders substituted into template strings at render time.
const (
	AccountIDPlaceholder   = "{{account_id}}"
	AccountNamePlaceholder = "{{account_name}}"
)

// Resolved is a template fully rendered for one target account: every scoped
// attribute collapsed to its applicable value and every placeholder expanded.
type Resolved struct {
	Kind schema.ResourceKind
	Name string

	// Deleted is true when the resource scope resolved for this account is
	// soft-deleted or expired; convergence deletes the live resource.
	Deleted bool

	Path                     string
	Description              string
	MaxSessionDuration       int
	PermissionsBoundary      string
	AssumeRolePolicyDocument map[string]any
	PolicyDocument           map[string]any
	Tags                     map[string]string
	ManagedPolicies          []string
	InlinePolicies           map[string]map[string]any
	Groups                   []string
	SessionDuration          string
	RelayState               string
	AccessRules              []ResolvedAccessRule
}

// ResolvedAccessRule is an access rule reduced to the principal names that
// apply to the rendered account.
type ResolvedAccessRule struct {
	Users  []string
	Groups []string
}

// Render resolves the template for one account. The second return value is
// false when the resource does not apply to the account at all; a resolved
// resource with Deleted=true applies for deletion.
func Render(t *Template, acct *account.Account, now time.Time) (*Resolved, bool) {
	scope := effectiveScope(&t.Scope)
	if !access.Applies(scope, acct) {
		return nil, false
	}

	r := &Resolved{
		Kind:           t.Kind(),
		Name:           ExpandString(t.Identifier, acct),
		Deleted:        scope.Deleted || scope.Expired(now),
		Tags:           map[string]string{},
		InlinePolicies: map[string]map[string]any{},
	}

	props := &t.Properties
	r.Path = resolveString(props.Path, acct, now)
	r.Description = resolveString(props.Description, acct, now)
	r.PermissionsBoundary = resolveString(props.PermissionsBoundary, acct, now)
	r.SessionDuration = resolveString(props.SessionDuration, acct, now)
	r.RelayState = resolveString(props.RelayState, acct, now)
	r.MaxSessionDuration = resolveInt(props.MaxSessionDuration, acct, now)
	r.AssumeRolePolicyDocument = resolveDocument(props.AssumeRolePolicyDocument, acct, now)
	r.PolicyDocument = resolveDocument(props.PolicyDocument, acct, now)

	for _, tag := range props.Tags {
		if entryApplies(&tag.Scope, acct, now) {
			r.Tags[ExpandString(tag.Key, acct)] = ExpandString(tag.Value, acct)
		}
	}
	for _, ref := range props.ManagedPolicies {
		if entryApplies(&ref.Scope, acct, now) {
			r.ManagedPolicies = append(r.ManagedPolicies, ExpandString(ref.PolicyARN, acct))
		}
	}
	for _, policy := range props.InlinePolicies {
		if entryApplies(&policy.Scope, acct, now) {
			r.InlinePolicies[ExpandString(policy.PolicyName, acct)] = ExpandDocument(policy.Statement, acct)
		}
	}
	for _, membership := range props.Groups {
		if entryApplies(&membership.Scope, acct, now) {
			r.Groups = append(r.Groups, ExpandString(membership.Group, acct))
		}
	}
	for _, rule := range props.AccessRules {
		if entryApplies(&rule.Scope, acct, now) {
			r.AccessRules = append(r.AccessRules, ResolvedAccessRule{
				Users:  append([]string(nil), rule.Users...),
				Groups: append([]string(nil), rule.Groups...),
			})
		}
	}

	return r, true
}

// effectiveScope treats a zero resource scope as a wildcard: templates under
// all_accounts routinely omit scoping entirely.
func effectiveScope(s *schema.Scope) *schema.Scope {
	if ScopeIsZero(s) {
		return &schema.Scope{IncludedAccounts: []string{access.Wildcard}}
	}
	return s
}

// entryApplies evaluates an attribute entry's scope for the account. Entries
// with a zero scope apply everywhere; deleted or expired entries are dropped
// at render time, independently of the parent resource's own expiry.
func entryApplies(s *schema.Scope, acct *account.Account, now time.Time) bool {
	if s.Deleted || s.Expired(now) {
		return false
	}
	return access.Applies(effectiveScope(s), acct)
}

func resolveString(attr StringAttr, acct *account.Account, now time.Time) string {
	entries := make([]StringValue, 0, len(attr))
	for _, entry := range attr {
		if !entry.Scope.Deleted && !entry.Scope.Expired(now) {
			entry.Scope = *effectiveScope(&entry.Scope)
			entries = append(entries, entry)
		}
	}
	value, ok := access.Resolve(entries, acct)
	if !ok {
		return ""
	}
	return ExpandString(value.Value, acct)
}

func resolveInt(attr IntAttr, acct *account.Account, now time.Time) int {
	entries := make([]IntValue, 0, len(attr))
	for _, entry := range attr {
		if !entry.Scope.Deleted && !entry.Scope.Expired(now) {
			entry.Scope = *effectiveScope(&entry.Scope)
			entries = append(entries, entry)
		}
	}
	value, ok := access.Resolve(entries, acct)
	if !ok {
		return 0
	}
	return value.Value
}

func resolveDocument(attr DocumentAttr, acct *account.Account, now time.Time) map[string]any {
	entries := make([]DocumentValue, 0, len(attr))
	for _, entry := range attr {
		if !entry.Scope.Deleted && !entry.Scope.Expired(now) {
			entry.Scope = *effectiveScope(&entry.Scope)
			entries = append(entries, entry)
		}
	}
	value, ok := access.Resolve(entries, acct)
	if !ok {
		return nil
	}
	return ExpandDocument(value.Document, acct)
}

// ExpandString substitutes account placeholders and account variables into a
// template string.
func ExpandString(s string, acct *account.Account) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	s = strings.ReplaceAll(s, AccountIDPlaceholder, acct.ID)
	s = strings.ReplaceAll(s, AccountNamePlaceholder, acct.LowerName())
	for name, value := range acct.Variables {
		s = strings.ReplaceAll(s, "{{"+name+"}}", value)
	}
	return s
}

// ExpandDocument deep-copies a policy document, expanding placeholders in
// every nested string.
func ExpandDocument(doc map[string]any, acct *account.Account) map[string]any {
	if doc == nil {
		return nil
	}
	return expandValue(doc, acct).(map[string]any)
}

func expandValue(v any, acct *account.Account) any {
	switch val := v.(type) {
	case string:
		return ExpandString(val, acct)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = expandValue(item, acct)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item, acct)
		}
		return out
	default:
		return val
	}
}
