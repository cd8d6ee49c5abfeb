// Package synth turns per-account resource snapshots into deduplicated,
// access-scoped templates. Attribute values identical across accounts collapse
// to a single scalar; values that vary become lists of scoped entries.
// Account ids and names embedded in values are replaced with placeholders
// before comparison, so values that differ only by the embedded account
// collapse to one parameterized entry.
package synth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/stratusops/iamsync/pkg/account"
	"github.com/stratusops/iamsync/pkg/diff"
	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/schema"
	"github.com/stratusops/iamsync/pkg/template"
)

// Synthesizer groups snapshots from the configured account set.
type Synthesizer struct {
	accounts []*account.Account
	byID     map[string]*account.Account

	// minWildcard is the minimum number of accounts sharing a value before
	// the explicit account list is collapsed to "*". Zero disables the
	// threshold; full coverage always collapses.
	minWildcard int
}

// New creates a synthesizer over the full configured account set.
func New(accounts []*account.Account, minWildcard int) *Synthesizer {
	byID := map[string]*account.Account{}
	for _, acct := range accounts {
		byID[acct.ID] = acct
	}
	return &Synthesizer{accounts: accounts, byID: byID, minWildcard: minWildcard}
}

// Templatize replaces occurrences of the account's id and lower-cased name in
// a string with placeholders, so per-account values sharing a pattern compare
// equal. Parameterized forms always win over literals: substitution happens
// before any grouping comparison.
func (s *Synthesizer) Templatize(value, accountID string) string {
	acct, ok := s.byID[accountID]
	if !ok {
		return value
	}
	out := strings.ReplaceAll(value, acct.ID, template.AccountIDPlaceholder)
	if name := acct.LowerName(); name != "" {
		out = strings.ReplaceAll(out, name, template.AccountNamePlaceholder)
	}
	return out
}

// TemplatizeDocument applies Templatize to every nested string of a document.
func (s *Synthesizer) TemplatizeDocument(doc map[string]any, accountID string) map[string]any {
	if doc == nil {
		return nil
	}
	return s.templatizeValue(doc, accountID).(map[string]any)
}

func (s *Synthesizer) templatizeValue(v any, accountID string) any {
	switch val := v.(type) {
	case string:
		return s.Templatize(val, accountID)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.templatizeValue(item, accountID)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.templatizeValue(item, accountID)
		}
		return out
	default:
		return val
	}
}

// scopeFor builds the scope matching exactly the given accounts. The explicit
// list collapses to the wildcard once it covers every configured account or
// reaches the configured minimum threshold.
func (s *Synthesizer) scopeFor(accountIDs []string) schema.Scope {
	if len(accountIDs) == len(s.accounts) || (s.minWildcard > 0 && len(accountIDs) >= s.minWildcard) {
		return schema.Scope{IncludedAccounts: []string{"*"}}
	}
	included := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		included = append(included, s.displayName(id))
	}
	sort.Strings(included)
	return schema.Scope{IncludedAccounts: included}
}

// displayName prefers the account's lower-cased name over its raw id in
// generated scopes, matching what a human would write.
func (s *Synthesizer) displayName(accountID string) string {
	if acct, ok := s.byID[accountID]; ok && acct.Name != "" {
		return acct.LowerName()
	}
	return accountID
}

// bucket is one group of accounts sharing a templatized value.
type bucket struct {
	key      string
	accounts []string
}

// bucketize groups account ids by value key, iterating accounts in sorted id
// order so the result is identical for any permutation of the input map.
func bucketize(keys map[string]string) []bucket {
	ids := lo.Keys(keys)
	sort.Strings(ids)
	index := map[string]int{}
	var buckets []bucket
	for _, id := range ids {
		key := keys[id]
		i, ok := index[key]
		if !ok {
			i = len(buckets)
			index[key] = i
			buckets = append(buckets, bucket{key: key})
		}
		buckets[i].accounts = append(buckets[i].accounts, id)
	}
	// Largest group first; ties broken by value for a stable order.
	sort.SliceStable(buckets, func(i, j int) bool {
		if len(buckets[i].accounts) != len(buckets[j].accounts) {
			return len(buckets[i].accounts) > len(buckets[j].accounts)
		}
		return buckets[i].key < buckets[j].key
	})
	return buckets
}

// GroupString groups one string attribute across accounts. A value shared by
// every account that has the attribute collapses to an unscoped scalar.
func (s *Synthesizer) GroupString(values map[string]string) template.StringAttr {
	if len(values) == 0 {
		return nil
	}
	templatized := map[string]string{}
	for id, v := range values {
		templatized[id] = s.Templatize(v, id)
	}
	buckets := bucketize(templatized)
	if len(buckets) == 1 {
		return template.StringAttr{{Value: buckets[0].key}}
	}
	attr := make(template.StringAttr, 0, len(buckets))
	for _, b := range buckets {
		attr = append(attr, template.StringValue{Value: b.key, Scope: s.scopeFor(b.accounts)})
	}
	return attr
}

// GroupInt groups one integer attribute across accounts.
func (s *Synthesizer) GroupInt(values map[string]int) template.IntAttr {
	if len(values) == 0 {
		return nil
	}
	keys := map[string]string{}
	originals := map[string]int{}
	for id, v := range values {
		key := fmt.Sprintf("%d", v)
		keys[id] = key
		originals[key] = v
	}
	buckets := bucketize(keys)
	if len(buckets) == 1 {
		return template.IntAttr{{Value: originals[buckets[0].key]}}
	}
	attr := make(template.IntAttr, 0, len(buckets))
	for _, b := range buckets {
		attr = append(attr, template.IntValue{Value: originals[b.key], Scope: s.scopeFor(b.accounts)})
	}
	return attr
}

// GroupDocument groups one policy-document attribute across accounts,
// comparing documents structurally (order-insensitive) after templatization.
func (s *Synthesizer) GroupDocument(values map[string]map[string]any) template.DocumentAttr {
	if len(values) == 0 {
		return nil
	}
	ids := lo.Keys(values)
	sort.Strings(ids)
	keys := map[string]string{}
	docs := map[string]map[string]any{}
	// The lowest-sorted account's document represents its group, so two
	// structurally-equal documents that differ in list order always yield the
	// same representative regardless of input order.
	for _, id := range ids {
		t := s.TemplatizeDocument(values[id], id)
		key := canonicalKey(t)
		keys[id] = key
		if _, ok := docs[key]; !ok {
			docs[key] = t
		}
	}
	buckets := bucketize(keys)
	if len(buckets) == 1 {
		return template.DocumentAttr{{Document: docs[buckets[0].key]}}
	}
	attr := make(template.DocumentAttr, 0, len(buckets))
	for _, b := range buckets {
		attr = append(attr, template.DocumentValue{Document: docs[b.key], Scope: s.scopeFor(b.accounts)})
	}
	return attr
}

// groupItems groups arbitrary collection items across accounts. Each distinct
// item (by canonical key after templatization) maps to the sorted set of
// accounts carrying it. An item carried by every input account gets a zero
// scope. The returned item order is deterministic: descending coverage, then
// canonical key.
type groupedItem[T any] struct {
	item     T
	scope    schema.Scope
	universe bool
}

func groupItems[T any](s *Synthesizer, perAccount map[string][]T, keyFn func(T, string) (string, T)) []groupedItem[T] {
	ids := lo.Keys(perAccount)
	sort.Strings(ids)
	type entry struct {
		item     T
		accounts []string
	}
	index := map[string]int{}
	var entries []entry
	var order []string
	for _, id := range ids {
		seen := map[string]struct{}{}
		for _, item := range perAccount[id] {
			key, templatized := keyFn(item, id)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			i, ok := index[key]
			if !ok {
				i = len(entries)
				index[key] = i
				entries = append(entries, entry{item: templatized})
				order = append(order, key)
			}
			entries[i].accounts = append(entries[i].accounts, id)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := entries[index[order[i]]], entries[index[order[j]]]
		if len(a.accounts) != len(b.accounts) {
			return len(a.accounts) > len(b.accounts)
		}
		return order[i] < order[j]
	})
	out := make([]groupedItem[T], 0, len(order))
	for _, key := range order {
		e := entries[index[key]]
		universal := len(e.accounts) == len(perAccount)
		item := groupedItem[T]{item: e.item, universe: universal}
		if !universal {
			item.scope = s.scopeFor(e.accounts)
		}
		out = append(out, item)
	}
	return out
}

// canonicalKey renders a value in canonical, order-insensitive form.
func canonicalKey(v any) string {
	data, err := json.Marshal(diff.Normalize(v))
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// assignmentSetKey canonicalizes one account's assignment set: sorted user
// names and group names.
func assignmentSetKey(assignments []provider.Assignment) (string, []string, []string) {
	var users, groups []string
	for _, a := range assignments {
		name := a.PrincipalName
		if name == "" {
			name = a.PrincipalID
		}
		switch a.PrincipalType {
		case provider.PrincipalUser:
			users = append(users, name)
		case provider.PrincipalGroup:
			groups = append(groups, name)
		}
	}
	users = lo.Uniq(users)
	groups = lo.Uniq(groups)
	sort.Strings(users)
	sort.Strings(groups)
	return canonicalKey(map[string]any{"users": users, "groups": groups}), users, groups
}
