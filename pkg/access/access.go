package access

import (
	"regexp"
	"strings"
	"time"

	"github.com/stratusops/iamsync/pkg/account"
	"github.com/stratusops/iamsync/pkg/schema"
)

// Wildcard is the literal pattern matching every account.
const Wildcard = "*"

// Scoped is anything carrying an access scope.
type Scoped interface {
	GetScope() *schema.Scope
}

// Applies decides whether a scope includes the given account:
//
//  1. Org scoping: the account's parent org in excluded_orgs short-circuits
//     to false; a non-wildcard included_orgs list the org matches none of is
//     also false.
//  2. Any account representation (id, lower-cased name) matching
//     excluded_accounts short-circuits to false.
//  3. A literal "*" in included_accounts matches; otherwise any
//     representation must match an included_accounts pattern.
//
// Deletion and expiry markers are deliberately not consulted here; callers
// decide whether "deleted" means "does not apply" or "applies for deletion".
func Applies(scope *schema.Scope, acct *account.Account) bool {
	if scope == nil {
		return false
	}
	if acct.OrgID != "" && (len(scope.IncludedOrgs) > 0 || len(scope.ExcludedOrgs) > 0) {
		if matchesAny(scope.ExcludedOrgs, []string{acct.OrgID}) {
			return false
		}
		if len(scope.IncludedOrgs) > 0 && !isWildcardList(scope.IncludedOrgs) {
			if !matchesAny(scope.IncludedOrgs, []string{acct.OrgID}) {
				return false
			}
		}
	}

	reprs := acct.Representations()
	if matchesAny(scope.ExcludedAccounts, reprs) {
		return false
	}
	for _, pattern := range scope.IncludedAccounts {
		if pattern == Wildcard {
			return true
		}
	}
	return matchesAny(scope.IncludedAccounts, reprs)
}

// Effective reports whether the scope applies to the account and is neither
// soft-deleted nor expired at the given time.
func Effective(scope *schema.Scope, acct *account.Account, now time.Time) bool {
	if scope.Deleted || scope.Expired(now) {
		return false
	}
	return Applies(scope, acct)
}

// Resolve returns the single entry applicable to the account among several
// scoped candidates. Ties between overlapping patterns are broken by
// preferring the most specific match: the entry whose longest matching
// included_accounts pattern is longest wins, with the wildcard ranked below
// any explicit pattern. This rule is applied uniformly by every caller.
func Resolve[T Scoped](entries []T, acct *account.Account) (T, bool) {
	var best T
	bestScore := -1
	for _, entry := range entries {
		scope := entry.GetScope()
		if !Applies(scope, acct) {
			continue
		}
		if score := matchScore(scope, acct); score > bestScore {
			best = entry
			bestScore = score
		}
	}
	return best, bestScore >= 0
}

// matchScore is the length of the longest non-wildcard included pattern
// matching the account; a wildcard-only match scores 0.
func matchScore(scope *schema.Scope, acct *account.Account) int {
	score := -1
	reprs := acct.Representations()
	for _, pattern := range scope.IncludedAccounts {
		if pattern == Wildcard {
			if score < 0 {
				score = 0
			}
			continue
		}
		for _, repr := range reprs {
			if matchPattern(pattern, repr) && len(pattern) > score {
				score = len(pattern)
			}
		}
	}
	return score
}

func isWildcardList(patterns []string) bool {
	return len(patterns) == 1 && patterns[0] == Wildcard
}

func matchesAny(patterns, candidates []string) bool {
	for _, pattern := range patterns {
		for _, candidate := range candidates {
			if matchPattern(pattern, candidate) {
				return true
			}
		}
	}
	return false
}

// matchPattern matches a single pattern against a candidate string as an
// anchored, case-insensitive regex, so "dev" does not match "development".
// A pattern that is not valid regex syntax falls back to exact equality.
func matchPattern(pattern, candidate string) bool {
	if pattern == Wildcard {
		return true
	}
	re, err := regexp.Compile("(?i)^(?:" + pattern + ")$")
	if err != nil {
		return strings.EqualFold(pattern, candidate)
	}
	return re.MatchString(candidate)
}
