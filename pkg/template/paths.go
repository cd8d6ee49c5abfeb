package template

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/stratusops/iamsync/pkg/access"
)

// Directory names for templates grouped by account coverage.
const (
	AllAccountsDir  = "all_accounts"
	MultiAccountDir = "multi_account"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{[^}]*\}\}`)
	punctuationRe = regexp.MustCompile(`[^a-zA-Z0-9_\-]+`)
)

// FileName derives a filesystem-safe file name from a resource identifier:
// template placeholders are stripped first, then remaining punctuation.
func FileName(identifier string) string {
	name := placeholderRe.ReplaceAllString(identifier, "")
	name = punctuationRe.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "unnamed"
	}
	return strings.ToLower(name) + ".yaml"
}

// PathFor computes the file path for a template under the templates dir. The
// path encodes grouping: wildcard-scoped resources live under all_accounts,
// resources scoped to exactly one account under a directory named for it, and
// everything else under multi_account.
func PathFor(t *Template, templatesDir string) string {
	group := MultiAccountDir
	included := t.Scope.IncludedAccounts
	switch {
	case len(included) == 1 && included[0] == access.Wildcard:
		group = AllAccountsDir
	case len(included) == 0:
		group = AllAccountsDir
	case len(included) == 1:
		group = strings.ToLower(punctuationRe.ReplaceAllString(included[0], "_"))
	}
	return filepath.Join(templatesDir, group, string(t.Kind()), FileName(t.Identifier))
}
