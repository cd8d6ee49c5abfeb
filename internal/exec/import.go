package exec

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	log "github.com/charmbracelet/log"
	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/stratusops/iamsync/pkg/account"
	"github.com/stratusops/iamsync/pkg/collect"
	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/schema"
	"github.com/stratusops/iamsync/pkg/synth"
	"github.com/stratusops/iamsync/pkg/template"
)

// ImportOptions carries everything an import run needs beyond the loaded
// configuration.
type ImportOptions struct {
	Config  schema.Configuration
	Factory provider.Factory

	// Accounts restricts the run to accounts matching any of the given ids or
	// names. Empty means all accounts.
	Accounts []string

	// Templates restricts synthesis to identifiers matching any of the given
	// glob patterns. Empty means everything.
	Templates []string

	// KeepScratch leaves the raw snapshots on disk after the run.
	KeepScratch bool
}

// Scoped reports whether the run covers only a subset of accounts or
// templates. Scoped runs skip pruning: absence from a partial view proves
// nothing.
func (o *ImportOptions) Scoped() bool {
	return len(o.Accounts) > 0 || len(o.Templates) > 0
}

type resourceKey struct {
	kind       schema.ResourceKind
	identifier string
}

// ExecuteImport discovers live resources across all configured accounts and
// writes deduplicated templates. Collection failures are isolated per account;
// failed accounts are reported and excluded from synthesis, and pruning is
// skipped so their templates are not mistaken for orphans.
func ExecuteImport(ctx context.Context, opts *ImportOptions) error {
	cfg := opts.Config
	accounts := filterAccounts(account.FromConfigs(cfg.Accounts, cfg.Variables), opts.Accounts)
	if len(accounts) == 0 {
		return pkgerrors.New("no accounts match the requested filter")
	}

	collector := &collect.Collector{
		Factory:     opts.Factory,
		ScratchDir:  cfg.ScratchDir,
		Concurrency: cfg.Concurrency.APICalls,
		Retry:       &cfg.Retry,
	}
	if !opts.KeepScratch {
		defer collect.Cleanup(cfg.ScratchDir)
	}

	failed := collectAll(ctx, collector, accounts, cfg.Concurrency.Accounts)

	snapshots, err := collect.LoadSnapshots(cfg.ScratchDir)
	if err != nil {
		return err
	}

	synthesizer := synth.New(accounts, cfg.MinAccountsForWildcard)
	grouped := map[resourceKey]map[string]*provider.Resource{}
	for _, snap := range snapshots {
		identifier := synthesizer.Templatize(snap.Resource.Name, snap.AccountID)
		if !matchesAny(identifier, opts.Templates) {
			continue
		}
		key := resourceKey{kind: snap.Resource.Kind, identifier: identifier}
		if grouped[key] == nil {
			grouped[key] = map[string]*provider.Resource{}
		}
		grouped[key][snap.AccountID] = snap.Resource
	}

	existing, err := template.LoadAll(cfg.TemplatesDir)
	if err != nil {
		return err
	}
	existingByKey := map[string]*template.Template{}
	for _, t := range existing {
		existingByKey[template.ObservedKey(t.Kind(), t.Identifier)] = t
	}

	keys := make([]resourceKey, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].identifier < keys[j].identifier
	})

	observed := map[string]struct{}{}
	written := 0
	fileWrites := cfg.Concurrency.FileWrites
	if fileWrites <= 0 {
		fileWrites = 1
	}
	sem := make(chan struct{}, fileWrites)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var writeErrs []error
	for _, key := range keys {
		t := synthesizer.Synthesize(key.kind, key.identifier, grouped[key])
		observedKey := template.ObservedKey(key.kind, key.identifier)
		observed[observedKey] = struct{}{}
		if prior, ok := existingByKey[observedKey]; ok {
			template.MergeExisting(t, prior)
			// User-chosen file locations survive re-import.
			t.FilePath = prior.FilePath
		} else {
			t.FilePath = template.PathFor(t, cfg.TemplatesDir)
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(t *template.Template) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := template.Write(t); err != nil {
				mu.Lock()
				writeErrs = append(writeErrs, err)
				mu.Unlock()
				return
			}
			mu.Lock()
			written++
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	for _, err := range writeErrs {
		log.Error("failed to write template", "error", err)
	}
	if len(writeErrs) > 0 {
		return pkgerrors.Errorf("%d template writes failed", len(writeErrs))
	}
	log.Info("import complete", "templates", written, "accounts", len(accounts)-len(failed))

	if opts.Scoped() {
		log.Debug("scoped run, skipping prune")
	} else if len(failed) > 0 {
		log.Warn("skipping prune, some accounts failed collection", "failed", failed)
	} else if err := template.Prune(cfg.TemplatesDir, observed); err != nil {
		return err
	}

	if len(failed) > 0 {
		return pkgerrors.Errorf("collection failed for accounts: %v", failed)
	}
	return nil
}

// collectAll fans collection out across accounts with bounded concurrency and
// returns the ids of accounts that failed.
func collectAll(ctx context.Context, collector *collect.Collector, accounts []*account.Account, concurrency int) []string {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []string
	for _, acct := range accounts {
		wg.Add(1)
		sem <- struct{}{}
		go func(acct *account.Account) {
			defer wg.Done()
			defer func() { <-sem }()
			count, err := collector.Collect(ctx, acct, schema.AllKinds())
			if err != nil {
				log.Error("collection failed", "account", acct.ID, "error", err)
				mu.Lock()
				failed = append(failed, acct.ID)
				mu.Unlock()
				return
			}
			log.Info("collected account", "account", acct.ID, "resources", count)
		}(acct)
	}
	wg.Wait()
	sort.Strings(failed)
	return failed
}

func filterAccounts(accounts []*account.Account, filter []string) []*account.Account {
	if len(filter) == 0 {
		return accounts
	}
	wanted := map[string]struct{}{}
	for _, f := range filter {
		wanted[f] = struct{}{}
	}
	var out []*account.Account
	for _, acct := range accounts {
		if _, ok := wanted[acct.ID]; ok {
			out = append(out, acct)
			continue
		}
		if _, ok := wanted[acct.LowerName()]; ok && acct.Name != "" {
			out = append(out, acct)
		}
	}
	return out
}

func matchesAny(identifier string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		ok, err := doublestar.Match(pattern, identifier)
		if err != nil {
			log.Warn("invalid template pattern", "pattern", pattern, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// ExecuteDiscover prints the caller's AWS Organization accounts as YAML
// configuration entries ready to paste under `accounts:`.
func ExecuteDiscover(ctx context.Context, region string) error {
	accounts, err := account.DiscoverOrganization(ctx, region)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(map[string][]schema.AccountConfig{"accounts": accounts})
	if err != nil {
		return pkgerrors.Wrap(err, "marshaling discovered accounts")
	}
	fmt.Print(string(out))
	return nil
}
