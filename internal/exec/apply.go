package exec

import (
	"context"

	log "github.com/charmbracelet/log"
	pkgerrors "github.com/pkg/errors"

	"github.com/stratusops/iamsync/pkg/account"
	"github.com/stratusops/iamsync/pkg/converge"
	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/schema"
	"github.com/stratusops/iamsync/pkg/template"
)

// ApplyOptions carries everything a plan or apply run needs beyond the loaded
// configuration.
type ApplyOptions struct {
	Config  schema.Configuration
	Factory provider.Factory
	Mode    converge.Mode

	// Accounts restricts convergence to accounts matching any of the given ids
	// or names. Empty means all accounts.
	Accounts []string

	// Templates restricts the run to identifiers matching any of the given
	// glob patterns. Empty means every template.
	Templates []string
}

// ExecuteApply loads templates and converges live state onto them. In plan
// mode nothing is mutated; in execute mode changes are performed and template
// files whose soft-delete completed everywhere are removed. A non-nil error
// means at least one account saw exceptions.
func ExecuteApply(ctx context.Context, opts *ApplyOptions) error {
	cfg := opts.Config
	accounts := filterAccounts(account.FromConfigs(cfg.Accounts, cfg.Variables), opts.Accounts)
	if len(accounts) == 0 {
		return pkgerrors.New("no accounts match the requested filter")
	}

	all, err := template.LoadAll(cfg.TemplatesDir)
	if err != nil {
		return err
	}
	var templates []*template.Template
	for _, t := range all {
		if matchesAny(t.Identifier, opts.Templates) {
			templates = append(templates, t)
		}
	}
	if len(templates) == 0 {
		log.Info("no templates to converge", "dir", cfg.TemplatesDir)
		return nil
	}

	engine := &converge.Engine{
		Factory:          opts.Factory,
		Accounts:         accounts,
		Concurrency:      cfg.Concurrency.Accounts,
		PropagationDelay: cfg.PropagationDelay,
		Retry:            &cfg.Retry,
	}
	results := engine.Apply(ctx, templates, opts.Mode)

	PrintSummary(results, opts.Mode)

	failures := 0
	for _, result := range results {
		if result.HasErrors() {
			failures++
		}
		if opts.Mode == converge.ModeExecute && result.DeletedEverywhere {
			log.Info("removing fully deleted template", "file", result.FilePath)
			if err := template.Delete(&template.Template{FilePath: result.FilePath, Identifier: result.Identifier}); err != nil {
				log.Error("could not remove template file", "file", result.FilePath, "error", err)
				failures++
			}
		}
	}
	if failures > 0 {
		return pkgerrors.Errorf("%d of %d templates saw exceptions", failures, len(results))
	}
	return nil
}
