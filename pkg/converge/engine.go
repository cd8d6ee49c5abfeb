// Package converge computes and optionally executes the minimal set of
// changes needed to make live account state match template-declared state.
package converge

import (
	"context"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/stratusops/iamsync/pkg/account"
	"github.com/stratusops/iamsync/pkg/diff"
	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/retry"
	"github.com/stratusops/iamsync/pkg/schema"
	"github.com/stratusops/iamsync/pkg/template"
)

const (
	defaultAccountConcurrency = 10
	defaultPropagationDelay   = 5 * time.Second
	defaultPollInterval       = 2 * time.Second

	// asyncPollLimit bounds status polling of asynchronous provider
	// operations (account assignments, permission set provisioning).
	asyncPollLimit = 30
)

// Engine converges templates onto accounts.
type Engine struct {
	Factory  provider.Factory
	Accounts []*account.Account

	// Concurrency bounds the per-template account fan-out.
	Concurrency int

	// PropagationDelay is the pause between dependency-ordered kind batches,
	// letting provider-side eventual consistency catch up before dependents
	// reference freshly created resources.
	PropagationDelay time.Duration

	// PollInterval is the sleep between status polls of async operations.
	PollInterval time.Duration

	Retry *schema.RetryConfig

	// Clock is the time source for expiry evaluation; nil means time.Now.
	Clock func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// Apply converges every template in dependency-ordered batches: managed
// policies before groups and permission sets, which precede roles and users
// that may reference them. Within a batch, templates and their accounts run
// concurrently with bounded fan-out. One result per template is returned, in
// input order.
func (e *Engine) Apply(ctx context.Context, templates []*template.Template, mode Mode) []*TemplateChangeDetails {
	byKind := map[schema.ResourceKind][]*template.Template{}
	for _, t := range templates {
		byKind[t.Kind()] = append(byKind[t.Kind()], t)
	}

	concurrency := e.Concurrency
	if concurrency <= 0 {
		concurrency = defaultAccountConcurrency
	}

	results := map[*template.Template]*TemplateChangeDetails{}
	ranBatch := false
	for _, kind := range schema.AllKinds() {
		batch := byKind[kind]
		if len(batch) == 0 {
			continue
		}
		if ranBatch && mode == ModeExecute {
			delay := e.PropagationDelay
			if delay <= 0 {
				delay = defaultPropagationDelay
			}
			log.Debug("waiting for provider propagation before next batch", "kind", kind, "delay", delay)
			time.Sleep(delay)
		}
		ranBatch = true

		sem := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, t := range batch {
			wg.Add(1)
			sem <- struct{}{}
			go func(t *template.Template) {
				defer wg.Done()
				defer func() { <-sem }()
				details := e.applyTemplate(ctx, t, mode)
				mu.Lock()
				results[t] = details
				mu.Unlock()
			}(t)
		}
		wg.Wait()
	}

	out := make([]*TemplateChangeDetails, 0, len(templates))
	for _, t := range templates {
		if details, ok := results[t]; ok {
			out = append(out, details)
		}
	}
	return out
}

// applyTemplate reconciles one template against every applicable account.
// Account failures are isolated: an account that errors contributes its
// exceptions without aborting its siblings.
func (e *Engine) applyTemplate(ctx context.Context, t *template.Template, mode Mode) *TemplateChangeDetails {
	details := &TemplateChangeDetails{
		Identifier:   t.Identifier,
		TemplateType: t.TemplateType,
		FilePath:     t.FilePath,
	}

	concurrency := e.Concurrency
	if concurrency <= 0 {
		concurrency = defaultAccountConcurrency
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	deletedEverywhere := t.Scope.Deleted || t.Scope.Expired(e.now())

	for _, acct := range e.Accounts {
		wg.Add(1)
		sem <- struct{}{}
		go func(acct *account.Account) {
			defer wg.Done()
			defer func() { <-sem }()

			acctDetails, confirmedAbsent := e.applyToAccount(ctx, t, acct, mode)
			if acctDetails == nil {
				return
			}
			acctDetails.finish()
			mu.Lock()
			details.Accounts = append(details.Accounts, acctDetails)
			if !confirmedAbsent {
				deletedEverywhere = false
			}
			mu.Unlock()
		}(acct)
	}
	wg.Wait()

	details.finish()
	details.DeletedEverywhere = deletedEverywhere && !details.HasErrors() && len(details.Accounts) > 0
	return details
}

// applyToAccount runs the per-(template, account) state machine. The second
// return value is true when the template is soft-deleted and the live
// resource is confirmed absent after this account's reconciliation.
func (e *Engine) applyToAccount(ctx context.Context, t *template.Template, acct *account.Account, mode Mode) (*AccountChangeDetails, bool) {
	resolved, applies := template.Render(t, acct, e.now())
	if !applies {
		return nil, true
	}

	details := &AccountChangeDetails{Account: acct.ID}

	// Read-only accounts are converged in plan mode regardless of the
	// requested mode.
	if acct.ReadOnly && mode == ModeExecute {
		log.Debug("account is read-only, computing changes without executing", "account", acct.ID)
		mode = ModePlan
	}

	svc, err := e.Factory(ctx, acct)
	if err != nil {
		details.recordError(err)
		return details, false
	}

	var current *provider.Resource
	err = retry.OnThrottle(ctx, e.Retry, func() error {
		var getErr error
		current, getErr = svc.GetResource(ctx, resolved.Kind, resolved.Name)
		return getErr
	})
	if err != nil {
		details.recordError(err)
		return details, false
	}

	switch {
	case resolved.Deleted && current == nil:
		// Desired absent, already absent.
		return details, true

	case resolved.Deleted:
		details.add(ProposedChange{
			Type:         Delete,
			ResourceID:   resolved.Name,
			ResourceType: t.TemplateType,
			Current:      current.ARN,
		})
		if mode != ModeExecute {
			return details, false
		}
		if err := e.deleteResource(ctx, svc, current, details); err != nil {
			details.recordError(err)
			return details, false
		}
		return details, true

	case current == nil:
		details.add(ProposedChange{
			Type:         Create,
			ResourceID:   resolved.Name,
			ResourceType: t.TemplateType,
			New:          resolved.Name,
		})
		if mode != ModeExecute {
			// Sub-resource diffs need a live resource to diff against.
			return details, false
		}
		if err := svc.CreateResource(ctx, specFromResolved(resolved)); err != nil {
			details.recordError(err)
			return details, false
		}
		// Reconcile sub-resources against an empty baseline.
		current = &provider.Resource{Kind: resolved.Kind, Name: resolved.Name}
		e.reconcile(ctx, svc, current, resolved, details, mode)
		return details, false

	default:
		e.reconcileAttributes(ctx, svc, current, resolved, details, mode)
		e.reconcile(ctx, svc, current, resolved, details, mode)
		return details, false
	}
}

// specFromResolved maps a rendered template to the provider's create spec.
// Sub-resources are attached afterwards by reconciliation.
func specFromResolved(r *template.Resolved) *provider.Resource {
	return &provider.Resource{
		Kind:                     r.Kind,
		Name:                     r.Name,
		Path:                     r.Path,
		Description:              r.Description,
		MaxSessionDuration:       r.MaxSessionDuration,
		PermissionsBoundary:      r.PermissionsBoundary,
		AssumeRolePolicyDocument: r.AssumeRolePolicyDocument,
		PolicyDocument:           r.PolicyDocument,
		SessionDuration:          r.SessionDuration,
		RelayState:               r.RelayState,
	}
}

// reconcileAttributes diffs the resource's own updatable attributes and
// issues a single update for the ones that drifted.
func (e *Engine) reconcileAttributes(ctx context.Context, svc provider.Service, current *provider.Resource, desired *template.Resolved, details *AccountChangeDetails, mode Mode) {
	fields := map[string]any{}

	compareScalar := func(attribute string, currentVal, desiredVal any, field string) {
		summary := diff.Deep(currentVal, desiredVal)
		if len(summary) == 0 {
			return
		}
		details.add(ProposedChange{
			Type:         Update,
			Attribute:    attribute,
			ResourceID:   current.Name,
			ResourceType: string(current.Kind),
			Current:      currentVal,
			New:          desiredVal,
			Summary:      summary,
		})
		fields[field] = desiredVal
	}

	if desired.Description != "" || current.Description != "" {
		compareScalar("description", current.Description, desired.Description, "description")
	}
	switch current.Kind {
	case schema.KindRole:
		if desired.MaxSessionDuration != 0 {
			compareScalar("max_session_duration", current.MaxSessionDuration, desired.MaxSessionDuration, "max_session_duration")
		}
		if desired.AssumeRolePolicyDocument != nil {
			compareScalar("assume_role_policy_document", current.AssumeRolePolicyDocument, desired.AssumeRolePolicyDocument, "assume_role_policy_document")
		}
	case schema.KindManagedPolicy:
		if desired.PolicyDocument != nil {
			compareScalar("policy_document", current.PolicyDocument, desired.PolicyDocument, "policy_document")
		}
	case schema.KindPermissionSet:
		if desired.SessionDuration != "" || current.SessionDuration != "" {
			compareScalar("session_duration", current.SessionDuration, desired.SessionDuration, "session_duration")
		}
		if desired.RelayState != "" || current.RelayState != "" {
			compareScalar("relay_state", current.RelayState, desired.RelayState, "relay_state")
		}
	}

	if len(fields) == 0 || mode != ModeExecute {
		return
	}
	err := retry.OnThrottle(ctx, e.Retry, func() error {
		return svc.UpdateResource(ctx, current.Kind, current.Name, fields)
	})
	details.recordError(err)
}
