package converge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	errUtils "github.com/stratusops/iamsync/errors"
	"github.com/stratusops/iamsync/pkg/diff"
	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/retry"
	"github.com/stratusops/iamsync/pkg/schema"
	"github.com/stratusops/iamsync/pkg/template"
)

// reconcile diffs and converges every sub-resource category. Categories are
// independent provider resources, so they are dispatched concurrently; calls
// within a category run sequentially to keep attach/detach pairs ordered.
func (e *Engine) reconcile(ctx context.Context, svc provider.Service, current *provider.Resource, desired *template.Resolved, details *AccountChangeDetails, mode Mode) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	policiesChanged := false

	run := func(fn func() bool) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if fn() {
				mu.Lock()
				policiesChanged = true
				mu.Unlock()
			}
		}()
	}

	run(func() bool {
		e.reconcileTags(ctx, svc, current, desired, details, mode)
		return false
	})
	run(func() bool {
		return e.reconcileManagedPolicies(ctx, svc, current, desired, details, mode)
	})
	run(func() bool {
		return e.reconcileInlinePolicies(ctx, svc, current, desired, details, mode)
	})
	if current.Kind == schema.KindUser {
		run(func() bool {
			e.reconcileGroups(ctx, svc, current, desired, details, mode)
			return false
		})
	}
	if current.Kind == schema.KindPermissionSet {
		run(func() bool {
			e.reconcileAssignments(ctx, svc, current, desired, details, mode)
			return false
		})
	}
	wg.Wait()

	// Changes to a permission set's policies only take effect in accounts it
	// is already provisioned to after an explicit provision call.
	if current.Kind == schema.KindPermissionSet && policiesChanged && mode == ModeExecute {
		requestID, err := svc.ProvisionPermissionSet(ctx, current.Name)
		if err != nil {
			details.recordError(err)
			return
		}
		details.recordError(e.awaitOperation(ctx, requestID, svc.ProvisionStatus, errUtils.ErrProvisionFailed))
	}
}

// reconcileTags computes the symmetric difference of tag keys: keys absent
// from the template are untagged, keys with new or changed values retagged.
func (e *Engine) reconcileTags(ctx context.Context, svc provider.Service, current *provider.Resource, desired *template.Resolved, details *AccountChangeDetails, mode Mode) {
	var staleKeys []string
	for key, value := range current.Tags {
		if _, keep := desired.Tags[key]; !keep {
			staleKeys = append(staleKeys, key)
			details.add(ProposedChange{
				Type:         Detach,
				Attribute:    "tags",
				ResourceID:   current.Name,
				ResourceType: string(current.Kind),
				Current:      map[string]string{key: value},
			})
		}
	}
	newTags := map[string]string{}
	for key, value := range desired.Tags {
		if currentValue, ok := current.Tags[key]; !ok || currentValue != value {
			newTags[key] = value
			change := ProposedChange{
				Type:         Attach,
				Attribute:    "tags",
				ResourceID:   current.Name,
				ResourceType: string(current.Kind),
				New:          map[string]string{key: value},
			}
			if ok {
				change.Current = map[string]string{key: current.Tags[key]}
			}
			details.add(change)
		}
	}

	if mode != ModeExecute {
		return
	}
	if len(staleKeys) > 0 {
		sort.Strings(staleKeys)
		details.recordError(retry.OnThrottle(ctx, e.Retry, func() error {
			return svc.Untag(ctx, current.Kind, current.Name, staleKeys)
		}))
	}
	if len(newTags) > 0 {
		details.recordError(retry.OnThrottle(ctx, e.Retry, func() error {
			return svc.Tag(ctx, current.Kind, current.Name, newTags)
		}))
	}
}

// reconcileManagedPolicies diffs attachments by ARN set.
func (e *Engine) reconcileManagedPolicies(ctx context.Context, svc provider.Service, current *provider.Resource, desired *template.Resolved, details *AccountChangeDetails, mode Mode) bool {
	currentSet := lo.Uniq(current.ManagedPolicies)
	desiredSet := lo.Uniq(desired.ManagedPolicies)
	toAttach, toDetach := lo.Difference(desiredSet, currentSet)
	sort.Strings(toAttach)
	sort.Strings(toDetach)

	for _, arn := range toDetach {
		details.add(ProposedChange{
			Type:         Detach,
			Attribute:    "managed_policies",
			ResourceID:   current.Name,
			ResourceType: string(current.Kind),
			Current:      arn,
		})
		if mode == ModeExecute {
			details.recordError(retry.OnThrottle(ctx, e.Retry, func() error {
				return svc.DetachManagedPolicy(ctx, current.Kind, current.Name, arn)
			}))
		}
	}
	for _, arn := range toAttach {
		details.add(ProposedChange{
			Type:         Attach,
			Attribute:    "managed_policies",
			ResourceID:   current.Name,
			ResourceType: string(current.Kind),
			New:          arn,
		})
		if mode == ModeExecute {
			details.recordError(retry.OnThrottle(ctx, e.Retry, func() error {
				return svc.AttachManagedPolicy(ctx, current.Kind, current.Name, arn)
			}))
		}
	}
	return len(toAttach) > 0 || len(toDetach) > 0
}

// reconcileInlinePolicies compares policy documents structurally: a missing
// document is created, a drifted one updated, a stale one deleted.
func (e *Engine) reconcileInlinePolicies(ctx context.Context, svc provider.Service, current *provider.Resource, desired *template.Resolved, details *AccountChangeDetails, mode Mode) bool {
	changed := false

	var staleNames []string
	for name := range current.InlinePolicies {
		if _, keep := desired.InlinePolicies[name]; !keep {
			staleNames = append(staleNames, name)
		}
	}
	sort.Strings(staleNames)
	for _, name := range staleNames {
		changed = true
		details.add(ProposedChange{
			Type:         Delete,
			Attribute:    "inline_policies",
			ResourceID:   name,
			ResourceType: string(current.Kind),
			Current:      current.InlinePolicies[name],
		})
		if mode == ModeExecute {
			name := name
			details.recordError(retry.OnThrottle(ctx, e.Retry, func() error {
				return svc.DeleteInlinePolicy(ctx, current.Kind, current.Name, name)
			}))
		}
	}

	names := lo.Keys(desired.InlinePolicies)
	sort.Strings(names)
	for _, name := range names {
		doc := desired.InlinePolicies[name]
		currentDoc, exists := current.InlinePolicies[name]
		if exists {
			summary := diff.Deep(currentDoc, doc)
			if len(summary) == 0 {
				continue
			}
			changed = true
			details.add(ProposedChange{
				Type:         Update,
				Attribute:    "inline_policies",
				ResourceID:   name,
				ResourceType: string(current.Kind),
				Current:      currentDoc,
				New:          doc,
				Summary:      summary,
			})
		} else {
			changed = true
			details.add(ProposedChange{
				Type:         Create,
				Attribute:    "inline_policies",
				ResourceID:   name,
				ResourceType: string(current.Kind),
				New:          doc,
			})
		}
		if mode == ModeExecute {
			name, doc := name, doc
			details.recordError(retry.OnThrottle(ctx, e.Retry, func() error {
				return svc.PutInlinePolicy(ctx, current.Kind, current.Name, name, doc)
			}))
		}
	}
	return changed
}

// reconcileGroups diffs a user's group memberships.
func (e *Engine) reconcileGroups(ctx context.Context, svc provider.Service, current *provider.Resource, desired *template.Resolved, details *AccountChangeDetails, mode Mode) {
	toJoin, toLeave := lo.Difference(lo.Uniq(desired.Groups), lo.Uniq(current.Groups))
	sort.Strings(toJoin)
	sort.Strings(toLeave)

	for _, group := range toLeave {
		details.add(ProposedChange{
			Type:         Detach,
			Attribute:    "groups",
			ResourceID:   current.Name,
			ResourceType: string(current.Kind),
			Current:      group,
		})
		if mode == ModeExecute {
			group := group
			details.recordError(retry.OnThrottle(ctx, e.Retry, func() error {
				return svc.RemoveUserFromGroup(ctx, current.Name, group)
			}))
		}
	}
	for _, group := range toJoin {
		details.add(ProposedChange{
			Type:         Attach,
			Attribute:    "groups",
			ResourceID:   current.Name,
			ResourceType: string(current.Kind),
			New:          group,
		})
		if mode == ModeExecute {
			group := group
			details.recordError(retry.OnThrottle(ctx, e.Retry, func() error {
				return svc.AddUserToGroup(ctx, current.Name, group)
			}))
		}
	}
}

// reconcileAssignments diffs a permission set's account assignments. Desired
// principals come from the template's access rules, with names resolved to
// provider ids. Assignment creation and deletion are asynchronous on the
// provider side; each operation is polled until it leaves IN_PROGRESS.
func (e *Engine) reconcileAssignments(ctx context.Context, svc provider.Service, current *provider.Resource, desired *template.Resolved, details *AccountChangeDetails, mode Mode) {
	type principal struct {
		kind provider.PrincipalType
		name string
	}
	var wanted []principal
	for _, rule := range desired.AccessRules {
		for _, user := range rule.Users {
			wanted = append(wanted, principal{kind: provider.PrincipalUser, name: user})
		}
		for _, group := range rule.Groups {
			wanted = append(wanted, principal{kind: provider.PrincipalGroup, name: group})
		}
	}

	desiredSet := map[provider.Assignment]string{}
	for _, p := range lo.Uniq(wanted) {
		id, err := svc.ResolvePrincipal(ctx, p.kind, p.name)
		if err != nil {
			details.recordError(fmt.Errorf("resolving %s %q: %w", p.kind, p.name, err))
			continue
		}
		desiredSet[provider.Assignment{PrincipalType: p.kind, PrincipalID: id}] = p.name
	}

	currentSet := map[provider.Assignment]struct{}{}
	for _, a := range current.Assignments {
		currentSet[provider.Assignment{PrincipalType: a.PrincipalType, PrincipalID: a.PrincipalID}] = struct{}{}
	}

	var toDelete []provider.Assignment
	for a := range currentSet {
		if _, keep := desiredSet[a]; !keep {
			toDelete = append(toDelete, a)
		}
	}
	var toCreate []provider.Assignment
	for a := range desiredSet {
		if _, exists := currentSet[a]; !exists {
			toCreate = append(toCreate, a)
		}
	}
	sort.Slice(toDelete, func(i, j int) bool { return assignmentLess(toDelete[i], toDelete[j]) })
	sort.Slice(toCreate, func(i, j int) bool { return assignmentLess(toCreate[i], toCreate[j]) })

	for _, a := range toDelete {
		details.add(ProposedChange{
			Type:         Detach,
			Attribute:    "access_rules",
			ResourceID:   current.Name,
			ResourceType: string(current.Kind),
			Current:      fmt.Sprintf("%s:%s", a.PrincipalType, a.PrincipalID),
		})
		if mode == ModeExecute {
			requestID, err := svc.DeleteAssignment(ctx, current.Name, a)
			if err != nil {
				details.recordError(err)
				continue
			}
			details.recordError(e.awaitOperation(ctx, requestID, svc.AssignmentStatus, errUtils.ErrAssignmentFailed))
		}
	}
	for _, a := range toCreate {
		details.add(ProposedChange{
			Type:         Attach,
			Attribute:    "access_rules",
			ResourceID:   current.Name,
			ResourceType: string(current.Kind),
			New:          fmt.Sprintf("%s:%s (%s)", a.PrincipalType, a.PrincipalID, desiredSet[a]),
		})
		if mode == ModeExecute {
			requestID, err := svc.CreateAssignment(ctx, current.Name, a)
			if err != nil {
				details.recordError(err)
				continue
			}
			details.recordError(e.awaitOperation(ctx, requestID, svc.AssignmentStatus, errUtils.ErrAssignmentFailed))
		}
	}
}

func assignmentLess(a, b provider.Assignment) bool {
	if a.PrincipalType != b.PrincipalType {
		return a.PrincipalType < b.PrincipalType
	}
	return a.PrincipalID < b.PrincipalID
}

// awaitOperation polls an async operation's status until it leaves
// IN_PROGRESS, with a bounded number of polls and a short sleep between them.
func (e *Engine) awaitOperation(ctx context.Context, requestID string, status func(context.Context, string) (provider.OpStatus, error), failure error) error {
	interval := e.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	for i := 0; i < asyncPollLimit; i++ {
		st, err := status(ctx, requestID)
		if err != nil {
			return err
		}
		switch st.State {
		case provider.OpSucceeded:
			return nil
		case provider.OpFailed:
			return fmt.Errorf("%w: %s", failure, st.FailureReason)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%w: still in progress after %d polls", failure, asyncPollLimit)
}

// deleteResource removes a live resource: sub-resources first (detachments,
// inline policy and membership removal, assignment deletion), then the
// primary resource.
func (e *Engine) deleteResource(ctx context.Context, svc provider.Service, current *provider.Resource, details *AccountChangeDetails) error {
	for _, arn := range current.ManagedPolicies {
		arn := arn
		if err := retry.OnThrottle(ctx, e.Retry, func() error {
			return svc.DetachManagedPolicy(ctx, current.Kind, current.Name, arn)
		}); err != nil {
			return err
		}
	}
	for name := range current.InlinePolicies {
		name := name
		if err := retry.OnThrottle(ctx, e.Retry, func() error {
			return svc.DeleteInlinePolicy(ctx, current.Kind, current.Name, name)
		}); err != nil {
			return err
		}
	}
	if current.Kind == schema.KindUser {
		for _, group := range current.Groups {
			group := group
			if err := retry.OnThrottle(ctx, e.Retry, func() error {
				return svc.RemoveUserFromGroup(ctx, current.Name, group)
			}); err != nil {
				return err
			}
		}
	}
	if current.Kind == schema.KindPermissionSet {
		for _, a := range current.Assignments {
			requestID, err := svc.DeleteAssignment(ctx, current.Name, a)
			if err != nil {
				return err
			}
			if err := e.awaitOperation(ctx, requestID, svc.AssignmentStatus, errUtils.ErrAssignmentFailed); err != nil {
				return err
			}
		}
	}
	return retry.OnThrottle(ctx, e.Retry, func() error {
		return svc.DeleteResource(ctx, current.Kind, current.Name)
	})
}
