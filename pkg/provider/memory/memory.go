// Package memory implements an in-memory provider.Service used in tests and
// dry runs against fixture state.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/stratusops/iamsync/pkg/account"
	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/schema"
)

// Store holds the fake provider state for one account.
type Store struct {
	mu        sync.Mutex
	resources map[schema.ResourceKind]map[string]*provider.Resource
	// assignments keyed by permission set name.
	assignments map[string][]provider.Assignment
	// principals keyed by type then name.
	principals map[provider.PrincipalType]map[string]string
	// ops tracks in-flight async operations: remaining polls until success.
	ops        map[string]int
	opFailures map[string]string
	nextOp     int

	// FailOn, when set, is consulted before every mutating or listing call
	// with the operation name and its arguments; a non-nil return is
	// surfaced as the call's error. Used to exercise partial-failure paths.
	FailOn func(op string, args ...string) error

	// PendingPolls is how many status polls an async operation stays
	// IN_PROGRESS before succeeding.
	PendingPolls int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		resources:   map[schema.ResourceKind]map[string]*provider.Resource{},
		assignments: map[string][]provider.Assignment{},
		principals:  map[provider.PrincipalType]map[string]string{},
		ops:         map[string]int{},
		opFailures:  map[string]string{},
	}
}

// Factory returns a provider.Factory handing out per-account stores,
// creating an empty store the first time an account is seen.
func Factory(stores map[string]*Store) provider.Factory {
	var mu sync.Mutex
	return func(ctx context.Context, acct *account.Account) (provider.Service, error) {
		mu.Lock()
		defer mu.Unlock()
		store, ok := stores[acct.ID]
		if !ok {
			store = New()
			stores[acct.ID] = store
		}
		return store, nil
	}
}

// Seed inserts a resource, replacing any existing one with the same name.
func (s *Store) Seed(r *provider.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(copyResource(r))
}

// SeedPrincipal registers a principal name to id mapping.
func (s *Store) SeedPrincipal(principalType provider.PrincipalType, name, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principals[principalType] == nil {
		s.principals[principalType] = map[string]string{}
	}
	s.principals[principalType][name] = id
}

func (s *Store) put(r *provider.Resource) {
	if s.resources[r.Kind] == nil {
		s.resources[r.Kind] = map[string]*provider.Resource{}
	}
	s.resources[r.Kind][r.Name] = r
}

func (s *Store) fail(op string, args ...string) error {
	if s.FailOn != nil {
		return s.FailOn(op, args...)
	}
	return nil
}

func (s *Store) ListResources(ctx context.Context, kind schema.ResourceKind) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListResources", string(kind)); err != nil {
		return nil, err
	}
	var names []string
	for name := range s.resources[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) GetResource(ctx context.Context, kind schema.ResourceKind, name string) (*provider.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetResource", string(kind), name); err != nil {
		return nil, err
	}
	r, ok := s.resources[kind][name]
	if !ok {
		return nil, nil
	}
	out := copyResource(r)
	if kind == schema.KindPermissionSet {
		out.Assignments = append([]provider.Assignment(nil), s.assignments[name]...)
	}
	return out, nil
}

func (s *Store) CreateResource(ctx context.Context, resource *provider.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateResource", string(resource.Kind), resource.Name); err != nil {
		return err
	}
	s.put(copyResource(resource))
	return nil
}

func (s *Store) UpdateResource(ctx context.Context, kind schema.ResourceKind, name string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdateResource", string(kind), name); err != nil {
		return err
	}
	r, ok := s.resources[kind][name]
	if !ok {
		return fmt.Errorf("resource %s/%s not found", kind, name)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var asMap map[string]any
	if err := json.Unmarshal(data, &asMap); err != nil {
		return err
	}
	for k, v := range fields {
		asMap[k] = v
	}
	merged, err := json.Marshal(asMap)
	if err != nil {
		return err
	}
	var updated provider.Resource
	if err := json.Unmarshal(merged, &updated); err != nil {
		return err
	}
	s.put(&updated)
	return nil
}

func (s *Store) DeleteResource(ctx context.Context, kind schema.ResourceKind, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteResource", string(kind), name); err != nil {
		return err
	}
	delete(s.resources[kind], name)
	if kind == schema.KindPermissionSet {
		delete(s.assignments, name)
	}
	return nil
}

func (s *Store) AttachManagedPolicy(ctx context.Context, kind schema.ResourceKind, name, policyARN string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AttachManagedPolicy", string(kind), name, policyARN); err != nil {
		return err
	}
	r, ok := s.resources[kind][name]
	if !ok {
		return fmt.Errorf("resource %s/%s not found", kind, name)
	}
	for _, arn := range r.ManagedPolicies {
		if arn == policyARN {
			return nil
		}
	}
	r.ManagedPolicies = append(r.ManagedPolicies, policyARN)
	return nil
}

func (s *Store) DetachManagedPolicy(ctx context.Context, kind schema.ResourceKind, name, policyARN string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DetachManagedPolicy", string(kind), name, policyARN); err != nil {
		return err
	}
	r, ok := s.resources[kind][name]
	if !ok {
		return nil
	}
	kept := r.ManagedPolicies[:0]
	for _, arn := range r.ManagedPolicies {
		if arn != policyARN {
			kept = append(kept, arn)
		}
	}
	r.ManagedPolicies = kept
	return nil
}

func (s *Store) PutInlinePolicy(ctx context.Context, kind schema.ResourceKind, name, policyName string, doc map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("PutInlinePolicy", string(kind), name, policyName); err != nil {
		return err
	}
	r, ok := s.resources[kind][name]
	if !ok {
		return fmt.Errorf("resource %s/%s not found", kind, name)
	}
	if r.InlinePolicies == nil {
		r.InlinePolicies = map[string]map[string]any{}
	}
	r.InlinePolicies[policyName] = copyDocument(doc)
	return nil
}

func (s *Store) DeleteInlinePolicy(ctx context.Context, kind schema.ResourceKind, name, policyName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteInlinePolicy", string(kind), name, policyName); err != nil {
		return err
	}
	if r, ok := s.resources[kind][name]; ok {
		delete(r.InlinePolicies, policyName)
	}
	return nil
}

func (s *Store) Tag(ctx context.Context, kind schema.ResourceKind, name string, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Tag", string(kind), name); err != nil {
		return err
	}
	r, ok := s.resources[kind][name]
	if !ok {
		return fmt.Errorf("resource %s/%s not found", kind, name)
	}
	if r.Tags == nil {
		r.Tags = map[string]string{}
	}
	for k, v := range tags {
		r.Tags[k] = v
	}
	return nil
}

func (s *Store) Untag(ctx context.Context, kind schema.ResourceKind, name string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Untag", string(kind), name); err != nil {
		return err
	}
	if r, ok := s.resources[kind][name]; ok {
		for _, k := range keys {
			delete(r.Tags, k)
		}
	}
	return nil
}

func (s *Store) AddUserToGroup(ctx context.Context, user, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AddUserToGroup", user, group); err != nil {
		return err
	}
	r, ok := s.resources[schema.KindUser][user]
	if !ok {
		return fmt.Errorf("user %s not found", user)
	}
	for _, g := range r.Groups {
		if g == group {
			return nil
		}
	}
	r.Groups = append(r.Groups, group)
	return nil
}

func (s *Store) RemoveUserFromGroup(ctx context.Context, user, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RemoveUserFromGroup", user, group); err != nil {
		return err
	}
	if r, ok := s.resources[schema.KindUser][user]; ok {
		kept := r.Groups[:0]
		for _, g := range r.Groups {
			if g != group {
				kept = append(kept, g)
			}
		}
		r.Groups = kept
	}
	return nil
}

func (s *Store) ListAssignments(ctx context.Context, permissionSet string) ([]provider.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListAssignments", permissionSet); err != nil {
		return nil, err
	}
	return append([]provider.Assignment(nil), s.assignments[permissionSet]...), nil
}

func (s *Store) CreateAssignment(ctx context.Context, permissionSet string, assignment provider.Assignment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateAssignment", permissionSet, string(assignment.PrincipalType), assignment.PrincipalID); err != nil {
		return "", err
	}
	s.assignments[permissionSet] = append(s.assignments[permissionSet], assignment)
	return s.newOp(), nil
}

func (s *Store) DeleteAssignment(ctx context.Context, permissionSet string, assignment provider.Assignment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteAssignment", permissionSet, string(assignment.PrincipalType), assignment.PrincipalID); err != nil {
		return "", err
	}
	kept := s.assignments[permissionSet][:0]
	for _, a := range s.assignments[permissionSet] {
		if a.PrincipalType != assignment.PrincipalType || a.PrincipalID != assignment.PrincipalID {
			kept = append(kept, a)
		}
	}
	s.assignments[permissionSet] = kept
	return s.newOp(), nil
}

func (s *Store) AssignmentStatus(ctx context.Context, requestID string) (provider.OpStatus, error) {
	return s.opStatus(requestID)
}

func (s *Store) ProvisionPermissionSet(ctx context.Context, permissionSet string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ProvisionPermissionSet", permissionSet); err != nil {
		return "", err
	}
	return s.newOp(), nil
}

func (s *Store) ProvisionStatus(ctx context.Context, requestID string) (provider.OpStatus, error) {
	return s.opStatus(requestID)
}

func (s *Store) ResolvePrincipal(ctx context.Context, principalType provider.PrincipalType, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.principals[principalType][name]
	if !ok {
		return "", fmt.Errorf("principal %s %q not found", principalType, name)
	}
	return id, nil
}

// FailOp marks the next created async operation as terminally failed with the
// given reason.
func (s *Store) FailOp(requestID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opFailures[requestID] = reason
}

func (s *Store) newOp() string {
	s.nextOp++
	id := fmt.Sprintf("op-%d", s.nextOp)
	s.ops[id] = s.PendingPolls
	return id
}

func (s *Store) opStatus(requestID string) (provider.OpStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason, ok := s.opFailures[requestID]; ok {
		return provider.OpStatus{State: provider.OpFailed, FailureReason: reason}, nil
	}
	remaining, ok := s.ops[requestID]
	if !ok {
		return provider.OpStatus{}, fmt.Errorf("unknown operation %s", requestID)
	}
	if remaining <= 0 {
		return provider.OpStatus{State: provider.OpSucceeded}, nil
	}
	s.ops[requestID] = remaining - 1
	return provider.OpStatus{State: provider.OpInProgress}, nil
}

func copyResource(r *provider.Resource) *provider.Resource {
	data, err := json.Marshal(r)
	if err != nil {
		out := *r
		return &out
	}
	var copied provider.Resource
	if err := json.Unmarshal(data, &copied); err != nil {
		out := *r
		return &out
	}
	return &copied
}

func copyDocument(doc map[string]any) map[string]any {
	data, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	var copied map[string]any
	if err := json.Unmarshal(data, &copied); err != nil {
		return doc
	}
	return copied
}
