package provider

import (
	"context"

	"github.com/stratusops/iamsync/pkg/account"
	"github.com/stratusops/iamsync/pkg/schema"
)

// Resource is the normalized provider response for one resource instance and
// its sub-resources. The collector persists it as a snapshot; the convergence
// engine reads it as live state.
type Resource struct {
	Kind schema.ResourceKind `json:"kind"`
	Name string              `json:"name"`
	ARN  string              `json:"arn,omitempty"`

	Path                     string                    `json:"path,omitempty"`
	Description              string                    `json:"description,omitempty"`
	MaxSessionDuration       int                       `json:"max_session_duration,omitempty"`
	PermissionsBoundary      string                    `json:"permissions_boundary,omitempty"`
	AssumeRolePolicyDocument map[string]any            `json:"assume_role_policy_document,omitempty"`
	PolicyDocument           map[string]any            `json:"policy_document,omitempty"`
	SessionDuration          string                    `json:"session_duration,omitempty"`
	RelayState               string                    `json:"relay_state,omitempty"`
	Tags                     map[string]string         `json:"tags,omitempty"`
	ManagedPolicies          []string                  `json:"managed_policies,omitempty"`
	InlinePolicies           map[string]map[string]any `json:"inline_policies,omitempty"`
	Groups                   []string                  `json:"groups,omitempty"`
	Assignments              []Assignment              `json:"assignments,omitempty"`
}

// PrincipalType distinguishes Identity Center principal kinds.
type PrincipalType string

const (
	PrincipalUser  PrincipalType = "USER"
	PrincipalGroup PrincipalType = "GROUP"
)

// Assignment is one (principal type, principal id) account assignment on a
// permission set, scoped to the service's account.
type Assignment struct {
	PrincipalType PrincipalType `json:"principal_type"`
	PrincipalID   string        `json:"principal_id"`

	// PrincipalName is the human-readable principal name, resolved at
	// collection time for template synthesis. Empty on the converge read
	// path, where reconciliation compares provider ids.
	PrincipalName string `json:"principal_name,omitempty"`
}

// OpState is the lifecycle state of an asynchronous provider operation.
type OpState string

const (
	OpInProgress OpState = "IN_PROGRESS"
	OpSucceeded  OpState = "SUCCEEDED"
	OpFailed     OpState = "FAILED"
)

// OpStatus is the polled status of an asynchronous provider operation.
type OpStatus struct {
	State         OpState
	FailureReason string
}

// Service is the CRUD contract the core consumes from a provider, scoped to
// one account. Pagination, credential handling and provider-specific error
// shapes are collaborator concerns hidden behind this interface; absence on
// read is signalled by (nil, nil), not an error.
type Service interface {
	ListResources(ctx context.Context, kind schema.ResourceKind) ([]string, error)
	GetResource(ctx context.Context, kind schema.ResourceKind, name string) (*Resource, error)
	CreateResource(ctx context.Context, resource *Resource) error
	UpdateResource(ctx context.Context, kind schema.ResourceKind, name string, fields map[string]any) error
	DeleteResource(ctx context.Context, kind schema.ResourceKind, name string) error

	AttachManagedPolicy(ctx context.Context, kind schema.ResourceKind, name, policyARN string) error
	DetachManagedPolicy(ctx context.Context, kind schema.ResourceKind, name, policyARN string) error
	PutInlinePolicy(ctx context.Context, kind schema.ResourceKind, name, policyName string, doc map[string]any) error
	DeleteInlinePolicy(ctx context.Context, kind schema.ResourceKind, name, policyName string) error
	Tag(ctx context.Context, kind schema.ResourceKind, name string, tags map[string]string) error
	Untag(ctx context.Context, kind schema.ResourceKind, name string, keys []string) error

	AddUserToGroup(ctx context.Context, user, group string) error
	RemoveUserFromGroup(ctx context.Context, user, group string) error

	ListAssignments(ctx context.Context, permissionSet string) ([]Assignment, error)
	CreateAssignment(ctx context.Context, permissionSet string, assignment Assignment) (string, error)
	DeleteAssignment(ctx context.Context, permissionSet string, assignment Assignment) (string, error)
	AssignmentStatus(ctx context.Context, requestID string) (OpStatus, error)
	ProvisionPermissionSet(ctx context.Context, permissionSet string) (string, error)
	ProvisionStatus(ctx context.Context, requestID string) (OpStatus, error)

	ResolvePrincipal(ctx context.Context, principalType PrincipalType, name string) (string, error)
}

// Factory resolves the Service for one account. Implementations construct
// authenticated clients through the account's client cache.
type Factory func(ctx context.Context, acct *account.Account) (Service, error)
