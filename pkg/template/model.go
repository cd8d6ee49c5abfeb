package template

import (
	"github.com/stratusops/iamsync/pkg/schema"
)

// Template types written to the `template_type` discriminator field.
const (
	TypeRole          = "aws:iam:role"
	TypeUser          = "aws:iam:user"
	TypeGroup         = "aws:iam:group"
	TypeManagedPolicy = "aws:iam:managed_policy"
	TypePermissionSet = "aws:identity_center:permission_set"
)

var kindByType = map[string]schema.ResourceKind{
	TypeRole:          schema.KindRole,
	TypeUser:          schema.KindUser,
	TypeGroup:         schema.KindGroup,
	TypeManagedPolicy: schema.KindManagedPolicy,
	TypePermissionSet: schema.KindPermissionSet,
}

var typeByKind = map[schema.ResourceKind]string{
	schema.KindRole:          TypeRole,
	schema.KindUser:          TypeUser,
	schema.KindGroup:         TypeGroup,
	schema.KindManagedPolicy: TypeManagedPolicy,
	schema.KindPermissionSet: TypePermissionSet,
}

// KindForType maps a template_type string to its resource kind.
func KindForType(templateType string) (schema.ResourceKind, bool) {
	kind, ok := kindByType[templateType]
	return kind, ok
}

// TypeForKind maps a resource kind to its template_type string.
func TypeForKind(kind schema.ResourceKind) string {
	return typeByKind[kind]
}

// Template is the durable, git-stored desired-state declaration for one
// logical resource, possibly spanning many accounts. The inline Scope scopes
// the whole resource; individual attributes carry their own scopes.
type Template struct {
	TemplateType string       `yaml:"template_type"`
	Identifier   string       `yaml:"identifier"`
	Scope        schema.Scope `yaml:",inline"`
	Properties   Properties   `yaml:"properties"`

	// FilePath is where the template was loaded from or will be written to.
	FilePath string `yaml:"-"`
}

// Kind returns the template's resource kind.
func (t *Template) Kind() schema.ResourceKind {
	return kindByType[t.TemplateType]
}

// Properties is the resource-kind-specific properties object. A single struct
// with omitempty fields covers all kinds; the kind determines which fields are
// meaningful and the engine matches kinds exhaustively.
type Properties struct {
	Path                     StringAttr         `yaml:"path,omitempty"`
	Description              StringAttr         `yaml:"description,omitempty"`
	MaxSessionDuration       IntAttr            `yaml:"max_session_duration,omitempty"`
	PermissionsBoundary      StringAttr         `yaml:"permissions_boundary,omitempty"`
	AssumeRolePolicyDocument DocumentAttr       `yaml:"assume_role_policy_document,omitempty"`
	PolicyDocument           DocumentAttr       `yaml:"policy_document,omitempty"`
	Tags                     []Tag              `yaml:"tags,omitempty"`
	ManagedPolicies          []ManagedPolicyRef `yaml:"managed_policies,omitempty"`
	InlinePolicies           []InlinePolicy     `yaml:"inline_policies,omitempty"`
	Groups                   []Membership       `yaml:"groups,omitempty"`
	SessionDuration          StringAttr         `yaml:"session_duration,omitempty"`
	RelayState               StringAttr         `yaml:"relay_state,omitempty"`
	AccessRules              []AccessRule       `yaml:"access_rules,omitempty"`
}

// StringValue is one access-scoped variant of a string attribute.
type StringValue struct {
	Value        string `yaml:"resource_val"`
	schema.Scope `yaml:",inline"`
}

func (v StringValue) GetScope() *schema.Scope { return &v.Scope }

// IntValue is one access-scoped variant of an integer attribute.
type IntValue struct {
	Value        int `yaml:"resource_val"`
	schema.Scope `yaml:",inline"`
}

func (v IntValue) GetScope() *schema.Scope { return &v.Scope }

// DocumentValue is one access-scoped variant of a policy document attribute.
type DocumentValue struct {
	Document     map[string]any `yaml:"document"`
	schema.Scope `yaml:",inline"`
}

func (v DocumentValue) GetScope() *schema.Scope { return &v.Scope }

// Tag is one key/value tag, scoped to the accounts that carry it.
type Tag struct {
	Key          string `yaml:"key"`
	Value        string `yaml:"value"`
	schema.Scope `yaml:",inline"`
}

func (v Tag) GetScope() *schema.Scope { return &v.Scope }

// ManagedPolicyRef is one managed policy attachment by ARN.
type ManagedPolicyRef struct {
	PolicyARN    string `yaml:"policy_arn"`
	schema.Scope `yaml:",inline"`
}

func (v ManagedPolicyRef) GetScope() *schema.Scope { return &v.Scope }

// InlinePolicy is one named inline policy with its statement document.
type InlinePolicy struct {
	PolicyName   string         `yaml:"policy_name"`
	Statement    map[string]any `yaml:"statement"`
	schema.Scope `yaml:",inline"`
}

func (v InlinePolicy) GetScope() *schema.Scope { return &v.Scope }

// Membership declares a user's membership in one group.
type Membership struct {
	Group        string `yaml:"group"`
	schema.Scope `yaml:",inline"`
}

func (v Membership) GetScope() *schema.Scope { return &v.Scope }

// AccessRule grants Identity Center principals access to the accounts its
// scope matches. Principal names are resolved to provider IDs at apply time.
type AccessRule struct {
	Users        []string `yaml:"users,omitempty"`
	Groups       []string `yaml:"groups,omitempty"`
	schema.Scope `yaml:",inline"`
}

func (v AccessRule) GetScope() *schema.Scope { return &v.Scope }

// ScopeIsZero reports whether a scope carries no constraints at all. An
// attribute entry with a zero scope applies to every account, like a scalar.
func ScopeIsZero(s *schema.Scope) bool {
	return len(s.IncludedAccounts) == 0 && len(s.ExcludedAccounts) == 0 &&
		len(s.IncludedOrgs) == 0 && len(s.ExcludedOrgs) == 0 &&
		s.ExpiresAt == nil && !s.Deleted
}
