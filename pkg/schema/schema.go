package schema

import "time"

// Configuration represents the schema for the `iamsync.yaml` CLI config.
type Configuration struct {
	TemplatesDir           string            `yaml:"templates_dir" json:"templates_dir" mapstructure:"templates_dir"`
	ScratchDir             string            `yaml:"scratch_dir,omitempty" json:"scratch_dir,omitempty" mapstructure:"scratch_dir"`
	MinAccountsForWildcard int               `yaml:"min_accounts_for_wildcard,omitempty" json:"min_accounts_for_wildcard,omitempty" mapstructure:"min_accounts_for_wildcard"`
	PropagationDelay       time.Duration     `yaml:"propagation_delay,omitempty" json:"propagation_delay,omitempty" mapstructure:"propagation_delay"`
	Concurrency            Concurrency       `yaml:"concurrency,omitempty" json:"concurrency,omitempty" mapstructure:"concurrency"`
	Retry                  RetryConfig       `yaml:"retry,omitempty" json:"retry,omitempty" mapstructure:"retry"`
	IdentityCenter         IdentityCenter    `yaml:"identity_center,omitempty" json:"identity_center,omitempty" mapstructure:"identity_center"`
	Accounts               []AccountConfig   `yaml:"accounts" json:"accounts" mapstructure:"accounts"`
	Logs                   Logs              `yaml:"logs,omitempty" json:"logs,omitempty" mapstructure:"logs"`
	Variables              map[string]string `yaml:"variables,omitempty" json:"variables,omitempty" mapstructure:"variables"`
}

// AccountConfig describes one cloud account the CLI manages.
type AccountConfig struct {
	ID            string            `yaml:"id" json:"id" mapstructure:"id"`
	Name          string            `yaml:"name,omitempty" json:"name,omitempty" mapstructure:"name"`
	OrgID         string            `yaml:"org_id,omitempty" json:"org_id,omitempty" mapstructure:"org_id"`
	Region        string            `yaml:"region,omitempty" json:"region,omitempty" mapstructure:"region"`
	AssumeRoleARN string            `yaml:"assume_role_arn,omitempty" json:"assume_role_arn,omitempty" mapstructure:"assume_role_arn"`
	ReadOnly      bool              `yaml:"read_only,omitempty" json:"read_only,omitempty" mapstructure:"read_only"`
	Variables     map[string]string `yaml:"variables,omitempty" json:"variables,omitempty" mapstructure:"variables"`
}

// IdentityCenter holds AWS Identity Center (SSO) instance metadata.
type IdentityCenter struct {
	InstanceARN     string `yaml:"instance_arn,omitempty" json:"instance_arn,omitempty" mapstructure:"instance_arn"`
	IdentityStoreID string `yaml:"identity_store_id,omitempty" json:"identity_store_id,omitempty" mapstructure:"identity_store_id"`
	Region          string `yaml:"region,omitempty" json:"region,omitempty" mapstructure:"region"`
}

// Concurrency bounds the fan-out of concurrent work per stage.
type Concurrency struct {
	Accounts   int `yaml:"accounts,omitempty" json:"accounts,omitempty" mapstructure:"accounts"`
	APICalls   int `yaml:"api_calls,omitempty" json:"api_calls,omitempty" mapstructure:"api_calls"`
	FileWrites int `yaml:"file_writes,omitempty" json:"file_writes,omitempty" mapstructure:"file_writes"`
}

type Logs struct {
	Level string `yaml:"level,omitempty" json:"level,omitempty" mapstructure:"level"`
	File  string `yaml:"file,omitempty" json:"file,omitempty" mapstructure:"file"`
}

// BackoffStrategy determines how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryConfig controls retry behavior for provider API calls.
type RetryConfig struct {
	MaxAttempts     int             `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty" mapstructure:"max_attempts"`
	BackoffStrategy BackoffStrategy `yaml:"backoff_strategy,omitempty" json:"backoff_strategy,omitempty" mapstructure:"backoff_strategy"`
	InitialDelay    time.Duration   `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty" mapstructure:"initial_delay"`
	MaxDelay        time.Duration   `yaml:"max_delay,omitempty" json:"max_delay,omitempty" mapstructure:"max_delay"`
	Multiplier      float64         `yaml:"multiplier,omitempty" json:"multiplier,omitempty" mapstructure:"multiplier"`
	RandomJitter    bool            `yaml:"random_jitter,omitempty" json:"random_jitter,omitempty" mapstructure:"random_jitter"`
	MaxElapsedTime  time.Duration   `yaml:"max_elapsed_time,omitempty" json:"max_elapsed_time,omitempty" mapstructure:"max_elapsed_time"`
}

// ResourceKind is the closed set of resource variants the engine manages.
type ResourceKind string

const (
	KindRole          ResourceKind = "role"
	KindUser          ResourceKind = "user"
	KindGroup         ResourceKind = "group"
	KindManagedPolicy ResourceKind = "managed_policy"
	KindPermissionSet ResourceKind = "permission_set"
)

// AllKinds lists every resource kind in dependency order: kinds earlier in the
// list must be converged before kinds that may reference them (policies before
// roles/users, groups before users).
func AllKinds() []ResourceKind {
	return []ResourceKind{KindManagedPolicy, KindGroup, KindPermissionSet, KindRole, KindUser}
}

// Scope is the access-scoping clause attached to a template attribute or a
// whole resource, determining which accounts it applies to.
type Scope struct {
	IncludedAccounts []string   `yaml:"included_accounts,omitempty" json:"included_accounts,omitempty" mapstructure:"included_accounts"`
	ExcludedAccounts []string   `yaml:"excluded_accounts,omitempty" json:"excluded_accounts,omitempty" mapstructure:"excluded_accounts"`
	IncludedOrgs     []string   `yaml:"included_orgs,omitempty" json:"included_orgs,omitempty" mapstructure:"included_orgs"`
	ExcludedOrgs     []string   `yaml:"excluded_orgs,omitempty" json:"excluded_orgs,omitempty" mapstructure:"excluded_orgs"`
	ExpiresAt        *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty" mapstructure:"expires_at"`
	Deleted          bool       `yaml:"deleted,omitempty" json:"deleted,omitempty" mapstructure:"deleted"`
}

// Expired reports whether the scope's expiry has passed at the given time.
func (s *Scope) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// SameTarget reports whether two scopes address the same set of accounts and
// orgs, ignoring expiry and deletion markers. Used when merging a synthesized
// template into an existing one to carry user-authored expiry forward.
func (s *Scope) SameTarget(other *Scope) bool {
	return equalStrings(s.IncludedAccounts, other.IncludedAccounts) &&
		equalStrings(s.ExcludedAccounts, other.ExcludedAccounts) &&
		equalStrings(s.IncludedOrgs, other.IncludedOrgs) &&
		equalStrings(s.ExcludedOrgs, other.ExcludedOrgs)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
