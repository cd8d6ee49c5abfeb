package converge

import (
	"sort"
	"sync"

	"github.com/stratusops/iamsync/pkg/diff"
)

// Mode selects between computing changes and executing them. It is threaded
// explicitly through every convergence call rather than held as ambient
// process state, so templates can run in different modes within one process.
type Mode string

const (
	// ModePlan computes the full read-side diff but never issues mutating
	// provider calls.
	ModePlan Mode = "plan"
	// ModeExecute computes the diff and executes the proposed changes.
	ModeExecute Mode = "execute"
)

// ChangeType classifies one proposed change.
type ChangeType string

const (
	Create ChangeType = "CREATE"
	Update ChangeType = "UPDATE"
	Delete ChangeType = "DELETE"
	Attach ChangeType = "ATTACH"
	Detach ChangeType = "DETACH"
)

// ProposedChange is one change the engine computed and, in execute mode,
// performed.
type ProposedChange struct {
	Type         ChangeType    `yaml:"change_type" json:"change_type"`
	Attribute    string        `yaml:"attribute,omitempty" json:"attribute,omitempty"`
	ResourceID   string        `yaml:"resource_id" json:"resource_id"`
	ResourceType string        `yaml:"resource_type" json:"resource_type"`
	Current      any           `yaml:"current_value,omitempty" json:"current_value,omitempty"`
	New          any           `yaml:"new_value,omitempty" json:"new_value,omitempty"`
	Summary      []diff.Change `yaml:"change_summary,omitempty" json:"change_summary,omitempty"`
}

// AccountChangeDetails aggregates one account's proposed changes and any
// exceptions captured during its reconciliation. A failing account never
// aborts its siblings; its exceptions land here.
type AccountChangeDetails struct {
	Account        string           `yaml:"account" json:"account"`
	Changes        []ProposedChange `yaml:"proposed_changes,omitempty" json:"proposed_changes,omitempty"`
	ExceptionsSeen []string         `yaml:"exceptions_seen,omitempty" json:"exceptions_seen,omitempty"`

	mu sync.Mutex
}

func (d *AccountChangeDetails) add(change ProposedChange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Changes = append(d.Changes, change)
}

func (d *AccountChangeDetails) recordError(err error) {
	if err == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ExceptionsSeen = append(d.ExceptionsSeen, err.Error())
}

// finish sorts changes for deterministic reporting.
func (d *AccountChangeDetails) finish() {
	sort.SliceStable(d.Changes, func(i, j int) bool {
		a, b := d.Changes[i], d.Changes[j]
		if a.Attribute != b.Attribute {
			return a.Attribute < b.Attribute
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ResourceID < b.ResourceID
	})
	sort.Strings(d.ExceptionsSeen)
}

// HasChanges reports whether the account has any proposed changes.
func (d *AccountChangeDetails) HasChanges() bool { return len(d.Changes) > 0 }

// HasErrors reports whether reconciliation of the account saw exceptions.
func (d *AccountChangeDetails) HasErrors() bool { return len(d.ExceptionsSeen) > 0 }

// TemplateChangeDetails aggregates a template's reconciliation across all
// accounts it applies to.
type TemplateChangeDetails struct {
	Identifier   string                  `yaml:"identifier" json:"identifier"`
	TemplateType string                  `yaml:"template_type" json:"template_type"`
	FilePath     string                  `yaml:"file_path,omitempty" json:"file_path,omitempty"`
	Accounts     []*AccountChangeDetails `yaml:"accounts,omitempty" json:"accounts,omitempty"`

	// DeletedEverywhere is set when the template was soft-deleted and every
	// applicable account's live resource is confirmed gone, so the template
	// file can be removed.
	DeletedEverywhere bool `yaml:"-" json:"-"`
}

// HasChanges reports whether any account has proposed changes.
func (t *TemplateChangeDetails) HasChanges() bool {
	for _, acct := range t.Accounts {
		if acct.HasChanges() {
			return true
		}
	}
	return false
}

// HasErrors reports whether any account contributed exceptions.
func (t *TemplateChangeDetails) HasErrors() bool {
	for _, acct := range t.Accounts {
		if acct.HasErrors() {
			return true
		}
	}
	return false
}

func (t *TemplateChangeDetails) finish() {
	sort.SliceStable(t.Accounts, func(i, j int) bool {
		return t.Accounts[i].Account < t.Accounts[j].Account
	})
}
