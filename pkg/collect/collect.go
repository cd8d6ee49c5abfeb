// Package collect lists and snapshots resources from one account at a time.
// Snapshots are written to a scratch directory so peak memory stays bounded
// when an account holds thousands of resources.
package collect

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
	pkgerrors "github.com/pkg/errors"

	"github.com/stratusops/iamsync/pkg/account"
	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/retry"
	"github.com/stratusops/iamsync/pkg/schema"
)

const (
	snapshotFileMode = 0o644
	snapshotDirMode  = 0o755

	defaultConcurrency = 20
)

// Collector fetches resources for accounts and persists snapshots.
type Collector struct {
	Factory    provider.Factory
	ScratchDir string

	// Concurrency bounds the detail-fetch fan-out per account.
	Concurrency int

	// Retry controls throttling backoff; nil uses defaults (10 attempts,
	// capped exponential backoff).
	Retry *schema.RetryConfig
}

// Collect lists and snapshots every resource of the given kinds in one
// account. A single resource's detail-fetch failure is logged and skipped; it
// does not abort collection of sibling resources. Returns the number of
// snapshots written.
func (c *Collector) Collect(ctx context.Context, acct *account.Account, kinds []schema.ResourceKind) (int, error) {
	svc, err := c.Factory(ctx, acct)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "resolving provider for account %s", acct.ID)
	}

	total := 0
	for _, kind := range kinds {
		n, err := c.collectKind(ctx, svc, acct, kind)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *Collector) collectKind(ctx context.Context, svc provider.Service, acct *account.Account, kind schema.ResourceKind) (int, error) {
	var names []string
	err := retry.OnThrottle(ctx, c.Retry, func() error {
		var listErr error
		names, listErr = svc.ListResources(ctx, kind)
		return listErr
	})
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "listing %s in account %s", kind, acct.ID)
	}

	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	written := 0

	for _, name := range names {
		wg.Add(1)
		sem <- struct{}{}
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()

			var resource *provider.Resource
			err := retry.OnThrottle(ctx, c.Retry, func() error {
				var getErr error
				resource, getErr = svc.GetResource(ctx, kind, name)
				return getErr
			})
			if err != nil {
				log.Error("skipping resource after failed detail fetch",
					"account", acct.ID, "kind", kind, "resource", name, "error", err)
				return
			}
			if resource == nil {
				// Deleted between list and get; absence is a valid state.
				return
			}
			if err := c.writeSnapshot(acct.ID, resource); err != nil {
				log.Error("failed to write snapshot",
					"account", acct.ID, "kind", kind, "resource", name, "error", err)
				return
			}
			mu.Lock()
			written++
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	log.Debug("collected resources", "account", acct.ID, "kind", kind, "count", written)
	return written, nil
}

// writeSnapshot persists one snapshot keyed uniquely by (account, kind,
// resource name), so concurrent writes never contend on a file.
func (c *Collector) writeSnapshot(accountID string, resource *provider.Resource) error {
	dir := filepath.Join(c.ScratchDir, accountID, string(resource.Kind))
	if err := os.MkdirAll(dir, snapshotDirMode); err != nil {
		return err
	}
	data, err := json.MarshalIndent(resource, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, snapshotFileName(resource.Name)), data, snapshotFileMode)
}

var snapshotNameRe = regexp.MustCompile(`[^a-zA-Z0-9_\-.]+`)

func snapshotFileName(name string) string {
	safe := snapshotNameRe.ReplaceAllString(name, "_")
	return strings.ToLower(safe) + ".json"
}

// Snapshot is one per-account resource snapshot read back from scratch.
type Snapshot struct {
	AccountID string
	Resource  *provider.Resource
}

// LoadSnapshots reads every snapshot under the scratch dir. Layout is
// <scratch>/<account id>/<kind>/<name>.json.
func LoadSnapshots(scratchDir string) ([]Snapshot, error) {
	var snapshots []Snapshot
	accountDirs, err := os.ReadDir(scratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pkgerrors.Wrapf(err, "reading scratch dir %s", scratchDir)
	}
	for _, accountDir := range accountDirs {
		if !accountDir.IsDir() {
			continue
		}
		accountID := accountDir.Name()
		kindDirs, err := os.ReadDir(filepath.Join(scratchDir, accountID))
		if err != nil {
			return nil, err
		}
		for _, kindDir := range kindDirs {
			if !kindDir.IsDir() {
				continue
			}
			files, err := os.ReadDir(filepath.Join(scratchDir, accountID, kindDir.Name()))
			if err != nil {
				return nil, err
			}
			for _, file := range files {
				if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
					continue
				}
				path := filepath.Join(scratchDir, accountID, kindDir.Name(), file.Name())
				data, err := os.ReadFile(path)
				if err != nil {
					return nil, err
				}
				var resource provider.Resource
				if err := json.Unmarshal(data, &resource); err != nil {
					return nil, pkgerrors.Wrapf(err, "parsing snapshot %s", path)
				}
				snapshots = append(snapshots, Snapshot{AccountID: accountID, Resource: &resource})
			}
		}
	}
	return snapshots, nil
}

// Cleanup removes the scratch tree after successful synthesis.
func Cleanup(scratchDir string) {
	if err := os.RemoveAll(scratchDir); err != nil {
		log.Warn("failed to remove scratch dir", "dir", scratchDir, "error", err)
	}
}
