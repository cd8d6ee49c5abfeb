package account

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	log "github.com/charmbracelet/log"

	"github.com/stratusops/iamsync/pkg/schema"
)

const defaultAssumeRoleDuration = 1 * time.Hour

// Account represents one cloud account the engine collects from and
// converges. It carries a lazy cache of authenticated client handles keyed by
// (service, region). The cache is only ever added to, never evicted, so
// concurrent first-access races are benign: duplicate construction is wasteful
// but not incorrect.
type Account struct {
	ID            string
	Name          string
	OrgID         string
	Region        string
	AssumeRoleARN string
	ReadOnly      bool
	Variables     map[string]string

	clients *ClientCache
}

// FromConfig builds an Account from its configuration entry, layering global
// variables under account-specific ones.
func FromConfig(cfg schema.AccountConfig, globalVars map[string]string) *Account {
	vars := map[string]string{}
	for k, v := range globalVars {
		vars[k] = v
	}
	for k, v := range cfg.Variables {
		vars[k] = v
	}
	return &Account{
		ID:            cfg.ID,
		Name:          cfg.Name,
		OrgID:         cfg.OrgID,
		Region:        cfg.Region,
		AssumeRoleARN: cfg.AssumeRoleARN,
		ReadOnly:      cfg.ReadOnly,
		Variables:     vars,
		clients:       NewClientCache(),
	}
}

// LowerName returns the account display name lower-cased, or "" when unset.
func (a *Account) LowerName() string {
	return strings.ToLower(a.Name)
}

// Representations returns the strings an access-scope pattern may match
// against: the account id, plus the lower-cased display name when present.
func (a *Account) Representations() []string {
	reprs := []string{a.ID}
	if a.Name != "" {
		reprs = append(reprs, a.LowerName())
	}
	return reprs
}

// GetClient returns a memoized client handle for the given (service, region),
// constructing it on first access. On credential failure the error is logged
// and a nil client is returned so one bad account does not abort the run;
// callers must handle absence.
func (a *Account) GetClient(ctx context.Context, service, region string, build func(aws.Config) any) any {
	key := service + "/" + region
	if client, ok := a.clients.Get(key); ok {
		return client
	}
	cfg, err := a.AWSConfig(ctx, region)
	if err != nil {
		log.Error("failed to resolve credentials", "account", a.ID, "service", service, "error", err)
		return nil
	}
	client := build(cfg)
	a.clients.Put(key, client)
	return client
}

// AWSConfig resolves an aws.Config for the account in the given region,
// assuming the account's role when one is configured. The resolved config is
// memoized per region.
func (a *Account) AWSConfig(ctx context.Context, region string) (aws.Config, error) {
	if region == "" {
		region = a.Region
	}
	key := "config/" + region
	if cached, ok := a.clients.Get(key); ok {
		return cached.(aws.Config), nil
	}

	var cfgOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(region))
	}

	baseCfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config for account %s: %w", a.ID, err)
	}

	if a.AssumeRoleARN != "" {
		log.Debug("assuming role", "account", a.ID, "ARN", a.AssumeRoleARN)
		stsClient := sts.NewFromConfig(baseCfg)
		creds := stscreds.NewAssumeRoleProvider(stsClient, a.AssumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.Duration = defaultAssumeRoleDuration
		})
		cfgOpts = append(cfgOpts, awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(creds)))
		baseCfg, err = awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
		if err != nil {
			return aws.Config{}, fmt.Errorf("assuming role for account %s: %w", a.ID, err)
		}
	}

	a.clients.Put(key, baseCfg)
	return baseCfg, nil
}

// FromConfigs builds all accounts from configuration.
func FromConfigs(cfgs []schema.AccountConfig, globalVars map[string]string) []*Account {
	accounts := make([]*Account, 0, len(cfgs))
	for _, cfg := range cfgs {
		accounts = append(accounts, FromConfig(cfg, globalVars))
	}
	return accounts
}
