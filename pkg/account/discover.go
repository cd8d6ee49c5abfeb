package account

import (
	"context"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
	log "github.com/charmbracelet/log"
	pkgerrors "github.com/pkg/errors"

	"github.com/stratusops/iamsync/pkg/schema"
)

// DiscoverOrganization lists the active accounts of the caller's AWS
// Organization as configuration entries, with each account's parent
// organizational unit as its org id. Requires organizations read access on
// the management account.
func DiscoverOrganization(ctx context.Context, region string) ([]schema.AccountConfig, error) {
	var cfgOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "loading AWS config for organization discovery")
	}
	client := organizations.NewFromConfig(cfg)

	var accounts []schema.AccountConfig
	paginator := organizations.NewListAccountsPaginator(client, &organizations.ListAccountsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "listing organization accounts")
		}
		for _, acct := range page.Accounts {
			if acct.Status != orgtypes.AccountStatusActive {
				continue
			}
			entry := schema.AccountConfig{
				ID:     aws.ToString(acct.Id),
				Name:   strings.ToLower(aws.ToString(acct.Name)),
				Region: region,
			}
			parents, err := client.ListParents(ctx, &organizations.ListParentsInput{ChildId: acct.Id})
			if err != nil {
				log.Warn("could not resolve parent OU", "account", entry.ID, "error", err)
			} else if len(parents.Parents) > 0 {
				entry.OrgID = aws.ToString(parents.Parents[0].Id)
			}
			accounts = append(accounts, entry)
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}
