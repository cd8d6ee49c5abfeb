// Package awsiam implements the provider contract against AWS IAM and AWS
// Identity Center. IAM kinds (roles, users, groups, customer managed policies)
// go through the iam client; permission sets go through ssoadmin and resolve
// principals through identitystore.
package awsiam

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	"github.com/aws/smithy-go"
	pkgerrors "github.com/pkg/errors"

	errUtils "github.com/stratusops/iamsync/errors"
	"github.com/stratusops/iamsync/pkg/account"
	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/schema"
)

// assignmentOp distinguishes which describe call an async request id belongs
// to; the ssoadmin API has separate status endpoints for creation and
// deletion.
type assignmentOp int8

const (
	opCreateAssignment assignmentOp = iota
	opDeleteAssignment
)

// Service implements provider.Service for one AWS account.
type Service struct {
	acct     *account.Account
	instance schema.IdentityCenter

	mu           sync.Mutex
	psARNs       map[string]string
	psARNsLoaded bool
	policyARNs   map[string]string
	opKinds      map[string]assignmentOp
}

// NewFactory returns a provider.Factory that builds an AWS-backed Service per
// account, sharing the Identity Center instance metadata across accounts.
func NewFactory(instance schema.IdentityCenter) provider.Factory {
	return func(ctx context.Context, acct *account.Account) (provider.Service, error) {
		return &Service{
			acct:       acct,
			instance:   instance,
			psARNs:     map[string]string{},
			policyARNs: map[string]string{},
			opKinds:    map[string]assignmentOp{},
		}, nil
	}
}

func (s *Service) iamClient(ctx context.Context) (*iam.Client, error) {
	client := s.acct.GetClient(ctx, "iam", "", func(cfg aws.Config) any {
		return iam.NewFromConfig(cfg)
	})
	if client == nil {
		return nil, pkgerrors.Wrapf(errUtils.ErrNoClient, "iam client for account %s", s.acct.ID)
	}
	return client.(*iam.Client), nil
}

func (s *Service) ssoClient(ctx context.Context) (*ssoadmin.Client, error) {
	client := s.acct.GetClient(ctx, "ssoadmin", s.instance.Region, func(cfg aws.Config) any {
		return ssoadmin.NewFromConfig(cfg)
	})
	if client == nil {
		return nil, pkgerrors.Wrapf(errUtils.ErrNoClient, "ssoadmin client for account %s", s.acct.ID)
	}
	return client.(*ssoadmin.Client), nil
}

func (s *Service) identityStoreClient(ctx context.Context) (*identitystore.Client, error) {
	client := s.acct.GetClient(ctx, "identitystore", s.instance.Region, func(cfg aws.Config) any {
		return identitystore.NewFromConfig(cfg)
	})
	if client == nil {
		return nil, pkgerrors.Wrapf(errUtils.ErrNoClient, "identitystore client for account %s", s.acct.ID)
	}
	return client.(*identitystore.Client), nil
}

// ListResources lists the names of all resources of a kind in the account.
func (s *Service) ListResources(ctx context.Context, kind schema.ResourceKind) ([]string, error) {
	if kind == schema.KindPermissionSet {
		return s.listPermissionSets(ctx)
	}
	return s.listIAMResources(ctx, kind)
}

// GetResource reads one resource with its sub-resources. Absence is reported
// as (nil, nil).
func (s *Service) GetResource(ctx context.Context, kind schema.ResourceKind, name string) (*provider.Resource, error) {
	if kind == schema.KindPermissionSet {
		return s.getPermissionSet(ctx, name)
	}
	return s.getIAMResource(ctx, kind, name)
}

func (s *Service) CreateResource(ctx context.Context, resource *provider.Resource) error {
	if resource.Kind == schema.KindPermissionSet {
		return s.createPermissionSet(ctx, resource)
	}
	return s.createIAMResource(ctx, resource)
}

func (s *Service) UpdateResource(ctx context.Context, kind schema.ResourceKind, name string, fields map[string]any) error {
	if kind == schema.KindPermissionSet {
		return s.updatePermissionSet(ctx, name, fields)
	}
	return s.updateIAMResource(ctx, kind, name, fields)
}

func (s *Service) DeleteResource(ctx context.Context, kind schema.ResourceKind, name string) error {
	if kind == schema.KindPermissionSet {
		return s.deletePermissionSet(ctx, name)
	}
	return s.deleteIAMResource(ctx, kind, name)
}

func (s *Service) AttachManagedPolicy(ctx context.Context, kind schema.ResourceKind, name, policyARN string) error {
	if kind == schema.KindPermissionSet {
		return s.attachPermissionSetPolicy(ctx, name, policyARN)
	}
	return s.attachIAMPolicy(ctx, kind, name, policyARN)
}

func (s *Service) DetachManagedPolicy(ctx context.Context, kind schema.ResourceKind, name, policyARN string) error {
	if kind == schema.KindPermissionSet {
		return s.detachPermissionSetPolicy(ctx, name, policyARN)
	}
	return s.detachIAMPolicy(ctx, kind, name, policyARN)
}

func (s *Service) PutInlinePolicy(ctx context.Context, kind schema.ResourceKind, name, policyName string, doc map[string]any) error {
	if kind == schema.KindPermissionSet {
		return s.putPermissionSetInlinePolicy(ctx, name, doc)
	}
	return s.putIAMInlinePolicy(ctx, kind, name, policyName, doc)
}

func (s *Service) DeleteInlinePolicy(ctx context.Context, kind schema.ResourceKind, name, policyName string) error {
	if kind == schema.KindPermissionSet {
		return s.deletePermissionSetInlinePolicy(ctx, name)
	}
	return s.deleteIAMInlinePolicy(ctx, kind, name, policyName)
}

func (s *Service) Tag(ctx context.Context, kind schema.ResourceKind, name string, tags map[string]string) error {
	if kind == schema.KindPermissionSet {
		return s.tagPermissionSet(ctx, name, tags)
	}
	return s.tagIAMResource(ctx, kind, name, tags)
}

func (s *Service) Untag(ctx context.Context, kind schema.ResourceKind, name string, keys []string) error {
	if kind == schema.KindPermissionSet {
		return s.untagPermissionSet(ctx, name, keys)
	}
	return s.untagIAMResource(ctx, kind, name, keys)
}

// isNotFound reports whether an AWS error means the addressed entity does not
// exist.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if !pkgerrors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchEntity", "NoSuchEntityException", "ResourceNotFound", "ResourceNotFoundException":
		return true
	}
	return false
}

// decodePolicyDocument parses an IAM policy document response, which the IAM
// API returns URL-encoded.
func decodePolicyDocument(encoded *string) (map[string]any, error) {
	if encoded == nil || *encoded == "" {
		return nil, nil
	}
	raw, err := url.QueryUnescape(*encoded)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "decoding policy document")
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, pkgerrors.Wrap(err, "parsing policy document")
	}
	return doc, nil
}

func encodePolicyDocument(doc map[string]any) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", pkgerrors.Wrap(err, "encoding policy document")
	}
	return string(raw), nil
}

func fieldString(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

func fieldInt(fields map[string]any, key string) (int, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func fieldDocument(fields map[string]any, key string) (map[string]any, bool) {
	v, ok := fields[key]
	if !ok {
		return nil, false
	}
	doc, ok := v.(map[string]any)
	return doc, ok
}

func unsupportedKind(kind schema.ResourceKind, op string) error {
	return fmt.Errorf("%s not supported for resource kind %q", op, kind)
}
