package awsiam

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	log "github.com/charmbracelet/log"
	pkgerrors "github.com/pkg/errors"

	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/schema"
)

const serviceRolePathPrefix = "/aws-service-role/"

// defaultPolicyVersionLimit is the IAM cap on managed policy versions. Before
// creating a new version the oldest non-default versions are pruned to stay
// under it.
const defaultPolicyVersionLimit = 5

func (s *Service) listIAMResources(ctx context.Context, kind schema.ResourceKind) ([]string, error) {
	c, err := s.iamClient(ctx)
	if err != nil {
		return nil, err
	}

	var names []string
	switch kind {
	case schema.KindRole:
		paginator := iam.NewListRolesPaginator(c, &iam.ListRolesInput{})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, pkgerrors.Wrap(err, "listing roles")
			}
			for _, role := range page.Roles {
				// Service-linked roles are AWS-managed and not reconcilable.
				if strings.HasPrefix(aws.ToString(role.Path), serviceRolePathPrefix) {
					continue
				}
				names = append(names, aws.ToString(role.RoleName))
			}
		}
	case schema.KindUser:
		paginator := iam.NewListUsersPaginator(c, &iam.ListUsersInput{})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, pkgerrors.Wrap(err, "listing users")
			}
			for _, user := range page.Users {
				names = append(names, aws.ToString(user.UserName))
			}
		}
	case schema.KindGroup:
		paginator := iam.NewListGroupsPaginator(c, &iam.ListGroupsInput{})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, pkgerrors.Wrap(err, "listing groups")
			}
			for _, group := range page.Groups {
				names = append(names, aws.ToString(group.GroupName))
			}
		}
	case schema.KindManagedPolicy:
		paginator := iam.NewListPoliciesPaginator(c, &iam.ListPoliciesInput{
			Scope: iamtypes.PolicyScopeTypeLocal,
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, pkgerrors.Wrap(err, "listing policies")
			}
			for _, policy := range page.Policies {
				name := aws.ToString(policy.PolicyName)
				s.rememberPolicyARN(name, aws.ToString(policy.Arn))
				names = append(names, name)
			}
		}
	default:
		return nil, unsupportedKind(kind, "list")
	}
	return names, nil
}

func (s *Service) getIAMResource(ctx context.Context, kind schema.ResourceKind, name string) (*provider.Resource, error) {
	c, err := s.iamClient(ctx)
	if err != nil {
		return nil, err
	}
	switch kind {
	case schema.KindRole:
		return s.getRole(ctx, c, name)
	case schema.KindUser:
		return s.getUser(ctx, c, name)
	case schema.KindGroup:
		return s.getGroup(ctx, c, name)
	case schema.KindManagedPolicy:
		return s.getManagedPolicy(ctx, c, name)
	}
	return nil, unsupportedKind(kind, "get")
}

func (s *Service) getRole(ctx context.Context, c *iam.Client, name string) (*provider.Resource, error) {
	out, err := c.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "getting role %s", name)
	}
	role := out.Role

	assumeDoc, err := decodePolicyDocument(role.AssumeRolePolicyDocument)
	if err != nil {
		return nil, err
	}
	resource := &provider.Resource{
		Kind:                     schema.KindRole,
		Name:                     name,
		ARN:                      aws.ToString(role.Arn),
		Path:                     aws.ToString(role.Path),
		Description:              aws.ToString(role.Description),
		MaxSessionDuration:       int(aws.ToInt32(role.MaxSessionDuration)),
		AssumeRolePolicyDocument: assumeDoc,
		Tags:                     tagsToMap(role.Tags),
	}
	if role.PermissionsBoundary != nil {
		resource.PermissionsBoundary = aws.ToString(role.PermissionsBoundary.PermissionsBoundaryArn)
	}

	if resource.ManagedPolicies, err = s.attachedPolicies(ctx, c, schema.KindRole, name); err != nil {
		return nil, err
	}
	if resource.InlinePolicies, err = s.inlinePolicies(ctx, c, schema.KindRole, name); err != nil {
		return nil, err
	}
	return resource, nil
}

func (s *Service) getUser(ctx context.Context, c *iam.Client, name string) (*provider.Resource, error) {
	out, err := c.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(name)})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "getting user %s", name)
	}
	user := out.User

	resource := &provider.Resource{
		Kind: schema.KindUser,
		Name: name,
		ARN:  aws.ToString(user.Arn),
		Path: aws.ToString(user.Path),
		Tags: tagsToMap(user.Tags),
	}
	if user.PermissionsBoundary != nil {
		resource.PermissionsBoundary = aws.ToString(user.PermissionsBoundary.PermissionsBoundaryArn)
	}

	if resource.ManagedPolicies, err = s.attachedPolicies(ctx, c, schema.KindUser, name); err != nil {
		return nil, err
	}
	if resource.InlinePolicies, err = s.inlinePolicies(ctx, c, schema.KindUser, name); err != nil {
		return nil, err
	}

	groups := iam.NewListGroupsForUserPaginator(c, &iam.ListGroupsForUserInput{UserName: aws.String(name)})
	for groups.HasMorePages() {
		page, err := groups.NextPage(ctx)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "listing groups for user %s", name)
		}
		for _, group := range page.Groups {
			resource.Groups = append(resource.Groups, aws.ToString(group.GroupName))
		}
	}
	return resource, nil
}

func (s *Service) getGroup(ctx context.Context, c *iam.Client, name string) (*provider.Resource, error) {
	out, err := c.GetGroup(ctx, &iam.GetGroupInput{GroupName: aws.String(name)})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "getting group %s", name)
	}

	resource := &provider.Resource{
		Kind: schema.KindGroup,
		Name: name,
		ARN:  aws.ToString(out.Group.Arn),
		Path: aws.ToString(out.Group.Path),
	}
	if resource.ManagedPolicies, err = s.attachedPolicies(ctx, c, schema.KindGroup, name); err != nil {
		return nil, err
	}
	if resource.InlinePolicies, err = s.inlinePolicies(ctx, c, schema.KindGroup, name); err != nil {
		return nil, err
	}
	return resource, nil
}

func (s *Service) getManagedPolicy(ctx context.Context, c *iam.Client, name string) (*provider.Resource, error) {
	arn, err := s.policyARN(ctx, c, name)
	if err != nil {
		return nil, err
	}
	if arn == "" {
		return nil, nil
	}

	out, err := c.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(arn)})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "getting policy %s", name)
	}
	policy := out.Policy

	version, err := c.GetPolicyVersion(ctx, &iam.GetPolicyVersionInput{
		PolicyArn: aws.String(arn),
		VersionId: policy.DefaultVersionId,
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "getting policy version for %s", name)
	}
	doc, err := decodePolicyDocument(version.PolicyVersion.Document)
	if err != nil {
		return nil, err
	}

	return &provider.Resource{
		Kind:           schema.KindManagedPolicy,
		Name:           name,
		ARN:            arn,
		Path:           aws.ToString(policy.Path),
		Description:    aws.ToString(policy.Description),
		PolicyDocument: doc,
		Tags:           tagsToMap(policy.Tags),
	}, nil
}

func (s *Service) createIAMResource(ctx context.Context, resource *provider.Resource) error {
	c, err := s.iamClient(ctx)
	if err != nil {
		return err
	}
	switch resource.Kind {
	case schema.KindRole:
		assumeDoc, err := encodePolicyDocument(resource.AssumeRolePolicyDocument)
		if err != nil {
			return err
		}
		input := &iam.CreateRoleInput{
			RoleName:                 aws.String(resource.Name),
			AssumeRolePolicyDocument: aws.String(assumeDoc),
			Tags:                     mapToTags(resource.Tags),
		}
		if resource.Path != "" {
			input.Path = aws.String(resource.Path)
		}
		if resource.Description != "" {
			input.Description = aws.String(resource.Description)
		}
		if resource.MaxSessionDuration > 0 {
			input.MaxSessionDuration = aws.Int32(int32(resource.MaxSessionDuration))
		}
		if resource.PermissionsBoundary != "" {
			input.PermissionsBoundary = aws.String(resource.PermissionsBoundary)
		}
		_, err = c.CreateRole(ctx, input)
		return pkgerrors.Wrapf(err, "creating role %s", resource.Name)
	case schema.KindUser:
		input := &iam.CreateUserInput{
			UserName: aws.String(resource.Name),
			Tags:     mapToTags(resource.Tags),
		}
		if resource.Path != "" {
			input.Path = aws.String(resource.Path)
		}
		if resource.PermissionsBoundary != "" {
			input.PermissionsBoundary = aws.String(resource.PermissionsBoundary)
		}
		_, err = c.CreateUser(ctx, input)
		return pkgerrors.Wrapf(err, "creating user %s", resource.Name)
	case schema.KindGroup:
		input := &iam.CreateGroupInput{GroupName: aws.String(resource.Name)}
		if resource.Path != "" {
			input.Path = aws.String(resource.Path)
		}
		_, err = c.CreateGroup(ctx, input)
		return pkgerrors.Wrapf(err, "creating group %s", resource.Name)
	case schema.KindManagedPolicy:
		doc, err := encodePolicyDocument(resource.PolicyDocument)
		if err != nil {
			return err
		}
		input := &iam.CreatePolicyInput{
			PolicyName:     aws.String(resource.Name),
			PolicyDocument: aws.String(doc),
			Tags:           mapToTags(resource.Tags),
		}
		if resource.Path != "" {
			input.Path = aws.String(resource.Path)
		}
		if resource.Description != "" {
			input.Description = aws.String(resource.Description)
		}
		out, err := c.CreatePolicy(ctx, input)
		if err != nil {
			return pkgerrors.Wrapf(err, "creating policy %s", resource.Name)
		}
		s.rememberPolicyARN(resource.Name, aws.ToString(out.Policy.Arn))
		return nil
	}
	return unsupportedKind(resource.Kind, "create")
}

func (s *Service) updateIAMResource(ctx context.Context, kind schema.ResourceKind, name string, fields map[string]any) error {
	c, err := s.iamClient(ctx)
	if err != nil {
		return err
	}
	switch kind {
	case schema.KindRole:
		input := &iam.UpdateRoleInput{RoleName: aws.String(name)}
		dirty := false
		if description, ok := fieldString(fields, "description"); ok {
			input.Description = aws.String(description)
			dirty = true
		}
		if duration, ok := fieldInt(fields, "max_session_duration"); ok && duration > 0 {
			input.MaxSessionDuration = aws.Int32(int32(duration))
			dirty = true
		}
		if dirty {
			if _, err := c.UpdateRole(ctx, input); err != nil {
				return pkgerrors.Wrapf(err, "updating role %s", name)
			}
		}
		if doc, ok := fieldDocument(fields, "assume_role_policy_document"); ok {
			encoded, err := encodePolicyDocument(doc)
			if err != nil {
				return err
			}
			_, err = c.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
				RoleName:       aws.String(name),
				PolicyDocument: aws.String(encoded),
			})
			if err != nil {
				return pkgerrors.Wrapf(err, "updating assume role policy for %s", name)
			}
		}
		return nil
	case schema.KindManagedPolicy:
		if _, ok := fieldString(fields, "description"); ok {
			// Policy descriptions are immutable after creation.
			log.Warn("policy description cannot be updated in place", "policy", name)
		}
		doc, ok := fieldDocument(fields, "policy_document")
		if !ok {
			return nil
		}
		return s.setPolicyDocument(ctx, c, name, doc)
	case schema.KindUser, schema.KindGroup:
		// No updatable scalar attributes beyond what create covers.
		return nil
	}
	return unsupportedKind(kind, "update")
}

// setPolicyDocument publishes a new default policy version, pruning the oldest
// non-default version first when the account is at the version limit.
func (s *Service) setPolicyDocument(ctx context.Context, c *iam.Client, name string, doc map[string]any) error {
	arn, err := s.policyARN(ctx, c, name)
	if err != nil {
		return err
	}
	if arn == "" {
		return pkgerrors.Errorf("policy %s not found", name)
	}

	versions, err := c.ListPolicyVersions(ctx, &iam.ListPolicyVersionsInput{PolicyArn: aws.String(arn)})
	if err != nil {
		return pkgerrors.Wrapf(err, "listing versions for policy %s", name)
	}
	if len(versions.Versions) >= defaultPolicyVersionLimit {
		oldest := ""
		for _, v := range versions.Versions {
			if v.IsDefaultVersion {
				continue
			}
			id := aws.ToString(v.VersionId)
			if oldest == "" || id < oldest {
				oldest = id
			}
		}
		if oldest != "" {
			_, err := c.DeletePolicyVersion(ctx, &iam.DeletePolicyVersionInput{
				PolicyArn: aws.String(arn),
				VersionId: aws.String(oldest),
			})
			if err != nil {
				return pkgerrors.Wrapf(err, "pruning version %s of policy %s", oldest, name)
			}
		}
	}

	encoded, err := encodePolicyDocument(doc)
	if err != nil {
		return err
	}
	_, err = c.CreatePolicyVersion(ctx, &iam.CreatePolicyVersionInput{
		PolicyArn:      aws.String(arn),
		PolicyDocument: aws.String(encoded),
		SetAsDefault:   true,
	})
	return pkgerrors.Wrapf(err, "creating policy version for %s", name)
}

func (s *Service) deleteIAMResource(ctx context.Context, kind schema.ResourceKind, name string) error {
	c, err := s.iamClient(ctx)
	if err != nil {
		return err
	}
	switch kind {
	case schema.KindRole:
		_, err = c.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
		return pkgerrors.Wrapf(err, "deleting role %s", name)
	case schema.KindUser:
		_, err = c.DeleteUser(ctx, &iam.DeleteUserInput{UserName: aws.String(name)})
		return pkgerrors.Wrapf(err, "deleting user %s", name)
	case schema.KindGroup:
		_, err = c.DeleteGroup(ctx, &iam.DeleteGroupInput{GroupName: aws.String(name)})
		return pkgerrors.Wrapf(err, "deleting group %s", name)
	case schema.KindManagedPolicy:
		arn, err := s.policyARN(ctx, c, name)
		if err != nil {
			return err
		}
		if arn == "" {
			return nil
		}
		versions, err := c.ListPolicyVersions(ctx, &iam.ListPolicyVersionsInput{PolicyArn: aws.String(arn)})
		if err != nil {
			return pkgerrors.Wrapf(err, "listing versions for policy %s", name)
		}
		for _, v := range versions.Versions {
			if v.IsDefaultVersion {
				continue
			}
			_, err := c.DeletePolicyVersion(ctx, &iam.DeletePolicyVersionInput{
				PolicyArn: aws.String(arn),
				VersionId: v.VersionId,
			})
			if err != nil {
				return pkgerrors.Wrapf(err, "deleting version of policy %s", name)
			}
		}
		_, err = c.DeletePolicy(ctx, &iam.DeletePolicyInput{PolicyArn: aws.String(arn)})
		return pkgerrors.Wrapf(err, "deleting policy %s", name)
	}
	return unsupportedKind(kind, "delete")
}

func (s *Service) attachIAMPolicy(ctx context.Context, kind schema.ResourceKind, name, policyARN string) error {
	c, err := s.iamClient(ctx)
	if err != nil {
		return err
	}
	switch kind {
	case schema.KindRole:
		_, err = c.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{RoleName: aws.String(name), PolicyArn: aws.String(policyARN)})
	case schema.KindUser:
		_, err = c.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{UserName: aws.String(name), PolicyArn: aws.String(policyARN)})
	case schema.KindGroup:
		_, err = c.AttachGroupPolicy(ctx, &iam.AttachGroupPolicyInput{GroupName: aws.String(name), PolicyArn: aws.String(policyARN)})
	default:
		return unsupportedKind(kind, "attach policy")
	}
	return pkgerrors.Wrapf(err, "attaching %s to %s %s", policyARN, kind, name)
}

func (s *Service) detachIAMPolicy(ctx context.Context, kind schema.ResourceKind, name, policyARN string) error {
	c, err := s.iamClient(ctx)
	if err != nil {
		return err
	}
	switch kind {
	case schema.KindRole:
		_, err = c.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{RoleName: aws.String(name), PolicyArn: aws.String(policyARN)})
	case schema.KindUser:
		_, err = c.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{UserName: aws.String(name), PolicyArn: aws.String(policyARN)})
	case schema.KindGroup:
		_, err = c.DetachGroupPolicy(ctx, &iam.DetachGroupPolicyInput{GroupName: aws.String(name), PolicyArn: aws.String(policyARN)})
	default:
		return unsupportedKind(kind, "detach policy")
	}
	return pkgerrors.Wrapf(err, "detaching %s from %s %s", policyARN, kind, name)
}

func (s *Service) putIAMInlinePolicy(ctx context.Context, kind schema.ResourceKind, name, policyName string, doc map[string]any) error {
	c, err := s.iamClient(ctx)
	if err != nil {
		return err
	}
	encoded, err := encodePolicyDocument(doc)
	if err != nil {
		return err
	}
	switch kind {
	case schema.KindRole:
		_, err = c.PutRolePolicy(ctx, &iam.PutRolePolicyInput{RoleName: aws.String(name), PolicyName: aws.String(policyName), PolicyDocument: aws.String(encoded)})
	case schema.KindUser:
		_, err = c.PutUserPolicy(ctx, &iam.PutUserPolicyInput{UserName: aws.String(name), PolicyName: aws.String(policyName), PolicyDocument: aws.String(encoded)})
	case schema.KindGroup:
		_, err = c.PutGroupPolicy(ctx, &iam.PutGroupPolicyInput{GroupName: aws.String(name), PolicyName: aws.String(policyName), PolicyDocument: aws.String(encoded)})
	default:
		return unsupportedKind(kind, "put inline policy")
	}
	return pkgerrors.Wrapf(err, "putting inline policy %s on %s %s", policyName, kind, name)
}

func (s *Service) deleteIAMInlinePolicy(ctx context.Context, kind schema.ResourceKind, name, policyName string) error {
	c, err := s.iamClient(ctx)
	if err != nil {
		return err
	}
	switch kind {
	case schema.KindRole:
		_, err = c.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{RoleName: aws.String(name), PolicyName: aws.String(policyName)})
	case schema.KindUser:
		_, err = c.DeleteUserPolicy(ctx, &iam.DeleteUserPolicyInput{UserName: aws.String(name), PolicyName: aws.String(policyName)})
	case schema.KindGroup:
		_, err = c.DeleteGroupPolicy(ctx, &iam.DeleteGroupPolicyInput{GroupName: aws.String(name), PolicyName: aws.String(policyName)})
	default:
		return unsupportedKind(kind, "delete inline policy")
	}
	return pkgerrors.Wrapf(err, "deleting inline policy %s from %s %s", policyName, kind, name)
}

func (s *Service) tagIAMResource(ctx context.Context, kind schema.ResourceKind, name string, tags map[string]string) error {
	c, err := s.iamClient(ctx)
	if err != nil {
		return err
	}
	awsTags := mapToTags(tags)
	switch kind {
	case schema.KindRole:
		_, err = c.TagRole(ctx, &iam.TagRoleInput{RoleName: aws.String(name), Tags: awsTags})
	case schema.KindUser:
		_, err = c.TagUser(ctx, &iam.TagUserInput{UserName: aws.String(name), Tags: awsTags})
	case schema.KindManagedPolicy:
		arn, arnErr := s.policyARN(ctx, c, name)
		if arnErr != nil {
			return arnErr
		}
		_, err = c.TagPolicy(ctx, &iam.TagPolicyInput{PolicyArn: aws.String(arn), Tags: awsTags})
	default:
		return unsupportedKind(kind, "tag")
	}
	return pkgerrors.Wrapf(err, "tagging %s %s", kind, name)
}

func (s *Service) untagIAMResource(ctx context.Context, kind schema.ResourceKind, name string, keys []string) error {
	c, err := s.iamClient(ctx)
	if err != nil {
		return err
	}
	switch kind {
	case schema.KindRole:
		_, err = c.UntagRole(ctx, &iam.UntagRoleInput{RoleName: aws.String(name), TagKeys: keys})
	case schema.KindUser:
		_, err = c.UntagUser(ctx, &iam.UntagUserInput{UserName: aws.String(name), TagKeys: keys})
	case schema.KindManagedPolicy:
		arn, arnErr := s.policyARN(ctx, c, name)
		if arnErr != nil {
			return arnErr
		}
		_, err = c.UntagPolicy(ctx, &iam.UntagPolicyInput{PolicyArn: aws.String(arn), TagKeys: keys})
	default:
		return unsupportedKind(kind, "untag")
	}
	return pkgerrors.Wrapf(err, "untagging %s %s", kind, name)
}

func (s *Service) AddUserToGroup(ctx context.Context, user, group string) error {
	c, err := s.iamClient(ctx)
	if err != nil {
		return err
	}
	_, err = c.AddUserToGroup(ctx, &iam.AddUserToGroupInput{UserName: aws.String(user), GroupName: aws.String(group)})
	return pkgerrors.Wrapf(err, "adding user %s to group %s", user, group)
}

func (s *Service) RemoveUserFromGroup(ctx context.Context, user, group string) error {
	c, err := s.iamClient(ctx)
	if err != nil {
		return err
	}
	_, err = c.RemoveUserFromGroup(ctx, &iam.RemoveUserFromGroupInput{UserName: aws.String(user), GroupName: aws.String(group)})
	return pkgerrors.Wrapf(err, "removing user %s from group %s", user, group)
}

func (s *Service) attachedPolicies(ctx context.Context, c *iam.Client, kind schema.ResourceKind, name string) ([]string, error) {
	var arns []string
	collect := func(policies []iamtypes.AttachedPolicy) {
		for _, p := range policies {
			arns = append(arns, aws.ToString(p.PolicyArn))
		}
	}
	switch kind {
	case schema.KindRole:
		paginator := iam.NewListAttachedRolePoliciesPaginator(c, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(name)})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "listing attached policies for role %s", name)
			}
			collect(page.AttachedPolicies)
		}
	case schema.KindUser:
		paginator := iam.NewListAttachedUserPoliciesPaginator(c, &iam.ListAttachedUserPoliciesInput{UserName: aws.String(name)})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "listing attached policies for user %s", name)
			}
			collect(page.AttachedPolicies)
		}
	case schema.KindGroup:
		paginator := iam.NewListAttachedGroupPoliciesPaginator(c, &iam.ListAttachedGroupPoliciesInput{GroupName: aws.String(name)})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "listing attached policies for group %s", name)
			}
			collect(page.AttachedPolicies)
		}
	}
	return arns, nil
}

func (s *Service) inlinePolicies(ctx context.Context, c *iam.Client, kind schema.ResourceKind, name string) (map[string]map[string]any, error) {
	var policyNames []string
	switch kind {
	case schema.KindRole:
		paginator := iam.NewListRolePoliciesPaginator(c, &iam.ListRolePoliciesInput{RoleName: aws.String(name)})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "listing inline policies for role %s", name)
			}
			policyNames = append(policyNames, page.PolicyNames...)
		}
	case schema.KindUser:
		paginator := iam.NewListUserPoliciesPaginator(c, &iam.ListUserPoliciesInput{UserName: aws.String(name)})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "listing inline policies for user %s", name)
			}
			policyNames = append(policyNames, page.PolicyNames...)
		}
	case schema.KindGroup:
		paginator := iam.NewListGroupPoliciesPaginator(c, &iam.ListGroupPoliciesInput{GroupName: aws.String(name)})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "listing inline policies for group %s", name)
			}
			policyNames = append(policyNames, page.PolicyNames...)
		}
	}
	if len(policyNames) == 0 {
		return nil, nil
	}

	docs := map[string]map[string]any{}
	for _, policyName := range policyNames {
		var encoded *string
		var err error
		switch kind {
		case schema.KindRole:
			var out *iam.GetRolePolicyOutput
			out, err = c.GetRolePolicy(ctx, &iam.GetRolePolicyInput{RoleName: aws.String(name), PolicyName: aws.String(policyName)})
			if out != nil {
				encoded = out.PolicyDocument
			}
		case schema.KindUser:
			var out *iam.GetUserPolicyOutput
			out, err = c.GetUserPolicy(ctx, &iam.GetUserPolicyInput{UserName: aws.String(name), PolicyName: aws.String(policyName)})
			if out != nil {
				encoded = out.PolicyDocument
			}
		case schema.KindGroup:
			var out *iam.GetGroupPolicyOutput
			out, err = c.GetGroupPolicy(ctx, &iam.GetGroupPolicyInput{GroupName: aws.String(name), PolicyName: aws.String(policyName)})
			if out != nil {
				encoded = out.PolicyDocument
			}
		}
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "getting inline policy %s of %s %s", policyName, kind, name)
		}
		doc, err := decodePolicyDocument(encoded)
		if err != nil {
			return nil, err
		}
		docs[policyName] = doc
	}
	return docs, nil
}

// policyARN resolves a customer managed policy name to its ARN, caching the
// whole local-scope listing on first miss.
func (s *Service) policyARN(ctx context.Context, c *iam.Client, name string) (string, error) {
	s.mu.Lock()
	arn, ok := s.policyARNs[name]
	s.mu.Unlock()
	if ok {
		return arn, nil
	}

	paginator := iam.NewListPoliciesPaginator(c, &iam.ListPoliciesInput{Scope: iamtypes.PolicyScopeTypeLocal})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", pkgerrors.Wrap(err, "listing policies")
		}
		for _, policy := range page.Policies {
			s.rememberPolicyARN(aws.ToString(policy.PolicyName), aws.ToString(policy.Arn))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policyARNs[name], nil
}

func (s *Service) rememberPolicyARN(name, arn string) {
	s.mu.Lock()
	s.policyARNs[name] = arn
	s.mu.Unlock()
}

func tagsToMap(tags []iamtypes.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return m
}

func mapToTags(m map[string]string) []iamtypes.Tag {
	if len(m) == 0 {
		return nil
	}
	tags := make([]iamtypes.Tag, 0, len(m))
	for k, v := range m {
		tags = append(tags, iamtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return tags
}
