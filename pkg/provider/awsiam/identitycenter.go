package awsiam

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	idstypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssotypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	log "github.com/charmbracelet/log"
	pkgerrors "github.com/pkg/errors"

	"github.com/stratusops/iamsync/pkg/provider"
	"github.com/stratusops/iamsync/pkg/schema"
)

// listPermissionSets lists the permission sets provisioned to this account.
// Permission sets are instance-level objects; only the ones provisioned here
// are part of this account's live state.
func (s *Service) listPermissionSets(ctx context.Context) ([]string, error) {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return nil, err
	}

	var names []string
	paginator := ssoadmin.NewListPermissionSetsProvisionedToAccountPaginator(c, &ssoadmin.ListPermissionSetsProvisionedToAccountInput{
		InstanceArn: aws.String(s.instance.InstanceARN),
		AccountId:   aws.String(s.acct.ID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "listing provisioned permission sets")
		}
		for _, arn := range page.PermissionSets {
			described, err := c.DescribePermissionSet(ctx, &ssoadmin.DescribePermissionSetInput{
				InstanceArn:      aws.String(s.instance.InstanceARN),
				PermissionSetArn: aws.String(arn),
			})
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "describing permission set %s", arn)
			}
			name := aws.ToString(described.PermissionSet.Name)
			s.rememberPermissionSetARN(name, arn)
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *Service) getPermissionSet(ctx context.Context, name string) (*provider.Resource, error) {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return nil, err
	}
	arn, err := s.permissionSetARN(ctx, c, name)
	if err != nil {
		return nil, err
	}
	if arn == "" {
		return nil, nil
	}

	described, err := c.DescribePermissionSet(ctx, &ssoadmin.DescribePermissionSetInput{
		InstanceArn:      aws.String(s.instance.InstanceARN),
		PermissionSetArn: aws.String(arn),
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "describing permission set %s", name)
	}
	ps := described.PermissionSet

	resource := &provider.Resource{
		Kind:            schema.KindPermissionSet,
		Name:            name,
		ARN:             arn,
		Description:     aws.ToString(ps.Description),
		SessionDuration: aws.ToString(ps.SessionDuration),
		RelayState:      aws.ToString(ps.RelayState),
	}

	policies := ssoadmin.NewListManagedPoliciesInPermissionSetPaginator(c, &ssoadmin.ListManagedPoliciesInPermissionSetInput{
		InstanceArn:      aws.String(s.instance.InstanceARN),
		PermissionSetArn: aws.String(arn),
	})
	for policies.HasMorePages() {
		page, err := policies.NextPage(ctx)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "listing managed policies for permission set %s", name)
		}
		for _, p := range page.AttachedManagedPolicies {
			resource.ManagedPolicies = append(resource.ManagedPolicies, aws.ToString(p.Arn))
		}
	}

	inline, err := c.GetInlinePolicyForPermissionSet(ctx, &ssoadmin.GetInlinePolicyForPermissionSetInput{
		InstanceArn:      aws.String(s.instance.InstanceARN),
		PermissionSetArn: aws.String(arn),
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "getting inline policy for permission set %s", name)
	}
	if aws.ToString(inline.InlinePolicy) != "" {
		parsed, err := decodePolicyDocument(inline.InlinePolicy)
		if err != nil {
			return nil, err
		}
		resource.InlinePolicies = map[string]map[string]any{inlinePolicyName: parsed}
	}

	tags := ssoadmin.NewListTagsForResourcePaginator(c, &ssoadmin.ListTagsForResourceInput{
		InstanceArn: aws.String(s.instance.InstanceARN),
		ResourceArn: aws.String(arn),
	})
	for tags.HasMorePages() {
		page, err := tags.NextPage(ctx)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "listing tags for permission set %s", name)
		}
		for _, t := range page.Tags {
			if resource.Tags == nil {
				resource.Tags = map[string]string{}
			}
			resource.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}

	if resource.Assignments, err = s.ListAssignments(ctx, name); err != nil {
		return nil, err
	}
	return resource, nil
}

// inlinePolicyName keys the permission set's single inline policy in the
// normalized resource; Identity Center inline policies are unnamed.
const inlinePolicyName = "inline"

func (s *Service) createPermissionSet(ctx context.Context, resource *provider.Resource) error {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return err
	}
	input := &ssoadmin.CreatePermissionSetInput{
		InstanceArn: aws.String(s.instance.InstanceARN),
		Name:        aws.String(resource.Name),
	}
	if resource.Description != "" {
		input.Description = aws.String(resource.Description)
	}
	if resource.SessionDuration != "" {
		input.SessionDuration = aws.String(resource.SessionDuration)
	}
	if resource.RelayState != "" {
		input.RelayState = aws.String(resource.RelayState)
	}
	for k, v := range resource.Tags {
		input.Tags = append(input.Tags, ssotypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	out, err := c.CreatePermissionSet(ctx, input)
	if err != nil {
		return pkgerrors.Wrapf(err, "creating permission set %s", resource.Name)
	}
	s.rememberPermissionSetARN(resource.Name, aws.ToString(out.PermissionSet.PermissionSetArn))
	return nil
}

func (s *Service) updatePermissionSet(ctx context.Context, name string, fields map[string]any) error {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return err
	}
	arn, err := s.permissionSetARN(ctx, c, name)
	if err != nil {
		return err
	}
	if arn == "" {
		return pkgerrors.Errorf("permission set %s not found", name)
	}

	input := &ssoadmin.UpdatePermissionSetInput{
		InstanceArn:      aws.String(s.instance.InstanceARN),
		PermissionSetArn: aws.String(arn),
	}
	dirty := false
	if description, ok := fieldString(fields, "description"); ok {
		input.Description = aws.String(description)
		dirty = true
	}
	if duration, ok := fieldString(fields, "session_duration"); ok {
		input.SessionDuration = aws.String(duration)
		dirty = true
	}
	if relayState, ok := fieldString(fields, "relay_state"); ok {
		input.RelayState = aws.String(relayState)
		dirty = true
	}
	if !dirty {
		return nil
	}
	_, err = c.UpdatePermissionSet(ctx, input)
	return pkgerrors.Wrapf(err, "updating permission set %s", name)
}

func (s *Service) deletePermissionSet(ctx context.Context, name string) error {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return err
	}
	arn, err := s.permissionSetARN(ctx, c, name)
	if err != nil {
		return err
	}
	if arn == "" {
		return nil
	}
	_, err = c.DeletePermissionSet(ctx, &ssoadmin.DeletePermissionSetInput{
		InstanceArn:      aws.String(s.instance.InstanceARN),
		PermissionSetArn: aws.String(arn),
	})
	return pkgerrors.Wrapf(err, "deleting permission set %s", name)
}

func (s *Service) attachPermissionSetPolicy(ctx context.Context, name, policyARN string) error {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return err
	}
	arn, err := s.permissionSetARN(ctx, c, name)
	if err != nil {
		return err
	}
	_, err = c.AttachManagedPolicyToPermissionSet(ctx, &ssoadmin.AttachManagedPolicyToPermissionSetInput{
		InstanceArn:      aws.String(s.instance.InstanceARN),
		PermissionSetArn: aws.String(arn),
		ManagedPolicyArn: aws.String(policyARN),
	})
	return pkgerrors.Wrapf(err, "attaching %s to permission set %s", policyARN, name)
}

func (s *Service) detachPermissionSetPolicy(ctx context.Context, name, policyARN string) error {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return err
	}
	arn, err := s.permissionSetARN(ctx, c, name)
	if err != nil {
		return err
	}
	_, err = c.DetachManagedPolicyFromPermissionSet(ctx, &ssoadmin.DetachManagedPolicyFromPermissionSetInput{
		InstanceArn:      aws.String(s.instance.InstanceARN),
		PermissionSetArn: aws.String(arn),
		ManagedPolicyArn: aws.String(policyARN),
	})
	return pkgerrors.Wrapf(err, "detaching %s from permission set %s", policyARN, name)
}

func (s *Service) putPermissionSetInlinePolicy(ctx context.Context, name string, doc map[string]any) error {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return err
	}
	arn, err := s.permissionSetARN(ctx, c, name)
	if err != nil {
		return err
	}
	encoded, err := encodePolicyDocument(doc)
	if err != nil {
		return err
	}
	_, err = c.PutInlinePolicyToPermissionSet(ctx, &ssoadmin.PutInlinePolicyToPermissionSetInput{
		InstanceArn:      aws.String(s.instance.InstanceARN),
		PermissionSetArn: aws.String(arn),
		InlinePolicy:     aws.String(encoded),
	})
	return pkgerrors.Wrapf(err, "putting inline policy on permission set %s", name)
}

func (s *Service) deletePermissionSetInlinePolicy(ctx context.Context, name string) error {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return err
	}
	arn, err := s.permissionSetARN(ctx, c, name)
	if err != nil {
		return err
	}
	_, err = c.DeleteInlinePolicyFromPermissionSet(ctx, &ssoadmin.DeleteInlinePolicyFromPermissionSetInput{
		InstanceArn:      aws.String(s.instance.InstanceARN),
		PermissionSetArn: aws.String(arn),
	})
	return pkgerrors.Wrapf(err, "deleting inline policy from permission set %s", name)
}

func (s *Service) tagPermissionSet(ctx context.Context, name string, tags map[string]string) error {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return err
	}
	arn, err := s.permissionSetARN(ctx, c, name)
	if err != nil {
		return err
	}
	input := &ssoadmin.TagResourceInput{
		InstanceArn: aws.String(s.instance.InstanceARN),
		ResourceArn: aws.String(arn),
	}
	for k, v := range tags {
		input.Tags = append(input.Tags, ssotypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	_, err = c.TagResource(ctx, input)
	return pkgerrors.Wrapf(err, "tagging permission set %s", name)
}

func (s *Service) untagPermissionSet(ctx context.Context, name string, keys []string) error {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return err
	}
	arn, err := s.permissionSetARN(ctx, c, name)
	if err != nil {
		return err
	}
	_, err = c.UntagResource(ctx, &ssoadmin.UntagResourceInput{
		InstanceArn: aws.String(s.instance.InstanceARN),
		ResourceArn: aws.String(arn),
		TagKeys:     keys,
	})
	return pkgerrors.Wrapf(err, "untagging permission set %s", name)
}

// ListAssignments lists this account's assignments on a permission set, with
// principal names resolved for template synthesis. Resolution failures leave
// the name empty rather than failing the read.
func (s *Service) ListAssignments(ctx context.Context, permissionSet string) ([]provider.Assignment, error) {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return nil, err
	}
	arn, err := s.permissionSetARN(ctx, c, permissionSet)
	if err != nil {
		return nil, err
	}
	if arn == "" {
		return nil, nil
	}

	var assignments []provider.Assignment
	paginator := ssoadmin.NewListAccountAssignmentsPaginator(c, &ssoadmin.ListAccountAssignmentsInput{
		InstanceArn:      aws.String(s.instance.InstanceARN),
		AccountId:        aws.String(s.acct.ID),
		PermissionSetArn: aws.String(arn),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "listing assignments for permission set %s", permissionSet)
		}
		for _, a := range page.AccountAssignments {
			assignment := provider.Assignment{
				PrincipalType: provider.PrincipalType(a.PrincipalType),
				PrincipalID:   aws.ToString(a.PrincipalId),
			}
			name, err := s.principalName(ctx, assignment.PrincipalType, assignment.PrincipalID)
			if err != nil {
				log.Debug("could not resolve principal name", "principal", assignment.PrincipalID, "error", err)
			} else {
				assignment.PrincipalName = name
			}
			assignments = append(assignments, assignment)
		}
	}
	return assignments, nil
}

func (s *Service) CreateAssignment(ctx context.Context, permissionSet string, assignment provider.Assignment) (string, error) {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return "", err
	}
	arn, err := s.permissionSetARN(ctx, c, permissionSet)
	if err != nil {
		return "", err
	}
	out, err := c.CreateAccountAssignment(ctx, &ssoadmin.CreateAccountAssignmentInput{
		InstanceArn:      aws.String(s.instance.InstanceARN),
		PermissionSetArn: aws.String(arn),
		TargetType:       ssotypes.TargetTypeAwsAccount,
		TargetId:         aws.String(s.acct.ID),
		PrincipalType:    ssotypes.PrincipalType(assignment.PrincipalType),
		PrincipalId:      aws.String(assignment.PrincipalID),
	})
	if err != nil {
		return "", pkgerrors.Wrapf(err, "creating assignment on permission set %s", permissionSet)
	}
	requestID := aws.ToString(out.AccountAssignmentCreationStatus.RequestId)
	s.rememberOp(requestID, opCreateAssignment)
	return requestID, nil
}

func (s *Service) DeleteAssignment(ctx context.Context, permissionSet string, assignment provider.Assignment) (string, error) {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return "", err
	}
	arn, err := s.permissionSetARN(ctx, c, permissionSet)
	if err != nil {
		return "", err
	}
	out, err := c.DeleteAccountAssignment(ctx, &ssoadmin.DeleteAccountAssignmentInput{
		InstanceArn:      aws.String(s.instance.InstanceARN),
		PermissionSetArn: aws.String(arn),
		TargetType:       ssotypes.TargetTypeAwsAccount,
		TargetId:         aws.String(s.acct.ID),
		PrincipalType:    ssotypes.PrincipalType(assignment.PrincipalType),
		PrincipalId:      aws.String(assignment.PrincipalID),
	})
	if err != nil {
		return "", pkgerrors.Wrapf(err, "deleting assignment on permission set %s", permissionSet)
	}
	requestID := aws.ToString(out.AccountAssignmentDeletionStatus.RequestId)
	s.rememberOp(requestID, opDeleteAssignment)
	return requestID, nil
}

func (s *Service) AssignmentStatus(ctx context.Context, requestID string) (provider.OpStatus, error) {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return provider.OpStatus{}, err
	}

	s.mu.Lock()
	op := s.opKinds[requestID]
	s.mu.Unlock()

	var status *ssotypes.AccountAssignmentOperationStatus
	if op == opDeleteAssignment {
		out, err := c.DescribeAccountAssignmentDeletionStatus(ctx, &ssoadmin.DescribeAccountAssignmentDeletionStatusInput{
			InstanceArn:                        aws.String(s.instance.InstanceARN),
			AccountAssignmentDeletionRequestId: aws.String(requestID),
		})
		if err != nil {
			return provider.OpStatus{}, pkgerrors.Wrap(err, "describing assignment deletion status")
		}
		status = out.AccountAssignmentDeletionStatus
	} else {
		out, err := c.DescribeAccountAssignmentCreationStatus(ctx, &ssoadmin.DescribeAccountAssignmentCreationStatusInput{
			InstanceArn:                        aws.String(s.instance.InstanceARN),
			AccountAssignmentCreationRequestId: aws.String(requestID),
		})
		if err != nil {
			return provider.OpStatus{}, pkgerrors.Wrap(err, "describing assignment creation status")
		}
		status = out.AccountAssignmentCreationStatus
	}
	return opStatusFrom(status.Status, status.FailureReason), nil
}

func (s *Service) ProvisionPermissionSet(ctx context.Context, permissionSet string) (string, error) {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return "", err
	}
	arn, err := s.permissionSetARN(ctx, c, permissionSet)
	if err != nil {
		return "", err
	}
	out, err := c.ProvisionPermissionSet(ctx, &ssoadmin.ProvisionPermissionSetInput{
		InstanceArn:      aws.String(s.instance.InstanceARN),
		PermissionSetArn: aws.String(arn),
		TargetType:       ssotypes.ProvisionTargetTypeAwsAccount,
		TargetId:         aws.String(s.acct.ID),
	})
	if err != nil {
		return "", pkgerrors.Wrapf(err, "provisioning permission set %s", permissionSet)
	}
	return aws.ToString(out.PermissionSetProvisioningStatus.RequestId), nil
}

func (s *Service) ProvisionStatus(ctx context.Context, requestID string) (provider.OpStatus, error) {
	c, err := s.ssoClient(ctx)
	if err != nil {
		return provider.OpStatus{}, err
	}
	out, err := c.DescribePermissionSetProvisioningStatus(ctx, &ssoadmin.DescribePermissionSetProvisioningStatusInput{
		InstanceArn:                     aws.String(s.instance.InstanceARN),
		ProvisionPermissionSetRequestId: aws.String(requestID),
	})
	if err != nil {
		return provider.OpStatus{}, pkgerrors.Wrap(err, "describing provisioning status")
	}
	return opStatusFrom(out.PermissionSetProvisioningStatus.Status, out.PermissionSetProvisioningStatus.FailureReason), nil
}

// ResolvePrincipal looks an Identity Center principal up by name.
func (s *Service) ResolvePrincipal(ctx context.Context, principalType provider.PrincipalType, name string) (string, error) {
	c, err := s.identityStoreClient(ctx)
	if err != nil {
		return "", err
	}
	switch principalType {
	case provider.PrincipalUser:
		out, err := c.ListUsers(ctx, &identitystore.ListUsersInput{
			IdentityStoreId: aws.String(s.instance.IdentityStoreID),
			Filters: []idstypes.Filter{{
				AttributePath:  aws.String("UserName"),
				AttributeValue: aws.String(name),
			}},
		})
		if err != nil {
			return "", pkgerrors.Wrapf(err, "looking up user %s", name)
		}
		if len(out.Users) == 0 {
			return "", pkgerrors.Errorf("user %s not found in identity store", name)
		}
		return aws.ToString(out.Users[0].UserId), nil
	case provider.PrincipalGroup:
		out, err := c.ListGroups(ctx, &identitystore.ListGroupsInput{
			IdentityStoreId: aws.String(s.instance.IdentityStoreID),
			Filters: []idstypes.Filter{{
				AttributePath:  aws.String("DisplayName"),
				AttributeValue: aws.String(name),
			}},
		})
		if err != nil {
			return "", pkgerrors.Wrapf(err, "looking up group %s", name)
		}
		if len(out.Groups) == 0 {
			return "", pkgerrors.Errorf("group %s not found in identity store", name)
		}
		return aws.ToString(out.Groups[0].GroupId), nil
	}
	return "", pkgerrors.Errorf("unknown principal type %q", principalType)
}

func (s *Service) principalName(ctx context.Context, principalType provider.PrincipalType, id string) (string, error) {
	c, err := s.identityStoreClient(ctx)
	if err != nil {
		return "", err
	}
	switch principalType {
	case provider.PrincipalUser:
		out, err := c.DescribeUser(ctx, &identitystore.DescribeUserInput{
			IdentityStoreId: aws.String(s.instance.IdentityStoreID),
			UserId:          aws.String(id),
		})
		if err != nil {
			return "", err
		}
		return aws.ToString(out.UserName), nil
	case provider.PrincipalGroup:
		out, err := c.DescribeGroup(ctx, &identitystore.DescribeGroupInput{
			IdentityStoreId: aws.String(s.instance.IdentityStoreID),
			GroupId:         aws.String(id),
		})
		if err != nil {
			return "", err
		}
		return aws.ToString(out.DisplayName), nil
	}
	return "", pkgerrors.Errorf("unknown principal type %q", principalType)
}

// permissionSetARN resolves a permission set name to its ARN, loading the
// instance-wide name index on first miss.
func (s *Service) permissionSetARN(ctx context.Context, c *ssoadmin.Client, name string) (string, error) {
	s.mu.Lock()
	arn, ok := s.psARNs[name]
	loaded := s.psARNsLoaded
	s.mu.Unlock()
	if ok || loaded {
		return arn, nil
	}

	paginator := ssoadmin.NewListPermissionSetsPaginator(c, &ssoadmin.ListPermissionSetsInput{
		InstanceArn: aws.String(s.instance.InstanceARN),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", pkgerrors.Wrap(err, "listing permission sets")
		}
		for _, psARN := range page.PermissionSets {
			described, err := c.DescribePermissionSet(ctx, &ssoadmin.DescribePermissionSetInput{
				InstanceArn:      aws.String(s.instance.InstanceARN),
				PermissionSetArn: aws.String(psARN),
			})
			if err != nil {
				return "", pkgerrors.Wrapf(err, "describing permission set %s", psARN)
			}
			s.rememberPermissionSetARN(aws.ToString(described.PermissionSet.Name), psARN)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.psARNsLoaded = true
	return s.psARNs[name], nil
}

func (s *Service) rememberPermissionSetARN(name, arn string) {
	s.mu.Lock()
	s.psARNs[name] = arn
	s.mu.Unlock()
}

func (s *Service) rememberOp(requestID string, op assignmentOp) {
	s.mu.Lock()
	s.opKinds[requestID] = op
	s.mu.Unlock()
}

func opStatusFrom(status ssotypes.StatusValues, failureReason *string) provider.OpStatus {
	switch status {
	case ssotypes.StatusValuesSucceeded:
		return provider.OpStatus{State: provider.OpSucceeded}
	case ssotypes.StatusValuesFailed:
		return provider.OpStatus{State: provider.OpFailed, FailureReason: aws.ToString(failureReason)}
	}
	return provider.OpStatus{State: provider.OpInProgress}
}
