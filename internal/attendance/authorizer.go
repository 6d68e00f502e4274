package attendance

import (
	"context"

	"github.com/google/uuid"
)

// PermissionAuthorizer evaluates capabilities from the permissions carried in
// the caller's token. Admin roles hold every capability within their tenant.
type PermissionAuthorizer struct{}

var _ Authorizer = PermissionAuthorizer{}

func (PermissionAuthorizer) CanMark(_ context.Context, _ uuid.UUID, caller Caller, classSectionID uuid.UUID) (bool, error) {
	if isAdmin(caller) {
		return true, nil
	}
	return caller.HasPermission(PermMark) && inScope(caller, classSectionID), nil
}

func (PermissionAuthorizer) CanView(_ context.Context, _ uuid.UUID, caller Caller, classSectionID uuid.UUID) (bool, error) {
	if isAdmin(caller) {
		return true, nil
	}
	if !caller.HasPermission(PermView) && !caller.HasPermission(PermMark) {
		return false, nil
	}
	return inScope(caller, classSectionID), nil
}

func (PermissionAuthorizer) CanUnlock(_ context.Context, _ uuid.UUID, caller Caller) (bool, error) {
	return isAdmin(caller) || caller.HasPermission(PermUnlock), nil
}

func (PermissionAuthorizer) CanManagePolicy(_ context.Context, _ uuid.UUID, caller Caller) (bool, error) {
	return isAdmin(caller) || caller.HasPermission(PermManagePolicy), nil
}

func isAdmin(caller Caller) bool {
	switch caller.Role {
	case RoleTenantAdmin, RoleSuperAdmin, RolePlatformOperator:
		return true
	default:
		return false
	}
}

func inScope(caller Caller, classSectionID uuid.UUID) bool {
	if caller.ClassSectionIDs == nil {
		return true
	}
	for _, id := range caller.ClassSectionIDs {
		if id == classSectionID {
			return true
		}
	}
	return false
}
