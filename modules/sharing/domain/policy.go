// Package domain holds the resource sharing model: a policy authorizes a
// resource owned by one organization to be visible in descendant
// organizations, and shared resource attributes attach sub-resources to it.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ResourceType string

const (
	ResourceTypeUser        ResourceType = "USER"
	ResourceTypeRole        ResourceType = "ROLE"
	ResourceTypeApplication ResourceType = "APPLICATION"
	ResourceTypeGroup       ResourceType = "GROUP"
	ResourceTypeIdp         ResourceType = "IDP"
)

func ParseResourceType(s string) (ResourceType, error) {
	switch ResourceType(s) {
	case ResourceTypeUser, ResourceTypeRole, ResourceTypeApplication, ResourceTypeGroup, ResourceTypeIdp:
		return ResourceType(s), nil
	}
	return "", fmt.Errorf("unknown resource type: %q", s)
}

type PolicyRule string

const (
	ShareWithAllChildren          PolicyRule = "SHARE_WITH_ALL_CHILDREN"
	ShareWithExistingChildrenOnly PolicyRule = "SHARE_WITH_EXISTING_CHILDREN_ONLY"
	ShareSelectedChildren         PolicyRule = "SELECTED_CHILDREN"
	ShareNone                     PolicyRule = "NONE"
)

func ParsePolicyRule(s string) (PolicyRule, error) {
	switch PolicyRule(s) {
	case ShareWithAllChildren, ShareWithExistingChildrenOnly, ShareSelectedChildren, ShareNone:
		return PolicyRule(s), nil
	}
	return "", fmt.Errorf("unknown sharing policy: %q", s)
}

type SharedAttributeType string

const (
	SharedAttributeUser  SharedAttributeType = "USER"
	SharedAttributeGroup SharedAttributeType = "GROUP"
	SharedAttributeRole  SharedAttributeType = "ROLE"
)

func ParseSharedAttributeType(s string) (SharedAttributeType, error) {
	switch SharedAttributeType(s) {
	case SharedAttributeUser, SharedAttributeGroup, SharedAttributeRole:
		return SharedAttributeType(s), nil
	}
	return "", fmt.Errorf("unknown shared attribute type: %q", s)
}

// ResourceSharingPolicy rows are unique per
// (ResourceType, ResourceID, PolicyHoldingOrgID); PolicyHoldingOrgID is the
// initiating organization or one of its descendants.
type ResourceSharingPolicy struct {
	ID                 int64
	ResourceType       ResourceType
	ResourceID         uuid.UUID
	InitiatingOrgID    uuid.UUID
	PolicyHoldingOrgID uuid.UUID
	Rule               PolicyRule
	CreatedAt          time.Time
}

// SharedResourceAttribute is exclusively owned by its policy: deleting the
// policy deletes the attribute.
type SharedResourceAttribute struct {
	ID          int64
	PolicyID    int64
	Type        SharedAttributeType
	AttributeID uuid.UUID
}

type PolicyWithAttributes struct {
	Policy     ResourceSharingPolicy
	Attributes []SharedResourceAttribute
}
