package services

import (
	"context"
	"net/http"
	"slices"

	"github.com/google/uuid"

	"github.com/iota-uz/governance/modules/sharing/domain"
	"github.com/iota-uz/governance/pkg/composables"
	"github.com/iota-uz/governance/pkg/hierarchy"
	"github.com/iota-uz/governance/pkg/serrors"
)

// SharingRepository is the persistence contract of the policy store. All
// methods resolve their connection or transaction from the context.
type SharingRepository interface {
	InsertPolicy(ctx context.Context, policy domain.ResourceSharingPolicy) (int64, error)
	InsertAttributes(ctx context.Context, attrs []domain.SharedResourceAttribute) error

	GetPolicy(ctx context.Context, id int64) (*domain.ResourceSharingPolicy, error)
	ListPolicies(ctx context.Context, holdingOrgIDs []uuid.UUID) ([]domain.ResourceSharingPolicy, error)
	ListPoliciesByResource(ctx context.Context, resourceType domain.ResourceType, resourceID uuid.UUID) ([]domain.ResourceSharingPolicy, error)
	ListPoliciesWithAttributes(ctx context.Context, holdingOrgIDs []uuid.UUID) ([]domain.PolicyWithAttributes, error)

	DeletePolicy(ctx context.Context, id int64) error
	DeletePoliciesByResource(ctx context.Context, resourceType domain.ResourceType, resourceID uuid.UUID, initiatingOrgID uuid.UUID) error
	DeletePoliciesByInitiatingOrg(ctx context.Context, orgID uuid.UUID) error

	PolicyExists(ctx context.Context, id int64) (bool, error)
	GetAttributePolicies(ctx context.Context, attrType domain.SharedAttributeType, attributeID uuid.UUID) ([]domain.ResourceSharingPolicy, error)
	DeleteAttributesByType(ctx context.Context, policyID int64, attrType domain.SharedAttributeType) error
	DeleteAttributeByTypeAndID(ctx context.Context, policyID int64, attrType domain.SharedAttributeType, attributeID uuid.UUID) error
}

type SharingService struct {
	repo     SharingRepository
	resolver hierarchy.Resolver
	tx       composables.Transactor
}

func NewSharingService(repo SharingRepository, resolver hierarchy.Resolver, tx composables.Transactor) *SharingService {
	return &SharingService{repo: repo, resolver: resolver, tx: tx}
}

// AddPolicy persists a sharing policy and its attributes atomically and
// returns the generated policy id. The policy holding organization must be
// the initiating organization or one of its descendants.
func (s *SharingService) AddPolicy(ctx context.Context, policy domain.ResourceSharingPolicy, attrs []domain.SharedResourceAttribute) (int64, error) {
	if policy.ResourceID == uuid.Nil || policy.InitiatingOrgID == uuid.Nil || policy.PolicyHoldingOrgID == uuid.Nil {
		return 0, serrors.New(http.StatusBadRequest, "SHARING_INVALID_POLICY", "resource id and organization ids are required")
	}
	if _, err := domain.ParseResourceType(string(policy.ResourceType)); err != nil {
		return 0, serrors.Wrap(http.StatusBadRequest, "SHARING_INVALID_POLICY", "invalid resource type", err)
	}
	if _, err := domain.ParsePolicyRule(string(policy.Rule)); err != nil {
		return 0, serrors.Wrap(http.StatusBadRequest, "SHARING_INVALID_POLICY", "invalid sharing policy", err)
	}
	for _, a := range attrs {
		if _, err := domain.ParseSharedAttributeType(string(a.Type)); err != nil {
			return 0, serrors.Wrap(http.StatusBadRequest, "SHARING_INVALID_ATTRIBUTE", "invalid shared attribute type", err)
		}
		if a.AttributeID == uuid.Nil {
			return 0, serrors.New(http.StatusBadRequest, "SHARING_INVALID_ATTRIBUTE", "attribute id is required")
		}
	}

	if err := s.validateHoldingOrg(ctx, policy.InitiatingOrgID, policy.PolicyHoldingOrgID); err != nil {
		return 0, err
	}

	var policyID int64
	err := s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		id, err := s.repo.InsertPolicy(txCtx, policy)
		if err != nil {
			return mapPgError(err)
		}
		for i := range attrs {
			attrs[i].PolicyID = id
		}
		if len(attrs) > 0 {
			if err := s.repo.InsertAttributes(txCtx, attrs); err != nil {
				return mapPgError(err)
			}
		}
		policyID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return policyID, nil
}

func (s *SharingService) GetPolicy(ctx context.Context, id int64) (*domain.ResourceSharingPolicy, error) {
	policy, err := s.repo.GetPolicy(ctx, id)
	if err != nil {
		return nil, mapPgError(err)
	}
	return policy, nil
}

func (s *SharingService) ListPolicies(ctx context.Context, holdingOrgIDs []uuid.UUID) ([]domain.ResourceSharingPolicy, error) {
	policies, err := s.repo.ListPolicies(ctx, holdingOrgIDs)
	if err != nil {
		return nil, mapPgError(err)
	}
	return policies, nil
}

// ListPoliciesGroupedByType returns the same rows as ListPolicies keyed by
// resource type.
func (s *SharingService) ListPoliciesGroupedByType(ctx context.Context, holdingOrgIDs []uuid.UUID) (map[domain.ResourceType][]domain.ResourceSharingPolicy, error) {
	policies, err := s.ListPolicies(ctx, holdingOrgIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.ResourceType][]domain.ResourceSharingPolicy)
	for _, p := range policies {
		out[p.ResourceType] = append(out[p.ResourceType], p)
	}
	return out, nil
}

// ListPoliciesGroupedByOrg returns the same rows keyed by the policy holding
// organization.
func (s *SharingService) ListPoliciesGroupedByOrg(ctx context.Context, holdingOrgIDs []uuid.UUID) (map[uuid.UUID][]domain.ResourceSharingPolicy, error) {
	policies, err := s.ListPolicies(ctx, holdingOrgIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID][]domain.ResourceSharingPolicy)
	for _, p := range policies {
		out[p.PolicyHoldingOrgID] = append(out[p.PolicyHoldingOrgID], p)
	}
	return out, nil
}

// PoliciesWithAttributes is the bulk read used by downstream resolution: one
// round trip, grouped by holding organization.
func (s *SharingService) PoliciesWithAttributes(ctx context.Context, holdingOrgIDs []uuid.UUID) (map[uuid.UUID][]domain.PolicyWithAttributes, error) {
	rows, err := s.repo.ListPoliciesWithAttributes(ctx, holdingOrgIDs)
	if err != nil {
		return nil, mapPgError(err)
	}
	out := make(map[uuid.UUID][]domain.PolicyWithAttributes)
	for _, row := range rows {
		out[row.Policy.PolicyHoldingOrgID] = append(out[row.Policy.PolicyHoldingOrgID], row)
	}
	return out, nil
}

// DeletePolicy removes a policy and, by cascade, its attributes. Only the
// initiating organization may revoke: holding a shared resource does not
// confer revocation authority.
func (s *SharingService) DeletePolicy(ctx context.Context, id int64, requestingOrgID uuid.UUID) error {
	policy, err := s.repo.GetPolicy(ctx, id)
	if err != nil {
		return mapPgError(err)
	}
	if policy.InitiatingOrgID != requestingOrgID {
		return errForbidden()
	}
	return s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		return mapPgError(s.repo.DeletePolicy(txCtx, id))
	})
}

// DeletePolicyByResource removes every policy of the resource initiated by
// the requesting organization; policies initiated by other organizations are
// left untouched and reported as Forbidden when nothing was deletable.
func (s *SharingService) DeletePolicyByResource(ctx context.Context, resourceType domain.ResourceType, resourceID uuid.UUID, requestingOrgID uuid.UUID) error {
	policies, err := s.repo.ListPoliciesByResource(ctx, resourceType, resourceID)
	if err != nil {
		return mapPgError(err)
	}
	if len(policies) == 0 {
		return errPolicyNotFound(nil)
	}
	owned := slices.ContainsFunc(policies, func(p domain.ResourceSharingPolicy) bool {
		return p.InitiatingOrgID == requestingOrgID
	})
	if !owned {
		return errForbidden()
	}
	return s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		return mapPgError(s.repo.DeletePoliciesByResource(txCtx, resourceType, resourceID, requestingOrgID))
	})
}

// DeletePoliciesByInitiatingOrg is the cleanup hook invoked when an
// initiating organization is deleted.
func (s *SharingService) DeletePoliciesByInitiatingOrg(ctx context.Context, orgID uuid.UUID) error {
	return s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		return mapPgError(s.repo.DeletePoliciesByInitiatingOrg(txCtx, orgID))
	})
}

// AddSharedAttributes attaches attributes to existing policies. Every
// attribute must reference a known policy id.
func (s *SharingService) AddSharedAttributes(ctx context.Context, attrs []domain.SharedResourceAttribute) error {
	if len(attrs) == 0 {
		return serrors.New(http.StatusBadRequest, "SHARING_INVALID_ATTRIBUTE", "no attributes given")
	}
	for _, a := range attrs {
		if _, err := domain.ParseSharedAttributeType(string(a.Type)); err != nil {
			return serrors.Wrap(http.StatusBadRequest, "SHARING_INVALID_ATTRIBUTE", "invalid shared attribute type", err)
		}
		exists, err := s.repo.PolicyExists(ctx, a.PolicyID)
		if err != nil {
			return mapPgError(err)
		}
		if !exists {
			return errPolicyNotFound(nil)
		}
	}
	return s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		return mapPgError(s.repo.InsertAttributes(txCtx, attrs))
	})
}

// DeleteSharedAttributes removes all attributes of one type from a policy,
// under the same initiator-only rule as policy deletion.
func (s *SharingService) DeleteSharedAttributes(ctx context.Context, policyID int64, attrType domain.SharedAttributeType, requestingOrgID uuid.UUID) error {
	policy, err := s.repo.GetPolicy(ctx, policyID)
	if err != nil {
		return mapPgError(err)
	}
	if policy.InitiatingOrgID != requestingOrgID {
		return errForbidden()
	}
	return s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		return mapPgError(s.repo.DeleteAttributesByType(txCtx, policyID, attrType))
	})
}

// DeleteSharedAttributeByTypeAndID removes one attribute wherever it appears,
// restricted to policies the requesting organization initiated.
func (s *SharingService) DeleteSharedAttributeByTypeAndID(ctx context.Context, attrType domain.SharedAttributeType, attributeID uuid.UUID, requestingOrgID uuid.UUID) error {
	policies, err := s.repo.GetAttributePolicies(ctx, attrType, attributeID)
	if err != nil {
		return mapPgError(err)
	}
	if len(policies) == 0 {
		return errPolicyNotFound(nil)
	}
	authorized := false
	for _, p := range policies {
		if p.InitiatingOrgID != requestingOrgID {
			continue
		}
		authorized = true
	}
	if !authorized {
		return errForbidden()
	}
	return s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		for _, p := range policies {
			if p.InitiatingOrgID != requestingOrgID {
				continue
			}
			if err := s.repo.DeleteAttributeByTypeAndID(txCtx, p.ID, attrType, attributeID); err != nil {
				return mapPgError(err)
			}
		}
		return nil
	})
}

func (s *SharingService) validateHoldingOrg(ctx context.Context, initiatingOrgID, holdingOrgID uuid.UUID) error {
	if initiatingOrgID == holdingOrgID {
		return nil
	}
	chain, err := s.resolver.AncestorChain(ctx, holdingOrgID)
	if err != nil {
		return serrors.Wrap(http.StatusInternalServerError, "SHARING_HIERARCHY_ERROR", "failed to resolve ancestor chain", err)
	}
	if !slices.Contains(chain, initiatingOrgID) {
		return serrors.New(http.StatusBadRequest, "SHARING_INVALID_POLICY", "policy holding organization is not a descendant of the initiating organization")
	}
	return nil
}

func errForbidden() error {
	return serrors.New(http.StatusForbidden, "SHARING_FORBIDDEN", "only the initiating organization may modify a sharing policy")
}

func errPolicyNotFound(cause error) error {
	return serrors.Wrap(http.StatusNotFound, "SHARING_POLICY_NOT_FOUND", "sharing policy not found", cause)
}
