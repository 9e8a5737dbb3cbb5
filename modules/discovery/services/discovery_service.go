package services

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/iota-uz/governance/modules/discovery/domain"
	"github.com/iota-uz/governance/pkg/composables"
	"github.com/iota-uz/governance/pkg/hierarchy"
	"github.com/iota-uz/governance/pkg/serrors"
)

// DiscoveryRepository is the persistence contract of the attribute registry.
// All methods resolve their connection or transaction from the context.
type DiscoveryRepository interface {
	InsertAttributes(ctx context.Context, orgID, rootOrgID uuid.UUID, attrs []domain.Attribute) error
	GetAttributes(ctx context.Context, orgID uuid.UUID) ([]domain.Attribute, error)
	DeleteAttributes(ctx context.Context, orgID uuid.UUID) error
	HasAttributes(ctx context.Context, orgID uuid.UUID) (bool, error)

	// ValueExistsInTree reports whether (typ, value) is registered anywhere
	// under rootOrgID. excludeOrgID carves out one organization's own rows;
	// uuid.Nil excludes nothing.
	ValueExistsInTree(ctx context.Context, rootOrgID uuid.UUID, typ, value string, excludeOrgID uuid.UUID) (bool, error)

	ListOrganizations(ctx context.Context, rootOrgID uuid.UUID, conds []FilterCondition, after, before uuid.UUID, limit int) ([]domain.OrganizationDiscovery, error)
	CountOrganizations(ctx context.Context, rootOrgID uuid.UUID, conds []FilterCondition) (int, error)
	AttributesGroupedByOrganization(ctx context.Context, rootOrgID uuid.UUID) (map[uuid.UUID][]domain.Attribute, error)
	OrganizationByAttribute(ctx context.Context, rootOrgID uuid.UUID, typ, value string) (uuid.UUID, error)
}

// OrganizationPage is one page of a cursor-paginated organization listing.
type OrganizationPage struct {
	Organizations []domain.OrganizationDiscovery
	Total         int
	NextCursor    string
	PrevCursor    string
}

type DiscoveryService struct {
	repo     DiscoveryRepository
	resolver hierarchy.Resolver
	registry *domain.TypeRegistry
	tx       composables.Transactor
}

func NewDiscoveryService(
	repo DiscoveryRepository,
	resolver hierarchy.Resolver,
	registry *domain.TypeRegistry,
	tx composables.Transactor,
) *DiscoveryService {
	return &DiscoveryService{repo: repo, resolver: resolver, registry: registry, tx: tx}
}

// AddAttributes registers discovery attributes for an organization that has
// none yet. Only the root organization of the tree may manage attributes,
// and every (type, value) pair must be unused within that tree.
func (s *DiscoveryService) AddAttributes(ctx context.Context, callerOrgID, orgID uuid.UUID, attrs []domain.Attribute) ([]domain.Attribute, error) {
	rootOrgID, err := s.authorize(ctx, callerOrgID, orgID)
	if err != nil {
		return nil, err
	}
	exists, err := s.repo.HasAttributes(ctx, orgID)
	if err != nil {
		return nil, mapPgError(err)
	}
	if exists {
		return nil, serrors.New(http.StatusConflict, "DISCOVERY_ALREADY_ADDED", "organization already has discovery attributes")
	}
	validated, err := s.validateAttributes(ctx, rootOrgID, attrs, uuid.Nil)
	if err != nil {
		return nil, err
	}
	err = s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		return mapPgError(s.repo.InsertAttributes(txCtx, orgID, rootOrgID, validated))
	})
	if err != nil {
		return nil, err
	}
	return validated, nil
}

// UpdateAttributes replaces the organization's discovery attributes. The
// uniqueness check skips the organization's own rows so a value can be kept
// across updates.
func (s *DiscoveryService) UpdateAttributes(ctx context.Context, callerOrgID, orgID uuid.UUID, attrs []domain.Attribute) ([]domain.Attribute, error) {
	rootOrgID, err := s.authorize(ctx, callerOrgID, orgID)
	if err != nil {
		return nil, err
	}
	validated, err := s.validateAttributes(ctx, rootOrgID, attrs, orgID)
	if err != nil {
		return nil, err
	}
	err = s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.DeleteAttributes(txCtx, orgID); err != nil {
			return mapPgError(err)
		}
		return mapPgError(s.repo.InsertAttributes(txCtx, orgID, rootOrgID, validated))
	})
	if err != nil {
		return nil, err
	}
	return validated, nil
}

func (s *DiscoveryService) GetAttributes(ctx context.Context, callerOrgID, orgID uuid.UUID) ([]domain.Attribute, error) {
	if _, err := s.authorize(ctx, callerOrgID, orgID); err != nil {
		return nil, err
	}
	attrs, err := s.repo.GetAttributes(ctx, orgID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return attrs, nil
}

func (s *DiscoveryService) DeleteAttributes(ctx context.Context, callerOrgID, orgID uuid.UUID) error {
	if _, err := s.authorize(ctx, callerOrgID, orgID); err != nil {
		return err
	}
	return s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		return mapPgError(s.repo.DeleteAttributes(txCtx, orgID))
	})
}

// IsValueAvailable reports whether a (type, value) pair is still unclaimed
// within the caller's tree.
func (s *DiscoveryService) IsValueAvailable(ctx context.Context, rootOrgID uuid.UUID, typ, value string) (bool, error) {
	if _, ok := s.registry.Handler(typ); !ok {
		return false, errUnsupportedType(typ)
	}
	taken, err := s.repo.ValueExistsInTree(ctx, rootOrgID, typ, value, uuid.Nil)
	if err != nil {
		return false, mapPgError(err)
	}
	return !taken, nil
}

// ListOrganizationsByAttributes returns the organizations of a tree whose
// attributes satisfy the filter, ordered by organization id and paginated
// with opaque cursors.
func (s *DiscoveryService) ListOrganizationsByAttributes(ctx context.Context, rootOrgID uuid.UUID, filter string, page Pagination) (*OrganizationPage, error) {
	conds, err := ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	for _, c := range conds {
		if _, ok := s.registry.Handler(c.Type); !ok {
			return nil, errUnsupportedType(c.Type)
		}
	}
	if page.Limit <= 0 {
		return nil, serrors.New(http.StatusBadRequest, "DISCOVERY_INVALID_LIMIT", "limit must be positive")
	}
	if page.After != "" && page.Before != "" {
		return nil, serrors.New(http.StatusBadRequest, "DISCOVERY_INVALID_CURSOR", "before and after are mutually exclusive")
	}
	after, before := uuid.Nil, uuid.Nil
	if page.After != "" {
		if after, err = decodeCursor(page.After); err != nil {
			return nil, err
		}
	}
	if page.Before != "" {
		if before, err = decodeCursor(page.Before); err != nil {
			return nil, err
		}
	}

	total, err := s.repo.CountOrganizations(ctx, rootOrgID, conds)
	if err != nil {
		return nil, mapPgError(err)
	}
	// One extra row tells us whether another page exists in the walk
	// direction.
	orgs, err := s.repo.ListOrganizations(ctx, rootOrgID, conds, after, before, page.Limit+1)
	if err != nil {
		return nil, mapPgError(err)
	}

	result := &OrganizationPage{Total: total}
	hasMore := len(orgs) > page.Limit
	if hasMore {
		if before != uuid.Nil {
			orgs = orgs[len(orgs)-page.Limit:]
		} else {
			orgs = orgs[:page.Limit]
		}
	}
	result.Organizations = orgs
	if len(orgs) == 0 {
		return result, nil
	}
	if hasMore || before != uuid.Nil {
		result.NextCursor = encodeCursor(orgs[len(orgs)-1].OrgID)
	}
	if after != uuid.Nil || (before != uuid.Nil && hasMore) {
		result.PrevCursor = encodeCursor(orgs[0].OrgID)
	}
	return result, nil
}

func (s *DiscoveryService) AttributesGroupedByOrganization(ctx context.Context, rootOrgID uuid.UUID) (map[uuid.UUID][]domain.Attribute, error) {
	grouped, err := s.repo.AttributesGroupedByOrganization(ctx, rootOrgID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return grouped, nil
}

// OrganizationByAttribute resolves which organization of a tree owns a
// (type, value) pair. This is the lookup used to route a signing-in user to
// their organization.
func (s *DiscoveryService) OrganizationByAttribute(ctx context.Context, rootOrgID uuid.UUID, typ, value string) (uuid.UUID, error) {
	if _, ok := s.registry.Handler(typ); !ok {
		return uuid.Nil, errUnsupportedType(typ)
	}
	orgID, err := s.repo.OrganizationByAttribute(ctx, rootOrgID, typ, value)
	if err != nil {
		return uuid.Nil, mapPgError(err)
	}
	return orgID, nil
}

// authorize resolves the tree root of orgID and checks the caller is that
// root. Attribute management is a root-organization privilege.
func (s *DiscoveryService) authorize(ctx context.Context, callerOrgID, orgID uuid.UUID) (uuid.UUID, error) {
	rootOrgID, err := s.resolver.RootOf(ctx, orgID)
	if err != nil {
		return uuid.Nil, serrors.Wrap(http.StatusInternalServerError, "DISCOVERY_HIERARCHY_ERROR", "failed to resolve root organization", err)
	}
	if rootOrgID == uuid.Nil {
		return uuid.Nil, serrors.New(http.StatusNotFound, "DISCOVERY_INVALID_ORGANIZATION", "organization does not belong to an organization tree")
	}
	if callerOrgID != rootOrgID {
		return uuid.Nil, serrors.New(http.StatusForbidden, "DISCOVERY_UNAUTHORIZED", "only the root organization may manage discovery attributes")
	}
	return rootOrgID, nil
}

// validateAttributes enforces, in request order: no repeated types, type
// supported, type enabled for the root, values unique within the tree.
// Values are deduplicated before the uniqueness probe. excludeOrgID skips
// that organization's own rows during the probe.
func (s *DiscoveryService) validateAttributes(ctx context.Context, rootOrgID uuid.UUID, attrs []domain.Attribute, excludeOrgID uuid.UUID) ([]domain.Attribute, error) {
	seen := make(map[string]struct{}, len(attrs))
	validated := make([]domain.Attribute, 0, len(attrs))
	for _, attr := range attrs {
		if _, dup := seen[attr.Type]; dup {
			return nil, serrors.New(http.StatusBadRequest, "DISCOVERY_DUPLICATE_TYPE", "attribute type repeated in request: "+attr.Type)
		}
		seen[attr.Type] = struct{}{}

		handler, ok := s.registry.Handler(attr.Type)
		if !ok {
			return nil, errUnsupportedType(attr.Type)
		}
		enabled, err := handler.IsEnabledFor(ctx, rootOrgID)
		if err != nil {
			return nil, serrors.Wrap(http.StatusInternalServerError, "DISCOVERY_INTERNAL", "failed to check attribute type configuration", err)
		}
		if !enabled {
			return nil, serrors.New(http.StatusForbidden, "DISCOVERY_CONFIG_DISABLED", "attribute type is not enabled for this organization tree: "+attr.Type)
		}

		attr = attr.DedupValues()
		for _, value := range attr.Values {
			taken, err := s.repo.ValueExistsInTree(ctx, rootOrgID, attr.Type, value, excludeOrgID)
			if err != nil {
				return nil, mapPgError(err)
			}
			if taken {
				return nil, errAttributeTaken(nil)
			}
		}
		validated = append(validated, attr)
	}
	return validated, nil
}

func errUnsupportedType(typ string) error {
	return serrors.New(http.StatusBadRequest, "DISCOVERY_UNSUPPORTED_TYPE", "unsupported discovery attribute type: "+typ)
}
