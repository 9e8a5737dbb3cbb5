package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/iota-uz/governance/modules/invitation/domain"
	"github.com/iota-uz/governance/pkg/composables"
	"github.com/iota-uz/governance/pkg/configuration"
	"github.com/iota-uz/governance/pkg/eventbus"
	"github.com/iota-uz/governance/pkg/hierarchy"
	"github.com/iota-uz/governance/pkg/metrics"
	"github.com/iota-uz/governance/pkg/serrors"
)

// InvitationRepository is the persistence contract of the invitation store.
// Role assignments travel with the invitation row.
type InvitationRepository interface {
	Insert(ctx context.Context, inv domain.Invitation) error
	GetByCode(ctx context.Context, confirmationCode string) (*domain.Invitation, error)
	GetByID(ctx context.Context, id string) (*domain.Invitation, error)
	ListByUser(ctx context.Context, username, userDomain string, invitedOrgID uuid.UUID) ([]domain.Invitation, error)
	ListByInvitedOrg(ctx context.Context, invitedOrgID uuid.UUID) ([]domain.Invitation, error)
	Delete(ctx context.Context, id string) error
}

// UserStore is the identity-store boundary. Users live in the parent
// organization and are projected into child organizations by sharing.
type UserStore interface {
	UserExists(ctx context.Context, orgID uuid.UUID, username, userDomain string) (bool, error)
	UserID(ctx context.Context, orgID uuid.UUID, username, userDomain string) (uuid.UUID, error)
	EmailOf(ctx context.Context, orgID uuid.UUID, username, userDomain string) (string, error)

	// ManagedOrganizationOf returns the organization where the user account
	// actually resides when the account in orgID is itself a shared copy.
	// uuid.Nil means the account is resident.
	ManagedOrganizationOf(ctx context.Context, userID, orgID uuid.UUID) (uuid.UUID, error)

	ShareUser(ctx context.Context, targetOrgID, userID, sourceOrgID uuid.UUID) error

	// ResolveAssociation returns the id of the user's projection inside
	// orgID after sharing.
	ResolveAssociation(ctx context.Context, userID, orgID uuid.UUID) (uuid.UUID, error)
}

// RoleService validates and applies role assignments in the invited
// organization.
type RoleService interface {
	RoleExists(ctx context.Context, roleID, orgID uuid.UUID) (bool, error)
	AssignUsersToRole(ctx context.Context, roleID uuid.UUID, userIDs []uuid.UUID, orgID uuid.UUID) error
}

type InvitationService struct {
	repo     InvitationRepository
	users    UserStore
	roles    RoleService
	resolver hierarchy.Resolver
	bus      eventbus.EventBus
	tx       composables.Transactor
	opts     configuration.InvitationOptions
	now      func() time.Time
}

func NewInvitationService(
	repo InvitationRepository,
	users UserStore,
	roles RoleService,
	resolver hierarchy.Resolver,
	bus eventbus.EventBus,
	tx composables.Transactor,
	opts configuration.InvitationOptions,
) *InvitationService {
	return &InvitationService{
		repo:     repo,
		users:    users,
		roles:    roles,
		resolver: resolver,
		bus:      bus,
		tx:       tx,
		opts:     opts,
		now:      time.Now,
	}
}

// CreateInvitation invites a user of the parent organization into the
// invited organization. The row is committed before the notification event
// is published, so a failed notification leaves a redeemable invitation
// behind and is reported to the caller.
func (s *InvitationService) CreateInvitation(ctx context.Context, inv domain.Invitation) (*domain.Invitation, error) {
	if inv.Username == "" || inv.InvitedOrgID == uuid.Nil {
		return nil, serrors.New(http.StatusBadRequest, "INVITATION_INVALID_REQUEST", "username and invited organization are required")
	}
	if inv.UserDomain == "" {
		inv.UserDomain = s.opts.DefaultUserDomain
	}
	if inv.UserRedirectURL == "" {
		inv.UserRedirectURL = s.opts.AcceptRedirectURL
	}

	exists, err := s.users.UserExists(ctx, inv.InvitedOrgID, inv.Username, inv.UserDomain)
	if err != nil {
		return nil, errUserStore(err)
	}
	if exists {
		return nil, errUserExists()
	}

	parentOrgID, err := s.resolver.ParentOf(ctx, inv.InvitedOrgID)
	if err != nil {
		return nil, serrors.Wrap(http.StatusInternalServerError, "INVITATION_HIERARCHY_ERROR", "failed to resolve parent organization", err)
	}
	if parentOrgID == uuid.Nil {
		return nil, serrors.New(http.StatusBadRequest, "INVITATION_INVALID_ORGANIZATION", "invited organization has no parent organization")
	}
	inv.UserOrgID = parentOrgID

	existing, err := s.repo.ListByUser(ctx, inv.Username, inv.UserDomain, inv.InvitedOrgID)
	if err != nil {
		return nil, mapPgError(err)
	}
	now := s.now()
	for _, e := range existing {
		if e.UserOrgID == parentOrgID && e.Status(now) == domain.StatusPending {
			return nil, serrors.New(http.StatusConflict, "INVITATION_ACTIVE_EXISTS", "an active invitation already exists for this user")
		}
	}

	inParent, err := s.users.UserExists(ctx, parentOrgID, inv.Username, inv.UserDomain)
	if err != nil {
		return nil, errUserStore(err)
	}
	if !inParent {
		return nil, errUserNotFound()
	}

	if inv.Email == "" {
		email, err := s.resolveEmail(ctx, parentOrgID, inv.Username, inv.UserDomain)
		if err != nil {
			return nil, err
		}
		inv.Email = email
	}

	for _, roleID := range inv.RoleAssignments {
		ok, err := s.roles.RoleExists(ctx, roleID, inv.InvitedOrgID)
		if err != nil {
			return nil, serrors.Wrap(http.StatusInternalServerError, "INVITATION_INTERNAL", "failed to validate role", err)
		}
		if !ok {
			return nil, serrors.New(http.StatusBadRequest, "INVITATION_INVALID_ROLE", "role does not exist in the invited organization: "+roleID.String())
		}
	}

	inv.ID = ulid.Make().String()
	inv.ConfirmationCode = uuid.NewString()
	inv.CreatedAt = now
	inv.ExpiredAt = now.Add(s.opts.Expiry)

	err = s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		return mapPgError(s.repo.Insert(txCtx, inv))
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordInvitationAction("created")

	if err := s.publishCreated(inv); err != nil {
		return &inv, err
	}
	return &inv, nil
}

// AcceptInvitation redeems a confirmation code. Redemption is single use:
// the row is deleted on success, and an expired row is deleted on contact.
// Collaborator side effects run before the delete so an unwound failure
// leaves the code redeemable.
func (s *InvitationService) AcceptInvitation(ctx context.Context, confirmationCode string) error {
	inv, err := s.repo.GetByCode(ctx, confirmationCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return errInvalidCode(err)
	}
	if err != nil {
		return mapPgError(err)
	}

	if inv.Status(s.now()) == domain.StatusExpired {
		if err := s.deleteRow(ctx, inv.ID); err != nil {
			return err
		}
		metrics.RecordInvitationAction("expired")
		return errInvalidCode(nil)
	}

	exists, err := s.users.UserExists(ctx, inv.InvitedOrgID, inv.Username, inv.UserDomain)
	if err != nil {
		return errUserStore(err)
	}
	if exists {
		if err := s.deleteRow(ctx, inv.ID); err != nil {
			return err
		}
		return errUserExists()
	}

	userID, err := s.users.UserID(ctx, inv.UserOrgID, inv.Username, inv.UserDomain)
	if err != nil {
		return errUserStore(err)
	}
	// When the inviting organization holds a shared copy, sharing must
	// originate from the organization that owns the account.
	sourceOrgID := inv.UserOrgID
	managedOrgID, err := s.users.ManagedOrganizationOf(ctx, userID, inv.UserOrgID)
	if err != nil {
		return errUserStore(err)
	}
	if managedOrgID != uuid.Nil {
		sourceOrgID = managedOrgID
	}

	if err := s.users.ShareUser(ctx, inv.InvitedOrgID, userID, sourceOrgID); err != nil {
		return serrors.Wrap(http.StatusInternalServerError, "INVITATION_INTERNAL", "failed to share user with invited organization", err)
	}
	associatedUserID, err := s.users.ResolveAssociation(ctx, userID, inv.InvitedOrgID)
	if err != nil {
		return errUserStore(err)
	}

	for _, roleID := range inv.RoleAssignments {
		ok, err := s.roles.RoleExists(ctx, roleID, inv.InvitedOrgID)
		if err != nil {
			return serrors.Wrap(http.StatusInternalServerError, "INVITATION_INTERNAL", "failed to validate role", err)
		}
		// Roles deleted between create and accept are skipped.
		if !ok {
			continue
		}
		if err := s.roles.AssignUsersToRole(ctx, roleID, []uuid.UUID{associatedUserID}, inv.InvitedOrgID); err != nil {
			return serrors.Wrap(http.StatusInternalServerError, "INVITATION_INTERNAL", "failed to assign role", err)
		}
	}

	if err := s.deleteRow(ctx, inv.ID); err != nil {
		return err
	}
	metrics.RecordInvitationAction("accepted")
	return nil
}

// IntrospectInvitation is the read-only half of redemption: it reports the
// invitation and its derived status without consuming the code.
func (s *InvitationService) IntrospectInvitation(ctx context.Context, confirmationCode string) (*domain.Invitation, domain.InvitationStatus, error) {
	inv, err := s.repo.GetByCode(ctx, confirmationCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", errInvalidCode(err)
	}
	if err != nil {
		return nil, "", mapPgError(err)
	}
	return inv, inv.Status(s.now()), nil
}

// ListInvitations returns the invitations of an organization, optionally
// filtered by derived status with "status eq PENDING|EXPIRED".
func (s *InvitationService) ListInvitations(ctx context.Context, invitedOrgID uuid.UUID, filter string) ([]domain.Invitation, error) {
	wanted, err := parseStatusFilter(filter)
	if err != nil {
		return nil, err
	}
	invitations, err := s.repo.ListByInvitedOrg(ctx, invitedOrgID)
	if err != nil {
		return nil, mapPgError(err)
	}
	if wanted == "" {
		return invitations, nil
	}
	now := s.now()
	out := make([]domain.Invitation, 0, len(invitations))
	for _, inv := range invitations {
		if inv.Status(now) == wanted {
			out = append(out, inv)
		}
	}
	return out, nil
}

// DeleteInvitation revokes an invitation. Only the invited organization may
// revoke, and an id owned by another organization is indistinguishable from
// an unknown one.
func (s *InvitationService) DeleteInvitation(ctx context.Context, id string, requestingOrgID uuid.UUID) error {
	inv, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return errInvalidID(err)
	}
	if err != nil {
		return mapPgError(err)
	}
	if inv.InvitedOrgID != requestingOrgID {
		return errInvalidID(nil)
	}
	if err := s.deleteRow(ctx, inv.ID); err != nil {
		return err
	}
	metrics.RecordInvitationAction("deleted")
	return nil
}

// ResendInvitation re-publishes the notification event for the user's
// active invitation. The confirmation code is not rotated.
func (s *InvitationService) ResendInvitation(ctx context.Context, username, userDomain string, invitedOrgID uuid.UUID) error {
	if userDomain == "" {
		userDomain = s.opts.DefaultUserDomain
	}
	invitations, err := s.repo.ListByUser(ctx, username, userDomain, invitedOrgID)
	if err != nil {
		return mapPgError(err)
	}
	if len(invitations) == 0 {
		return serrors.New(http.StatusNotFound, "INVITATION_NOT_FOUND_FOR_USER", "no invitation found for this user")
	}
	now := s.now()
	for _, inv := range invitations {
		if inv.Status(now) != domain.StatusPending {
			continue
		}
		if err := s.publishCreated(inv); err != nil {
			return err
		}
		metrics.RecordInvitationAction("resent")
		return nil
	}
	return serrors.New(http.StatusBadRequest, "INVITATION_EXPIRED", "the invitation for this user has expired")
}

func (s *InvitationService) resolveEmail(ctx context.Context, orgID uuid.UUID, username, userDomain string) (string, error) {
	email, err := s.users.EmailOf(ctx, orgID, username, userDomain)
	if err != nil {
		return "", errUserStore(err)
	}
	if email != "" {
		return email, nil
	}
	// Shared accounts keep their claims in the resident organization.
	userID, err := s.users.UserID(ctx, orgID, username, userDomain)
	if err != nil {
		return "", errUserStore(err)
	}
	residentOrgID, err := s.users.ManagedOrganizationOf(ctx, userID, orgID)
	if err != nil {
		return "", errUserStore(err)
	}
	if residentOrgID != uuid.Nil {
		email, err = s.users.EmailOf(ctx, residentOrgID, username, userDomain)
		if err != nil {
			return "", errUserStore(err)
		}
	}
	if email == "" {
		return "", serrors.New(http.StatusNotFound, "INVITATION_USER_NOT_FOUND", "no email address found for the invited user")
	}
	return email, nil
}

func (s *InvitationService) publishCreated(inv domain.Invitation) error {
	err := s.bus.PublishE(domain.InvitationCreatedEvent{
		InvitationID:     inv.ID,
		ConfirmationCode: inv.ConfirmationCode,
		Username:         inv.Username,
		UserDomain:       inv.UserDomain,
		Email:            inv.Email,
		UserOrgID:        inv.UserOrgID,
		InvitedOrgID:     inv.InvitedOrgID,
		RedirectURL:      inv.UserRedirectURL,
	})
	if err != nil && !errors.Is(err, eventbus.ErrNoSubscribers) {
		return serrors.Wrap(http.StatusInternalServerError, "INVITATION_EVENT_FAILED", "invitation stored but the notification event failed", err)
	}
	return nil
}

func (s *InvitationService) deleteRow(ctx context.Context, id string) error {
	return s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		return mapPgError(s.repo.Delete(txCtx, id))
	})
}

func parseStatusFilter(filter string) (domain.InvitationStatus, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return "", nil
	}
	tokens := strings.Fields(filter)
	if len(tokens) != 3 {
		return "", serrors.New(http.StatusBadRequest, "INVITATION_INVALID_FILTER", "filter must be of the form 'status eq <value>'")
	}
	if !strings.EqualFold(tokens[0], "status") || !strings.EqualFold(tokens[1], "eq") {
		return "", serrors.New(http.StatusBadRequest, "INVITATION_UNSUPPORTED_FILTER", "only 'status eq' filtering is supported")
	}
	switch strings.ToUpper(tokens[2]) {
	case string(domain.StatusPending):
		return domain.StatusPending, nil
	case string(domain.StatusExpired):
		return domain.StatusExpired, nil
	default:
		return "", serrors.New(http.StatusBadRequest, "INVITATION_UNSUPPORTED_FILTER_VALUE", "status must be PENDING or EXPIRED")
	}
}

func errInvalidCode(cause error) error {
	return serrors.Wrap(http.StatusNotFound, "INVITATION_INVALID_CODE", "invalid confirmation code", cause)
}

func errInvalidID(cause error) error {
	return serrors.Wrap(http.StatusNotFound, "INVITATION_INVALID_ID", "invalid invitation id", cause)
}

func errUserExists() error {
	return serrors.New(http.StatusConflict, "INVITATION_USER_EXISTS", "user already exists in the invited organization")
}

func errUserNotFound() error {
	return serrors.New(http.StatusNotFound, "INVITATION_USER_NOT_FOUND", "user not found in the parent organization")
}

func errUserStore(cause error) error {
	return serrors.Wrap(http.StatusInternalServerError, "INVITATION_INTERNAL", "identity store lookup failed", cause)
}
