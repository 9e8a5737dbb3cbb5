package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/governance/modules/invitation/domain"
	"github.com/iota-uz/governance/pkg/configuration"
	"github.com/iota-uz/governance/pkg/eventbus"
	"github.com/iota-uz/governance/pkg/serrors"
)

type memInvitationRepo struct {
	rows map[string]domain.Invitation
}

func newMemInvitationRepo() *memInvitationRepo {
	return &memInvitationRepo{rows: make(map[string]domain.Invitation)}
}

func (m *memInvitationRepo) Insert(_ context.Context, inv domain.Invitation) error {
	m.rows[inv.ID] = inv
	return nil
}

func (m *memInvitationRepo) GetByCode(_ context.Context, code string) (*domain.Invitation, error) {
	for _, inv := range m.rows {
		if inv.ConfirmationCode == code {
			cp := inv
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memInvitationRepo) GetByID(_ context.Context, id string) (*domain.Invitation, error) {
	inv, ok := m.rows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &inv, nil
}

func (m *memInvitationRepo) ListByUser(_ context.Context, username, userDomain string, invitedOrgID uuid.UUID) ([]domain.Invitation, error) {
	var out []domain.Invitation
	for _, inv := range m.rows {
		if inv.Username == username && inv.UserDomain == userDomain && inv.InvitedOrgID == invitedOrgID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *memInvitationRepo) ListByInvitedOrg(_ context.Context, invitedOrgID uuid.UUID) ([]domain.Invitation, error) {
	var out []domain.Invitation
	for _, inv := range m.rows {
		if inv.InvitedOrgID == invitedOrgID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *memInvitationRepo) Delete(_ context.Context, id string) error {
	delete(m.rows, id)
	return nil
}

type userKey struct {
	orgID    uuid.UUID
	username string
	domain   string
}

type fakeUsers struct {
	ids     map[userKey]uuid.UUID
	emails  map[userKey]string
	managed map[uuid.UUID]uuid.UUID

	shareErr error
	shares   int
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		ids:     make(map[userKey]uuid.UUID),
		emails:  make(map[userKey]string),
		managed: make(map[uuid.UUID]uuid.UUID),
	}
}

func (f *fakeUsers) addUser(orgID uuid.UUID, username, domain, email string) uuid.UUID {
	k := userKey{orgID: orgID, username: username, domain: domain}
	id := uuid.New()
	f.ids[k] = id
	f.emails[k] = email
	return id
}

func (f *fakeUsers) UserExists(_ context.Context, orgID uuid.UUID, username, domain string) (bool, error) {
	_, ok := f.ids[userKey{orgID: orgID, username: username, domain: domain}]
	return ok, nil
}

func (f *fakeUsers) UserID(_ context.Context, orgID uuid.UUID, username, domain string) (uuid.UUID, error) {
	id, ok := f.ids[userKey{orgID: orgID, username: username, domain: domain}]
	if !ok {
		return uuid.Nil, errors.New("user not found")
	}
	return id, nil
}

func (f *fakeUsers) EmailOf(_ context.Context, orgID uuid.UUID, username, domain string) (string, error) {
	return f.emails[userKey{orgID: orgID, username: username, domain: domain}], nil
}

func (f *fakeUsers) ManagedOrganizationOf(_ context.Context, userID, _ uuid.UUID) (uuid.UUID, error) {
	return f.managed[userID], nil
}

func (f *fakeUsers) ShareUser(_ context.Context, targetOrgID, userID, _ uuid.UUID) error {
	if f.shareErr != nil {
		return f.shareErr
	}
	f.shares++
	for k, id := range f.ids {
		if id == userID {
			f.ids[userKey{orgID: targetOrgID, username: k.username, domain: k.domain}] = uuid.New()
			break
		}
	}
	return nil
}

func (f *fakeUsers) ResolveAssociation(_ context.Context, userID, orgID uuid.UUID) (uuid.UUID, error) {
	for k, id := range f.ids {
		if id == userID {
			if assoc, ok := f.ids[userKey{orgID: orgID, username: k.username, domain: k.domain}]; ok {
				return assoc, nil
			}
		}
	}
	return uuid.Nil, errors.New("no association")
}

type fakeRoles struct {
	roles       map[uuid.UUID]uuid.UUID
	assignments map[uuid.UUID][]uuid.UUID
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{
		roles:       make(map[uuid.UUID]uuid.UUID),
		assignments: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (f *fakeRoles) addRole(orgID uuid.UUID) uuid.UUID {
	id := uuid.New()
	f.roles[id] = orgID
	return id
}

func (f *fakeRoles) RoleExists(_ context.Context, roleID, orgID uuid.UUID) (bool, error) {
	return f.roles[roleID] == orgID, nil
}

func (f *fakeRoles) AssignUsersToRole(_ context.Context, roleID uuid.UUID, userIDs []uuid.UUID, _ uuid.UUID) error {
	f.assignments[roleID] = append(f.assignments[roleID], userIDs...)
	return nil
}

type parentResolver struct {
	parents map[uuid.UUID]uuid.UUID
}

func (r *parentResolver) AncestorChain(_ context.Context, orgID uuid.UUID) ([]uuid.UUID, error) {
	chain := []uuid.UUID{orgID}
	for {
		p := r.parents[orgID]
		if p == uuid.Nil {
			return chain, nil
		}
		chain = append(chain, p)
		orgID = p
	}
}

func (r *parentResolver) RootOf(_ context.Context, orgID uuid.UUID) (uuid.UUID, error) {
	chain, _ := r.AncestorChain(context.Background(), orgID)
	return chain[len(chain)-1], nil
}

func (r *parentResolver) ParentOf(_ context.Context, orgID uuid.UUID) (uuid.UUID, error) {
	return r.parents[orgID], nil
}

type passTransactor struct{}

func (passTransactor) WithinTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type invitationFixture struct {
	svc    *InvitationService
	repo   *memInvitationRepo
	users  *fakeUsers
	roles  *fakeRoles
	bus    eventbus.EventBus
	parent uuid.UUID
	child  uuid.UUID
	now    time.Time
}

func newInvitationFixture(t *testing.T) *invitationFixture {
	t.Helper()
	repo := newMemInvitationRepo()
	users := newFakeUsers()
	roles := newFakeRoles()
	parent := uuid.New()
	child := uuid.New()
	resolver := &parentResolver{parents: map[uuid.UUID]uuid.UUID{child: parent}}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	bus := eventbus.NewEventPublisher(log)
	opts := configuration.InvitationOptions{
		Expiry:            24 * time.Hour,
		DefaultUserDomain: "PRIMARY",
		AcceptRedirectURL: "/accept-invitation",
	}
	svc := NewInvitationService(repo, users, roles, resolver, bus, passTransactor{}, opts)
	f := &invitationFixture{
		svc:    svc,
		repo:   repo,
		users:  users,
		roles:  roles,
		bus:    bus,
		parent: parent,
		child:  child,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	svc.now = func() time.Time { return f.now }
	return f
}

func requireInvitationCode(t *testing.T, err error, status int, code string) {
	t.Helper()
	var svcErr *serrors.ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, status, svcErr.Status)
	require.Equal(t, code, svcErr.Code)
}

func TestCreateInvitation_DefaultsAndPersistence(t *testing.T) {
	f := newInvitationFixture(t)
	f.users.addUser(f.parent, "alice", "PRIMARY", "alice@example.com")
	roleID := f.roles.addRole(f.child)

	var published []domain.InvitationCreatedEvent
	f.bus.Subscribe(func(e domain.InvitationCreatedEvent) error {
		published = append(published, e)
		return nil
	})

	inv, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{
		Username:        "alice",
		InvitedOrgID:    f.child,
		RoleAssignments: []uuid.UUID{roleID},
	})
	require.NoError(t, err)
	require.NotEmpty(t, inv.ID)
	require.NotEmpty(t, inv.ConfirmationCode)
	require.Equal(t, "PRIMARY", inv.UserDomain)
	require.Equal(t, "/accept-invitation", inv.UserRedirectURL)
	require.Equal(t, "alice@example.com", inv.Email)
	require.Equal(t, f.parent, inv.UserOrgID)
	require.Equal(t, f.now.Add(24*time.Hour), inv.ExpiredAt)

	require.Len(t, published, 1)
	require.Equal(t, inv.ConfirmationCode, published[0].ConfirmationCode)
	require.Contains(t, f.repo.rows, inv.ID)
}

func TestCreateInvitation_UserAlreadyInInvitedOrg(t *testing.T) {
	f := newInvitationFixture(t)
	f.users.addUser(f.parent, "alice", "PRIMARY", "alice@example.com")
	f.users.addUser(f.child, "alice", "PRIMARY", "alice@example.com")

	_, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.child})
	requireInvitationCode(t, err, http.StatusConflict, "INVITATION_USER_EXISTS")
}

func TestCreateInvitation_NoParentOrganization(t *testing.T) {
	f := newInvitationFixture(t)

	_, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.parent})
	requireInvitationCode(t, err, http.StatusBadRequest, "INVITATION_INVALID_ORGANIZATION")
}

func TestCreateInvitation_ActiveInvitationExists(t *testing.T) {
	f := newInvitationFixture(t)
	f.users.addUser(f.parent, "alice", "PRIMARY", "alice@example.com")

	_, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.child})
	require.NoError(t, err)

	_, err = f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.child})
	requireInvitationCode(t, err, http.StatusConflict, "INVITATION_ACTIVE_EXISTS")

	// An expired invitation does not block a new one.
	f.now = f.now.Add(48 * time.Hour)
	_, err = f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.child})
	require.NoError(t, err)
}

func TestCreateInvitation_UserMissingInParent(t *testing.T) {
	f := newInvitationFixture(t)

	_, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "ghost", InvitedOrgID: f.child})
	requireInvitationCode(t, err, http.StatusNotFound, "INVITATION_USER_NOT_FOUND")
}

func TestCreateInvitation_UnknownRole(t *testing.T) {
	f := newInvitationFixture(t)
	f.users.addUser(f.parent, "alice", "PRIMARY", "alice@example.com")

	_, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{
		Username:        "alice",
		InvitedOrgID:    f.child,
		RoleAssignments: []uuid.UUID{uuid.New()},
	})
	requireInvitationCode(t, err, http.StatusBadRequest, "INVITATION_INVALID_ROLE")
}

func TestCreateInvitation_EmailFromResidentOrg(t *testing.T) {
	f := newInvitationFixture(t)
	resident := uuid.New()
	userID := f.users.addUser(f.parent, "alice", "PRIMARY", "")
	f.users.managed[userID] = resident
	f.users.ids[userKey{orgID: resident, username: "alice", domain: "PRIMARY"}] = uuid.New()
	f.users.emails[userKey{orgID: resident, username: "alice", domain: "PRIMARY"}] = "alice@resident.example.com"

	inv, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.child})
	require.NoError(t, err)
	require.Equal(t, "alice@resident.example.com", inv.Email)
}

func TestCreateInvitation_NotificationFailureKeepsRecord(t *testing.T) {
	f := newInvitationFixture(t)
	f.users.addUser(f.parent, "alice", "PRIMARY", "alice@example.com")
	f.bus.Subscribe(func(domain.InvitationCreatedEvent) error {
		return errors.New("smtp down")
	})

	inv, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.child})
	requireInvitationCode(t, err, http.StatusInternalServerError, "INVITATION_EVENT_FAILED")
	require.NotNil(t, inv)
	require.Contains(t, f.repo.rows, inv.ID)
}

func TestAcceptInvitation_SharesUserAndConsumesCode(t *testing.T) {
	f := newInvitationFixture(t)
	f.users.addUser(f.parent, "alice", "PRIMARY", "alice@example.com")
	roleID := f.roles.addRole(f.child)
	vanishing := f.roles.addRole(f.child)

	inv, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{
		Username:        "alice",
		InvitedOrgID:    f.child,
		RoleAssignments: []uuid.UUID{roleID, vanishing},
	})
	require.NoError(t, err)

	// A role deleted after the invitation was created is skipped on accept.
	delete(f.roles.roles, vanishing)

	require.NoError(t, f.svc.AcceptInvitation(context.Background(), inv.ConfirmationCode))
	require.Equal(t, 1, f.users.shares)
	require.Len(t, f.roles.assignments[roleID], 1)
	require.Empty(t, f.roles.assignments[vanishing])
	require.Empty(t, f.repo.rows)

	// The code is single use.
	err = f.svc.AcceptInvitation(context.Background(), inv.ConfirmationCode)
	requireInvitationCode(t, err, http.StatusNotFound, "INVITATION_INVALID_CODE")
}

func TestAcceptInvitation_ExpiredCodeIsConsumed(t *testing.T) {
	f := newInvitationFixture(t)
	f.users.addUser(f.parent, "alice", "PRIMARY", "alice@example.com")

	inv, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.child})
	require.NoError(t, err)

	f.now = f.now.Add(48 * time.Hour)
	err = f.svc.AcceptInvitation(context.Background(), inv.ConfirmationCode)
	requireInvitationCode(t, err, http.StatusNotFound, "INVITATION_INVALID_CODE")
	require.Empty(t, f.repo.rows)
}

func TestAcceptInvitation_UserAlreadyInOrgConsumesCode(t *testing.T) {
	f := newInvitationFixture(t)
	f.users.addUser(f.parent, "alice", "PRIMARY", "alice@example.com")

	inv, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.child})
	require.NoError(t, err)

	f.users.addUser(f.child, "alice", "PRIMARY", "alice@example.com")
	err = f.svc.AcceptInvitation(context.Background(), inv.ConfirmationCode)
	requireInvitationCode(t, err, http.StatusConflict, "INVITATION_USER_EXISTS")
	require.Empty(t, f.repo.rows)
}

func TestAcceptInvitation_ShareFailureLeavesCodeRedeemable(t *testing.T) {
	f := newInvitationFixture(t)
	f.users.addUser(f.parent, "alice", "PRIMARY", "alice@example.com")

	inv, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.child})
	require.NoError(t, err)

	f.users.shareErr = errors.New("store offline")
	err = f.svc.AcceptInvitation(context.Background(), inv.ConfirmationCode)
	requireInvitationCode(t, err, http.StatusInternalServerError, "INVITATION_INTERNAL")
	require.Contains(t, f.repo.rows, inv.ID)

	f.users.shareErr = nil
	require.NoError(t, f.svc.AcceptInvitation(context.Background(), inv.ConfirmationCode))
}

func TestIntrospectInvitation_StatusTimeline(t *testing.T) {
	f := newInvitationFixture(t)
	f.users.addUser(f.parent, "alice", "PRIMARY", "alice@example.com")

	inv, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.child})
	require.NoError(t, err)

	got, status, err := f.svc.IntrospectInvitation(context.Background(), inv.ConfirmationCode)
	require.NoError(t, err)
	require.Equal(t, inv.ID, got.ID)
	require.Equal(t, domain.StatusPending, status)

	f.now = f.now.Add(48 * time.Hour)
	_, status, err = f.svc.IntrospectInvitation(context.Background(), inv.ConfirmationCode)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, status)

	_, _, err = f.svc.IntrospectInvitation(context.Background(), "no-such-code")
	requireInvitationCode(t, err, http.StatusNotFound, "INVITATION_INVALID_CODE")
}

func TestListInvitations_StatusFilter(t *testing.T) {
	f := newInvitationFixture(t)
	f.users.addUser(f.parent, "alice", "PRIMARY", "alice@example.com")
	f.users.addUser(f.parent, "bob", "PRIMARY", "bob@example.com")

	_, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.child})
	require.NoError(t, err)

	f.now = f.now.Add(48 * time.Hour)
	_, err = f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "bob", InvitedOrgID: f.child})
	require.NoError(t, err)

	all, err := f.svc.ListInvitations(context.Background(), f.child, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	pending, err := f.svc.ListInvitations(context.Background(), f.child, "status eq PENDING")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "bob", pending[0].Username)

	expired, err := f.svc.ListInvitations(context.Background(), f.child, "status eq EXPIRED")
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "alice", expired[0].Username)

	_, err = f.svc.ListInvitations(context.Background(), f.child, "status eq ACCEPTED")
	requireInvitationCode(t, err, http.StatusBadRequest, "INVITATION_UNSUPPORTED_FILTER_VALUE")

	_, err = f.svc.ListInvitations(context.Background(), f.child, "email eq a@b.c")
	requireInvitationCode(t, err, http.StatusBadRequest, "INVITATION_UNSUPPORTED_FILTER")

	_, err = f.svc.ListInvitations(context.Background(), f.child, "status eq")
	requireInvitationCode(t, err, http.StatusBadRequest, "INVITATION_INVALID_FILTER")
}

func TestDeleteInvitation_InvitedOrgOnly(t *testing.T) {
	f := newInvitationFixture(t)
	f.users.addUser(f.parent, "alice", "PRIMARY", "alice@example.com")

	inv, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.child})
	require.NoError(t, err)

	err = f.svc.DeleteInvitation(context.Background(), inv.ID, f.parent)
	requireInvitationCode(t, err, http.StatusNotFound, "INVITATION_INVALID_ID")
	require.Contains(t, f.repo.rows, inv.ID)

	require.NoError(t, f.svc.DeleteInvitation(context.Background(), inv.ID, f.child))
	require.Empty(t, f.repo.rows)

	err = f.svc.DeleteInvitation(context.Background(), inv.ID, f.child)
	requireInvitationCode(t, err, http.StatusNotFound, "INVITATION_INVALID_ID")
}

func TestResendInvitation(t *testing.T) {
	f := newInvitationFixture(t)
	f.users.addUser(f.parent, "alice", "PRIMARY", "alice@example.com")

	inv, err := f.svc.CreateInvitation(context.Background(), domain.Invitation{Username: "alice", InvitedOrgID: f.child})
	require.NoError(t, err)

	var published []domain.InvitationCreatedEvent
	f.bus.Subscribe(func(e domain.InvitationCreatedEvent) error {
		published = append(published, e)
		return nil
	})

	require.NoError(t, f.svc.ResendInvitation(context.Background(), "alice", "", f.child))
	require.Len(t, published, 1)
	require.Equal(t, inv.ConfirmationCode, published[0].ConfirmationCode, "resend must not rotate the code")

	f.now = f.now.Add(48 * time.Hour)
	err = f.svc.ResendInvitation(context.Background(), "alice", "PRIMARY", f.child)
	requireInvitationCode(t, err, http.StatusBadRequest, "INVITATION_EXPIRED")

	err = f.svc.ResendInvitation(context.Background(), "nobody", "PRIMARY", f.child)
	requireInvitationCode(t, err, http.StatusNotFound, "INVITATION_NOT_FOUND_FOR_USER")
}
