package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/iota-uz/governance/modules/invitation/domain"
	"github.com/iota-uz/governance/modules/invitation/services"
	"github.com/iota-uz/governance/pkg/composables"
)

type pgInvitationRepository struct{}

func NewPgInvitationRepository() services.InvitationRepository {
	return &pgInvitationRepository{}
}

const invitationColumns = `
	id,
	confirmation_code,
	username,
	user_domain,
	email,
	user_org_id,
	invited_org_id,
	user_redirect_url,
	created_at,
	expired_at
`

func (r *pgInvitationRepository) Insert(ctx context.Context, inv domain.Invitation) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO org_invitations (`+invitationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		inv.ID,
		inv.ConfirmationCode,
		inv.Username,
		inv.UserDomain,
		inv.Email,
		inv.UserOrgID,
		inv.InvitedOrgID,
		inv.UserRedirectURL,
		inv.CreatedAt,
		inv.ExpiredAt,
	); err != nil {
		return errors.Wrap(err, "failed to insert invitation")
	}

	for _, roleID := range inv.RoleAssignments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO org_invitation_roles (invitation_id, role_id)
			VALUES ($1, $2)
		`, inv.ID, roleID); err != nil {
			return errors.Wrap(err, "failed to insert invitation role assignment")
		}
	}
	return nil
}

func (r *pgInvitationRepository) GetByCode(ctx context.Context, confirmationCode string) (*domain.Invitation, error) {
	return r.getOne(ctx, `WHERE confirmation_code = $1`, confirmationCode)
}

func (r *pgInvitationRepository) GetByID(ctx context.Context, id string) (*domain.Invitation, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *pgInvitationRepository) ListByUser(ctx context.Context, username, userDomain string, invitedOrgID uuid.UUID) ([]domain.Invitation, error) {
	return r.list(ctx, `WHERE username = $1 AND user_domain = $2 AND invited_org_id = $3`, username, userDomain, invitedOrgID)
}

func (r *pgInvitationRepository) ListByInvitedOrg(ctx context.Context, invitedOrgID uuid.UUID) ([]domain.Invitation, error) {
	return r.list(ctx, `WHERE invited_org_id = $1`, invitedOrgID)
}

func (r *pgInvitationRepository) Delete(ctx context.Context, id string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM org_invitations WHERE id = $1
	`, id); err != nil {
		return errors.Wrap(err, "failed to delete invitation")
	}
	return nil
}

func (r *pgInvitationRepository) getOne(ctx context.Context, where string, arg any) (*domain.Invitation, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	row := tx.QueryRow(ctx, `SELECT `+invitationColumns+` FROM org_invitations `+where, arg)
	inv, err := scanInvitation(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadRoles(ctx, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *pgInvitationRepository) list(ctx context.Context, where string, args ...any) ([]domain.Invitation, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	rows, err := tx.Query(ctx, `
		SELECT `+invitationColumns+`
		FROM org_invitations
		`+where+`
		ORDER BY created_at DESC
	`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query invitations")
	}
	defer rows.Close()

	var invitations []domain.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		invitations = append(invitations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate invitations")
	}
	for i := range invitations {
		if err := r.loadRoles(ctx, &invitations[i]); err != nil {
			return nil, err
		}
	}
	return invitations, nil
}

func (r *pgInvitationRepository) loadRoles(ctx context.Context, inv *domain.Invitation) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	rows, err := tx.Query(ctx, `
		SELECT role_id FROM org_invitation_roles WHERE invitation_id = $1 ORDER BY role_id
	`, inv.ID)
	if err != nil {
		return errors.Wrap(err, "failed to query invitation role assignments")
	}
	defer rows.Close()

	for rows.Next() {
		var roleID uuid.UUID
		if err := rows.Scan(&roleID); err != nil {
			return errors.Wrap(err, "failed to scan invitation role assignment")
		}
		inv.RoleAssignments = append(inv.RoleAssignments, roleID)
	}
	return errors.Wrap(rows.Err(), "failed to iterate invitation role assignments")
}

func scanInvitation(row pgx.Row) (domain.Invitation, error) {
	var inv domain.Invitation
	err := row.Scan(
		&inv.ID,
		&inv.ConfirmationCode,
		&inv.Username,
		&inv.UserDomain,
		&inv.Email,
		&inv.UserOrgID,
		&inv.InvitedOrgID,
		&inv.UserRedirectURL,
		&inv.CreatedAt,
		&inv.ExpiredAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return inv, err
		}
		return inv, errors.Wrap(err, "failed to scan invitation")
	}
	return inv, nil
}
