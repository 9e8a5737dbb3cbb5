package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/iota-uz/governance/modules/sharing/domain"
	"github.com/iota-uz/governance/modules/sharing/services"
	"github.com/iota-uz/governance/pkg/composables"
)

type pgSharingRepository struct{}

func NewPgSharingRepository() services.SharingRepository {
	return &pgSharingRepository{}
}

func (r *pgSharingRepository) InsertPolicy(ctx context.Context, policy domain.ResourceSharingPolicy) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get transaction")
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO resource_sharing_policies (
			resource_type,
			resource_id,
			initiating_org_id,
			policy_holding_org_id,
			sharing_policy,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id
	`,
		policy.ResourceType,
		policy.ResourceID,
		policy.InitiatingOrgID,
		policy.PolicyHoldingOrgID,
		policy.Rule,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert sharing policy")
	}
	return id, nil
}

func (r *pgSharingRepository) InsertAttributes(ctx context.Context, attrs []domain.SharedResourceAttribute) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	for _, a := range attrs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO shared_resource_attributes (policy_id, attribute_type, attribute_id)
			VALUES ($1, $2, $3)
		`, a.PolicyID, a.Type, a.AttributeID); err != nil {
			return errors.Wrap(err, "failed to insert shared resource attribute")
		}
	}
	return nil
}

const policyColumns = `
	id,
	resource_type,
	resource_id,
	initiating_org_id,
	policy_holding_org_id,
	sharing_policy,
	created_at
`

func scanPolicy(row interface{ Scan(dest ...any) error }) (domain.ResourceSharingPolicy, error) {
	var p domain.ResourceSharingPolicy
	err := row.Scan(
		&p.ID,
		&p.ResourceType,
		&p.ResourceID,
		&p.InitiatingOrgID,
		&p.PolicyHoldingOrgID,
		&p.Rule,
		&p.CreatedAt,
	)
	return p, err
}

func (r *pgSharingRepository) GetPolicy(ctx context.Context, id int64) (*domain.ResourceSharingPolicy, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	p, err := scanPolicy(tx.QueryRow(ctx, `
		SELECT `+policyColumns+`
		FROM resource_sharing_policies
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *pgSharingRepository) ListPolicies(ctx context.Context, holdingOrgIDs []uuid.UUID) ([]domain.ResourceSharingPolicy, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	rows, err := tx.Query(ctx, `
		SELECT `+policyColumns+`
		FROM resource_sharing_policies
		WHERE policy_holding_org_id = ANY($1)
		ORDER BY id
	`, holdingOrgIDs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sharing policies")
	}
	defer rows.Close()

	var out []domain.ResourceSharingPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan sharing policy")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating sharing policies")
	}
	return out, nil
}

func (r *pgSharingRepository) ListPoliciesByResource(ctx context.Context, resourceType domain.ResourceType, resourceID uuid.UUID) ([]domain.ResourceSharingPolicy, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	rows, err := tx.Query(ctx, `
		SELECT `+policyColumns+`
		FROM resource_sharing_policies
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY id
	`, resourceType, resourceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sharing policies by resource")
	}
	defer rows.Close()

	var out []domain.ResourceSharingPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan sharing policy")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating sharing policies")
	}
	return out, nil
}

// ListPoliciesWithAttributes joins policies to their attributes in one round
// trip so downstream resolution never issues per-policy queries.
func (r *pgSharingRepository) ListPoliciesWithAttributes(ctx context.Context, holdingOrgIDs []uuid.UUID) ([]domain.PolicyWithAttributes, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	rows, err := tx.Query(ctx, `
		SELECT
			p.id,
			p.resource_type,
			p.resource_id,
			p.initiating_org_id,
			p.policy_holding_org_id,
			p.sharing_policy,
			p.created_at,
			a.id,
			a.attribute_type,
			a.attribute_id
		FROM resource_sharing_policies p
		LEFT JOIN shared_resource_attributes a ON a.policy_id = p.id
		WHERE p.policy_holding_org_id = ANY($1)
		ORDER BY p.id, a.id
	`, holdingOrgIDs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sharing policies with attributes")
	}
	defer rows.Close()

	var out []domain.PolicyWithAttributes
	index := make(map[int64]int)
	for rows.Next() {
		var (
			p      domain.ResourceSharingPolicy
			attrID *int64
			aType  *domain.SharedAttributeType
			aID    *uuid.UUID
		)
		if err := rows.Scan(
			&p.ID,
			&p.ResourceType,
			&p.ResourceID,
			&p.InitiatingOrgID,
			&p.PolicyHoldingOrgID,
			&p.Rule,
			&p.CreatedAt,
			&attrID,
			&aType,
			&aID,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan sharing policy with attributes")
		}

		i, ok := index[p.ID]
		if !ok {
			out = append(out, domain.PolicyWithAttributes{Policy: p})
			i = len(out) - 1
			index[p.ID] = i
		}
		if attrID != nil {
			out[i].Attributes = append(out[i].Attributes, domain.SharedResourceAttribute{
				ID:          *attrID,
				PolicyID:    p.ID,
				Type:        *aType,
				AttributeID: *aID,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating sharing policies with attributes")
	}
	return out, nil
}

func (r *pgSharingRepository) DeletePolicy(ctx context.Context, id int64) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM resource_sharing_policies WHERE id = $1
	`, id); err != nil {
		return errors.Wrap(err, "failed to delete sharing policy")
	}
	return nil
}

func (r *pgSharingRepository) DeletePoliciesByResource(ctx context.Context, resourceType domain.ResourceType, resourceID uuid.UUID, initiatingOrgID uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM resource_sharing_policies
		WHERE resource_type = $1 AND resource_id = $2 AND initiating_org_id = $3
	`, resourceType, resourceID, initiatingOrgID); err != nil {
		return errors.Wrap(err, "failed to delete sharing policies by resource")
	}
	return nil
}

func (r *pgSharingRepository) DeletePoliciesByInitiatingOrg(ctx context.Context, orgID uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM resource_sharing_policies WHERE initiating_org_id = $1
	`, orgID); err != nil {
		return errors.Wrap(err, "failed to delete sharing policies by initiating org")
	}
	return nil
}

func (r *pgSharingRepository) PolicyExists(ctx context.Context, id int64) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to get transaction")
	}

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM resource_sharing_policies WHERE id = $1)
	`, id).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check sharing policy existence")
	}
	return exists, nil
}

func (r *pgSharingRepository) GetAttributePolicies(ctx context.Context, attrType domain.SharedAttributeType, attributeID uuid.UUID) ([]domain.ResourceSharingPolicy, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	rows, err := tx.Query(ctx, `
		SELECT DISTINCT `+policyColumnsQualified("p")+`
		FROM resource_sharing_policies p
		JOIN shared_resource_attributes a ON a.policy_id = p.id
		WHERE a.attribute_type = $1 AND a.attribute_id = $2
		ORDER BY p.id
	`, attrType, attributeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query policies by attribute")
	}
	defer rows.Close()

	var out []domain.ResourceSharingPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan sharing policy")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating policies by attribute")
	}
	return out, nil
}

func (r *pgSharingRepository) DeleteAttributesByType(ctx context.Context, policyID int64, attrType domain.SharedAttributeType) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM shared_resource_attributes
		WHERE policy_id = $1 AND attribute_type = $2
	`, policyID, attrType); err != nil {
		return errors.Wrap(err, "failed to delete shared resource attributes")
	}
	return nil
}

func (r *pgSharingRepository) DeleteAttributeByTypeAndID(ctx context.Context, policyID int64, attrType domain.SharedAttributeType, attributeID uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM shared_resource_attributes
		WHERE policy_id = $1 AND attribute_type = $2 AND attribute_id = $3
	`, policyID, attrType, attributeID); err != nil {
		return errors.Wrap(err, "failed to delete shared resource attribute")
	}
	return nil
}

func policyColumnsQualified(alias string) string {
	return alias + `.id,
		` + alias + `.resource_type,
		` + alias + `.resource_id,
		` + alias + `.initiating_org_id,
		` + alias + `.policy_holding_org_id,
		` + alias + `.sharing_policy,
		` + alias + `.created_at`
}
