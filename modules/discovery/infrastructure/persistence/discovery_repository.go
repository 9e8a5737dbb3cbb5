package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/iota-uz/governance/modules/discovery/domain"
	"github.com/iota-uz/governance/modules/discovery/services"
	"github.com/iota-uz/governance/pkg/composables"
)

type pgDiscoveryRepository struct{}

func NewPgDiscoveryRepository() services.DiscoveryRepository {
	return &pgDiscoveryRepository{}
}

func (r *pgDiscoveryRepository) InsertAttributes(ctx context.Context, orgID, rootOrgID uuid.UUID, attrs []domain.Attribute) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	for _, attr := range attrs {
		for _, value := range attr.Values {
			if _, err := tx.Exec(ctx, `
				INSERT INTO org_discovery_attributes (org_id, root_org_id, attr_type, attr_value)
				VALUES ($1, $2, $3, $4)
			`, orgID, rootOrgID, attr.Type, value); err != nil {
				return errors.Wrap(err, "failed to insert discovery attribute")
			}
		}
	}
	return nil
}

func (r *pgDiscoveryRepository) GetAttributes(ctx context.Context, orgID uuid.UUID) ([]domain.Attribute, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	rows, err := tx.Query(ctx, `
		SELECT attr_type, attr_value
		FROM org_discovery_attributes
		WHERE org_id = $1
		ORDER BY attr_type, id
	`, orgID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query discovery attributes")
	}
	defer rows.Close()

	return collectAttributes(rows)
}

func (r *pgDiscoveryRepository) DeleteAttributes(ctx context.Context, orgID uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM org_discovery_attributes WHERE org_id = $1
	`, orgID); err != nil {
		return errors.Wrap(err, "failed to delete discovery attributes")
	}
	return nil
}

func (r *pgDiscoveryRepository) HasAttributes(ctx context.Context, orgID uuid.UUID) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to get transaction")
	}

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM org_discovery_attributes WHERE org_id = $1)
	`, orgID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check discovery attributes")
	}
	return exists, nil
}

func (r *pgDiscoveryRepository) ValueExistsInTree(ctx context.Context, rootOrgID uuid.UUID, typ, value string, excludeOrgID uuid.UUID) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to get transaction")
	}

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM org_discovery_attributes
			WHERE root_org_id = $1 AND attr_type = $2 AND attr_value = $3 AND org_id <> $4
		)
	`, rootOrgID, typ, value, excludeOrgID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check discovery attribute value")
	}
	return exists, nil
}

func (r *pgDiscoveryRepository) ListOrganizations(ctx context.Context, rootOrgID uuid.UUID, conds []services.FilterCondition, after, before uuid.UUID, limit int) ([]domain.OrganizationDiscovery, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	where, args := filterClauses(rootOrgID, conds)
	order := "ASC"
	if after != uuid.Nil {
		args = append(args, after)
		where = append(where, fmt.Sprintf("o.org_id > $%d", len(args)))
	}
	if before != uuid.Nil {
		args = append(args, before)
		where = append(where, fmt.Sprintf("o.org_id < $%d", len(args)))
		order = "DESC"
	}
	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT DISTINCT o.org_id
		FROM org_discovery_attributes o
		WHERE %s
		ORDER BY o.org_id %s
		LIMIT $%d
	`, strings.Join(where, " AND "), order, len(args))

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query organizations by discovery attributes")
	}
	defer rows.Close()

	var orgIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan organization id")
		}
		orgIDs = append(orgIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate organization ids")
	}
	if order == "DESC" {
		for i, j := 0, len(orgIDs)-1; i < j; i, j = i+1, j-1 {
			orgIDs[i], orgIDs[j] = orgIDs[j], orgIDs[i]
		}
	}
	if len(orgIDs) == 0 {
		return nil, nil
	}

	grouped, err := r.attributesFor(ctx, orgIDs)
	if err != nil {
		return nil, err
	}
	out := make([]domain.OrganizationDiscovery, 0, len(orgIDs))
	for _, id := range orgIDs {
		out = append(out, domain.OrganizationDiscovery{OrgID: id, Attributes: grouped[id]})
	}
	return out, nil
}

func (r *pgDiscoveryRepository) CountOrganizations(ctx context.Context, rootOrgID uuid.UUID, conds []services.FilterCondition) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get transaction")
	}

	where, args := filterClauses(rootOrgID, conds)
	query := fmt.Sprintf(`
		SELECT COUNT(DISTINCT o.org_id)
		FROM org_discovery_attributes o
		WHERE %s
	`, strings.Join(where, " AND "))

	var count int
	if err := tx.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count organizations by discovery attributes")
	}
	return count, nil
}

func (r *pgDiscoveryRepository) AttributesGroupedByOrganization(ctx context.Context, rootOrgID uuid.UUID) (map[uuid.UUID][]domain.Attribute, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	rows, err := tx.Query(ctx, `
		SELECT org_id, attr_type, attr_value
		FROM org_discovery_attributes
		WHERE root_org_id = $1
		ORDER BY org_id, attr_type, id
	`, rootOrgID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query discovery attributes of tree")
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]domain.Attribute)
	for rows.Next() {
		var orgID uuid.UUID
		var attrType, attrValue string
		if err := rows.Scan(&orgID, &attrType, &attrValue); err != nil {
			return nil, errors.Wrap(err, "failed to scan discovery attribute")
		}
		attrs := out[orgID]
		if n := len(attrs); n > 0 && attrs[n-1].Type == attrType {
			attrs[n-1].Values = append(attrs[n-1].Values, attrValue)
		} else {
			attrs = append(attrs, domain.Attribute{Type: attrType, Values: []string{attrValue}})
		}
		out[orgID] = attrs
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate discovery attributes")
	}
	return out, nil
}

func (r *pgDiscoveryRepository) OrganizationByAttribute(ctx context.Context, rootOrgID uuid.UUID, typ, value string) (uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to get transaction")
	}

	var orgID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT org_id
		FROM org_discovery_attributes
		WHERE root_org_id = $1 AND attr_type = $2 AND attr_value = $3
	`, rootOrgID, typ, value).Scan(&orgID)
	if err != nil {
		return uuid.Nil, err
	}
	return orgID, nil
}

func (r *pgDiscoveryRepository) attributesFor(ctx context.Context, orgIDs []uuid.UUID) (map[uuid.UUID][]domain.Attribute, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	rows, err := tx.Query(ctx, `
		SELECT org_id, attr_type, attr_value
		FROM org_discovery_attributes
		WHERE org_id = ANY($1)
		ORDER BY org_id, attr_type, id
	`, orgIDs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query attributes of page")
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]domain.Attribute, len(orgIDs))
	for rows.Next() {
		var orgID uuid.UUID
		var attrType, attrValue string
		if err := rows.Scan(&orgID, &attrType, &attrValue); err != nil {
			return nil, errors.Wrap(err, "failed to scan discovery attribute")
		}
		attrs := out[orgID]
		if n := len(attrs); n > 0 && attrs[n-1].Type == attrType {
			attrs[n-1].Values = append(attrs[n-1].Values, attrValue)
		} else {
			attrs = append(attrs, domain.Attribute{Type: attrType, Values: []string{attrValue}})
		}
		out[orgID] = attrs
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate attributes of page")
	}
	return out, nil
}

// filterClauses builds the WHERE fragment shared by the list and count
// queries. Each condition requires the organization to own at least one
// matching attribute row.
func filterClauses(rootOrgID uuid.UUID, conds []services.FilterCondition) ([]string, []any) {
	where := []string{"o.root_org_id = $1"}
	args := []any{rootOrgID}
	for _, c := range conds {
		args = append(args, c.Type, matchArg(c))
		op := "LIKE"
		if c.Op == services.OpEquals {
			op = "="
		}
		where = append(where, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM org_discovery_attributes m
			WHERE m.org_id = o.org_id AND m.attr_type = $%d AND m.attr_value %s $%d
		)`, len(args)-1, op, len(args)))
	}
	return where, args
}

func matchArg(c services.FilterCondition) string {
	switch c.Op {
	case services.OpStartsWith:
		return escapeLike(c.Value) + "%"
	case services.OpEndsWith:
		return "%" + escapeLike(c.Value)
	case services.OpContains:
		return "%" + escapeLike(c.Value) + "%"
	default:
		return c.Value
	}
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}

func collectAttributes(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]domain.Attribute, error) {
	var attrs []domain.Attribute
	for rows.Next() {
		var attrType, attrValue string
		if err := rows.Scan(&attrType, &attrValue); err != nil {
			return nil, errors.Wrap(err, "failed to scan discovery attribute")
		}
		if n := len(attrs); n > 0 && attrs[n-1].Type == attrType {
			attrs[n-1].Values = append(attrs[n-1].Values, attrValue)
		} else {
			attrs = append(attrs, domain.Attribute{Type: attrType, Values: []string{attrValue}})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate discovery attributes")
	}
	return attrs, nil
}
