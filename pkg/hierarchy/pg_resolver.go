package hierarchy

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/iota-uz/governance/pkg/composables"
)

// PgResolver resolves the organization tree from an adjacency table
// organizations(id, parent_id). Deployments that keep the tree elsewhere
// substitute their own Resolver.
type PgResolver struct{}

func NewPgResolver() *PgResolver {
	return &PgResolver{}
}

func (r *PgResolver) AncestorChain(ctx context.Context, orgID uuid.UUID) ([]uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}

	rows, err := tx.Query(ctx, `
		WITH RECURSIVE ancestors AS (
			SELECT id, parent_id, 0 AS depth
			FROM organizations
			WHERE id = $1
			UNION ALL
			SELECT o.id, o.parent_id, a.depth + 1
			FROM organizations o
			JOIN ancestors a ON o.id = a.parent_id
		)
		SELECT id FROM ancestors ORDER BY depth
	`, orgID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query ancestor chain")
	}
	defer rows.Close()

	var chain []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan ancestor id")
		}
		chain = append(chain, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate ancestor chain")
	}
	return chain, nil
}

func (r *PgResolver) RootOf(ctx context.Context, orgID uuid.UUID) (uuid.UUID, error) {
	chain, err := r.AncestorChain(ctx, orgID)
	if err != nil {
		return uuid.Nil, err
	}
	if len(chain) == 0 {
		return uuid.Nil, nil
	}
	return chain[len(chain)-1], nil
}

func (r *PgResolver) ParentOf(ctx context.Context, orgID uuid.UUID) (uuid.UUID, error) {
	chain, err := r.AncestorChain(ctx, orgID)
	if err != nil {
		return uuid.Nil, err
	}
	if len(chain) < 2 {
		return uuid.Nil, nil
	}
	return chain[1], nil
}
