package composables

import (
	"context"

	"github.com/iota-uz/governance/pkg/constants"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Transactor runs a function inside a single database transaction. Services
// wrap every multi-row mutation with it so partial writes are impossible.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(txCtx context.Context) error) error
}

type poolTransactor struct {
	pool *pgxpool.Pool
}

func NewPoolTransactor(pool *pgxpool.Pool) Transactor {
	return &poolTransactor{pool: pool}
}

// WithinTx begins a transaction on the pool and injects it into the context
// so repositories pick it up via UseTx. An ambient transaction is joined
// instead of nested: fn runs in the caller's transaction and the outer owner
// commits.
func (t *poolTransactor) WithinTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if ctx.Value(constants.TxKey) != nil {
		return fn(ctx)
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
