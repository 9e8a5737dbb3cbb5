package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/iota-uz/governance/pkg/metrics"
	"github.com/iota-uz/governance/pkg/serrors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// mapPgError translates storage failures into the service taxonomy. The
// unique constraint is the authoritative backstop for the optimistic
// application-level checks, so 23505 is a Conflict, never an internal error.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var svcErr *serrors.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errPolicyNotFound(err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		metrics.RecordWriteConflict("sharing_policy")
		return serrors.Wrap(http.StatusConflict, "SHARING_POLICY_CONFLICT", "a sharing policy for this resource and organization already exists", err)
	case "23503": // foreign_key_violation
		return errPolicyNotFound(err)
	default:
		return serrors.Wrap(http.StatusInternalServerError, "SHARING_INTERNAL", fmt.Sprintf("database error (%s)", pgErr.Code), err)
	}
}
