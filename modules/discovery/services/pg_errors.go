package services

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iota-uz/governance/pkg/metrics"
	"github.com/iota-uz/governance/pkg/serrors"
)

// mapPgError translates driver-level failures into service errors. The
// partial unique index on (root_org_id, attr_type, attr_value) is the
// authoritative uniqueness guard, so a 23505 raced past the optimistic
// read check and maps to the same conflict code.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var svcErr *serrors.ServiceError
	if errors.As(err, &svcErr) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return serrors.Wrap(http.StatusNotFound, "DISCOVERY_ATTRIBUTE_NOT_FOUND", "no organization owns this discovery attribute", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			metrics.RecordWriteConflict("discovery_attribute")
			return errAttributeTaken(err)
		case "23503":
			return serrors.Wrap(http.StatusUnprocessableEntity, "DISCOVERY_INVALID_ORGANIZATION", "organization reference is invalid", err)
		}
	}
	return serrors.Wrap(http.StatusInternalServerError, "DISCOVERY_INTERNAL", "discovery attribute storage failure", err)
}

func errAttributeTaken(cause error) error {
	return serrors.Wrap(http.StatusConflict, "DISCOVERY_ATTRIBUTE_TAKEN", "discovery attribute value already in use within the organization tree", cause)
}
