package services

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iota-uz/governance/pkg/metrics"
	"github.com/iota-uz/governance/pkg/serrors"
)

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var svcErr *serrors.ServiceError
	if errors.As(err, &svcErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		metrics.RecordWriteConflict("invitation")
		return serrors.Wrap(http.StatusConflict, "INVITATION_CONFLICT", "conflicting invitation write", err)
	}
	return serrors.Wrap(http.StatusInternalServerError, "INVITATION_INTERNAL", "invitation storage failure", err)
}
