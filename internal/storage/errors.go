package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// Postgres SQLSTATE codes §4.D cares about. See
// https://www.postgresql.org/docs/current/errcodes-appendix.html.
const (
	sqlStateUniqueViolation      = "23505"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUndefinedTable       = "42P01"
)

// mapError turns a raw pgx/backend error into the outcomes §4.D
// promises: DuplicateKey, TransientConflict, NamespaceNotFound (a
// collection that was never provisioned, or was since dropped), or
// Backend for everything else.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateUniqueViolation:
			return oxerr.Wrap(oxerr.KindDuplicateKey, err, "duplicate key")
		case sqlStateSerializationFailure, sqlStateDeadlockDetected:
			return oxerr.Wrap(oxerr.KindTransientConflict, err, "serialization conflict").
				WithLabels("TransientTransactionError")
		case sqlStateUndefinedTable:
			return oxerr.Wrap(oxerr.KindNamespaceNotFound, err, "collection does not exist")
		}
	}
	return oxerr.Wrap(oxerr.KindBackend, err, "backend error")
}
