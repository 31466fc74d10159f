package storage

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/oxidedb/oxidedb/internal/oxerr"
)

func TestMapErrorUniqueViolation(t *testing.T) {
	err := mapError(&pgconn.PgError{Code: sqlStateUniqueViolation, Message: "dup"})
	oxe, ok := oxerr.As(err, oxerr.KindDuplicateKey)
	assert.True(t, ok)
	assert.Equal(t, oxerr.KindDuplicateKey, oxe.Kind)
}

func TestMapErrorSerializationFailure(t *testing.T) {
	err := mapError(&pgconn.PgError{Code: sqlStateSerializationFailure, Message: "conflict"})
	oxe, ok := oxerr.As(err, oxerr.KindTransientConflict)
	assert.True(t, ok)
	assert.Contains(t, oxe.Labels, "TransientTransactionError")
}

func TestMapErrorFallsBackToBackend(t *testing.T) {
	err := mapError(errors.New("connection reset"))
	_, ok := oxerr.As(err, oxerr.KindBackend)
	assert.True(t, ok)
}

func TestMapErrorNil(t *testing.T) {
	assert.NoError(t, mapError(nil))
}

func TestQuoteIdentEscapesDoubleQuotes(t *testing.T) {
	assert.Equal(t, `"weird""name"`, quoteIdent(`weird"name`))
}

func TestQualifiedTable(t *testing.T) {
	assert.Equal(t, `"mdb_shop"."orders"`, qualifiedTable("shop", "orders"))
}
