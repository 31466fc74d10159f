package session

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

func TestIsolationMapping(t *testing.T) {
	assert.Equal(t, pgx.ReadCommitted, IsolationReadCommitted.PgIsoLevel())
	assert.Equal(t, pgx.RepeatableRead, IsolationSnapshot.PgIsoLevel())
}

func TestRegistryLookupCreatesImplicitSession(t *testing.T) {
	r := New(nil, 0)
	s := r.Lookup("")
	require.NotNil(t, s)
	assert.Empty(t, s.ID)
}

func TestRegistryLookupReusesExistingSession(t *testing.T) {
	r := New(nil, 0)
	s1 := r.StartSession()
	s2 := r.Lookup(s1.ID)
	assert.Same(t, s1, s2)
}

func TestRetryableWriteCache(t *testing.T) {
	s := newSession("sess-1")
	_, ok := s.CachedWrite(7)
	assert.False(t, ok)

	reply := bsondoc.NewDocument(bsondoc.Element{Key: "ok", Value: int32(1)})
	s.RecordWrite(7, reply)

	cached, ok := s.CachedWrite(7)
	require.True(t, ok)
	assert.Same(t, reply, cached)
}

func TestStartTransactionRejectsWhenAlreadyInProgress(t *testing.T) {
	r := New(nil, time.Hour)
	s := newSession("sess-1")
	s.txn = &txnState{txnNumber: 1, expiresAt: time.Now().Add(time.Hour)}

	err := r.StartTransaction(nil, s, 2, IsolationReadCommitted)
	require.Error(t, err)
	_, ok := oxerr.As(err, oxerr.KindTransactionInProgress)
	assert.True(t, ok)
}

func TestPinnedRejectsWrongTxnNumber(t *testing.T) {
	r := New(nil, time.Hour)
	s := newSession("sess-1")
	s.txn = &txnState{txnNumber: 1, expiresAt: time.Now().Add(time.Hour)}

	_, err := r.Pinned(nil, s, 2)
	require.Error(t, err)
	_, ok := oxerr.As(err, oxerr.KindNoSuchTransaction)
	assert.True(t, ok)
}

func TestPinnedRejectsWhenNoTransaction(t *testing.T) {
	r := New(nil, time.Hour)
	s := newSession("sess-1")

	_, err := r.Pinned(nil, s, 1)
	require.Error(t, err)
	_, ok := oxerr.As(err, oxerr.KindNoSuchTransaction)
	assert.True(t, ok)
}

func TestEndSessionWithoutTransactionIsNoop(t *testing.T) {
	r := New(nil, 0)
	s := r.StartSession()
	r.EndSession(nil, s.ID)

	s2 := r.Lookup(s.ID)
	assert.NotSame(t, s, s2)
}
