// Package session implements the logical session registry (§4.F): per
// session transaction state pinned to a backend connection, a
// retryable-write reply cache, and the read-committed/repeatable-read
// isolation mapping.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/storage"
)

// defaultTransactionTimeout is the ceiling §4.F names: 60s since BEGIN.
const defaultTransactionTimeout = 60 * time.Second

// Isolation is the client-requested read concern mapped onto a backend
// pgx.TxIsoLevel.
type Isolation int

const (
	IsolationReadCommitted Isolation = iota
	IsolationSnapshot
)

// PgIsoLevel maps the client-facing isolation request onto the backend
// level §4.F names: read committed by default, repeatable read for
// snapshot.
func (i Isolation) PgIsoLevel() pgx.TxIsoLevel {
	if i == IsolationSnapshot {
		return pgx.RepeatableRead
	}
	return pgx.ReadCommitted
}

// txnState tracks one session's in-flight transaction, if any.
type txnState struct {
	txnNumber int64
	txn       *storage.Txn
	expiresAt time.Time
	expired   bool
}

// Session is one logical client session: an id, an optional pinned
// transaction, and a cache of retryable-write replies keyed by txn
// number.
type Session struct {
	ID string

	mu       sync.Mutex
	txn      *txnState
	writes   map[int64]*bsondoc.Document
	lastSeen time.Time
}

func newSession(id string) *Session {
	return &Session{ID: id, writes: make(map[int64]*bsondoc.Document), lastSeen: time.Now()}
}

// Registry owns every logical session in the process.
type Registry struct {
	pool              *storage.Pool
	transactionTTL    time.Duration
	mu                sync.Mutex
	sessions          map[string]*Session
}

// New builds a Registry backed by pool. A zero transactionTTL selects
// the §4.F default of 60 seconds.
func New(pool *storage.Pool, transactionTTL time.Duration) *Registry {
	if transactionTTL <= 0 {
		transactionTTL = defaultTransactionTimeout
	}
	return &Registry{pool: pool, transactionTTL: transactionTTL, sessions: make(map[string]*Session)}
}

// StartSession allocates a fresh logical session id.
func (r *Registry) StartSession() *Session {
	id := uuid.NewString()
	s := newSession(id)
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

// Lookup returns the session for id, creating one if the driver never
// called startSession explicitly (implicit sessions are legal per the
// wire protocol).
func (r *Registry) Lookup(id string) *Session {
	if id == "" {
		return newSession("")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = newSession(id)
		r.sessions[id] = s
	}
	s.lastSeen = time.Now()
	return s
}

// EndSession removes a session, rolling back and releasing any pinned
// transaction.
func (r *Registry) EndSession(ctx context.Context, id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	t := s.txn
	s.txn = nil
	s.mu.Unlock()
	if t != nil && !t.expired {
		_ = t.txn.Abort(ctx)
	}
}

// StartTransaction pins a fresh backend connection to the session and
// issues BEGIN at the requested isolation level.
func (r *Registry) StartTransaction(ctx context.Context, s *Session, txnNumber int64, iso Isolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn != nil && !s.txn.expired {
		return oxerr.New(oxerr.KindTransactionInProgress, "transaction already in progress for session %s", s.ID)
	}

	txn, err := r.pool.Begin(ctx, iso.PgIsoLevel())
	if err != nil {
		return err
	}
	s.txn = &txnState{
		txnNumber: txnNumber,
		txn:       txn,
		expiresAt: time.Now().Add(r.transactionTTL),
	}
	return nil
}

// Pinned returns the active transaction's storage.Txn for in-transaction
// operations, expiring and rolling it back first if its ceiling has
// passed.
func (r *Registry) Pinned(ctx context.Context, s *Session, txnNumber int64) (*storage.Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txn == nil {
		return nil, oxerr.New(oxerr.KindNoSuchTransaction, "no transaction for session %s", s.ID)
	}
	if s.txn.txnNumber != txnNumber {
		return nil, oxerr.New(oxerr.KindNoSuchTransaction, "txn number mismatch for session %s", s.ID)
	}
	if s.txn.expired {
		return nil, oxerr.New(oxerr.KindNoSuchTransaction, "transaction %d expired", txnNumber)
	}
	if time.Now().After(s.txn.expiresAt) {
		_ = s.txn.txn.Abort(ctx)
		s.txn.expired = true
		return nil, oxerr.New(oxerr.KindNoSuchTransaction, "transaction %d timed out", txnNumber)
	}
	return s.txn.txn, nil
}

// CommitTransaction commits the pinned connection and clears the flag.
func (r *Registry) CommitTransaction(ctx context.Context, s *Session, txnNumber int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil || s.txn.txnNumber != txnNumber {
		return oxerr.New(oxerr.KindNoSuchTransaction, "no transaction %d for session %s", txnNumber, s.ID)
	}
	if s.txn.expired {
		s.txn = nil
		return oxerr.New(oxerr.KindNoSuchTransaction, "transaction %d expired", txnNumber)
	}
	err := s.txn.txn.Commit(ctx)
	s.txn = nil
	return err
}

// AbortTransaction rolls back the pinned connection and clears the flag.
func (r *Registry) AbortTransaction(ctx context.Context, s *Session, txnNumber int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil || s.txn.txnNumber != txnNumber {
		return oxerr.New(oxerr.KindNoSuchTransaction, "no transaction %d for session %s", txnNumber, s.ID)
	}
	err := s.txn.txn.Abort(ctx)
	s.txn = nil
	return err
}

// InTransaction reports whether the session currently owns a pinned
// transaction not yet marked expired. One already past its deadline
// still counts, so the next operation reaches Pinned, which rolls it
// back and reports NoSuchTransaction. The dispatcher uses this to decide
// whether an operation that carries a txnNumber should run on the
// pinned connection or standalone (§4.F: only operations issued while a
// transaction is actually open are routed to the pinned connection;
// a bare txnNumber on a retryable write outside startTransaction is not
// enough on its own).
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txn != nil && !s.txn.expired
}

// CachedWrite returns a previously recorded retryable-write reply for
// (session, txnNumber), if any.
func (s *Session) CachedWrite(txnNumber int64) (*bsondoc.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.writes[txnNumber]
	return doc, ok
}

// RecordWrite caches a retryable-write command's reply so a duplicate
// (session, txnNumber) short-circuits instead of re-executing.
func (s *Session) RecordWrite(txnNumber int64, reply *bsondoc.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[txnNumber] = reply
}
