// Package storage is the backend adapter (§4.D): a pgx connection pool
// plus a small cache of (database, collection) pairs that have already
// been provisioned, so a hot-path insert after warm-up emits no DDL.
package storage

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// schemaCacheSize bounds how many (db, collection) pairs are remembered
// as already-provisioned before the LRU starts evicting the least
// recently confirmed ones. A re-eviction just costs one extra "create if
// not exists" round trip, never a correctness problem.
const schemaCacheSize = 4096

// Pool owns the backend connection pool and the provisioning cache. All
// of OxideDB's SQL execution funnels through it.
type Pool struct {
	pg     *pgxpool.Pool
	sqlx   *sqlx.DB
	logger *zap.Logger
	known  *lru.Cache[string, struct{}]
}

// Open connects to the backend and returns a ready Pool. dsn is a
// standard PostgreSQL connection string/URL; pgxpool parses pool-sizing
// options (pool_max_conns, …) directly out of it.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse backend dsn: %w", err)
	}

	pg, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open backend pool: %w", err)
	}

	known, err := lru.New[string, struct{}](schemaCacheSize)
	if err != nil {
		return nil, fmt.Errorf("allocate schema cache: %w", err)
	}

	// The catalog-introspection queries (ListCollections, ListDatabases)
	// are the one place struct/slice scanning reads nicer than a manual
	// rows.Next/Scan loop, so they borrow a *sql.DB view of the same
	// pool via pgx's stdlib adapter rather than duplicating the pool's
	// connections.
	sqlxDB := sqlx.NewDb(stdlib.OpenDBFromPool(pg), "pgx")

	return &Pool{pg: pg, sqlx: sqlxDB, logger: logger, known: known}, nil
}

// Close releases all pooled connections.
func (p *Pool) Close() {
	_ = p.sqlx.Close()
	p.pg.Close()
}

func collKey(db, coll string) string { return db + "." + coll }

// schemaName renders the backend schema for a database name (§4.A:
// "mdb_<db>").
func schemaName(db string) string { return "mdb_" + db }

// EnsureDatabase provisions the backend schema for db if it is not
// already known to exist. Safe to call on every request; warm callers
// short-circuit on the in-process cache.
func (p *Pool) EnsureDatabase(ctx context.Context, db string) error {
	key := collKey(db, "")
	if _, ok := p.known.Get(key); ok {
		return nil
	}
	stmt := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(schemaName(db)))
	if _, err := p.pg.Exec(ctx, stmt); err != nil {
		return mapError(err)
	}
	p.known.Add(key, struct{}{})
	return nil
}

// EnsureCollection provisions the backend table and its id primary key
// for (db, coll), provisioning the parent schema first if needed.
func (p *Pool) EnsureCollection(ctx context.Context, db, coll string) error {
	key := collKey(db, coll)
	if _, ok := p.known.Get(key); ok {
		return nil
	}
	if err := p.EnsureDatabase(ctx, db); err != nil {
		return err
	}

	table := qualifiedTable(db, coll)
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id bytea PRIMARY KEY,
	doc jsonb NOT NULL,
	doc_bson bytea NOT NULL
)`, table)
	if _, err := p.pg.Exec(ctx, stmt); err != nil {
		return mapError(err)
	}

	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING gin (doc jsonb_path_ops)",
		quoteIdent(coll+"_doc_gin"), table)
	if _, err := p.pg.Exec(ctx, idx); err != nil {
		return mapError(err)
	}

	p.known.Add(key, struct{}{})
	return nil
}

// qualifiedTable renders the schema-qualified, identifier-quoted table
// name for (db, coll).
func qualifiedTable(db, coll string) string {
	return quoteIdent(schemaName(db)) + "." + quoteIdent(coll)
}

// Table exposes qualifiedTable to callers outside the package (the
// dispatcher embeds it directly into hand-built SQL statements).
func Table(db, coll string) string {
	return qualifiedTable(db, coll)
}

// DropCollection drops (db, coll)'s table, if any, and forgets it in
// the provisioning cache so a later write re-provisions from scratch.
func (p *Pool) DropCollection(ctx context.Context, db, coll string) error {
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", qualifiedTable(db, coll))
	if _, err := p.pg.Exec(ctx, stmt); err != nil {
		return mapError(err)
	}
	p.known.Remove(collKey(db, coll))
	return nil
}

// DropDatabase drops db's whole schema, if any, and forgets every
// collection cached under it.
func (p *Pool) DropDatabase(ctx context.Context, db string) error {
	stmt := fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", quoteIdent(schemaName(db)))
	if _, err := p.pg.Exec(ctx, stmt); err != nil {
		return mapError(err)
	}
	prefix := collKey(db, "")
	for _, key := range p.known.Keys() {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			p.known.Remove(key)
		}
	}
	return nil
}

// ListCollections returns the names of the tables provisioned under
// db's schema, queried directly from the catalog rather than the
// provisioning cache (which only remembers what this process touched).
func (p *Pool) ListCollections(ctx context.Context, db string) ([]string, error) {
	var names []string
	err := p.sqlx.SelectContext(ctx, &names,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = $1 ORDER BY table_name`,
		schemaName(db))
	if err != nil {
		return nil, mapError(err)
	}
	return names, nil
}

// ListDatabases returns the database names provisioned so far, derived
// from the mdb_<db> schema naming convention (§3).
func (p *Pool) ListDatabases(ctx context.Context) ([]string, error) {
	var schemas []string
	err := p.sqlx.SelectContext(ctx, &schemas,
		`SELECT schema_name FROM information_schema.schemata WHERE schema_name LIKE 'mdb\_%' ESCAPE '\' ORDER BY schema_name`)
	if err != nil {
		return nil, mapError(err)
	}
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = strings.TrimPrefix(s, "mdb_")
	}
	return names, nil
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Execute runs a SQL statement that returns rows, such as a compiled
// translator fragment embedded in a SELECT/UPDATE …RETURNING. Callers
// must close the returned Rows.
func (p *Pool) Execute(ctx context.Context, sql string, params ...any) (pgx.Rows, error) {
	rows, err := p.pg.Query(ctx, sql, params...)
	if err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// Exec runs a SQL statement that does not return rows (DDL, a plain
// UPDATE/DELETE) and reports the affected row count.
func (p *Pool) Exec(ctx context.Context, sql string, params ...any) (int64, error) {
	tag, err := p.pg.Exec(ctx, sql, params...)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

// Conn acquires a single pooled connection for pinning to a session's
// transaction (§4.F). The caller owns the release.
func (p *Pool) Conn(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := p.pg.Acquire(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return conn, nil
}

// Txn is a backend transaction pinned to one connection, handed out by
// Begin and released by Commit or Abort.
type Txn struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
}

// Begin acquires a dedicated connection and issues BEGIN at the given
// isolation level ("read committed" or "repeatable read" per §4.F).
func (p *Pool) Begin(ctx context.Context, isolation pgx.TxIsoLevel) (*Txn, error) {
	conn, err := p.pg.Acquire(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: isolation})
	if err != nil {
		conn.Release()
		return nil, mapError(err)
	}
	return &Txn{conn: conn, tx: tx}, nil
}

// Execute runs a statement against the pinned connection so it sees the
// transaction's own uncommitted writes.
func (t *Txn) Execute(ctx context.Context, sql string, params ...any) (pgx.Rows, error) {
	rows, err := t.tx.Query(ctx, sql, params...)
	if err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// Exec runs a non-row-returning statement against the pinned connection.
func (t *Txn) Exec(ctx context.Context, sql string, params ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, params...)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

// Commit issues COMMIT and releases the pinned connection regardless of
// outcome.
func (t *Txn) Commit(ctx context.Context) error {
	defer t.conn.Release()
	if err := t.tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// Abort issues ROLLBACK and releases the pinned connection regardless of
// outcome.
func (t *Txn) Abort(ctx context.Context) error {
	defer t.conn.Release()
	if err := t.tx.Rollback(ctx); err != nil {
		return mapError(err)
	}
	return nil
}
