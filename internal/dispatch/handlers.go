package dispatch

import (
	"context"
	"fmt"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/session"
	"github.com/oxidedb/oxidedb/internal/storage"
	"github.com/oxidedb/oxidedb/internal/translator"
	"github.com/oxidedb/oxidedb/internal/wire"
)

func handleCount(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	coll, ok := collArg(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "count requires a collection name")
	}
	db := dbOf(cmd)
	query, _ := cmd.Body.Lookup("query").(*bsondoc.Document)
	frag, err := translator.CompileFilter(query)
	if err != nil {
		return nil, err
	}
	table := storage.Table(db, coll)
	sql := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", table, frag.Text)
	if limit, ok := int64Field(cmd.Body, "limit"); ok && limit > 0 {
		sql = fmt.Sprintf("SELECT count(*) FROM (SELECT id FROM %s WHERE %s LIMIT %d) t", table, frag.Text, limit)
	}

	ex, _, err := c.executorFor(ctx, cmd, sess)
	if err != nil {
		return nil, err
	}
	rows, err := ex.Execute(ctx, sql, frag.Params...)
	if err != nil {
		if _, ok := oxerr.As(err, oxerr.KindNamespaceNotFound); ok {
			return bsondoc.NewDocument(bsondoc.Element{Key: "n", Value: int32(0)}, bsondoc.Element{Key: "ok", Value: float64(1)}), nil
		}
		return nil, err
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return nil, oxerr.Wrap(oxerr.KindBackend, err, "scan count")
		}
	}
	return bsondoc.NewDocument(
		bsondoc.Element{Key: "n", Value: int32(n)},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	), nil
}

// handleDistinct evaluates the distinct key in process rather than
// pushing it into SQL: the key may be a dotted path into a subdocument
// or array, and bsondoc.Get already knows how to walk those the same
// way the query-matching path does, so this reuses that instead of
// teaching the translator a second jsonb path-extraction form solely
// for this one command.
func handleDistinct(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	coll, ok := collArg(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "distinct requires a collection name")
	}
	db := dbOf(cmd)
	key, _ := cmd.Body.Lookup("key").(string)
	if key == "" {
		return nil, oxerr.New(oxerr.KindBadProjection, "distinct requires a key")
	}
	query, _ := cmd.Body.Lookup("query").(*bsondoc.Document)
	frag, err := translator.CompileFilter(query)
	if err != nil {
		return nil, err
	}
	table := storage.Table(db, coll)
	sql := fmt.Sprintf("SELECT doc_bson FROM %s WHERE %s", table, frag.Text)

	ex, _, err := c.executorFor(ctx, cmd, sess)
	if err != nil {
		return nil, err
	}
	rows, err := ex.Execute(ctx, sql, frag.Params...)
	if err != nil {
		if _, ok := oxerr.As(err, oxerr.KindNamespaceNotFound); ok {
			return bsondoc.NewDocument(bsondoc.Element{Key: "values", Value: bsondoc.NewArray()}, bsondoc.Element{Key: "ok", Value: float64(1)}), nil
		}
		return nil, err
	}
	defer rows.Close()

	seen := map[string]bsondoc.Value{}
	var order []string
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, oxerr.Wrap(oxerr.KindBackend, err, "scan row")
		}
		doc, _, err := bsondoc.Decode(raw)
		if err != nil {
			return nil, err
		}
		v := bsondoc.Get(doc, key)
		if bsondoc.IsMissing(v) {
			continue
		}
		dedupKey := fmt.Sprintf("%T:%v", v, v)
		if _, ok := seen[dedupKey]; !ok {
			seen[dedupKey] = v
			order = append(order, dedupKey)
		}
	}

	values := make([]bsondoc.Value, len(order))
	for i, k := range order {
		values[i] = seen[k]
	}
	return bsondoc.NewDocument(
		bsondoc.Element{Key: "values", Value: bsondoc.NewArray(values...)},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	), nil
}

func handleHello(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	return bsondoc.NewDocument(
		bsondoc.Element{Key: "ismaster", Value: true},
		bsondoc.Element{Key: "isWritablePrimary", Value: true},
		bsondoc.Element{Key: "maxBsonObjectSize", Value: int32(16 * 1024 * 1024)},
		bsondoc.Element{Key: "maxMessageSizeBytes", Value: int32(wire.MaxMessageSize)},
		bsondoc.Element{Key: "maxWriteBatchSize", Value: int32(100000)},
		bsondoc.Element{Key: "localTime", Value: nil},
		bsondoc.Element{Key: "logicalSessionTimeoutMinutes", Value: int32(30)},
		bsondoc.Element{Key: "connectionId", Value: int32(c.id)},
		bsondoc.Element{Key: "minWireVersion", Value: int32(0)},
		bsondoc.Element{Key: "maxWireVersion", Value: int32(17)},
		bsondoc.Element{Key: "readOnly", Value: false},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	), nil
}

func handlePing(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	return bsondoc.NewDocument(bsondoc.Element{Key: "ok", Value: float64(1)}), nil
}

func handleBuildInfo(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	return bsondoc.NewDocument(
		bsondoc.Element{Key: "version", Value: "7.0.0-oxidedb"},
		bsondoc.Element{Key: "versionArray", Value: bsondoc.NewArray(int32(7), int32(0), int32(0), int32(0))},
		bsondoc.Element{Key: "bits", Value: int32(64)},
		bsondoc.Element{Key: "maxBsonObjectSize", Value: int32(16 * 1024 * 1024)},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	), nil
}

func handleServerStatus(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	return bsondoc.NewDocument(
		bsondoc.Element{Key: "host", Value: c.peer},
		bsondoc.Element{Key: "version", Value: "7.0.0-oxidedb"},
		bsondoc.Element{Key: "process", Value: "oxidedb"},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	), nil
}

func handleListDatabases(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	names, err := c.d.Pool.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]bsondoc.Value, len(names))
	var total int64
	for i, name := range names {
		items[i] = bsondoc.NewDocument(
			bsondoc.Element{Key: "name", Value: name},
			bsondoc.Element{Key: "sizeOnDisk", Value: int64(0)},
			bsondoc.Element{Key: "empty", Value: false},
		)
		total++
	}
	return bsondoc.NewDocument(
		bsondoc.Element{Key: "databases", Value: bsondoc.NewArray(items...)},
		bsondoc.Element{Key: "totalSize", Value: int64(0)},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	), nil
}

func handleListCollections(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	db := dbOf(cmd)
	names, err := c.d.Pool.ListCollections(ctx, db)
	if err != nil {
		return nil, err
	}
	docs := make([]*bsondoc.Document, len(names))
	for i, name := range names {
		docs[i] = bsondoc.NewDocument(
			bsondoc.Element{Key: "name", Value: name},
			bsondoc.Element{Key: "type", Value: "collection"},
			bsondoc.Element{Key: "options", Value: bsondoc.NewDocument()},
			bsondoc.Element{Key: "info", Value: bsondoc.NewDocument(
				bsondoc.Element{Key: "readOnly", Value: false},
			)},
		)
	}
	return cursorReply(db, "$cmd.listCollections", 0, docs), nil
}

func handleCreate(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	coll, ok := collArg(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "create requires a collection name")
	}
	db := dbOf(cmd)
	if err := c.d.Pool.EnsureCollection(ctx, db, coll); err != nil {
		return nil, err
	}
	return bsondoc.NewDocument(bsondoc.Element{Key: "ok", Value: float64(1)}), nil
}

func handleDrop(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	coll, ok := collArg(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "drop requires a collection name")
	}
	db := dbOf(cmd)
	if err := c.d.Pool.DropCollection(ctx, db, coll); err != nil {
		return nil, err
	}
	return bsondoc.NewDocument(bsondoc.Element{Key: "ok", Value: float64(1)}), nil
}

func handleDropDatabase(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	db := dbOf(cmd)
	if err := c.d.Pool.DropDatabase(ctx, db); err != nil {
		return nil, err
	}
	return bsondoc.NewDocument(bsondoc.Element{Key: "ok", Value: float64(1)}), nil
}

// handleCreateIndexes is a compatibility stub: §4.D provisions a single
// GIN index over the whole document at collection-creation time, and
// every query compiles against that same index, so there is no
// per-request index plan to apply here. Drivers that call
// createIndexes as a matter of course (most do, for _id) still get a
// success reply rather than a CommandNotFound.
func handleCreateIndexes(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	coll, ok := collArg(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "createIndexes requires a collection name")
	}
	db := dbOf(cmd)
	if err := c.d.Pool.EnsureCollection(ctx, db, coll); err != nil {
		return nil, err
	}
	return bsondoc.NewDocument(
		bsondoc.Element{Key: "numIndexesBefore", Value: int32(1)},
		bsondoc.Element{Key: "numIndexesAfter", Value: int32(1)},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	), nil
}

func handleDropIndexes(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	return bsondoc.NewDocument(bsondoc.Element{Key: "ok", Value: float64(1)}), nil
}

func handleStartSession(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	s := c.d.Sessions.StartSession()
	return bsondoc.NewDocument(
		bsondoc.Element{Key: "id", Value: bsondoc.NewDocument(bsondoc.Element{Key: "id", Value: s.ID})},
		bsondoc.Element{Key: "timeoutMinutes", Value: int32(30)},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	), nil
}

func handleEndSessions(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	if arr, ok := cmd.Body.Lookup("endSessions").(*bsondoc.Array); ok {
		for _, item := range arr.Items() {
			lsid, ok := item.(*bsondoc.Document)
			if !ok {
				continue
			}
			if id, ok := lsid.Lookup("id").(string); ok {
				c.d.Sessions.EndSession(ctx, id)
			}
		}
	}
	return bsondoc.NewDocument(bsondoc.Element{Key: "ok", Value: float64(1)}), nil
}

// handleShadowMetrics answers the oxidedbShadowMetrics admin pseudo
// command (§6) with a point-in-time snapshot of the shadow comparator's
// counters, or all zeros if shadowing is disabled.
func handleShadowMetrics(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	snap := c.d.Metrics.Snapshot()
	return bsondoc.NewDocument(
		bsondoc.Element{Key: "attempts", Value: snap.Attempts},
		bsondoc.Element{Key: "matches", Value: snap.Matches},
		bsondoc.Element{Key: "mismatches", Value: snap.Mismatches},
		bsondoc.Element{Key: "timeouts", Value: snap.Timeouts},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	), nil
}
