package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/cursor"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/session"
	"github.com/oxidedb/oxidedb/internal/storage"
	"github.com/oxidedb/oxidedb/internal/translator"
	"github.com/oxidedb/oxidedb/internal/wire"
)

// handleAggregate executes pushdown-only pipelines: every stage the
// translator classifies as StagePushdown compiles into one CTE, and
// the CTE chain runs as a single statement. A pipeline containing any
// StageEngine segment ($lookup without an equality join, $facet,
// $unionWith, $bucketAuto, $out, $merge, or any bare accumulator
// expression the compiler doesn't recognize) is rejected outright
// rather than evaluated by an in-process engine — building a general
// streaming evaluator for those stages is out of scope here; this is
// a deliberate, documented coverage trim, not an oversight.
func handleAggregate(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	coll, ok := collArg(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "aggregate requires a collection name")
	}
	db := dbOf(cmd)

	var stages []*bsondoc.Document
	if arr, ok := cmd.Body.Lookup("pipeline").(*bsondoc.Array); ok {
		for _, item := range arr.Items() {
			if d, ok := item.(*bsondoc.Document); ok {
				stages = append(stages, d)
			}
		}
	}

	table := storage.Table(db, coll)
	plan, err := translator.CompileAggregationPipeline(stages, table)
	if err != nil {
		return nil, err
	}
	for _, seg := range plan.Segments {
		if seg.Kind == translator.StageEngine {
			return nil, oxerr.New(oxerr.KindCommandNotFound, "pipeline stage requires an in-process aggregation engine, which is not supported")
		}
	}

	var ctes []string
	last := table
	for _, seg := range plan.Segments {
		for _, cte := range seg.CTEs {
			ctes = append(ctes, fmt.Sprintf("%s AS (%s)", cte.Name, cte.SQL))
			last = cte.Name
		}
	}

	// Only the base table carries doc_bson, so once the pipeline emits
	// at least one stage the result documents are rebuilt from jsonb
	// rather than the BSON column. The "id" column isn't safe to rely
	// on past the first stage either: $group, $count, $sortByCount and
	// $bucket fold many input rows into fewer/different output rows
	// and their CTEs project only "doc" (via jsonb_build_object), with
	// no id column at all, so the final select names only the column
	// every pushdown stage is guaranteed to produce.
	var sql string
	if last == table {
		sql = fmt.Sprintf("SELECT id, doc, doc_bson FROM %s", last)
	} else {
		sql = fmt.Sprintf("SELECT doc FROM %s", last)
	}
	if len(ctes) > 0 {
		sql = "WITH " + strings.Join(ctes, ", ") + " " + sql
	}

	ex, _, err := c.executorFor(ctx, cmd, sess)
	if err != nil {
		return nil, err
	}
	rows, err := ex.Execute(ctx, sql, plan.Params...)
	if err != nil {
		if _, ok := oxerr.As(err, oxerr.KindNamespaceNotFound); ok {
			return emptyCursorReply(db, coll), nil
		}
		return nil, err
	}

	var producer cursor.Producer
	if last == table {
		producer = &rowsProducer{rows: rows}
	} else {
		producer = &jsonRowsProducer{rows: rows}
	}

	batchSize := intFieldDefault(cmd.Body, "batchSize", 101)
	first, more, err := producer.Next(ctx, batchSize)
	if err != nil {
		return nil, err
	}

	var cursorID int64
	if more {
		cursorID = c.d.Cursors.Open(producer, c.id, sess.ID, db+"."+coll, 0)
	}
	return cursorReply(db, coll, cursorID, first), nil
}
