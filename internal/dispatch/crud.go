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

// withRetryableCache gives insert/update/delete/findAndModify the
// retryable-write behavior §4.F describes: a single-document write
// command carrying a txnNumber, issued outside an open transaction, is
// executed at most once per (session, txnNumber) — a retry of the same
// network request short-circuits to the cached reply rather than
// re-applying the write.
func (c *conn) withRetryableCache(cmd *wire.Command, sess *session.Session, inTxn bool, fn func() (*bsondoc.Document, error)) (*bsondoc.Document, error) {
	txnNumber, ok := txnNumberOf(cmd)
	if !ok || inTxn {
		return fn()
	}
	if cached, hit := sess.CachedWrite(txnNumber); hit {
		return cached, nil
	}
	reply, err := fn()
	if err != nil {
		return nil, err
	}
	sess.RecordWrite(txnNumber, reply)
	return reply, nil
}

func handleInsert(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	coll, ok := collArg(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "insert requires a collection name")
	}
	db := dbOf(cmd)

	docs, _ := cmd.Sequence("documents")
	if len(docs) == 0 {
		if arr, ok := cmd.Body.Lookup("documents").(*bsondoc.Array); ok {
			for _, item := range arr.Items() {
				if d, ok := item.(*bsondoc.Document); ok {
					docs = append(docs, d)
				}
			}
		}
	}

	ex, inTxn, err := c.executorFor(ctx, cmd, sess)
	if err != nil {
		return nil, err
	}

	return c.withRetryableCache(cmd, sess, inTxn, func() (*bsondoc.Document, error) {
		if err := c.d.Pool.EnsureCollection(ctx, db, coll); err != nil {
			return nil, err
		}
		table := storage.Table(db, coll)
		ordered := boolField(cmd.Body, "ordered", true)

		var n int64
		var writeErrors []bsondoc.Value
		for i, d := range docs {
			d = ensureID(d)
			js, err := docJSON(d)
			if err != nil {
				return nil, err
			}
			stmt := fmt.Sprintf("INSERT INTO %s (id, doc, doc_bson) VALUES ($1, $2::jsonb, $3)", table)
			if _, err := ex.Exec(ctx, stmt, idKeyBytes(d.Lookup("_id")), js, bsondoc.Encode(d)); err != nil {
				writeErrors = append(writeErrors, writeErrorDoc(i, err))
				if ordered {
					break
				}
				continue
			}
			n++
		}

		reply := bsondoc.NewDocument(
			bsondoc.Element{Key: "n", Value: int32(n)},
			bsondoc.Element{Key: "ok", Value: float64(1)},
		)
		if len(writeErrors) > 0 {
			reply.Append("writeErrors", bsondoc.NewArray(writeErrors...))
		}
		return reply, nil
	})
}

type updateSpec struct {
	query  *bsondoc.Document
	update *bsondoc.Document
	multi  bool
	upsert bool
}

func updateSpecs(cmd *wire.Command) []updateSpec {
	arr, ok := cmd.Body.Lookup("updates").(*bsondoc.Array)
	if !ok {
		return nil
	}
	specs := make([]updateSpec, 0, arr.Len())
	for _, item := range arr.Items() {
		d, ok := item.(*bsondoc.Document)
		if !ok {
			continue
		}
		q, _ := d.Lookup("q").(*bsondoc.Document)
		u, _ := d.Lookup("u").(*bsondoc.Document)
		specs = append(specs, updateSpec{
			query:  q,
			update: u,
			multi:  boolField(d, "multi", false),
			upsert: boolField(d, "upsert", false),
		})
	}
	return specs
}

func handleUpdate(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	coll, ok := collArg(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "update requires a collection name")
	}
	db := dbOf(cmd)
	specs := updateSpecs(cmd)

	ex, inTxn, err := c.executorFor(ctx, cmd, sess)
	if err != nil {
		return nil, err
	}

	return c.withRetryableCache(cmd, sess, inTxn, func() (*bsondoc.Document, error) {
		if err := c.d.Pool.EnsureCollection(ctx, db, coll); err != nil {
			return nil, err
		}
		table := storage.Table(db, coll)

		var matched, modified int64
		var upserted []bsondoc.Value
		for _, spec := range specs {
			frag, err := translator.CompileFilter(spec.query)
			if err != nil {
				return nil, err
			}

			// A candidate match jsonb could not resolve precisely (cross-
			// type numeric equality, chiefly) means the plain SQL LIMIT 1
			// below could pick the wrong row, or skip one it should have
			// matched; fetch every candidate instead and let the strict
			// recheck narrow it down before applying the single-document
			// update semantics.
			limitOne := !spec.multi && !frag.EngineFallback
			sql := fmt.Sprintf("SELECT id, doc, doc_bson FROM %s WHERE %s ORDER BY id ASC", table, frag.Text)
			if limitOne {
				sql += " LIMIT 1"
			}
			rows, err := ex.Execute(ctx, sql, frag.Params...)
			if err != nil {
				return nil, err
			}
			var targets []*bsondoc.Document
			for rows.Next() {
				doc, err := scanRow(rows)
				if err != nil {
					rows.Close()
					return nil, err
				}
				targets = append(targets, doc)
			}
			rows.Close()

			if frag.EngineFallback {
				targets = filterStrict(targets, frag.StrictChecks)
			}
			if !spec.multi && len(targets) > 1 {
				targets = targets[:1]
			}

			if len(targets) == 0 {
				if !spec.upsert {
					continue
				}
				created, err := buildUpsertDocument(spec.query, spec.update)
				if err != nil {
					return nil, err
				}
				js, err := docJSON(created)
				if err != nil {
					return nil, err
				}
				insertSQL := fmt.Sprintf("INSERT INTO %s (id, doc, doc_bson) VALUES ($1, $2::jsonb, $3)", table)
				if _, err := ex.Exec(ctx, insertSQL, idKeyBytes(created.Lookup("_id")), js, bsondoc.Encode(created)); err != nil {
					return nil, err
				}
				upserted = append(upserted, bsondoc.NewDocument(
					bsondoc.Element{Key: "index", Value: int32(len(upserted))},
					bsondoc.Element{Key: "_id", Value: created.Lookup("_id")},
				))
				continue
			}

			for _, doc := range targets {
				matched++
				mutated, changed, err := applyUpdateDocument(doc, spec.update)
				if err != nil {
					return nil, err
				}
				if !changed {
					continue
				}
				js, err := docJSON(mutated)
				if err != nil {
					return nil, err
				}
				updSQL := fmt.Sprintf("UPDATE %s SET doc = $1::jsonb, doc_bson = $2 WHERE id = $3", table)
				if _, err := ex.Exec(ctx, updSQL, js, bsondoc.Encode(mutated), idKeyBytes(mutated.Lookup("_id"))); err != nil {
					return nil, err
				}
				modified++
			}
		}

		reply := bsondoc.NewDocument(
			bsondoc.Element{Key: "n", Value: int32(matched + int64(len(upserted)))},
			bsondoc.Element{Key: "nModified", Value: int32(modified)},
			bsondoc.Element{Key: "ok", Value: float64(1)},
		)
		if len(upserted) > 0 {
			reply.Append("upserted", bsondoc.NewArray(upserted...))
		}
		return reply, nil
	})
}

type deleteSpec struct {
	query *bsondoc.Document
	limit int64
}

func deleteSpecs(cmd *wire.Command) []deleteSpec {
	arr, ok := cmd.Body.Lookup("deletes").(*bsondoc.Array)
	if !ok {
		return nil
	}
	specs := make([]deleteSpec, 0, arr.Len())
	for _, item := range arr.Items() {
		d, ok := item.(*bsondoc.Document)
		if !ok {
			continue
		}
		q, _ := d.Lookup("q").(*bsondoc.Document)
		limit, _ := int64Field(d, "limit")
		specs = append(specs, deleteSpec{query: q, limit: limit})
	}
	return specs
}

func limitClause(limit int64) string {
	if limit > 0 {
		return fmt.Sprintf(" LIMIT %d", limit)
	}
	return ""
}

func handleDelete(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	coll, ok := collArg(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "delete requires a collection name")
	}
	db := dbOf(cmd)
	specs := deleteSpecs(cmd)

	ex, inTxn, err := c.executorFor(ctx, cmd, sess)
	if err != nil {
		return nil, err
	}

	return c.withRetryableCache(cmd, sess, inTxn, func() (*bsondoc.Document, error) {
		table := storage.Table(db, coll)
		var n int64
		for _, spec := range specs {
			frag, err := translator.CompileFilter(spec.query)
			if err != nil {
				return nil, err
			}

			if !frag.EngineFallback {
				sql := fmt.Sprintf(
					"DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE %s ORDER BY id ASC%s)",
					table, table, frag.Text, limitClause(spec.limit),
				)
				affected, err := ex.Exec(ctx, sql, frag.Params...)
				if err != nil {
					if _, ok := oxerr.As(err, oxerr.KindNamespaceNotFound); ok {
						continue
					}
					return nil, err
				}
				n += affected
				continue
			}

			// The candidate set jsonb resolved too loosely to delete by a
			// single WHERE IN (SELECT ...): fetch the candidates, apply
			// the strict recheck, then delete exactly those ids.
			selSQL := fmt.Sprintf("SELECT id, doc, doc_bson FROM %s WHERE %s ORDER BY id ASC", table, frag.Text)
			rows, err := ex.Execute(ctx, selSQL, frag.Params...)
			if err != nil {
				if _, ok := oxerr.As(err, oxerr.KindNamespaceNotFound); ok {
					continue
				}
				return nil, err
			}
			var targets []*bsondoc.Document
			for rows.Next() {
				doc, err := scanRow(rows)
				if err != nil {
					rows.Close()
					return nil, err
				}
				targets = append(targets, doc)
			}
			rows.Close()

			targets = filterStrict(targets, frag.StrictChecks)
			if spec.limit > 0 && int64(len(targets)) > spec.limit {
				targets = targets[:spec.limit]
			}
			for _, doc := range targets {
				delSQL := fmt.Sprintf("DELETE FROM %s WHERE id = $1", table)
				if _, err := ex.Exec(ctx, delSQL, idKeyBytes(doc.Lookup("_id"))); err != nil {
					return nil, err
				}
				n++
			}
		}
		return bsondoc.NewDocument(
			bsondoc.Element{Key: "n", Value: int32(n)},
			bsondoc.Element{Key: "ok", Value: float64(1)},
		), nil
	})
}

func handleFind(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	coll, ok := collArg(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "find requires a collection name")
	}
	db := dbOf(cmd)

	filterDoc, _ := cmd.Body.Lookup("filter").(*bsondoc.Document)
	frag, err := translator.CompileFilter(filterDoc)
	if err != nil {
		return nil, err
	}

	sortDoc, hasSort := cmd.Body.Lookup("sort").(*bsondoc.Document)
	hasSort = hasSort && sortDoc.Len() > 0
	var sortFrag *translator.SqlFragment
	if hasSort {
		sortFrag, err = translator.CompileSort(sortDoc, nil)
		if err != nil {
			return nil, err
		}
	}

	table := storage.Table(db, coll)
	skip, _ := int64Field(cmd.Body, "skip")
	limit, _ := int64Field(cmd.Body, "limit")
	project, _ := cmd.Body.Lookup("projection").(*bsondoc.Document)

	ex, _, err := c.executorFor(ctx, cmd, sess)
	if err != nil {
		return nil, err
	}

	// A candidate set jsonb could not resolve precisely (strict numeric
	// recheck needed) or a sort key CompileSort could not express as a
	// safe SQL cast (§4.C.1, §4.C.4) both mean skip/limit cannot be
	// pushed down either: the full candidate set has to be fetched,
	// rechecked/sorted in process, then sliced in Go.
	if frag.EngineFallback || (hasSort && sortFrag.EngineFallback) {
		sql := fmt.Sprintf("SELECT id, doc, doc_bson FROM %s WHERE %s ORDER BY id ASC", table, frag.Text)
		rows, err := ex.Execute(ctx, sql, frag.Params...)
		if err != nil {
			if _, ok := oxerr.As(err, oxerr.KindNamespaceNotFound); ok {
				return emptyCursorReply(db, coll), nil
			}
			return nil, err
		}
		var docs []*bsondoc.Document
		for rows.Next() {
			doc, err := scanRow(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			docs = append(docs, doc)
		}
		rows.Close()

		if frag.EngineFallback {
			docs = filterStrict(docs, frag.StrictChecks)
		}
		if hasSort {
			sortDocs(docs, sortKeysFromDoc(sortDoc))
		}
		if skip > 0 {
			if skip >= int64(len(docs)) {
				docs = nil
			} else {
				docs = docs[skip:]
			}
		}
		if limit > 0 && int64(len(docs)) > limit {
			docs = docs[:limit]
		}

		producer := &sliceProducer{docs: docs, project: project}
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

	sql := fmt.Sprintf("SELECT id, doc, doc_bson FROM %s WHERE %s", table, frag.Text)
	if hasSort {
		sql += " ORDER BY " + sortFrag.Text
	} else {
		// CompileSort's numeric cast errors at runtime against
		// non-numeric sort keys, so the default id-order path below
		// deliberately avoids it rather than routing every find
		// through CompileSort with a synthetic {_id:1}.
		sql += " ORDER BY id ASC"
	}
	if skip > 0 {
		sql += fmt.Sprintf(" OFFSET %d", skip)
	}
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := ex.Execute(ctx, sql, frag.Params...)
	if err != nil {
		if _, ok := oxerr.As(err, oxerr.KindNamespaceNotFound); ok {
			return emptyCursorReply(db, coll), nil
		}
		return nil, err
	}

	producer := &rowsProducer{rows: rows, project: project}
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

func handleGetMore(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	id, _ := int64Field(cmd.Body, cmd.CommandName())
	coll, _ := cmd.Body.Lookup("collection").(string)
	db := dbOf(cmd)
	batchSize := intFieldDefault(cmd.Body, "batchSize", 101)

	docs, nextID, err := c.d.Cursors.Fetch(ctx, id, batchSize, c.id, sess.ID)
	if err != nil {
		return nil, err
	}

	return bsondoc.NewDocument(
		bsondoc.Element{Key: "cursor", Value: bsondoc.NewDocument(
			bsondoc.Element{Key: "nextBatch", Value: docsToArray(docs)},
			bsondoc.Element{Key: "id", Value: nextID},
			bsondoc.Element{Key: "ns", Value: db + "." + coll},
		)},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	), nil
}

func handleKillCursors(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	ids := int64ArrayField(cmd.Body, "cursors")
	var killed, notFound []int64
	for _, id := range ids {
		if err := c.d.Cursors.Kill(id, c.id, sess.ID); err != nil {
			notFound = append(notFound, id)
		} else {
			killed = append(killed, id)
		}
	}
	return bsondoc.NewDocument(
		bsondoc.Element{Key: "cursorsKilled", Value: int64ArrayToArray(killed)},
		bsondoc.Element{Key: "cursorsNotFound", Value: int64ArrayToArray(notFound)},
		bsondoc.Element{Key: "cursorsAlive", Value: bsondoc.NewArray()},
		bsondoc.Element{Key: "cursorsUnknown", Value: bsondoc.NewArray()},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	), nil
}

func handleFindAndModify(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	coll, ok := collArg(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "findAndModify requires a collection name")
	}
	db := dbOf(cmd)

	query, _ := cmd.Body.Lookup("query").(*bsondoc.Document)
	update, _ := cmd.Body.Lookup("update").(*bsondoc.Document)
	project, _ := cmd.Body.Lookup("fields").(*bsondoc.Document)
	remove := boolField(cmd.Body, "remove", false)
	returnNew := boolField(cmd.Body, "new", false)
	upsert := boolField(cmd.Body, "upsert", false)

	ex, inTxn, err := c.executorFor(ctx, cmd, sess)
	if err != nil {
		return nil, err
	}

	return c.withRetryableCache(cmd, sess, inTxn, func() (*bsondoc.Document, error) {
		if err := c.d.Pool.EnsureCollection(ctx, db, coll); err != nil {
			return nil, err
		}
		table := storage.Table(db, coll)

		frag, err := translator.CompileFilter(query)
		if err != nil {
			return nil, err
		}
		sortDoc, hasSort := cmd.Body.Lookup("sort").(*bsondoc.Document)
		hasSort = hasSort && sortDoc.Len() > 0
		var sortFrag *translator.SqlFragment
		if hasSort {
			sortFrag, err = translator.CompileSort(sortDoc, nil)
			if err != nil {
				return nil, err
			}
		}

		var original *bsondoc.Document
		// Same tie-break as find/update/delete (§4.C.1, §4.C.4): a
		// candidate jsonb match or a non-indexed sort key both mean the
		// single-row SQL LIMIT 1 below could pick the wrong document, so
		// the full candidate set is fetched, rechecked/sorted in
		// process, and the first surviving document is taken instead.
		if frag.EngineFallback || (hasSort && sortFrag.EngineFallback) {
			sql := fmt.Sprintf("SELECT id, doc, doc_bson FROM %s WHERE %s ORDER BY id ASC", table, frag.Text)
			rows, err := ex.Execute(ctx, sql, frag.Params...)
			if err != nil {
				return nil, err
			}
			var docs []*bsondoc.Document
			for rows.Next() {
				doc, err := scanRow(rows)
				if err != nil {
					rows.Close()
					return nil, err
				}
				docs = append(docs, doc)
			}
			rows.Close()

			if frag.EngineFallback {
				docs = filterStrict(docs, frag.StrictChecks)
			}
			if hasSort {
				sortDocs(docs, sortKeysFromDoc(sortDoc))
			}
			if len(docs) > 0 {
				original = docs[0]
			}
		} else {
			sql := fmt.Sprintf("SELECT id, doc, doc_bson FROM %s WHERE %s", table, frag.Text)
			if hasSort {
				sql += " ORDER BY " + sortFrag.Text
			} else {
				sql += " ORDER BY id ASC"
			}
			sql += " LIMIT 1"

			rows, err := ex.Execute(ctx, sql, frag.Params...)
			if err != nil {
				return nil, err
			}
			if rows.Next() {
				original, err = scanRow(rows)
				if err != nil {
					rows.Close()
					return nil, err
				}
			}
			rows.Close()
		}

		var resultDoc *bsondoc.Document
		switch {
		case original == nil && remove:
			return bsondoc.NewDocument(bsondoc.Element{Key: "value", Value: nil}, bsondoc.Element{Key: "ok", Value: float64(1)}), nil
		case original == nil && !upsert:
			return bsondoc.NewDocument(bsondoc.Element{Key: "value", Value: nil}, bsondoc.Element{Key: "ok", Value: float64(1)}), nil
		case original == nil:
			created, err := buildUpsertDocument(query, update)
			if err != nil {
				return nil, err
			}
			js, err := docJSON(created)
			if err != nil {
				return nil, err
			}
			insertSQL := fmt.Sprintf("INSERT INTO %s (id, doc, doc_bson) VALUES ($1, $2::jsonb, $3)", table)
			if _, err := ex.Exec(ctx, insertSQL, idKeyBytes(created.Lookup("_id")), js, bsondoc.Encode(created)); err != nil {
				return nil, err
			}
			resultDoc = created
			if !returnNew {
				resultDoc = nil
			}
		case remove:
			delSQL := fmt.Sprintf("DELETE FROM %s WHERE id = $1", table)
			if _, err := ex.Exec(ctx, delSQL, idKeyBytes(original.Lookup("_id"))); err != nil {
				return nil, err
			}
			resultDoc = original
		default:
			oldSnapshot, _ := deepClone(original).(*bsondoc.Document)
			mutated, _, err := applyUpdateDocument(original, update)
			if err != nil {
				return nil, err
			}
			js, err := docJSON(mutated)
			if err != nil {
				return nil, err
			}
			updSQL := fmt.Sprintf("UPDATE %s SET doc = $1::jsonb, doc_bson = $2 WHERE id = $3", table)
			if _, err := ex.Exec(ctx, updSQL, js, bsondoc.Encode(mutated), idKeyBytes(mutated.Lookup("_id"))); err != nil {
				return nil, err
			}
			if returnNew {
				resultDoc = mutated
			} else {
				resultDoc = oldSnapshot
			}
		}

		if project != nil && project.Len() > 0 && resultDoc != nil {
			resultDoc, err = applyProjection(resultDoc, project)
			if err != nil {
				return nil, err
			}
		}

		var value bsondoc.Value
		if resultDoc != nil {
			value = resultDoc
		}
		return bsondoc.NewDocument(bsondoc.Element{Key: "value", Value: value}, bsondoc.Element{Key: "ok", Value: float64(1)}), nil
	})
}
