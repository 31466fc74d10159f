package dispatch

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/wire"
)

// executor is satisfied by both *storage.Pool and *storage.Txn, so
// every handler below can run the same SQL text whether or not the
// calling session has a transaction pinned (§4.F).
type executor interface {
	Execute(ctx context.Context, sql string, params ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, params ...any) (int64, error)
}

// dbOf returns the target database name: the OP_MSG "$db" field for
// modern requests, or the database component of the legacy request's
// fullCollectionName.
func dbOf(cmd *wire.Command) string {
	if db, ok := cmd.Body.Lookup("$db").(string); ok {
		return db
	}
	if cmd.Legacy {
		if i := strings.IndexByte(cmd.FullCollectionName, '.'); i >= 0 {
			return cmd.FullCollectionName[:i]
		}
	}
	return ""
}

// collArg returns the command's own value, which for every CRUD and
// collection-admin command is the target collection name.
func collArg(cmd *wire.Command) (string, bool) {
	v, ok := cmd.Body.Lookup(cmd.CommandName()).(string)
	return v, ok
}

func sessionIDOf(cmd *wire.Command) string {
	lsid, ok := cmd.Body.Lookup("lsid").(*bsondoc.Document)
	if !ok {
		return ""
	}
	switch id := lsid.Lookup("id").(type) {
	case bsondoc.Binary:
		return string(id.Data)
	case string:
		return id
	default:
		return ""
	}
}

func txnNumberOf(cmd *wire.Command) (int64, bool) {
	return int64Field(cmd.Body, "txnNumber")
}

func boolField(doc *bsondoc.Document, key string, def bool) bool {
	v := doc.Lookup(key)
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func int64Field(doc *bsondoc.Document, key string) (int64, bool) {
	switch v := doc.Lookup(key).(type) {
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func intFieldDefault(doc *bsondoc.Document, key string, def int) int {
	if n, ok := int64Field(doc, key); ok {
		return int(n)
	}
	return def
}

func int64ArrayField(doc *bsondoc.Document, key string) []int64 {
	arr, ok := doc.Lookup(key).(*bsondoc.Array)
	if !ok {
		return nil
	}
	out := make([]int64, 0, arr.Len())
	for _, item := range arr.Items() {
		switch v := item.(type) {
		case int32:
			out = append(out, int64(v))
		case int64:
			out = append(out, v)
		case float64:
			out = append(out, int64(v))
		}
	}
	return out
}

func int64ArrayToArray(vals []int64) *bsondoc.Array {
	items := make([]bsondoc.Value, len(vals))
	for i, v := range vals {
		items[i] = v
	}
	return bsondoc.NewArray(items...)
}

func docsToArray(docs []*bsondoc.Document) *bsondoc.Array {
	items := make([]bsondoc.Value, len(docs))
	for i, d := range docs {
		items[i] = d
	}
	return bsondoc.NewArray(items...)
}

func cursorReply(db, coll string, cursorID int64, batch []*bsondoc.Document) *bsondoc.Document {
	return bsondoc.NewDocument(
		bsondoc.Element{Key: "cursor", Value: bsondoc.NewDocument(
			bsondoc.Element{Key: "firstBatch", Value: docsToArray(batch)},
			bsondoc.Element{Key: "id", Value: cursorID},
			bsondoc.Element{Key: "ns", Value: db + "." + coll},
		)},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	)
}

func emptyCursorReply(db, coll string) *bsondoc.Document {
	return cursorReply(db, coll, 0, nil)
}

// deepClone copies a document or array value recursively, so a caller
// can snapshot it before an in-place mutator like applyUpdateDocument
// walks over the original.
func deepClone(v bsondoc.Value) bsondoc.Value {
	switch x := v.(type) {
	case *bsondoc.Document:
		elems := make([]bsondoc.Element, x.Len())
		for i, e := range x.Elements() {
			elems[i] = bsondoc.Element{Key: e.Key, Value: deepClone(e.Value)}
		}
		return bsondoc.NewDocument(elems...)
	case *bsondoc.Array:
		items := make([]bsondoc.Value, x.Len())
		for i, it := range x.Items() {
			items[i] = deepClone(it)
		}
		return bsondoc.NewArray(items...)
	default:
		return v
	}
}

func filterOutKey(elems []bsondoc.Element, key string) []bsondoc.Element {
	out := make([]bsondoc.Element, 0, len(elems))
	for _, e := range elems {
		if e.Key == key {
			continue
		}
		out = append(out, e)
	}
	return out
}

func writeErrorDoc(index int, err error) *bsondoc.Document {
	oe, ok := err.(*oxerr.Error)
	if !ok {
		oe = oxerr.Wrap(oxerr.KindBackend, err, "write failed")
	}
	return bsondoc.NewDocument(
		bsondoc.Element{Key: "index", Value: int32(index)},
		bsondoc.Element{Key: "code", Value: oe.Code()},
		bsondoc.Element{Key: "errmsg", Value: oe.Error()},
	)
}
