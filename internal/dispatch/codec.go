package dispatch

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/translator"
)

// idKeyBytes renders the backend's bytea primary key for a document's
// _id: the BSON encoding of a one-field wrapper document, so any BSON
// value kind (ObjectID, string, int, composite document, ...) gets a
// deterministic, order-preserving byte representation without needing
// a second, _id-specific codec.
func idKeyBytes(id bsondoc.Value) []byte {
	return bsondoc.Encode(bsondoc.NewDocument(bsondoc.Element{Key: "_id", Value: id}))
}

// ensureID stamps a fresh ObjectID onto doc if it carries no _id of its
// own, matching the reference server's insert-time default.
func ensureID(doc *bsondoc.Document) *bsondoc.Document {
	if !bsondoc.IsMissing(doc.Lookup("_id")) {
		return doc
	}
	elems := append([]bsondoc.Element{{Key: "_id", Value: bson.NewObjectID()}}, doc.Elements()...)
	return bsondoc.NewDocument(elems...)
}

// docJSON recomputes a document's jsonb projection directly from its
// decoded form, rather than asking Postgres to derive it from
// doc_bson, so the write path only needs one round trip per document.
func docJSON(doc *bsondoc.Document) (string, error) {
	plain, err := translator.ToJSONInterface(doc)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(plain)
	if err != nil {
		return "", oxerr.Wrap(oxerr.KindBackend, err, "failed to encode document as json")
	}
	return string(b), nil
}

// scanRow decodes one (id, doc, doc_bson) row into its authoritative
// bsondoc.Document form. Every query whose rows pass through here selects
// exactly these three columns, in this order; queries of another shape
// (counts, a pipeline's doc-only result) are read by other code.
func scanRow(rows pgx.Rows) (*bsondoc.Document, error) {
	var id, docJSON, docBSON []byte
	if err := rows.Scan(&id, &docJSON, &docBSON); err != nil {
		return nil, oxerr.Wrap(oxerr.KindBackend, err, "failed to scan row")
	}
	doc, _, err := bsondoc.Decode(docBSON)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// rowsProducer adapts a live pgx.Rows result set to cursor.Producer,
// applying an optional projection document to each row as it is
// decoded and peeking one row ahead so it can report "more" accurately
// without ever handing back a row it cannot also buffer.
type rowsProducer struct {
	rows    pgx.Rows
	project *bsondoc.Document
	pending *bsondoc.Document
}

func (p *rowsProducer) Next(ctx context.Context, n int) ([]*bsondoc.Document, bool, error) {
	var docs []*bsondoc.Document
	if p.pending != nil {
		docs = append(docs, p.pending)
		p.pending = nil
	}
	for len(docs) < n && p.rows.Next() {
		doc, err := p.decode()
		if err != nil {
			p.rows.Close()
			return nil, false, err
		}
		docs = append(docs, doc)
	}
	if err := p.rows.Err(); err != nil {
		p.rows.Close()
		return nil, false, err
	}
	if len(docs) == n && p.rows.Next() {
		doc, err := p.decode()
		if err != nil {
			p.rows.Close()
			return nil, false, err
		}
		p.pending = doc
	}
	more := p.pending != nil
	if !more {
		p.rows.Close()
	}
	return docs, more, nil
}

func (p *rowsProducer) decode() (*bsondoc.Document, error) {
	doc, err := scanRow(p.rows)
	if err != nil {
		return nil, err
	}
	if p.project != nil {
		return applyProjection(doc, p.project)
	}
	return doc, nil
}

func (p *rowsProducer) Close() { p.rows.Close() }
