package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// jsonRowsProducer adapts a pipeline result set that only carries a
// "doc" jsonb column to cursor.Producer, reconstructing documents from
// that column instead of doc_bson. Every pushdown CTE beyond the base
// table drops doc_bson, and some (e.g. $group, $count, $sortByCount,
// $bucket) don't carry an id column either, since they fold many input
// rows into fewer/different output rows with no natural per-row id —
// so this producer only ever reads the one column every pushdown stage
// is guaranteed to produce. Reconstructing from jsonb loses
// BSON-specific kinds (ObjectID, Decimal128, DateTime, …) that were not
// carried through the reshape, which is an accepted, documented
// trade-off of running aggregation on top of the jsonb projection
// rather than a separate BSON-aware expression evaluator.
type jsonRowsProducer struct {
	rows    pgx.Rows
	pending *bsondoc.Document
}

func (p *jsonRowsProducer) Next(ctx context.Context, n int) ([]*bsondoc.Document, bool, error) {
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

func (p *jsonRowsProducer) decode() (*bsondoc.Document, error) {
	var doc []byte
	if err := p.rows.Scan(&doc); err != nil {
		return nil, oxerr.Wrap(oxerr.KindBackend, err, "scan row")
	}
	return parseJSONDocument(doc)
}

func (p *jsonRowsProducer) Close() { p.rows.Close() }

// parseJSONDocument decodes a jsonb object into a bsondoc.Document,
// preserving key order by walking encoding/json's token stream
// directly rather than unmarshaling into a Go map (which would
// randomize key order).
func parseJSONDocument(raw []byte) (*bsondoc.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	v, err := decodeJSONToken(dec)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.KindBackend, err, "failed to decode jsonb result")
	}
	doc, ok := v.(*bsondoc.Document)
	if !ok {
		return nil, oxerr.New(oxerr.KindBackend, "expected a jsonb object at row")
	}
	return doc, nil
}

func decodeJSONToken(dec *json.Decoder) (bsondoc.Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			doc := bsondoc.NewDocument()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := keyTok.(string)
				val, err := decodeJSONToken(dec)
				if err != nil {
					return nil, err
				}
				doc.Append(key, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return doc, nil
		case '[':
			arr := bsondoc.NewArray()
			for dec.More() {
				val, err := decodeJSONToken(dec)
				if err != nil {
					return nil, err
				}
				arr.Append(val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("unexpected json delimiter %v", t)
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case string:
		return t, nil
	case bool:
		return t, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected json token %T", tok)
	}
}
