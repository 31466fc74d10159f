package dispatch

import (
	"context"
	"sort"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/translator"
)

// sliceProducer serves a fully-materialized, already-ordered document
// slice through cursor.Producer, the counterpart to rowsProducer for
// result sets that had to be sorted or strict-rechecked in process
// (§4.C.1, §4.C.4) before skip/limit could be applied.
type sliceProducer struct {
	docs    []*bsondoc.Document
	project *bsondoc.Document
}

func (p *sliceProducer) Next(ctx context.Context, n int) ([]*bsondoc.Document, bool, error) {
	if n <= 0 || n > len(p.docs) {
		n = len(p.docs)
	}
	batch := p.docs[:n]
	p.docs = p.docs[n:]
	if p.project != nil {
		out := make([]*bsondoc.Document, len(batch))
		for i, doc := range batch {
			projected, err := applyProjection(doc, p.project)
			if err != nil {
				return nil, false, err
			}
			out[i] = projected
		}
		batch = out
	}
	return batch, len(p.docs) > 0, nil
}

func (p *sliceProducer) Close() {}

// filterStrict drops every candidate row that fails at least one of
// frag's StrictChecks — the §4.C.1 tie-break recheck for predicates
// jsonb cannot evaluate precisely, chiefly cross-type numeric equality
// (int32 2 vs double 2.0 collapse to the same jsonb number, so the SQL
// predicate that produced docs is a safe superset, never a subset).
func filterStrict(docs []*bsondoc.Document, checks []translator.StrictCheck) []*bsondoc.Document {
	if len(checks) == 0 {
		return docs
	}
	out := docs[:0]
	for _, d := range docs {
		if passesStrictChecks(d, checks) {
			out = append(out, d)
		}
	}
	return out
}

func passesStrictChecks(doc *bsondoc.Document, checks []translator.StrictCheck) bool {
	for _, ck := range checks {
		if !matchesStrictCheck(doc, ck) {
			return false
		}
	}
	return true
}

func matchesStrictCheck(doc *bsondoc.Document, ck translator.StrictCheck) bool {
	resolved := bsondoc.Get(doc, ck.Field)
	hit := strictEqualsAny(resolved, ck.Values)
	if !hit {
		if arr, ok := resolved.(*bsondoc.Array); ok {
			for _, item := range arr.Items() {
				if strictEqualsAny(item, ck.Values) {
					hit = true
					break
				}
			}
		}
	}
	if ck.Negate {
		return !hit
	}
	return hit
}

func strictEqualsAny(v bsondoc.Value, candidates []any) bool {
	for _, want := range candidates {
		if strictNumericEqual(v, want) {
			return true
		}
	}
	return false
}

// strictNumericEqual reports whether a and b are both numeric, share
// the same "integer vs floating-point" class, and agree on value — the
// default strict-typing rule (§4.C.6): 2 and 2.0 compare unequal.
func strictNumericEqual(a, b bsondoc.Value) bool {
	af, aKind, aok := numericClass(a)
	bf, bKind, bok := numericClass(b)
	return aok && bok && aKind == bKind && af == bf
}

func numericClass(v bsondoc.Value) (value float64, kind int, ok bool) {
	switch x := v.(type) {
	case int32:
		return float64(x), 0, true
	case int64:
		return float64(x), 0, true
	case float64:
		return x, 1, true
	default:
		return 0, 0, false
	}
}

// sortKey is one {field: 1|-1} entry from a find/findAndModify sort
// document.
type sortKey struct {
	field string
	desc  bool
}

func sortKeysFromDoc(doc *bsondoc.Document) []sortKey {
	if doc == nil {
		return nil
	}
	keys := make([]sortKey, 0, doc.Len())
	for _, el := range doc.Elements() {
		n, _ := asIntValue(el.Value)
		keys = append(keys, sortKey{field: el.Key, desc: n < 0})
	}
	return keys
}

func asIntValue(v bsondoc.Value) (int64, bool) {
	switch x := v.(type) {
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

// sortDocs orders docs in place per keys, the engine-side counterpart
// to CompileSort's ORDER BY when the translator marks a sort
// engine-fallback-required (§4.C.4) — a sort key without a backing
// expression index, or one whose numeric cast would fail outright
// against non-numeric data in the collection.
func sortDocs(docs []*bsondoc.Document, keys []sortKey) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			c := compareBSON(bsondoc.Get(docs[i], k.field), bsondoc.Get(docs[j], k.field))
			if c == 0 {
				continue
			}
			if k.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// bsonRank orders value kinds the way the reference server's sort does
// for mixed-type collections: absent/null sort lowest, then numbers,
// strings, documents, arrays, booleans, then everything else grouped together
// (OxideDB collections rarely mix exotic BSON kinds on one sort key, so
// a coarse bucket for the rest is enough to stay deterministic).
func bsonRank(v bsondoc.Value) int {
	if bsondoc.IsMissing(v) || bsondoc.IsNull(v) {
		return 0
	}
	switch v.(type) {
	case int32, int64, float64:
		return 1
	case string:
		return 2
	case *bsondoc.Document:
		return 3
	case *bsondoc.Array:
		return 4
	case bool:
		return 5
	default:
		return 6
	}
}

func compareBSON(a, b bsondoc.Value) int {
	ra, rb := bsonRank(a), bsonRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		af, _, _ := numericClass(a)
		bf, _, _ := numericClass(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case 2:
		as, _ := a.(string)
		bs, _ := b.(string)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	case 5:
		ab, _ := a.(bool)
		bb, _ := b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	default:
		return 0
	}
}
