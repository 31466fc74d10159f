package dispatch

import (
	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// applyProjection applies an inclusion/exclusion projection directly
// to a decoded document rather than through translator.CompileProjection's
// SQL jsonb_build_object form, so the result keeps doc_bson's exact
// BSON types and key order instead of round-tripping through the
// jsonb column. CompileProjection's SQL path is still exercised by the
// aggregation pipeline's $project pushdown (compileProjectStage),
// which legitimately needs to run inside a CTE chain.
//
// Computed-field expressions ($project operators beyond plain
// inclusion/exclusion) are not evaluated here; a projection field whose
// value is not itself a truthy/falsy flag is treated as an inclusion of
// the raw stored field, matching find's historical fields-only
// projection semantics rather than aggregate's full expression
// language.
func applyProjection(doc *bsondoc.Document, projection *bsondoc.Document) (*bsondoc.Document, error) {
	if projection == nil || projection.Len() == 0 {
		return doc, nil
	}

	includeID := true
	sawInclude, sawExclude := false, false
	fields := map[string]bool{}
	var order []string

	for _, el := range projection.Elements() {
		if el.Key == "_id" {
			if truth, ok := boolTruth(el.Value); ok {
				includeID = truth
			}
			continue
		}
		truth, ok := boolTruth(el.Value)
		if !ok {
			truth = true
		}
		if truth {
			sawInclude = true
		} else {
			sawExclude = true
		}
		fields[el.Key] = truth
		order = append(order, el.Key)
	}
	if sawInclude && sawExclude {
		return nil, oxerr.New(oxerr.KindBadProjection, "projection cannot mix inclusion and exclusion besides _id")
	}

	out := bsondoc.NewDocument()
	if includeID {
		if v := doc.Lookup("_id"); !bsondoc.IsMissing(v) {
			out.Append("_id", v)
		}
	}

	if sawExclude {
		for _, el := range doc.Elements() {
			if el.Key == "_id" {
				continue
			}
			if fields[el.Key] {
				continue
			}
			out.Append(el.Key, el.Value)
		}
		return out, nil
	}

	for _, key := range order {
		if !fields[key] {
			continue
		}
		if v := bsondoc.Get(doc, key); !bsondoc.IsMissing(v) {
			out.Append(key, v)
		}
	}
	return out, nil
}

func boolTruth(v bsondoc.Value) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int32:
		return x != 0, true
	case int64:
		return x != 0, true
	case float64:
		return x != 0, true
	default:
		return false, false
	}
}
