package translator

import (
	"fmt"
	"strings"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// CompileProjection compiles inclusion/exclusion/computed-field
// projections into a jsonb expression that rebuilds the result
// document (§4.C.3). An empty/nil projection passes the stored
// document through unchanged.
func CompileProjection(projection *bsondoc.Document) (*SqlFragment, error) {
	if projection == nil || projection.Len() == 0 {
		return &SqlFragment{Text: "doc", Shape: ShapeColumnList}, nil
	}

	mode, err := projectionMode(projection)
	if err != nil {
		return nil, err
	}
	if mode == modeExclusion {
		return compileExclusion(projection), nil
	}
	return compileInclusion(projection), nil
}

type projectionMode int

const (
	modeInclusion projectionMode = iota
	modeExclusion
)

// projectionMode inspects every non-_id key: a mix of include (1/true)
// and exclude (0/false) values fails with BadProjection (§4.C.3).
func projectionMode(projection *bsondoc.Document) (projectionMode, error) {
	sawInclude, sawExclude := false, false
	for _, el := range projection.Elements() {
		if el.Key == "_id" {
			continue
		}
		include, ok := projectionTruth(el.Value)
		if !ok {
			// A computed-field expression (document/array) counts as an
			// inclusion for mode purposes.
			sawInclude = true
			continue
		}
		if include {
			sawInclude = true
		} else {
			sawExclude = true
		}
	}
	if sawInclude && sawExclude {
		return 0, oxerr.New(oxerr.KindBadProjection, "projection cannot mix inclusion and exclusion (other than _id)")
	}
	if sawExclude {
		return modeExclusion, nil
	}
	return modeInclusion, nil
}

func projectionTruth(v bsondoc.Value) (include bool, ok bool) {
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

func compileInclusion(projection *bsondoc.Document) *SqlFragment {
	includeID := true
	var fields []bsondoc.Element
	for _, el := range projection.Elements() {
		if el.Key == "_id" {
			if include, ok := projectionTruth(el.Value); ok {
				includeID = include
			}
			continue
		}
		fields = append(fields, el)
	}

	var parts []string
	if includeID {
		parts = append(parts, "'_id', doc->'_id'")
	}
	fallback := false
	for _, el := range fields {
		if include, ok := projectionTruth(el.Value); ok && !include {
			continue
		}
		if _, ok := el.Value.(*bsondoc.Document); ok {
			// Computed-field expression: fall back to the engine, where the
			// full pipeline-expression evaluator already lives (§4.C.5).
			fallback = true
		}
		parts = append(parts, fmt.Sprintf("%s, %s", quoteSQLLiteral(el.Key), jsonbArrowChain("doc", el.Key)))
	}
	text := fmt.Sprintf("jsonb_build_object(%s)", strings.Join(parts, ", "))
	return &SqlFragment{Text: text, Shape: ShapeColumnList, EngineFallback: fallback}
}

func compileExclusion(projection *bsondoc.Document) *SqlFragment {
	expr := "doc"
	for _, el := range projection.Elements() {
		if include, ok := projectionTruth(el.Value); ok && include {
			continue
		}
		expr = fmt.Sprintf("%s #- %s", expr, pgPathArray(el.Key))
	}
	return &SqlFragment{Text: expr, Shape: ShapeColumnList}
}
