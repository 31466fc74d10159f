package translator

import (
	"fmt"
	"strings"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// CompileSort compiles a sort document into an ORDER BY clause body,
// always appending the primary-key tiebreak for deterministic paging
// (§4.C.4). Each key casts its text accessor to numeric; there is no
// text-comparison form, so a key holding strings makes the statement
// fail when run. The translator does not probe the collection for a
// per-key type, so every key not named in indexedKeys marks the
// fragment engine-fallback-required.
func CompileSort(sort *bsondoc.Document, indexedKeys map[string]bool) (*SqlFragment, error) {
	var clauses []string
	fallback := false

	if sort != nil {
		for _, el := range sort.Elements() {
			dir, ok := sortDirection(el.Value)
			if !ok {
				return nil, oxerr.New(oxerr.KindBadProjection, "sort value for %q must be 1 or -1", el.Key)
			}
			if !indexedKeys[el.Key] {
				fallback = true
			}
			cast := fmt.Sprintf("(%s)::numeric", jsonbTextChain("doc", el.Key))
			clauses = append(clauses, fmt.Sprintf("%s %s", cast, dir))
		}
	}
	clauses = append(clauses, "id ASC")

	return &SqlFragment{
		Text:           strings.Join(clauses, ", "),
		Shape:          ShapeOrderByClause,
		EngineFallback: fallback,
	}, nil
}

func sortDirection(v bsondoc.Value) (string, bool) {
	n, ok := asInt(v)
	if !ok {
		return "", false
	}
	switch n {
	case 1:
		return "ASC", true
	case -1:
		return "DESC", true
	default:
		return "", false
	}
}
