package translator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// StageKind says whether a pipeline stage compiles straight to SQL
// (pushdown) or must run in process over streamed batches (engine),
// per §4.C.5.
type StageKind int

const (
	StagePushdown StageKind = iota
	StageEngine
)

// pushdownStages names every aggregation stage the compiler turns
// into SQL outright. $lookup's pushdown-ability depends on its
// arguments and is classified separately.
var pushdownStages = map[string]bool{
	"$match": true, "$project": true, "$set": true, "$addFields": true,
	"$unset": true, "$sort": true, "$limit": true, "$skip": true,
	"$unwind": true, "$group": true, "$replaceRoot": true, "$replaceWith": true,
	"$count": true, "$sample": true, "$sortByCount": true, "$bucket": true,
}

// CTE is one named common table expression in a pushdown segment's
// chain. EngineFallback marks a CTE whose predicate is only a
// pushdown candidate (e.g. a $match containing a cross-type numeric
// comparison) that the caller must re-check over the rows it gets back.
type CTE struct {
	Name           string
	SQL            string
	EngineFallback bool
}

// Segment is a run of consecutive stages. A pushdown segment is a
// maximal run of pushdown stages and carries a linear CTE chain; an
// engine segment starts at the first engine-only stage, runs to the end
// of the pipeline, and carries the raw stage documents for the
// in-process evaluator. Early match
// and project stages are always pushed even when a later stage forces
// an engine segment (§4.C.5).
type Segment struct {
	Kind   StageKind
	CTEs   []CTE
	Stages []*bsondoc.Document
}

// Plan is a compiled aggregation pipeline.
type Plan struct {
	Segments []Segment
	Params   []any
}

// pipelineCompiler accumulates parameters across the whole pipeline so
// every pushdown segment's placeholders stay correctly numbered.
type pipelineCompiler struct {
	params []any
}

func (c *pipelineCompiler) bind(v any) string {
	c.params = append(c.params, v)
	return fmt.Sprintf("$%d", len(c.params))
}

var paramRef = regexp.MustCompile(`\$(\d+)`)

// mergeFragment folds a sub-compiled SqlFragment's own $1, $2, ...
// parameters into the pipeline's running parameter list, renumbering
// its placeholders by the current offset.
func mergeFragment(c *pipelineCompiler, frag *SqlFragment) string {
	offset := len(c.params)
	c.params = append(c.params, frag.Params...)
	if offset == 0 {
		return frag.Text
	}
	return paramRef.ReplaceAllStringFunc(frag.Text, func(m string) string {
		n, _ := strconv.Atoi(m[1:])
		return fmt.Sprintf("$%d", n+offset)
	})
}

// CompileAggregationPipeline compiles a pipeline into a Plan.
// baseRelation names the SQL relation (typically the collection's
// table, aliased) the first pushdown segment reads from.
func CompileAggregationPipeline(stages []*bsondoc.Document, baseRelation string) (*Plan, error) {
	c := &pipelineCompiler{}
	plan := &Plan{}
	source := baseRelation

	i := 0
	for i < len(stages) {
		if classifyStage(stages[i]) == StageEngine {
			// Engine output never feeds back into SQL, so every stage from
			// the first engine-only one onward runs in the engine segment.
			plan.Segments = append(plan.Segments, Segment{Kind: StageEngine, Stages: stages[i:]})
			break
		}

		var ctes []CTE
		for i < len(stages) && classifyStage(stages[i]) == StagePushdown {
			cteName := fmt.Sprintf("stage_%d", len(plan.Segments)+len(ctes))
			sql, fallback, err := compilePushdownStage(c, source, stages[i])
			if err != nil {
				return nil, err
			}
			ctes = append(ctes, CTE{Name: cteName, SQL: sql, EngineFallback: fallback})
			source = cteName
			i++
		}
		plan.Segments = append(plan.Segments, Segment{Kind: StagePushdown, CTEs: ctes})
	}

	plan.Params = c.params
	return plan, nil
}

func classifyStage(stage *bsondoc.Document) StageKind {
	if stage == nil || stage.Len() == 0 {
		return StageEngine
	}
	name := stage.Elements()[0].Key
	if name == "$lookup" {
		if isEqualityLookup(stage.Elements()[0].Value) {
			return StagePushdown
		}
		return StageEngine
	}
	if pushdownStages[name] {
		return StagePushdown
	}
	return StageEngine
}

func isEqualityLookup(v bsondoc.Value) bool {
	doc, ok := v.(*bsondoc.Document)
	if !ok {
		return false
	}
	_, hasLocal := doc.Lookup("localField").(string)
	_, hasForeign := doc.Lookup("foreignField").(string)
	return hasLocal && hasForeign
}

func compilePushdownStage(c *pipelineCompiler, source string, stage *bsondoc.Document) (sql string, fallback bool, err error) {
	el := stage.Elements()[0]
	switch el.Key {
	case "$match":
		return compileMatchStage(c, source, el.Value)
	case "$project":
		sql, err = compileProjectStage(source, el.Value)
		return sql, false, err
	case "$set", "$addFields":
		sql, err = compileSetStage(source, el.Value)
		return sql, false, err
	case "$unset":
		sql, err = compileUnsetStage(source, el.Value)
		return sql, false, err
	case "$sort":
		return compileSortStage(source, el.Value)
	case "$limit":
		sql, err = compileLimitStage(source, el.Value)
		return sql, false, err
	case "$skip":
		sql, err = compileSkipStage(source, el.Value)
		return sql, false, err
	case "$unwind":
		sql, err = compileUnwindStage(source, el.Value)
		return sql, false, err
	case "$group":
		sql, err = compileGroupStage(source, el.Value)
		return sql, false, err
	case "$replaceRoot", "$replaceWith":
		sql, err = compileReplaceRootStage(source, el.Value, el.Key == "$replaceWith")
		return sql, false, err
	case "$count":
		sql, err = compileCountStage(source, el.Value)
		return sql, false, err
	case "$sample":
		sql, err = compileSampleStage(source, el.Value)
		return sql, false, err
	case "$sortByCount":
		sql, err = compileSortByCountStage(source, el.Value)
		return sql, false, err
	case "$bucket":
		sql, err = compileBucketStage(source, el.Value)
		return sql, false, err
	case "$lookup":
		sql, err = compileLookupStage(source, el.Value)
		return sql, false, err
	default:
		return "", false, oxerr.New(oxerr.KindBadProjection, "stage %q is not pushdown-compilable", el.Key)
	}
}

func compileMatchStage(c *pipelineCompiler, source string, v bsondoc.Value) (string, bool, error) {
	doc, ok := v.(*bsondoc.Document)
	if !ok {
		return "", false, oxerr.New(oxerr.KindBadProjection, "$match requires a document")
	}
	frag, err := CompileFilter(doc)
	if err != nil {
		return "", false, err
	}
	cond := mergeFragment(c, frag)
	return fmt.Sprintf("SELECT * FROM %s WHERE %s", source, cond), frag.EngineFallback, nil
}

func compileSortStage(source string, v bsondoc.Value) (string, bool, error) {
	doc, ok := v.(*bsondoc.Document)
	if !ok {
		return "", false, oxerr.New(oxerr.KindBadProjection, "$sort requires a document")
	}
	frag, err := CompileSort(doc, nil)
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf("SELECT * FROM %s ORDER BY %s", source, frag.Text), frag.EngineFallback, nil
}

func compileProjectStage(source string, v bsondoc.Value) (string, error) {
	doc, ok := v.(*bsondoc.Document)
	if !ok {
		return "", oxerr.New(oxerr.KindBadProjection, "$project requires a document")
	}
	frag, err := CompileProjection(doc)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT id, (%s) AS doc FROM %s", frag.Text, source), nil
}

func compileSetStage(source string, v bsondoc.Value) (string, error) {
	fields, ok := v.(*bsondoc.Document)
	if !ok {
		return "", oxerr.New(oxerr.KindBadProjection, "$set/$addFields requires a document")
	}
	expr := "doc"
	for _, el := range fields.Elements() {
		literal, err := compileExprValue(el.Value)
		if err != nil {
			return "", err
		}
		expr = fmt.Sprintf("jsonb_set(%s, %s, %s, true)", expr, pgPathArray(el.Key), literal)
	}
	return fmt.Sprintf("SELECT id, %s AS doc FROM %s", expr, source), nil
}

func compileUnsetStage(source string, v bsondoc.Value) (string, error) {
	var names []string
	switch x := v.(type) {
	case string:
		names = []string{x}
	case *bsondoc.Array:
		for _, item := range x.Items() {
			s, ok := item.(string)
			if !ok {
				return "", oxerr.New(oxerr.KindBadProjection, "$unset array must contain field name strings")
			}
			names = append(names, s)
		}
	default:
		return "", oxerr.New(oxerr.KindBadProjection, "$unset requires a string or array of strings")
	}
	expr := "doc"
	for _, n := range names {
		expr = fmt.Sprintf("%s #- %s", expr, pgPathArray(n))
	}
	return fmt.Sprintf("SELECT id, %s AS doc FROM %s", expr, source), nil
}

func compileLimitStage(source string, v bsondoc.Value) (string, error) {
	n, ok := asInt(v)
	if !ok {
		return "", oxerr.New(oxerr.KindBadProjection, "$limit requires a numeric operand")
	}
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", source, n), nil
}

func compileSkipStage(source string, v bsondoc.Value) (string, error) {
	n, ok := asInt(v)
	if !ok {
		return "", oxerr.New(oxerr.KindBadProjection, "$skip requires a numeric operand")
	}
	return fmt.Sprintf("SELECT * FROM %s OFFSET %d", source, n), nil
}

// compileUnwindStage turns an array field into a lateral expansion,
// one output row per element (§4.C.5).
func compileUnwindStage(source string, v bsondoc.Value) (string, error) {
	var path string
	preserveEmpty := false
	includeIndex := ""

	switch x := v.(type) {
	case string:
		path = strings.TrimPrefix(x, "$")
	case *bsondoc.Document:
		p, ok := x.Lookup("path").(string)
		if !ok {
			return "", oxerr.New(oxerr.KindBadProjection, "$unwind requires a path")
		}
		path = strings.TrimPrefix(p, "$")
		if b, ok := x.Lookup("preserveNullAndEmptyArrays").(bool); ok {
			preserveEmpty = b
		}
		if idx, ok := x.Lookup("includeArrayIndex").(string); ok {
			includeIndex = idx
		}
	default:
		return "", oxerr.New(oxerr.KindBadProjection, "$unwind requires a string or document")
	}

	arrAccessor := jsonbArrowChain("b.doc", path)
	join := "JOIN"
	if preserveEmpty {
		join = "LEFT JOIN"
	}

	newDoc := fmt.Sprintf("jsonb_set(b.doc, %s, w.elem, true)", pgPathArray(path))
	if includeIndex != "" {
		newDoc = fmt.Sprintf("jsonb_set(%s, %s, to_jsonb(w.ord - 1), true)", newDoc, pgPathArray(includeIndex))
	}

	return fmt.Sprintf(
		"SELECT b.id, %s AS doc FROM %s b %s LATERAL jsonb_array_elements(COALESCE(%s, '[]'::jsonb)) WITH ORDINALITY AS w(elem, ord) ON true",
		newDoc, source, join, arrAccessor,
	), nil
}

func compileGroupStage(source string, v bsondoc.Value) (string, error) {
	doc, ok := v.(*bsondoc.Document)
	if !ok {
		return "", oxerr.New(oxerr.KindBadProjection, "$group requires a document")
	}
	groupExpr, err := compileGroupKeyExpr(doc.Lookup("_id"))
	if err != nil {
		return "", err
	}

	fieldExprs := []string{"'_id', grp_id"}
	for _, el := range doc.Elements() {
		if el.Key == "_id" {
			continue
		}
		accDoc, ok := el.Value.(*bsondoc.Document)
		if !ok || accDoc.Len() != 1 {
			return "", oxerr.New(oxerr.KindBadProjection, "$group field %q must name exactly one accumulator", el.Key)
		}
		accEl := accDoc.Elements()[0]
		accSQL, err := compileAccumulator(accEl.Key, accEl.Value)
		if err != nil {
			return "", err
		}
		fieldExprs = append(fieldExprs, fmt.Sprintf("%s, %s", quoteSQLLiteral(el.Key), accSQL))
	}

	inner := fmt.Sprintf("SELECT id, doc, (%s) AS grp_id FROM %s", groupExpr, source)
	return fmt.Sprintf("SELECT jsonb_build_object(%s) AS doc FROM (%s) t GROUP BY grp_id", strings.Join(fieldExprs, ", "), inner), nil
}

func compileGroupKeyExpr(v bsondoc.Value) (string, error) {
	if bsondoc.IsMissing(v) || bsondoc.IsNull(v) {
		return "'null'::jsonb", nil
	}
	switch x := v.(type) {
	case *bsondoc.Document:
		var parts []string
		for _, el := range x.Elements() {
			sub, err := compileExprValue(el.Value)
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%s, %s", quoteSQLLiteral(el.Key), sub))
		}
		return fmt.Sprintf("jsonb_build_object(%s)", strings.Join(parts, ", ")), nil
	default:
		return compileExprValue(x)
	}
}

// compileExprValue gives minimal pipeline-expression support: a
// "$field" reference resolves to that field's jsonb accessor, and
// anything else compiles as a literal. Richer expression operators
// ($concat, $cond, arithmetic, ...) are not pushdown-compiled; a stage
// using one should be classified for the engine instead.
func compileExprValue(v bsondoc.Value) (string, error) {
	if s, ok := v.(string); ok && strings.HasPrefix(s, "$") {
		return jsonbArrowChain("doc", strings.TrimPrefix(s, "$")), nil
	}
	return bindLiteralInline(v)
}

// bindLiteralInline embeds a value as a SQL jsonb literal rather than
// a bound parameter: pipeline stage arguments sit inside a larger
// generated statement assembled per aggregate request, not reused
// across calls, so there is no prepared-statement cache benefit to
// parameter binding here. Escaping goes through encoding/json followed
// by single-quote doubling, the same path the filter/update compilers
// use for nested literals.
func bindLiteralInline(v bsondoc.Value) (string, error) {
	plain, err := toJSONInterface(v)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(plain)
	if err != nil {
		return "", oxerr.Wrap(oxerr.KindBadProjection, err, "failed to encode literal")
	}
	return quoteSQLLiteral(string(encoded)) + "::jsonb", nil
}

func compileAccumulator(op string, arg bsondoc.Value) (string, error) {
	switch op {
	case "$sum":
		if isLiteralScalar(arg) {
			n, _ := asInt(arg)
			return fmt.Sprintf("to_jsonb(count(*) * %d)", n), nil
		}
		expr, err := compileExprValue(arg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("to_jsonb(sum((%s #>> '{}')::numeric))", expr), nil
	case "$avg":
		expr, err := compileExprValue(arg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("to_jsonb(avg((%s #>> '{}')::numeric))", expr), nil
	case "$min":
		expr, err := compileExprValue(arg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("min(%s)", expr), nil
	case "$max":
		expr, err := compileExprValue(arg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("max(%s)", expr), nil
	case "$push":
		expr, err := compileExprValue(arg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("jsonb_agg(%s)", expr), nil
	case "$addToSet":
		expr, err := compileExprValue(arg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("jsonb_agg(DISTINCT %s)", expr), nil
	case "$first":
		expr, err := compileExprValue(arg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(array_agg(%s))[1]", expr), nil
	case "$last":
		expr, err := compileExprValue(arg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(array_agg(%s))[array_length(array_agg(%s), 1)]", expr, expr), nil
	case "$count":
		return "to_jsonb(count(*))", nil
	default:
		return "", oxerr.New(oxerr.KindBadProjection, "unsupported group accumulator %q", op)
	}
}

func isLiteralScalar(v bsondoc.Value) bool {
	switch v.(type) {
	case int32, int64, float64:
		return true
	default:
		return false
	}
}

func compileReplaceRootStage(source string, v bsondoc.Value, isReplaceWith bool) (string, error) {
	var target bsondoc.Value
	if isReplaceWith {
		target = v
	} else {
		doc, ok := v.(*bsondoc.Document)
		if !ok {
			return "", oxerr.New(oxerr.KindBadProjection, "$replaceRoot requires a document with newRoot")
		}
		target = doc.Lookup("newRoot")
		if bsondoc.IsMissing(target) {
			return "", oxerr.New(oxerr.KindBadProjection, "$replaceRoot requires newRoot")
		}
	}
	expr, err := compileGroupKeyExpr(target)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT id, %s AS doc FROM %s", expr, source), nil
}

func compileCountStage(source string, v bsondoc.Value) (string, error) {
	name, ok := v.(string)
	if !ok || name == "" {
		return "", oxerr.New(oxerr.KindBadProjection, "$count requires a non-empty field name string")
	}
	return fmt.Sprintf("SELECT jsonb_build_object(%s, to_jsonb(count(*))) AS doc FROM %s", quoteSQLLiteral(name), source), nil
}

func compileSampleStage(source string, v bsondoc.Value) (string, error) {
	doc, ok := v.(*bsondoc.Document)
	if !ok {
		return "", oxerr.New(oxerr.KindBadProjection, "$sample requires a document")
	}
	n, ok := asInt(doc.Lookup("size"))
	if !ok {
		return "", oxerr.New(oxerr.KindBadProjection, "$sample requires a numeric size")
	}
	return fmt.Sprintf("SELECT * FROM %s ORDER BY random() LIMIT %d", source, n), nil
}

// compileSortByCountStage desugars to group-by-key-then-sort-by-count,
// mirroring the reference stage's documented expansion (§4.C.5).
func compileSortByCountStage(source string, v bsondoc.Value) (string, error) {
	expr, err := compileGroupKeyExpr(v)
	if err != nil {
		return "", err
	}
	inner := fmt.Sprintf("SELECT grp_id, count(*) AS cnt FROM (SELECT id, doc, (%s) AS grp_id FROM %s) t GROUP BY grp_id", expr, source)
	return fmt.Sprintf("SELECT jsonb_build_object('_id', grp_id, 'count', to_jsonb(cnt)) AS doc FROM (%s) g ORDER BY cnt DESC", inner), nil
}

func compileBucketStage(source string, v bsondoc.Value) (string, error) {
	doc, ok := v.(*bsondoc.Document)
	if !ok {
		return "", oxerr.New(oxerr.KindBadProjection, "$bucket requires a document")
	}
	groupByExpr, err := compileGroupKeyExpr(doc.Lookup("groupBy"))
	if err != nil {
		return "", err
	}
	boundariesArr, ok := doc.Lookup("boundaries").(*bsondoc.Array)
	if !ok || boundariesArr.Len() < 2 {
		return "", oxerr.New(oxerr.KindBadProjection, "$bucket requires at least two boundaries")
	}
	bounds := make([]string, 0, boundariesArr.Len())
	for _, b := range boundariesArr.Items() {
		n, ok := asInt(b)
		if !ok {
			return "", oxerr.New(oxerr.KindBadProjection, "$bucket boundaries must be numeric")
		}
		bounds = append(bounds, strconv.FormatInt(n, 10))
	}
	arrayLit := "ARRAY[" + strings.Join(bounds, ", ") + "]::numeric[]"
	valueExpr := fmt.Sprintf("((%s) #>> '{}')::numeric", groupByExpr)
	bucketExpr := fmt.Sprintf("%s[width_bucket(%s, %s)]", arrayLit, valueExpr, arrayLit)
	return fmt.Sprintf(
		"SELECT jsonb_build_object('_id', to_jsonb(bucket), 'count', to_jsonb(count(*))) AS doc FROM (SELECT id, doc, (%s) AS bucket FROM %s) t GROUP BY bucket",
		bucketExpr, source,
	), nil
}

// compileLookupStage handles only the equality-join shape
// (localField/foreignField); anything using let/pipeline is left to
// classifyStage's engine path for the non-equality join evaluator.
func compileLookupStage(source string, v bsondoc.Value) (string, error) {
	doc, ok := v.(*bsondoc.Document)
	if !ok {
		return "", oxerr.New(oxerr.KindBadProjection, "$lookup requires a document")
	}
	from, _ := doc.Lookup("from").(string)
	localField, _ := doc.Lookup("localField").(string)
	foreignField, _ := doc.Lookup("foreignField").(string)
	as, _ := doc.Lookup("as").(string)
	if from == "" || localField == "" || foreignField == "" || as == "" {
		return "", oxerr.New(oxerr.KindBadProjection, "$lookup requires from/localField/foreignField/as")
	}
	localExpr := jsonbArrowChain("b.doc", localField)
	foreignExpr := jsonbArrowChain("f.doc", foreignField)
	return fmt.Sprintf(
		"SELECT b.id, jsonb_set(b.doc, %s, COALESCE((SELECT jsonb_agg(f.doc) FROM %s f WHERE %s = %s), '[]'::jsonb), true) AS doc FROM %s b",
		pgPathArray(as), quoteIdent(from), foreignExpr, localExpr, source,
	), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
