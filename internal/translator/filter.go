package translator

import (
	"fmt"
	"strings"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// filterCompiler accumulates bind parameters while it walks a filter
// document, so every call to CompileFilter gets its own numbering.
type filterCompiler struct {
	params         []any
	engineFallback bool
	strictChecks   []StrictCheck
}

// CompileFilter compiles a filter document into a boolean SQL
// expression fragment, usable directly in a WHERE clause (§4.C.1).
func CompileFilter(filter *bsondoc.Document) (*SqlFragment, error) {
	c := &filterCompiler{}
	if filter == nil || filter.Len() == 0 {
		return &SqlFragment{Text: "true", Shape: ShapeBooleanExpr}, nil
	}
	text, err := c.compileDocument(filter, true)
	if err != nil {
		return nil, err
	}
	return &SqlFragment{
		Text:           text,
		Params:         c.params,
		Shape:          ShapeBooleanExpr,
		EngineFallback: c.engineFallback,
		StrictChecks:   c.strictChecks,
	}, nil
}

func (c *filterCompiler) bind(v any) string {
	c.params = append(c.params, v)
	return fmt.Sprintf("$%d", len(c.params))
}

// recordCheck remembers a field-level strict recheck. conjunctive gates
// this: a check recorded while compiling an $or/$nor branch would wrongly
// reject rows that satisfy a sibling disjunct instead, so only AND-only
// context (the top level and nested $and) ever records one.
func (c *filterCompiler) recordCheck(conjunctive bool, field string, negate bool, values []bsondoc.Value) {
	if !conjunctive || len(values) == 0 {
		return
	}
	vals := make([]any, len(values))
	copy(vals, values)
	c.strictChecks = append(c.strictChecks, StrictCheck{Field: field, Negate: negate, Values: vals})
}

// compileDocument ANDs together every element of a filter document.
// conjunctive reports whether every clause compiled here is
// unconditionally required by the enclosing document (true at the top
// level and inside $and; false inside $or/$nor, where a single clause
// failing does not mean the document doesn't match).
func (c *filterCompiler) compileDocument(doc *bsondoc.Document, conjunctive bool) (string, error) {
	var clauses []string
	for _, el := range doc.Elements() {
		clause, err := c.compileElement(el.Key, el.Value, conjunctive)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 0 {
		return "true", nil
	}
	return strings.Join(wrapAll(clauses), " AND "), nil
}

func wrapAll(clauses []string) []string {
	out := make([]string, len(clauses))
	for i, c := range clauses {
		out[i] = "(" + c + ")"
	}
	return out
}

func (c *filterCompiler) compileElement(key string, value bsondoc.Value, conjunctive bool) (string, error) {
	switch key {
	case "$and":
		return c.compileLogical(value, " AND ", conjunctive)
	case "$or":
		return c.compileLogical(value, " OR ", false)
	case "$nor":
		inner, err := c.compileLogical(value, " OR ", false)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	}
	if strings.HasPrefix(key, "$") {
		return "", oxerr.New(oxerr.KindConflictingOperators, "unexpected top-level operator %q", key)
	}
	return c.compileField(key, value, conjunctive)
}

func (c *filterCompiler) compileLogical(value bsondoc.Value, joiner string, conjunctive bool) (string, error) {
	arr, ok := value.(*bsondoc.Array)
	if !ok {
		return "", oxerr.New(oxerr.KindConflictingOperators, "logical operator expects an array of documents")
	}
	var parts []string
	for _, item := range arr.Items() {
		sub, ok := item.(*bsondoc.Document)
		if !ok {
			return "", oxerr.New(oxerr.KindConflictingOperators, "logical operator array must contain documents")
		}
		text, err := c.compileDocument(sub, conjunctive)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+text+")")
	}
	if len(parts) == 0 {
		return "true", nil
	}
	return strings.Join(parts, joiner), nil
}

// compileField compiles a single field-path predicate: a bare regex,
// a document of operators, or a plain scalar equality.
func (c *filterCompiler) compileField(field string, value bsondoc.Value, conjunctive bool) (string, error) {
	if re, ok := value.(bson.Regex); ok {
		return c.compileRegex(field, re.Pattern, re.Options)
	}
	if opDoc, ok := value.(*bsondoc.Document); ok && isOperatorDocument(opDoc) {
		return c.compileOperators(field, opDoc, conjunctive)
	}
	return c.compileScalarMatch(field, value, conjunctive)
}

func isOperatorDocument(doc *bsondoc.Document) bool {
	if doc.Len() == 0 {
		return false
	}
	for _, el := range doc.Elements() {
		if !strings.HasPrefix(el.Key, "$") {
			return false
		}
	}
	return true
}

// compileScalarMatch implements the "array-or-scalar" twin predicate:
// a scalar match on field p matches documents where p equals the
// value, or where p is an array containing it (§4.C.1, §4.C.6). record
// gates whether a numeric match here also registers a StrictCheck;
// callers that fold several literals into one combined check (e.g.
// compileMembership) pass false and record their own aggregate check.
func (c *filterCompiler) compileScalarMatch(field string, value bsondoc.Value, record bool) (string, error) {
	if bsondoc.IsNull(value) {
		return fmt.Sprintf("jsonb_path_exists(doc, '%s ? (@ == null)')", jsonPathExpr(field)), nil
	}
	literal, err := bindJSONScalar(c, value)
	if err != nil {
		return "", err
	}
	if isNumericValue(value) {
		// Cross-type numeric equality (int32 2 vs double 2.0) cannot be
		// distinguished once the value lives in jsonb; push down as a
		// candidate and let the dispatcher apply the strict check.
		c.engineFallback = true
		c.recordCheck(record, field, false, []bsondoc.Value{value})
	}
	scalarPath := jsonPathExpr(field)
	arrayPath := scalarPath + "[*]"
	scalarPred := fmt.Sprintf("jsonb_path_exists(doc, '%s ? (@ == $x)', jsonb_build_object('x', %s))", scalarPath, literal)
	arrayPred := fmt.Sprintf("jsonb_path_exists(doc, '%s ? (@ == $x)', jsonb_build_object('x', %s))", arrayPath, literal)
	return scalarPred + " OR " + arrayPred, nil
}

func isNumericValue(v bsondoc.Value) bool {
	switch v.(type) {
	case int32, int64, float64:
		return true
	default:
		return false
	}
}

func (c *filterCompiler) compileOperators(field string, ops *bsondoc.Document, conjunctive bool) (string, error) {
	elems := ops.Elements()
	values := map[string]bsondoc.Value{}
	for _, el := range elems {
		values[el.Key] = el.Value
	}

	var clauses []string
	handled := map[string]bool{}
	if regex, ok := values["$regex"]; ok {
		opts, _ := values["$options"].(string)
		pattern, err := regexPatternString(regex)
		if err != nil {
			return "", err
		}
		clause, err := c.compileRegex(field, pattern, opts)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
		handled["$regex"] = true
		handled["$options"] = true
	}
	for _, el := range elems {
		if handled[el.Key] {
			continue
		}
		clause, err := c.compileSimpleOperator(field, el.Key, el.Value, conjunctive)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	return strings.Join(wrapAll(clauses), " AND "), nil
}

var orderOps = map[string]string{"$gt": ">", "$gte": ">=", "$lt": "<", "$lte": "<="}

func (c *filterCompiler) compileSimpleOperator(field, op string, value bsondoc.Value, conjunctive bool) (string, error) {
	switch op {
	case "$eq":
		return c.compileScalarMatch(field, value, conjunctive)
	case "$ne":
		m, err := c.compileScalarMatch(field, value, false)
		if err != nil {
			return "", err
		}
		if isNumericValue(value) {
			c.recordCheck(conjunctive, field, true, []bsondoc.Value{value})
		}
		return "NOT (" + m + ")", nil
	case "$gt", "$gte", "$lt", "$lte":
		return c.compileOrder(field, op, value)
	case "$in":
		return c.compileMembership(field, value, conjunctive)
	case "$nin":
		m, err := c.compileMembership(field, value, false)
		if err != nil {
			return "", err
		}
		if arr, ok := value.(*bsondoc.Array); ok {
			c.recordCheck(conjunctive, field, true, numericItems(arr))
		}
		return "NOT (" + m + ")", nil
	case "$exists":
		return c.compileExists(field, value)
	case "$size":
		return c.compileSize(field, value)
	case "$elemMatch":
		return c.compileElemMatch(field, value)
	case "$mod":
		return c.compileMod(field, value)
	case "$not":
		sub, ok := value.(*bsondoc.Document)
		if !ok {
			return "", oxerr.New(oxerr.KindConflictingOperators, "$not requires an operator document")
		}
		inner, err := c.compileOperators(field, sub, false)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case "$type":
		return c.compileType(field, value)
	default:
		// Unsupported operator: push everything down to the engine
		// rather than fail the whole query outright.
		c.engineFallback = true
		return "true", nil
	}
}

func (c *filterCompiler) compileOrder(field, op string, value bsondoc.Value) (string, error) {
	sqlOp := orderOps[op]
	literal, err := bindJSONScalar(c, value)
	if err != nil {
		return "", err
	}
	path := jsonPathExpr(field)
	return fmt.Sprintf("jsonb_path_exists(doc, '%s ? (@ %s $x)', jsonb_build_object('x', %s))", path, sqlOp, literal), nil
}

func numericItems(arr *bsondoc.Array) []bsondoc.Value {
	var out []bsondoc.Value
	for _, item := range arr.Items() {
		if isNumericValue(item) {
			out = append(out, item)
		}
	}
	return out
}

func (c *filterCompiler) compileMembership(field string, value bsondoc.Value, conjunctive bool) (string, error) {
	arr, ok := value.(*bsondoc.Array)
	if !ok {
		return "", oxerr.New(oxerr.KindConflictingOperators, "$in/$nin require an array operand")
	}
	if arr.Len() == 0 {
		return "false", nil
	}
	var parts []string
	for _, item := range arr.Items() {
		// Recording happens once below, aggregated over every numeric
		// item, rather than per item here.
		m, err := c.compileScalarMatch(field, item, false)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+m+")")
	}
	c.recordCheck(conjunctive, field, false, numericItems(arr))
	return strings.Join(parts, " OR "), nil
}

// compileExists implements "does-not-exist includes absent": a
// present key with an explicit null value still counts as existing,
// since jsonb_path_exists succeeds on a present-but-null path step.
func (c *filterCompiler) compileExists(field string, value bsondoc.Value) (string, error) {
	want, _ := value.(bool)
	exists := fmt.Sprintf("jsonb_path_exists(doc, '%s')", jsonPathExpr(field))
	if want {
		return exists, nil
	}
	return "NOT (" + exists + ")", nil
}

func (c *filterCompiler) compileSize(field string, value bsondoc.Value) (string, error) {
	n, ok := asInt(value)
	if !ok {
		return "", oxerr.New(oxerr.KindBadProjection, "$size requires a numeric operand")
	}
	return fmt.Sprintf("jsonb_array_length(%s) = %d", jsonbArrowChain("doc", field), n), nil
}

func (c *filterCompiler) compileMod(field string, value bsondoc.Value) (string, error) {
	arr, ok := value.(*bsondoc.Array)
	if !ok || arr.Len() != 2 {
		return "", oxerr.New(oxerr.KindBadProjection, "$mod requires a [divisor, remainder] pair")
	}
	d, ok1 := asInt(arr.Items()[0])
	r, ok2 := asInt(arr.Items()[1])
	if !ok1 || !ok2 {
		return "", oxerr.New(oxerr.KindBadProjection, "$mod operands must be numeric")
	}
	return fmt.Sprintf("(%s)::numeric %% %d = %d", jsonbTextChain("doc", field), d, r), nil
}

var elemMatchOps = map[string]string{"$eq": "==", "$ne": "!=", "$gt": ">", "$gte": ">=", "$lt": "<", "$lte": "<="}

// compileElemMatch bypasses array-or-scalar folding: every
// sub-predicate must hold against the same array element (§4.C.6).
func (c *filterCompiler) compileElemMatch(field string, value bsondoc.Value) (string, error) {
	sub, ok := value.(*bsondoc.Document)
	if !ok {
		return "", oxerr.New(oxerr.KindConflictingOperators, "$elemMatch requires a document")
	}
	var clauses []string
	for _, el := range sub.Elements() {
		clause, err := elemMatchClause(el.Key, el.Value)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	joined := "true"
	if len(clauses) > 0 {
		joined = strings.Join(clauses, " && ")
	}
	path := jsonPathExpr(field) + "[*]"
	return fmt.Sprintf("jsonb_path_exists(doc, '%s ? (%s)')", path, joined), nil
}

func elemMatchClause(key string, value bsondoc.Value) (string, error) {
	accessor := "@"
	for _, seg := range splitFieldPath(key) {
		accessor += "." + jsonPathKey(seg)
	}
	if opDoc, ok := value.(*bsondoc.Document); ok && isOperatorDocument(opDoc) {
		var parts []string
		for _, el := range opDoc.Elements() {
			sqlOp, ok := elemMatchOps[el.Key]
			if !ok {
				return "", oxerr.New(oxerr.KindConflictingOperators, "$elemMatch does not support operator %q", el.Key)
			}
			lit, err := jsonpathLiteral(el.Value)
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%s %s %s", accessor, sqlOp, lit))
		}
		return strings.Join(parts, " && "), nil
	}
	lit, err := jsonpathLiteral(value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s == %s", accessor, lit), nil
}

func (c *filterCompiler) compileRegex(field string, pattern, options string) (string, error) {
	sqlOp := "~"
	prefix := ""
	for _, f := range options {
		switch f {
		case 'i':
			sqlOp = "~*"
		case 'm':
			prefix += "(?n)"
		case 's':
			prefix += "(?s)"
		case 'x':
			prefix += "(?x)"
		default:
			return "", oxerr.New(oxerr.KindBadRegex, "unsupported regex flag %q", string(f))
		}
	}
	placeholder := c.bind(prefix + pattern)
	return fmt.Sprintf("%s %s %s", jsonbTextChain("doc", field), sqlOp, placeholder), nil
}

func regexPatternString(v bsondoc.Value) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bson.Regex:
		return x.Pattern, nil
	default:
		return "", oxerr.New(oxerr.KindBadRegex, "regex pattern must be a string or regex value")
	}
}

var jsonbTypeNames = map[string]string{
	"string": "string",
	"object": "object",
	"array":  "array",
	"bool":   "boolean",
	"null":   "null",
}

func (c *filterCompiler) compileType(field string, value bsondoc.Value) (string, error) {
	name, ok := value.(string)
	if !ok {
		return "", oxerr.New(oxerr.KindBadProjection, "$type requires a string type name")
	}
	jsonbType, ok := jsonbTypeNames[name]
	if !ok {
		// "int"/"long"/"double"/"decimal"/"objectId"/etc. have no single
		// jsonb_typeof answer; defer the whole predicate to the engine.
		c.engineFallback = true
		return "true", nil
	}
	return fmt.Sprintf("jsonb_typeof(%s) = %s", jsonbArrowChain("doc", field), quoteSQLLiteral(jsonbType)), nil
}
