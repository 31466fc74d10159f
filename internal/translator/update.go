package translator

import (
	"fmt"
	"strings"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// updateCompiler builds a single jsonb expression, threading the
// accumulated "doc" expression through each operator so later
// operators see the effect of earlier ones in the same request.
type updateCompiler struct {
	params  []any
	touched map[string]bool
}

// CompileUpdate compiles an update document into a jsonb expression
// computing the row's new doc column (§4.C.2). The caller embeds the
// result into `UPDATE ... SET doc = <text> WHERE id = $id`.
func CompileUpdate(update *bsondoc.Document) (*SqlFragment, error) {
	c := &updateCompiler{touched: map[string]bool{}}
	expr := "doc"

	for _, el := range update.Elements() {
		var err error
		switch el.Key {
		case "$set":
			expr, err = c.applySet(expr, el.Value)
		case "$unset":
			expr, err = c.applyUnset(expr, el.Value)
		case "$inc":
			expr, err = c.applyInc(expr, el.Value)
		case "$push":
			expr, err = c.applyPush(expr, el.Value)
		case "$pull":
			expr, err = c.applyPull(expr, el.Value)
		case "$rename":
			expr, err = c.applyRename(expr, el.Value)
		default:
			err = oxerr.New(oxerr.KindConflictingOperators, "unsupported update operator %q", el.Key)
		}
		if err != nil {
			return nil, err
		}
	}

	return &SqlFragment{Text: expr, Params: c.params, Shape: ShapeJSONExpr}, nil
}

func (c *updateCompiler) bind(v any) string {
	c.params = append(c.params, v)
	return fmt.Sprintf("$%d", len(c.params))
}

// markTouched rejects edits to _id and flags a path touched by more
// than one operator in the same update document (§4.C.2 failures).
func (c *updateCompiler) markTouched(path string) error {
	if strings.SplitN(path, ".", 2)[0] == "_id" {
		return oxerr.New(oxerr.KindImmutableIdField, "update must not modify _id")
	}
	if c.touched[path] {
		return oxerr.New(oxerr.KindConflictingOperators, "path %q is targeted by more than one update operator", path)
	}
	c.touched[path] = true
	return nil
}

func fieldsOf(v bsondoc.Value, op string) (*bsondoc.Document, error) {
	doc, ok := v.(*bsondoc.Document)
	if !ok {
		return nil, oxerr.New(oxerr.KindConflictingOperators, "%s requires a document", op)
	}
	return doc, nil
}

func (c *updateCompiler) applySet(expr string, v bsondoc.Value) (string, error) {
	fields, err := fieldsOf(v, "$set")
	if err != nil {
		return "", err
	}
	for _, f := range fields.Elements() {
		if err := c.markTouched(f.Key); err != nil {
			return "", err
		}
		literal, err := bindJSONScalar(c, f.Value)
		if err != nil {
			return "", err
		}
		expr = fmt.Sprintf("jsonb_set(%s, %s, %s, true)", expr, pgPathArray(f.Key), literal)
	}
	return expr, nil
}

func (c *updateCompiler) applyUnset(expr string, v bsondoc.Value) (string, error) {
	fields, err := fieldsOf(v, "$unset")
	if err != nil {
		return "", err
	}
	for _, f := range fields.Elements() {
		if err := c.markTouched(f.Key); err != nil {
			return "", err
		}
		expr = fmt.Sprintf("%s #- %s", expr, pgPathArray(f.Key))
	}
	return expr, nil
}

func (c *updateCompiler) applyInc(expr string, v bsondoc.Value) (string, error) {
	fields, err := fieldsOf(v, "$inc")
	if err != nil {
		return "", err
	}
	for _, f := range fields.Elements() {
		if err := c.markTouched(f.Key); err != nil {
			return "", err
		}
		delta, ok := asInt(f.Value)
		deltaExpr := c.bind(delta)
		if !ok {
			if fv, isFloat := f.Value.(float64); isFloat {
				deltaExpr = c.bind(fv)
			} else {
				return "", oxerr.New(oxerr.KindBadProjection, "$inc operand must be numeric")
			}
		}
		current := fmt.Sprintf("COALESCE((%s)::numeric, 0)", jsonbTextChain(expr, f.Key))
		expr = fmt.Sprintf("jsonb_set(%s, %s, to_jsonb(%s + %s::numeric), true)", expr, pgPathArray(f.Key), current, deltaExpr)
	}
	return expr, nil
}

func (c *updateCompiler) applyPush(expr string, v bsondoc.Value) (string, error) {
	fields, err := fieldsOf(v, "$push")
	if err != nil {
		return "", err
	}
	for _, f := range fields.Elements() {
		if err := c.markTouched(f.Key); err != nil {
			return "", err
		}
		literal, err := bindJSONScalar(c, f.Value)
		if err != nil {
			return "", err
		}
		existing := fmt.Sprintf("COALESCE(%s, '[]'::jsonb)", jsonbArrowChain(expr, f.Key))
		appended := fmt.Sprintf("(%s || jsonb_build_array(%s))", existing, literal)
		expr = fmt.Sprintf("jsonb_set(%s, %s, %s, true)", expr, pgPathArray(f.Key), appended)
	}
	return expr, nil
}

func (c *updateCompiler) applyPull(expr string, v bsondoc.Value) (string, error) {
	fields, err := fieldsOf(v, "$pull")
	if err != nil {
		return "", err
	}
	for _, f := range fields.Elements() {
		if err := c.markTouched(f.Key); err != nil {
			return "", err
		}
		literal, err := bindJSONScalar(c, f.Value)
		if err != nil {
			return "", err
		}
		existing := jsonbArrowChain(expr, f.Key)
		filtered := fmt.Sprintf(
			"(SELECT COALESCE(jsonb_agg(elem), '[]'::jsonb) FROM jsonb_array_elements(COALESCE(%s, '[]'::jsonb)) elem WHERE elem <> %s)",
			existing, literal,
		)
		expr = fmt.Sprintf("jsonb_set(%s, %s, %s, true)", expr, pgPathArray(f.Key), filtered)
	}
	return expr, nil
}

func (c *updateCompiler) applyRename(expr string, v bsondoc.Value) (string, error) {
	fields, err := fieldsOf(v, "$rename")
	if err != nil {
		return "", err
	}
	for _, f := range fields.Elements() {
		target, ok := f.Value.(string)
		if !ok {
			return "", oxerr.New(oxerr.KindConflictingOperators, "$rename target must be a string")
		}
		if err := c.markTouched(f.Key); err != nil {
			return "", err
		}
		if err := c.markTouched(target); err != nil {
			return "", err
		}
		moved := jsonbArrowChain(expr, f.Key)
		expr = fmt.Sprintf("jsonb_set(%s #- %s, %s, COALESCE(%s, 'null'::jsonb), true)", expr, pgPathArray(f.Key), pgPathArray(target), moved)
	}
	return expr, nil
}
