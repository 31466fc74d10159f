// Package translator compiles the schemaless document query/update/
// pipeline language into parameterised SQL fragments over a backend
// (doc, doc_bson) column pair, preserving the driver-spec semantics
// that matter: type-strict equality by default, missing-vs-null, and
// array-or-scalar matching (§4.C).
//
// Grounded structurally on keploy's postgresParser package — a
// component that also turns one wire protocol's intent into another
// backend's SQL — generalized from "transcode a captured query" to
// "compile an expression tree into SQL ahead of execution".
package translator

// ResultShape tells the caller what a SqlFragment's Text represents,
// so the storage adapter knows how to embed it into a full statement.
type ResultShape int

const (
	// ShapeBooleanExpr is a boolean SQL expression suitable for a WHERE
	// clause (filter compilation).
	ShapeBooleanExpr ResultShape = iota
	// ShapeJSONExpr is a jsonb-valued SQL expression computing a new
	// document (update compilation).
	ShapeJSONExpr
	// ShapeColumnList is a comma-separated list of SELECT expressions
	// (projection compilation).
	ShapeColumnList
	// ShapeOrderByClause is the body of an ORDER BY clause, primary-key
	// tiebreak included (sort compilation).
	ShapeOrderByClause
	// ShapeCTEChain is a chain of CTEs feeding a final SELECT
	// (aggregation pipeline compilation).
	ShapeCTEChain
)

// SqlFragment is the translator's universal output: rendered SQL text,
// the positional parameters it binds, the shape the caller should
// expect, and whether the fragment is only a pushdown candidate that
// the dispatcher must re-check in process (§4.C.1 tie-break policy).
type SqlFragment struct {
	Text           string
	Params         []any
	Shape          ResultShape
	EngineFallback bool
	// StrictChecks lists the field-level rechecks CompileFilter could
	// not express precisely in jsonb (cross-type numeric equality): a
	// caller that sees EngineFallback set re-applies these against each
	// candidate row decoded in process and drops any row that fails one.
	StrictChecks []StrictCheck
}

// StrictCheck is one field's exact-type recheck. Negate distinguishes
// the $eq/$in family (row must strict-equal one of Values) from $ne/
// $nin (row must strict-equal none of them).
type StrictCheck struct {
	Field  string
	Negate bool
	Values []any
}
