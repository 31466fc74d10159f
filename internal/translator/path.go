package translator

import "strings"

// splitFieldPath splits a dotted field path into its segments.
func splitFieldPath(path string) []string {
	return strings.Split(path, ".")
}

// jsonPathKey escapes a single path segment for embedding as a quoted
// key inside a PostgreSQL jsonpath expression.
func jsonPathKey(key string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range key {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// jsonPathExpr renders a dotted field path as a PostgreSQL jsonpath
// accessor rooted at $, e.g. "a.b" -> `$."a"."b"`.
func jsonPathExpr(path string) string {
	var b strings.Builder
	b.WriteByte('$')
	for _, s := range splitFieldPath(path) {
		b.WriteByte('.')
		b.WriteString(jsonPathKey(s))
	}
	return b.String()
}

// quoteSQLLiteral single-quotes a Go string for direct embedding as a
// SQL text literal (doubling embedded quotes).
func quoteSQLLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// jsonbArrowChain renders doc->'a'->'b', the jsonb-valued accessor for
// a dotted path, rooted at the given base expression.
func jsonbArrowChain(base, field string) string {
	var b strings.Builder
	b.WriteString(base)
	for _, s := range splitFieldPath(field) {
		b.WriteString("->")
		b.WriteString(quoteSQLLiteral(s))
	}
	return b.String()
}

// jsonbTextChain renders doc->'a'->>'b', the text-valued accessor for
// a dotted path (last step uses ->>), rooted at the given base
// expression.
func jsonbTextChain(base, field string) string {
	segs := splitFieldPath(field)
	var b strings.Builder
	b.WriteString(base)
	for i, s := range segs {
		if i == len(segs)-1 {
			b.WriteString("->>")
		} else {
			b.WriteString("->")
		}
		b.WriteString(quoteSQLLiteral(s))
	}
	return b.String()
}

// pgPathArray renders a dotted field path as a Postgres text[] path
// literal for jsonb_set/#-, e.g. "a.b" -> '{a,b}'.
func pgPathArray(field string) string {
	segs := splitFieldPath(field)
	escaped := make([]string, len(segs))
	for i, s := range segs {
		escaped[i] = strings.ReplaceAll(s, ",", "\\,")
	}
	return "'{" + strings.Join(escaped, ",") + "}'"
}
