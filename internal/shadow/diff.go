package shadow

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
)

// diffEntry is one path where the local and upstream replies disagree.
type diffEntry struct {
	Path  string
	Local any
	Upstream any
}

// wildcardIgnored paths: an array at this exact dotted path is skipped
// entirely, e.g. "cursor.firstBatch" for the documented
// "cursor.firstBatch.*" ignore rule.
var wildcardIgnoredArrayPaths = []string{"cursor.firstBatch", "cursor.nextBatch"}

func diffDocuments(a, b *bsondoc.Document, prefix string, ignoreTop []string) []diffEntry {
	var diffs []diffEntry
	seen := make(map[string]bool)

	for _, e := range a.Elements() {
		seen[e.Key] = true
		if prefix == "" && contains(ignoreTop, e.Key) {
			continue
		}
		path := joinPath(prefix, e.Key)
		diffs = append(diffs, diffValue(path, e.Value, b.Lookup(e.Key))...)
	}
	for _, e := range b.Elements() {
		if seen[e.Key] {
			continue
		}
		if prefix == "" && contains(ignoreTop, e.Key) {
			continue
		}
		path := joinPath(prefix, e.Key)
		diffs = append(diffs, diffEntry{Path: path, Local: bsondoc.Missing, Upstream: e.Value})
	}
	return diffs
}

func diffValue(path string, a, b bsondoc.Value) []diffEntry {
	if bsondoc.IsMissing(b) {
		return []diffEntry{{Path: path, Local: a, Upstream: b}}
	}

	switch av := a.(type) {
	case *bsondoc.Document:
		bv, ok := b.(*bsondoc.Document)
		if !ok {
			return []diffEntry{{Path: path, Local: a, Upstream: b}}
		}
		return diffDocuments(av, bv, path, nil)
	case *bsondoc.Array:
		bv, ok := b.(*bsondoc.Array)
		if !ok {
			return []diffEntry{{Path: path, Local: a, Upstream: b}}
		}
		if contains(wildcardIgnoredArrayPaths, path) {
			return nil
		}
		return diffArray(path, av, bv)
	default:
		if !valuesEqual(a, b, false) {
			return []diffEntry{{Path: path, Local: a, Upstream: b}}
		}
		return nil
	}
}

func diffArray(path string, a, b *bsondoc.Array) []diffEntry {
	if a.Len() != b.Len() {
		return []diffEntry{{Path: path, Local: a, Upstream: b}}
	}
	var diffs []diffEntry
	for i, av := range a.Items() {
		diffs = append(diffs, diffValue(fmt.Sprintf("%s.%d", path, i), av, b.Items()[i])...)
	}
	return diffs
}

// valuesEqual compares two scalars. numericEquivalence relaxes the
// comparison so e.g. int32(2) and float64(2.0) count as equal; the
// comparator's default (§8) is strict, type-sensitive equality.
func valuesEqual(a, b bsondoc.Value, numericEquivalence bool) bool {
	if numericEquivalence && bsondoc.IsNumeric(a) && bsondoc.IsNumeric(b) {
		return bsondoc.NumericEqual(a, b)
	}
	return reflect.DeepEqual(a, b)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// redactDiffs renders diffEntry values to truncated strings, replacing
// any value whose path component matches a sensitive field name with a
// fixed placeholder (§4.H.5).
func redactDiffs(diffs []diffEntry) []string {
	out := make([]string, 0, len(diffs))
	for _, d := range diffs {
		local, upstream := "REDACTED", "REDACTED"
		if !sensitivePath(d.Path) {
			local = truncate(fmt.Sprintf("%v", d.Local))
			upstream = truncate(fmt.Sprintf("%v", d.Upstream))
		}
		out = append(out, fmt.Sprintf("%s: local=%s upstream=%s", d.Path, local, upstream))
	}
	return out
}

func sensitivePath(path string) bool {
	for _, seg := range strings.Split(path, ".") {
		if sensitiveFieldName.MatchString(seg) {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	if len(s) <= maxDiffValueLen {
		return s
	}
	return s[:maxDiffValueLen] + "…"
}
