package bsondoc

import "strconv"

// Get resolves a dotted path against doc, e.g. Get(doc, "a.b.c"). It
// returns Missing if any segment along the way is absent. A numeric
// segment indexes into an array; a non-numeric segment against an
// array projects across every element that is itself a document and
// returns the first hit, matching the reference server's traversal
// order for simple (non $elemMatch) field paths.
func Get(doc *Document, path string) Value {
	return get(doc, splitPath(path))
}

func get(v Value, segments []string) Value {
	if len(segments) == 0 {
		return v
	}
	head, rest := segments[0], segments[1:]
	switch x := v.(type) {
	case *Document:
		child := x.Lookup(head)
		if IsMissing(child) {
			return Missing
		}
		return get(child, rest)
	case *Array:
		if idx, err := strconv.Atoi(head); err == nil {
			if idx < 0 || idx >= x.Len() {
				return Missing
			}
			return get(x.Items()[idx], rest)
		}
		for _, item := range x.Items() {
			if sub, ok := item.(*Document); ok {
				child := sub.Lookup(head)
				if !IsMissing(child) {
					return get(child, rest)
				}
			}
		}
		return Missing
	default:
		return Missing
	}
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}
