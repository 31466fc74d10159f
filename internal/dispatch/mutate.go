package dispatch

import (
	"reflect"
	"strings"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// applyUpdateDocument applies an update specification directly to a
// decoded document, mirroring translator.CompileUpdate's operator set
// and error semantics (§4.C.2) without going through SQL. The live
// write path needs this because jsonb_set's SQL form only ever touches
// the doc jsonb projection; doc_bson is the authoritative, order-
// preserving, exactly-typed copy (§3), so a write that wants to stay
// byte-faithful has to mutate the decoded BSON value in Go and then
// re-encode both columns from the result, rather than asking Postgres
// to compute a new jsonb value and re-derive doc_bson from that.
//
// Returns the (possibly new, for a replacement document) result and
// whether anything changed.
func applyUpdateDocument(doc *bsondoc.Document, update *bsondoc.Document) (*bsondoc.Document, bool, error) {
	if update == nil || update.Len() == 0 {
		return doc, false, nil
	}

	first := update.Elements()[0].Key
	if !strings.HasPrefix(first, "$") {
		id := doc.Lookup("_id")
		elems := append([]bsondoc.Element{{Key: "_id", Value: id}}, filterOutKey(update.Elements(), "_id")...)
		return bsondoc.NewDocument(elems...), !reflect.DeepEqual(elems, doc.Elements()), nil
	}

	before := string(bsondoc.Encode(doc))
	touched := map[string]bool{}
	for _, el := range update.Elements() {
		var err error
		switch el.Key {
		case "$set":
			err = applySet(doc, el.Value, touched)
		case "$unset":
			err = applyUnset(doc, el.Value, touched)
		case "$inc":
			err = applyInc(doc, el.Value, touched)
		case "$push":
			err = applyPush(doc, el.Value, touched)
		case "$pull":
			err = applyPull(doc, el.Value, touched)
		case "$rename":
			err = applyRename(doc, el.Value, touched)
		default:
			err = oxerr.New(oxerr.KindConflictingOperators, "unsupported update operator %q", el.Key)
		}
		if err != nil {
			return nil, false, err
		}
	}
	return doc, string(bsondoc.Encode(doc)) != before, nil
}

func markTouched(touched map[string]bool, path string) error {
	if strings.SplitN(path, ".", 2)[0] == "_id" {
		return oxerr.New(oxerr.KindImmutableIdField, "update must not modify _id")
	}
	if touched[path] {
		return oxerr.New(oxerr.KindConflictingOperators, "path %q is targeted by more than one update operator", path)
	}
	touched[path] = true
	return nil
}

func fieldsDoc(v bsondoc.Value, op string) (*bsondoc.Document, error) {
	doc, ok := v.(*bsondoc.Document)
	if !ok {
		return nil, oxerr.New(oxerr.KindConflictingOperators, "%s requires a document operand", op)
	}
	return doc, nil
}

func applySet(doc *bsondoc.Document, v bsondoc.Value, touched map[string]bool) error {
	fields, err := fieldsDoc(v, "$set")
	if err != nil {
		return err
	}
	for _, f := range fields.Elements() {
		if err := markTouched(touched, f.Key); err != nil {
			return err
		}
		setPath(doc, f.Key, f.Value)
	}
	return nil
}

func applyUnset(doc *bsondoc.Document, v bsondoc.Value, touched map[string]bool) error {
	fields, err := fieldsDoc(v, "$unset")
	if err != nil {
		return err
	}
	for _, f := range fields.Elements() {
		if err := markTouched(touched, f.Key); err != nil {
			return err
		}
		deletePath(doc, f.Key)
	}
	return nil
}

func applyInc(doc *bsondoc.Document, v bsondoc.Value, touched map[string]bool) error {
	fields, err := fieldsDoc(v, "$inc")
	if err != nil {
		return err
	}
	for _, f := range fields.Elements() {
		if err := markTouched(touched, f.Key); err != nil {
			return err
		}
		cur := bsondoc.Get(doc, f.Key)
		next, err := addNumeric(cur, f.Value)
		if err != nil {
			return err
		}
		setPath(doc, f.Key, next)
	}
	return nil
}

func applyPush(doc *bsondoc.Document, v bsondoc.Value, touched map[string]bool) error {
	fields, err := fieldsDoc(v, "$push")
	if err != nil {
		return err
	}
	for _, f := range fields.Elements() {
		if err := markTouched(touched, f.Key); err != nil {
			return err
		}
		arr, _ := bsondoc.Get(doc, f.Key).(*bsondoc.Array)
		if arr == nil {
			arr = bsondoc.NewArray()
		}
		arr.Append(f.Value)
		setPath(doc, f.Key, arr)
	}
	return nil
}

func applyPull(doc *bsondoc.Document, v bsondoc.Value, touched map[string]bool) error {
	fields, err := fieldsDoc(v, "$pull")
	if err != nil {
		return err
	}
	for _, f := range fields.Elements() {
		if err := markTouched(touched, f.Key); err != nil {
			return err
		}
		arr, ok := bsondoc.Get(doc, f.Key).(*bsondoc.Array)
		if !ok {
			continue
		}
		kept := bsondoc.NewArray()
		for _, item := range arr.Items() {
			if !reflect.DeepEqual(item, f.Value) {
				kept.Append(item)
			}
		}
		setPath(doc, f.Key, kept)
	}
	return nil
}

func applyRename(doc *bsondoc.Document, v bsondoc.Value, touched map[string]bool) error {
	fields, err := fieldsDoc(v, "$rename")
	if err != nil {
		return err
	}
	for _, f := range fields.Elements() {
		target, ok := f.Value.(string)
		if !ok {
			return oxerr.New(oxerr.KindConflictingOperators, "$rename target must be a string")
		}
		if err := markTouched(touched, f.Key); err != nil {
			return err
		}
		if err := markTouched(touched, target); err != nil {
			return err
		}
		val := bsondoc.Get(doc, f.Key)
		if bsondoc.IsMissing(val) {
			continue
		}
		deletePath(doc, f.Key)
		setPath(doc, target, val)
	}
	return nil
}

func addNumeric(cur, delta bsondoc.Value) (bsondoc.Value, error) {
	d, ok := numericFloat(delta)
	if !ok {
		return nil, oxerr.New(oxerr.KindBadProjection, "$inc operand must be numeric")
	}
	if bsondoc.IsMissing(cur) {
		return delta, nil
	}
	c, ok := numericFloat(cur)
	if !ok {
		return nil, oxerr.New(oxerr.KindBadProjection, "$inc target must be numeric")
	}
	switch delta.(type) {
	case int32:
		return int32(c + d), nil
	case int64:
		return int64(c + d), nil
	default:
		return c + d, nil
	}
}

func numericFloat(v bsondoc.Value) (float64, bool) {
	switch x := v.(type) {
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// setPath and deletePath walk a dotted path against nested documents,
// creating intermediate documents as needed for set. Neither descends
// through arrays by numeric index: the in-process mutator targets the
// common document-nesting case the way $set/$unset are used in
// practice, leaving array-index dotted paths (rare on the write side,
// unlike bsondoc.Get's read-side traversal) to the update compiler's
// SQL form where jsonb_set already knows how to do it. Documented gap.
func setPath(doc *bsondoc.Document, path string, value bsondoc.Value) {
	setSegments(doc, strings.Split(path, "."), value)
}

func setSegments(doc *bsondoc.Document, segs []string, value bsondoc.Value) {
	if len(segs) == 1 {
		doc.Set(segs[0], value)
		return
	}
	head, rest := segs[0], segs[1:]
	child, ok := doc.Lookup(head).(*bsondoc.Document)
	if !ok {
		child = bsondoc.NewDocument()
		doc.Set(head, child)
	}
	setSegments(child, rest, value)
}

func deletePath(doc *bsondoc.Document, path string) {
	deleteSegments(doc, strings.Split(path, "."))
}

func deleteSegments(doc *bsondoc.Document, segs []string) {
	if len(segs) == 1 {
		doc.Delete(segs[0])
		return
	}
	head, rest := segs[0], segs[1:]
	if child, ok := doc.Lookup(head).(*bsondoc.Document); ok {
		deleteSegments(child, rest)
	}
}

// buildUpsertDocument materializes the document an upsert-with-no-match
// write creates: the query's top-level equality fields seeded as a
// base document, with the update specification then applied on top
// (§4.C.2's upsert semantics).
func buildUpsertDocument(query, update *bsondoc.Document) (*bsondoc.Document, error) {
	base := bsondoc.NewDocument()
	if query != nil {
		for _, el := range query.Elements() {
			if strings.HasPrefix(el.Key, "$") {
				continue
			}
			if _, ok := el.Value.(*bsondoc.Document); ok {
				continue
			}
			base.Set(el.Key, el.Value)
		}
	}
	mutated, _, err := applyUpdateDocument(base, update)
	if err != nil {
		return nil, err
	}
	return ensureID(mutated), nil
}
