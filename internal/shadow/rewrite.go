package shadow

import (
	"strings"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/wire"
)

// rewriteCommand clones cmd and prefixes the database component of
// every namespace-carrying field §4.H.2 names, leaving the collection
// component untouched.
func rewriteCommand(cmd *wire.Command, prefix string) (*wire.Command, error) {
	out := *cmd
	out.Body = cloneDoc(cmd.Body)

	if db, ok := out.Body.Lookup("$db").(string); ok {
		out.Body.Set("$db", prefix+db)
	}

	if cmd.Legacy {
		out.FullCollectionName = rewriteNamespace(cmd.FullCollectionName, prefix)
	}

	if idx, ok := out.Body.Lookup("indexes").(*bsondoc.Array); ok {
		out.Body.Set("indexes", rewriteIndexNamespaces(idx, prefix))
	}

	return &out, nil
}

func rewriteNamespace(ns, prefix string) string {
	i := strings.IndexByte(ns, '.')
	if i < 0 {
		return prefix + ns
	}
	return prefix + ns[:i] + ns[i:]
}

func rewriteIndexNamespaces(indexes *bsondoc.Array, prefix string) *bsondoc.Array {
	out := bsondoc.NewArray()
	for _, item := range indexes.Items() {
		spec, ok := item.(*bsondoc.Document)
		if !ok {
			out.Append(item)
			continue
		}
		cloned := cloneDoc(spec)
		if ns, ok := cloned.Lookup("ns").(string); ok {
			cloned.Set("ns", rewriteNamespace(ns, prefix))
		}
		out.Append(cloned)
	}
	return out
}

// cloneDoc makes a shallow copy of doc's element list so callers can
// Set/Delete keys without mutating the original command.
func cloneDoc(doc *bsondoc.Document) *bsondoc.Document {
	if doc == nil {
		return bsondoc.NewDocument()
	}
	return bsondoc.NewDocument(doc.Elements()...)
}
