package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

func doc(elems ...bsondoc.Element) *bsondoc.Document {
	return bsondoc.NewDocument(elems...)
}

func TestApplyUpdateDocumentSetAndInc(t *testing.T) {
	d := doc(
		bsondoc.Element{Key: "_id", Value: int32(1)},
		bsondoc.Element{Key: "count", Value: int32(5)},
	)
	update := doc(
		bsondoc.Element{Key: "$set", Value: doc(bsondoc.Element{Key: "name", Value: "widget"})},
		bsondoc.Element{Key: "$inc", Value: doc(bsondoc.Element{Key: "count", Value: int32(2)})},
	)

	out, changed, err := applyUpdateDocument(d, update)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "widget", out.Lookup("name"))
	assert.Equal(t, int32(7), out.Lookup("count"))
}

func TestApplyUpdateDocumentRejectsIdMutation(t *testing.T) {
	d := doc(bsondoc.Element{Key: "_id", Value: int32(1)})
	update := doc(bsondoc.Element{Key: "$set", Value: doc(bsondoc.Element{Key: "_id", Value: int32(2)})})

	_, _, err := applyUpdateDocument(d, update)
	oe, ok := err.(*oxerr.Error)
	require.True(t, ok)
	assert.Equal(t, oxerr.KindImmutableIdField, oe.Kind)
}

func TestApplyUpdateDocumentRejectsConflictingOperators(t *testing.T) {
	d := doc(bsondoc.Element{Key: "a", Value: int32(1)})
	update := doc(
		bsondoc.Element{Key: "$set", Value: doc(bsondoc.Element{Key: "a", Value: int32(2)})},
		bsondoc.Element{Key: "$unset", Value: doc(bsondoc.Element{Key: "a", Value: ""})},
	)

	_, _, err := applyUpdateDocument(d, update)
	oe, ok := err.(*oxerr.Error)
	require.True(t, ok)
	assert.Equal(t, oxerr.KindConflictingOperators, oe.Kind)
}

func TestApplyUpdateDocumentFullReplacementPreservesID(t *testing.T) {
	d := doc(bsondoc.Element{Key: "_id", Value: int32(9)}, bsondoc.Element{Key: "a", Value: int32(1)})
	replacement := doc(bsondoc.Element{Key: "b", Value: int32(2)})

	out, changed, err := applyUpdateDocument(d, replacement)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int32(9), out.Lookup("_id"))
	assert.Equal(t, int32(2), out.Lookup("b"))
	assert.True(t, bsondoc.IsMissing(out.Lookup("a")))
}

func TestApplyPushAndPull(t *testing.T) {
	d := doc(bsondoc.Element{Key: "tags", Value: bsondoc.NewArray("a", "b")})

	out, _, err := applyUpdateDocument(d, doc(bsondoc.Element{Key: "$push", Value: doc(bsondoc.Element{Key: "tags", Value: "c"})}))
	require.NoError(t, err)
	arr, ok := out.Lookup("tags").(*bsondoc.Array)
	require.True(t, ok)
	assert.Equal(t, 3, arr.Len())

	out2, _, err := applyUpdateDocument(out, doc(bsondoc.Element{Key: "$pull", Value: doc(bsondoc.Element{Key: "tags", Value: "b"})}))
	require.NoError(t, err)
	arr2, ok := out2.Lookup("tags").(*bsondoc.Array)
	require.True(t, ok)
	assert.Equal(t, 2, arr2.Len())
}

func TestApplyRenameMovesValue(t *testing.T) {
	d := doc(bsondoc.Element{Key: "old", Value: "v"})
	out, _, err := applyUpdateDocument(d, doc(bsondoc.Element{Key: "$rename", Value: doc(bsondoc.Element{Key: "old", Value: "new"})}))
	require.NoError(t, err)
	assert.True(t, bsondoc.IsMissing(out.Lookup("old")))
	assert.Equal(t, "v", out.Lookup("new"))
}

func TestSetPathCreatesIntermediateDocuments(t *testing.T) {
	d := doc()
	setPath(d, "a.b.c", int32(1))
	child, ok := d.Lookup("a").(*bsondoc.Document)
	require.True(t, ok)
	grandchild, ok := child.Lookup("b").(*bsondoc.Document)
	require.True(t, ok)
	assert.Equal(t, int32(1), grandchild.Lookup("c"))
}

func TestBuildUpsertDocumentSeedsFromQueryEquality(t *testing.T) {
	query := doc(bsondoc.Element{Key: "sku", Value: "widget-1"}, bsondoc.Element{Key: "qty", Value: doc(bsondoc.Element{Key: "$gt", Value: int32(0)})})
	update := doc(bsondoc.Element{Key: "$set", Value: doc(bsondoc.Element{Key: "qty", Value: int32(3)})})

	out, err := buildUpsertDocument(query, update)
	require.NoError(t, err)
	assert.Equal(t, "widget-1", out.Lookup("sku"))
	assert.Equal(t, int32(3), out.Lookup("qty"))
	assert.False(t, bsondoc.IsMissing(out.Lookup("_id")))
}
