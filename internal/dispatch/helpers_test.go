package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/wire"
)

func TestDbOfFromDollarDb(t *testing.T) {
	cmd := &wire.Command{Body: doc(bsondoc.Element{Key: "find", Value: "widgets"}, bsondoc.Element{Key: "$db", Value: "shop"})}
	assert.Equal(t, "shop", dbOf(cmd))
}

func TestDbOfFromLegacyFullCollectionName(t *testing.T) {
	cmd := &wire.Command{Legacy: true, FullCollectionName: "shop.widgets", Body: doc()}
	assert.Equal(t, "shop", dbOf(cmd))
}

func TestCollArgReadsCommandValue(t *testing.T) {
	cmd := &wire.Command{Body: doc(bsondoc.Element{Key: "insert", Value: "widgets"})}
	coll, ok := collArg(cmd)
	assert.True(t, ok)
	assert.Equal(t, "widgets", coll)
}

func TestSessionIDOfReadsBinaryOrString(t *testing.T) {
	cmd := &wire.Command{Body: doc(bsondoc.Element{Key: "lsid", Value: doc(bsondoc.Element{Key: "id", Value: bsondoc.Binary{Data: []byte("sess-1")}})})}
	assert.Equal(t, "sess-1", sessionIDOf(cmd))

	cmd2 := &wire.Command{Body: doc(bsondoc.Element{Key: "lsid", Value: doc(bsondoc.Element{Key: "id", Value: "sess-2"})})}
	assert.Equal(t, "sess-2", sessionIDOf(cmd2))
}

func TestTxnNumberOf(t *testing.T) {
	cmd := &wire.Command{Body: doc(bsondoc.Element{Key: "txnNumber", Value: int64(42)})}
	n, ok := txnNumberOf(cmd)
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)
}

func TestInt64FieldCoercesNumericKinds(t *testing.T) {
	d := doc(bsondoc.Element{Key: "a", Value: int32(3)}, bsondoc.Element{Key: "b", Value: float64(4)})
	n, ok := int64Field(d, "a")
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)
	n, ok = int64Field(d, "b")
	assert.True(t, ok)
	assert.Equal(t, int64(4), n)
	_, ok = int64Field(d, "missing")
	assert.False(t, ok)
}

func TestIdKeyBytesDeterministic(t *testing.T) {
	b1 := idKeyBytes(int32(1))
	b2 := idKeyBytes(int32(1))
	assert.Equal(t, b1, b2)
	assert.NotEqual(t, b1, idKeyBytes(int32(2)))
}

func TestEnsureIDStampsMissingID(t *testing.T) {
	d := doc(bsondoc.Element{Key: "a", Value: int32(1)})
	out := ensureID(d)
	require.False(t, bsondoc.IsMissing(out.Lookup("_id")))
	assert.Equal(t, "_id", out.Elements()[0].Key)
}

func TestEnsureIDLeavesExistingID(t *testing.T) {
	d := doc(bsondoc.Element{Key: "_id", Value: int32(7)}, bsondoc.Element{Key: "a", Value: int32(1)})
	out := ensureID(d)
	assert.Same(t, d, out)
	assert.Equal(t, int32(7), out.Lookup("_id"))
}

func TestDeepCloneIsIndependent(t *testing.T) {
	original := doc(bsondoc.Element{Key: "tags", Value: bsondoc.NewArray("a", "b")})
	cloned, ok := deepClone(original).(*bsondoc.Document)
	require.True(t, ok)

	arr := original.Lookup("tags").(*bsondoc.Array)
	arr.Append("c")
	clonedArr := cloned.Lookup("tags").(*bsondoc.Array)
	assert.Equal(t, 3, arr.Len())
	assert.Equal(t, 2, clonedArr.Len())
}

func TestFilterOutKey(t *testing.T) {
	elems := []bsondoc.Element{{Key: "_id", Value: 1}, {Key: "a", Value: 2}}
	out := filterOutKey(elems, "_id")
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Key)
}

func TestWriteErrorDocWrapsPlainError(t *testing.T) {
	d := writeErrorDoc(3, assertErr("boom"))
	assert.Equal(t, int32(3), d.Lookup("index"))
	assert.Equal(t, oxerr.New(oxerr.KindBackend, "x").Code(), d.Lookup("code"))
	assert.Contains(t, d.Lookup("errmsg"), "boom")
}

func TestWriteErrorDocPreservesOxerrKind(t *testing.T) {
	d := writeErrorDoc(0, oxerr.New(oxerr.KindDuplicateKey, "dup"))
	assert.Equal(t, oxerr.New(oxerr.KindDuplicateKey, "x").Code(), d.Lookup("code"))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestCursorReplyShapesFirstBatch(t *testing.T) {
	docs := []*bsondoc.Document{doc(bsondoc.Element{Key: "a", Value: 1})}
	reply := cursorReply("shop", "widgets", 99, docs)
	cur, ok := reply.Lookup("cursor").(*bsondoc.Document)
	require.True(t, ok)
	assert.Equal(t, int64(99), cur.Lookup("id"))
	assert.Equal(t, "shop.widgets", cur.Lookup("ns"))
	batch, ok := cur.Lookup("firstBatch").(*bsondoc.Array)
	require.True(t, ok)
	assert.Equal(t, 1, batch.Len())
}

func TestEmptyCursorReplyHasZeroID(t *testing.T) {
	reply := emptyCursorReply("shop", "widgets")
	cur := reply.Lookup("cursor").(*bsondoc.Document)
	assert.Equal(t, int64(0), cur.Lookup("id"))
}
