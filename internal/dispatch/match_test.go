package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/translator"
)

func TestFilterStrictDropsCrossTypeNumericMatch(t *testing.T) {
	docs := []*bsondoc.Document{
		doc(bsondoc.Element{Key: "p", Value: int32(2)}),
		doc(bsondoc.Element{Key: "p", Value: 2.0}),
	}
	checks := []translator.StrictCheck{{Field: "p", Values: []any{int32(2)}}}

	out := filterStrict(docs, checks)
	assert.Len(t, out, 1)
	assert.Equal(t, int32(2), out[0].Lookup("p"))
}

func TestFilterStrictNoChecksReturnsInput(t *testing.T) {
	docs := []*bsondoc.Document{doc(bsondoc.Element{Key: "p", Value: int32(2)})}
	assert.Equal(t, docs, filterStrict(docs, nil))
}

func TestFilterStrictNegatedCheckExcludesMatch(t *testing.T) {
	docs := []*bsondoc.Document{
		doc(bsondoc.Element{Key: "p", Value: int32(2)}),
		doc(bsondoc.Element{Key: "p", Value: int32(3)}),
	}
	checks := []translator.StrictCheck{{Field: "p", Negate: true, Values: []any{int32(2)}}}

	out := filterStrict(docs, checks)
	assert.Len(t, out, 1)
	assert.Equal(t, int32(3), out[0].Lookup("p"))
}

func TestFilterStrictChecksArrayMembers(t *testing.T) {
	docs := []*bsondoc.Document{
		doc(bsondoc.Element{Key: "p", Value: bsondoc.NewArray(int32(1), int32(2))}),
		doc(bsondoc.Element{Key: "p", Value: bsondoc.NewArray(2.0)}),
	}
	checks := []translator.StrictCheck{{Field: "p", Values: []any{int32(2)}}}

	out := filterStrict(docs, checks)
	assert.Len(t, out, 1)
}

func TestSortDocsOrdersByStringAscending(t *testing.T) {
	docs := []*bsondoc.Document{
		doc(bsondoc.Element{Key: "name", Value: "bob"}),
		doc(bsondoc.Element{Key: "name", Value: "alice"}),
	}
	sortDocs(docs, []sortKey{{field: "name"}})
	assert.Equal(t, "alice", docs[0].Lookup("name"))
	assert.Equal(t, "bob", docs[1].Lookup("name"))
}

func TestSortDocsDescending(t *testing.T) {
	docs := []*bsondoc.Document{
		doc(bsondoc.Element{Key: "n", Value: int32(1)}),
		doc(bsondoc.Element{Key: "n", Value: int32(3)}),
		doc(bsondoc.Element{Key: "n", Value: int32(2)}),
	}
	sortDocs(docs, []sortKey{{field: "n", desc: true}})
	assert.Equal(t, int32(3), docs[0].Lookup("n"))
	assert.Equal(t, int32(2), docs[1].Lookup("n"))
	assert.Equal(t, int32(1), docs[2].Lookup("n"))
}

func TestSortDocsNullsSortFirst(t *testing.T) {
	docs := []*bsondoc.Document{
		doc(bsondoc.Element{Key: "n", Value: int32(1)}),
		doc(bsondoc.Element{Key: "n", Value: nil}),
	}
	sortDocs(docs, []sortKey{{field: "n"}})
	assert.Nil(t, docs[0].Lookup("n"))
}

func TestSortKeysFromDocReadsDirection(t *testing.T) {
	keys := sortKeysFromDoc(doc(
		bsondoc.Element{Key: "a", Value: int32(1)},
		bsondoc.Element{Key: "b", Value: int32(-1)},
	))
	assert.Equal(t, []sortKey{{field: "a", desc: false}, {field: "b", desc: true}}, keys)
}

func TestSliceProducerPaginatesAndAppliesProjection(t *testing.T) {
	docs := []*bsondoc.Document{
		doc(bsondoc.Element{Key: "a", Value: int32(1)}, bsondoc.Element{Key: "b", Value: int32(2)}),
		doc(bsondoc.Element{Key: "a", Value: int32(3)}, bsondoc.Element{Key: "b", Value: int32(4)}),
	}
	project := doc(bsondoc.Element{Key: "a", Value: int32(1)})
	p := &sliceProducer{docs: docs, project: project}

	first, more, err := p.Next(nil, 1)
	assert.NoError(t, err)
	assert.True(t, more)
	assert.Len(t, first, 1)
	assert.Equal(t, int32(1), first[0].Lookup("a"))
	assert.True(t, bsondoc.IsMissing(first[0].Lookup("b")))

	second, more, err := p.Next(nil, 1)
	assert.NoError(t, err)
	assert.False(t, more)
	assert.Len(t, second, 1)
}
