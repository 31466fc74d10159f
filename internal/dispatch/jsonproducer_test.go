package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
)

func TestParseJSONDocumentPreservesKeyOrder(t *testing.T) {
	doc, err := parseJSONDocument([]byte(`{"z": 1, "a": 2, "m": 3}`))
	require.NoError(t, err)
	require.Equal(t, 3, doc.Len())
	assert.Equal(t, "z", doc.Elements()[0].Key)
	assert.Equal(t, "a", doc.Elements()[1].Key)
	assert.Equal(t, "m", doc.Elements()[2].Key)
}

func TestParseJSONDocumentIntegersStayIntegral(t *testing.T) {
	doc, err := parseJSONDocument([]byte(`{"count": 42}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), doc.Lookup("count"))
}

func TestParseJSONDocumentFloatsStayFloats(t *testing.T) {
	doc, err := parseJSONDocument([]byte(`{"price": 3.5}`))
	require.NoError(t, err)
	assert.Equal(t, 3.5, doc.Lookup("price"))
}

func TestParseJSONDocumentNestedArrayAndDocument(t *testing.T) {
	doc, err := parseJSONDocument([]byte(`{"tags": ["a", "b"], "addr": {"city": "nyc"}}`))
	require.NoError(t, err)

	arr, ok := doc.Lookup("tags").(*bsondoc.Array)
	require.True(t, ok)
	assert.Equal(t, 2, arr.Len())

	sub, ok := doc.Lookup("addr").(*bsondoc.Document)
	require.True(t, ok)
	assert.Equal(t, "nyc", sub.Lookup("city"))
}

func TestParseJSONDocumentRejectsNonObjectTop(t *testing.T) {
	_, err := parseJSONDocument([]byte(`[1,2,3]`))
	assert.Error(t, err)
}
