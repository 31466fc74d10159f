package translator

import (
	"testing"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileSortAppendsTiebreak(t *testing.T) {
	sort := bsondoc.NewDocument(bsondoc.Element{Key: "age", Value: int32(-1)})
	frag, err := CompileSort(sort, nil)
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "DESC")
	assert.Contains(t, frag.Text, "id ASC")
}

func TestCompileSortEmptyIsJustTiebreak(t *testing.T) {
	frag, err := CompileSort(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "id ASC", frag.Text)
}

func TestCompileSortInvalidDirection(t *testing.T) {
	sort := bsondoc.NewDocument(bsondoc.Element{Key: "age", Value: int32(2)})
	_, err := CompileSort(sort, nil)
	require.Error(t, err)
}

func TestCompileSortIndexedKeySkipsFallback(t *testing.T) {
	sort := bsondoc.NewDocument(bsondoc.Element{Key: "age", Value: int32(1)})
	frag, err := CompileSort(sort, map[string]bool{"age": true})
	require.NoError(t, err)
	assert.False(t, frag.EngineFallback)
}
