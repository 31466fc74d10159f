package translator

import (
	"testing"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileProjectionInclusion(t *testing.T) {
	proj := bsondoc.NewDocument(bsondoc.Element{Key: "name", Value: int32(1)})
	frag, err := CompileProjection(proj)
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "jsonb_build_object")
	assert.Contains(t, frag.Text, "'_id', doc->'_id'")
	assert.Contains(t, frag.Text, "'name'")
}

func TestCompileProjectionExcludeID(t *testing.T) {
	proj := bsondoc.NewDocument(
		bsondoc.Element{Key: "_id", Value: int32(0)},
		bsondoc.Element{Key: "name", Value: int32(1)},
	)
	frag, err := CompileProjection(proj)
	require.NoError(t, err)
	assert.NotContains(t, frag.Text, "'_id'")
}

func TestCompileProjectionExclusion(t *testing.T) {
	proj := bsondoc.NewDocument(bsondoc.Element{Key: "secret", Value: int32(0)})
	frag, err := CompileProjection(proj)
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "#-")
}

func TestCompileProjectionMixedFails(t *testing.T) {
	proj := bsondoc.NewDocument(
		bsondoc.Element{Key: "a", Value: int32(1)},
		bsondoc.Element{Key: "b", Value: int32(0)},
	)
	_, err := CompileProjection(proj)
	require.Error(t, err)
}

func TestCompileProjectionEmptyPassesThrough(t *testing.T) {
	frag, err := CompileProjection(nil)
	require.NoError(t, err)
	assert.Equal(t, "doc", frag.Text)
}
