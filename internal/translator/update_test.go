package translator

import (
	"testing"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileUpdateSet(t *testing.T) {
	update := bsondoc.NewDocument(
		bsondoc.Element{Key: "$set", Value: bsondoc.NewDocument(bsondoc.Element{Key: "name", Value: "bob"})},
	)
	frag, err := CompileUpdate(update)
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "jsonb_set(doc")
	assert.Equal(t, ShapeJSONExpr, frag.Shape)
}

func TestCompileUpdateInc(t *testing.T) {
	update := bsondoc.NewDocument(
		bsondoc.Element{Key: "$inc", Value: bsondoc.NewDocument(bsondoc.Element{Key: "n", Value: int32(1)})},
	)
	frag, err := CompileUpdate(update)
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "COALESCE((doc->>'n')::numeric, 0)")
}

func TestCompileUpdateImmutableID(t *testing.T) {
	update := bsondoc.NewDocument(
		bsondoc.Element{Key: "$set", Value: bsondoc.NewDocument(bsondoc.Element{Key: "_id", Value: int32(1)})},
	)
	_, err := CompileUpdate(update)
	require.Error(t, err)
	oxe, ok := oxerr.As(err, oxerr.KindImmutableIdField)
	require.True(t, ok)
	assert.Equal(t, oxerr.KindImmutableIdField, oxe.Kind)
}

func TestCompileUpdateConflictingOperators(t *testing.T) {
	update := bsondoc.NewDocument(
		bsondoc.Element{Key: "$set", Value: bsondoc.NewDocument(bsondoc.Element{Key: "a", Value: int32(1)})},
		bsondoc.Element{Key: "$inc", Value: bsondoc.NewDocument(bsondoc.Element{Key: "a", Value: int32(1)})},
	)
	_, err := CompileUpdate(update)
	require.Error(t, err)
	_, ok := oxerr.As(err, oxerr.KindConflictingOperators)
	require.True(t, ok)
}

func TestCompileUpdatePushAndPull(t *testing.T) {
	push := bsondoc.NewDocument(
		bsondoc.Element{Key: "$push", Value: bsondoc.NewDocument(bsondoc.Element{Key: "tags", Value: "x"})},
	)
	frag, err := CompileUpdate(push)
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "jsonb_build_array")

	pull := bsondoc.NewDocument(
		bsondoc.Element{Key: "$pull", Value: bsondoc.NewDocument(bsondoc.Element{Key: "tags", Value: "x"})},
	)
	frag, err = CompileUpdate(pull)
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "jsonb_array_elements")
}

func TestCompileUpdateRename(t *testing.T) {
	update := bsondoc.NewDocument(
		bsondoc.Element{Key: "$rename", Value: bsondoc.NewDocument(bsondoc.Element{Key: "old", Value: "new"})},
	)
	frag, err := CompileUpdate(update)
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "#-")
	assert.Contains(t, frag.Text, "jsonb_set")
}
