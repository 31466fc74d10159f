package translator

import (
	"testing"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileFilterEmpty(t *testing.T) {
	frag, err := CompileFilter(nil)
	require.NoError(t, err)
	assert.Equal(t, "true", frag.Text)
}

func TestCompileFilterScalarEquality(t *testing.T) {
	filter := bsondoc.NewDocument(bsondoc.Element{Key: "name", Value: "alice"})
	frag, err := CompileFilter(filter)
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "jsonb_path_exists")
	assert.Equal(t, []any{"alice"}, frag.Params)
	assert.False(t, frag.EngineFallback)
}

func TestCompileFilterNumericMarksEngineFallback(t *testing.T) {
	filter := bsondoc.NewDocument(bsondoc.Element{Key: "age", Value: int32(30)})
	frag, err := CompileFilter(filter)
	require.NoError(t, err)
	assert.True(t, frag.EngineFallback)
}

func TestCompileFilterAndOr(t *testing.T) {
	filter := bsondoc.NewDocument(
		bsondoc.Element{Key: "$or", Value: bsondoc.NewArray(
			bsondoc.NewDocument(bsondoc.Element{Key: "a", Value: int32(1)}),
			bsondoc.NewDocument(bsondoc.Element{Key: "b", Value: int32(2)}),
		)},
	)
	frag, err := CompileFilter(filter)
	require.NoError(t, err)
	assert.Contains(t, frag.Text, " OR ")
}

func TestCompileFilterExists(t *testing.T) {
	filter := bsondoc.NewDocument(
		bsondoc.Element{Key: "p", Value: bsondoc.NewDocument(bsondoc.Element{Key: "$exists", Value: false})},
	)
	frag, err := CompileFilter(filter)
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "NOT (jsonb_path_exists")
}

func TestCompileFilterRegexFlags(t *testing.T) {
	filter := bsondoc.NewDocument(
		bsondoc.Element{Key: "name", Value: bsondoc.NewDocument(
			bsondoc.Element{Key: "$regex", Value: "^a"},
			bsondoc.Element{Key: "$options", Value: "i"},
		)},
	)
	frag, err := CompileFilter(filter)
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "~*")
}

func TestCompileFilterBadRegexFlag(t *testing.T) {
	filter := bsondoc.NewDocument(
		bsondoc.Element{Key: "name", Value: bsondoc.NewDocument(
			bsondoc.Element{Key: "$regex", Value: "^a"},
			bsondoc.Element{Key: "$options", Value: "z"},
		)},
	)
	_, err := CompileFilter(filter)
	require.Error(t, err)
	oxe, ok := oxerr.As(err, oxerr.KindBadRegex)
	require.True(t, ok)
	assert.Equal(t, oxerr.KindBadRegex, oxe.Kind)
}

func TestCompileFilterElemMatch(t *testing.T) {
	filter := bsondoc.NewDocument(
		bsondoc.Element{Key: "items", Value: bsondoc.NewDocument(
			bsondoc.Element{Key: "$elemMatch", Value: bsondoc.NewDocument(
				bsondoc.Element{Key: "qty", Value: bsondoc.NewDocument(bsondoc.Element{Key: "$gte", Value: int32(5)})},
			)},
		)},
	)
	frag, err := CompileFilter(filter)
	require.NoError(t, err)
	assert.Contains(t, frag.Text, "[*] ?")
	assert.Contains(t, frag.Text, "@.\"qty\" >= 5")
}

func TestCompileFilterMixedOperatorsConflict(t *testing.T) {
	filter := bsondoc.NewDocument(bsondoc.Element{Key: "$badop", Value: int32(1)})
	_, err := CompileFilter(filter)
	require.Error(t, err)
}

func TestCompileFilterNumericRecordsStrictCheck(t *testing.T) {
	filter := bsondoc.NewDocument(bsondoc.Element{Key: "age", Value: int32(30)})
	frag, err := CompileFilter(filter)
	require.NoError(t, err)
	require.Len(t, frag.StrictChecks, 1)
	assert.Equal(t, "age", frag.StrictChecks[0].Field)
	assert.False(t, frag.StrictChecks[0].Negate)
	assert.Equal(t, []any{int32(30)}, frag.StrictChecks[0].Values)
}

func TestCompileFilterAndNumericRecordsStrictCheck(t *testing.T) {
	filter := bsondoc.NewDocument(
		bsondoc.Element{Key: "$and", Value: bsondoc.NewArray(
			bsondoc.NewDocument(bsondoc.Element{Key: "age", Value: int32(30)}),
			bsondoc.NewDocument(bsondoc.Element{Key: "name", Value: "alice"}),
		)},
	)
	frag, err := CompileFilter(filter)
	require.NoError(t, err)
	require.Len(t, frag.StrictChecks, 1)
	assert.Equal(t, "age", frag.StrictChecks[0].Field)
}

func TestCompileFilterOrNumericDoesNotRecordStrictCheck(t *testing.T) {
	// A numeric clause inside $or is not unconditionally required by the
	// filter as a whole, so promoting it to a post-fetch recheck would
	// wrongly reject rows that matched through the sibling branch.
	filter := bsondoc.NewDocument(
		bsondoc.Element{Key: "$or", Value: bsondoc.NewArray(
			bsondoc.NewDocument(bsondoc.Element{Key: "age", Value: int32(30)}),
			bsondoc.NewDocument(bsondoc.Element{Key: "name", Value: "alice"}),
		)},
	)
	frag, err := CompileFilter(filter)
	require.NoError(t, err)
	assert.True(t, frag.EngineFallback)
	assert.Empty(t, frag.StrictChecks)
}

func TestCompileFilterNeRecordsNegatedStrictCheck(t *testing.T) {
	filter := bsondoc.NewDocument(
		bsondoc.Element{Key: "age", Value: bsondoc.NewDocument(bsondoc.Element{Key: "$ne", Value: int32(30)})},
	)
	frag, err := CompileFilter(filter)
	require.NoError(t, err)
	require.Len(t, frag.StrictChecks, 1)
	assert.True(t, frag.StrictChecks[0].Negate)
}

func TestCompileFilterInRecordsAggregateStrictCheck(t *testing.T) {
	filter := bsondoc.NewDocument(
		bsondoc.Element{Key: "age", Value: bsondoc.NewDocument(bsondoc.Element{Key: "$in", Value: bsondoc.NewArray(int32(1), int32(2), "x")})},
	)
	frag, err := CompileFilter(filter)
	require.NoError(t, err)
	require.Len(t, frag.StrictChecks, 1)
	assert.Equal(t, []any{int32(1), int32(2)}, frag.StrictChecks[0].Values)
}
