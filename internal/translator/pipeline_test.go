package translator

import (
	"testing"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAggregationPipelinePushdownChain(t *testing.T) {
	stages := []*bsondoc.Document{
		bsondoc.NewDocument(bsondoc.Element{Key: "$match", Value: bsondoc.NewDocument(
			bsondoc.Element{Key: "active", Value: true},
		)}),
		bsondoc.NewDocument(bsondoc.Element{Key: "$sort", Value: bsondoc.NewDocument(
			bsondoc.Element{Key: "age", Value: int32(1)},
		)}),
		bsondoc.NewDocument(bsondoc.Element{Key: "$limit", Value: int32(10)}),
	}

	plan, err := CompileAggregationPipeline(stages, `"mdb_test"."people"`)
	require.NoError(t, err)
	require.Len(t, plan.Segments, 1)
	assert.Equal(t, StagePushdown, plan.Segments[0].Kind)
	require.Len(t, plan.Segments[0].CTEs, 3)
	assert.Contains(t, plan.Segments[0].CTEs[0].SQL, `"mdb_test"."people"`)
	assert.Contains(t, plan.Segments[0].CTEs[1].SQL, "stage_0")
	assert.Contains(t, plan.Segments[0].CTEs[2].SQL, "LIMIT 10")
}

func TestCompileAggregationPipelineSplitsOnEngineStage(t *testing.T) {
	stages := []*bsondoc.Document{
		bsondoc.NewDocument(bsondoc.Element{Key: "$match", Value: bsondoc.NewDocument(
			bsondoc.Element{Key: "active", Value: true},
		)}),
		bsondoc.NewDocument(bsondoc.Element{Key: "$facet", Value: bsondoc.NewDocument()}),
		bsondoc.NewDocument(bsondoc.Element{Key: "$limit", Value: int32(5)}),
	}

	plan, err := CompileAggregationPipeline(stages, "base")
	require.NoError(t, err)
	require.Len(t, plan.Segments, 2)
	assert.Equal(t, StagePushdown, plan.Segments[0].Kind)
	assert.Equal(t, StageEngine, plan.Segments[1].Kind)
	assert.Len(t, plan.Segments[1].Stages, 2)
}

func TestCompileAggregationPipelineGroupStage(t *testing.T) {
	stages := []*bsondoc.Document{
		bsondoc.NewDocument(bsondoc.Element{Key: "$group", Value: bsondoc.NewDocument(
			bsondoc.Element{Key: "_id", Value: "$category"},
			bsondoc.Element{Key: "total", Value: bsondoc.NewDocument(bsondoc.Element{Key: "$sum", Value: "$amount"})},
		)}),
	}
	plan, err := CompileAggregationPipeline(stages, "base")
	require.NoError(t, err)
	require.Len(t, plan.Segments, 1)
	require.Len(t, plan.Segments[0].CTEs, 1)
	sql := plan.Segments[0].CTEs[0].SQL
	assert.Contains(t, sql, "GROUP BY grp_id")
	assert.Contains(t, sql, "sum(")
}

func TestCompileAggregationPipelineEqualityLookupPushed(t *testing.T) {
	stages := []*bsondoc.Document{
		bsondoc.NewDocument(bsondoc.Element{Key: "$lookup", Value: bsondoc.NewDocument(
			bsondoc.Element{Key: "from", Value: "orders"},
			bsondoc.Element{Key: "localField", Value: "customerId"},
			bsondoc.Element{Key: "foreignField", Value: "_id"},
			bsondoc.Element{Key: "as", Value: "orders"},
		)}),
	}
	plan, err := CompileAggregationPipeline(stages, "base")
	require.NoError(t, err)
	require.Len(t, plan.Segments, 1)
	assert.Equal(t, StagePushdown, plan.Segments[0].Kind)
}
