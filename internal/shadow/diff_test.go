package shadow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
)

func TestDiffDocumentsIdentical(t *testing.T) {
	a := bsondoc.NewDocument(bsondoc.Element{Key: "answer", Value: int32(42)})
	b := bsondoc.NewDocument(bsondoc.Element{Key: "answer", Value: int32(42)})
	assert.Empty(t, diffDocuments(a, b, "", defaultIgnoreTop))
}

func TestDiffDocumentsMismatch(t *testing.T) {
	a := bsondoc.NewDocument(bsondoc.Element{Key: "answer", Value: int32(42)})
	b := bsondoc.NewDocument(bsondoc.Element{Key: "answer", Value: int32(43)})
	diffs := diffDocuments(a, b, "", defaultIgnoreTop)
	assert.Len(t, diffs, 1)
	assert.Equal(t, "answer", diffs[0].Path)
}

func TestDiffDocumentsIgnoresTopLevelClusterTime(t *testing.T) {
	a := bsondoc.NewDocument(
		bsondoc.Element{Key: "ok", Value: float64(1)},
		bsondoc.Element{Key: "$clusterTime", Value: bsondoc.NewDocument()},
	)
	b := bsondoc.NewDocument(
		bsondoc.Element{Key: "ok", Value: float64(1)},
		bsondoc.Element{Key: "$clusterTime", Value: bsondoc.NewDocument(bsondoc.Element{Key: "t", Value: int64(99)})},
	)
	assert.Empty(t, diffDocuments(a, b, "", defaultIgnoreTop))
}

func TestDiffDocumentsIgnoresWildcardArray(t *testing.T) {
	a := bsondoc.NewDocument(bsondoc.Element{Key: "cursor", Value: bsondoc.NewDocument(
		bsondoc.Element{Key: "firstBatch", Value: bsondoc.NewArray(int32(1), int32(2))},
	)})
	b := bsondoc.NewDocument(bsondoc.Element{Key: "cursor", Value: bsondoc.NewDocument(
		bsondoc.Element{Key: "firstBatch", Value: bsondoc.NewArray(int32(9))},
	)})
	assert.Empty(t, diffDocuments(a, b, "", defaultIgnoreTop))
}

func TestRedactDiffsMasksSensitiveFieldNames(t *testing.T) {
	diffs := []diffEntry{{Path: "user.password", Local: "hunter2", Upstream: "other"}}
	out := redactDiffs(diffs)
	assert.Contains(t, out[0], "REDACTED")
	assert.NotContains(t, out[0], "hunter2")
}

func TestValuesEqualStrictByDefault(t *testing.T) {
	assert.False(t, valuesEqual(int32(2), float64(2.0), false))
	assert.True(t, valuesEqual(int32(2), float64(2.0), true))
}
