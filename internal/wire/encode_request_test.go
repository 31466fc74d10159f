package wire

import (
	"bytes"
	"testing"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequestRoundTripsOpMsg(t *testing.T) {
	original := &Command{
		Header: Header{RequestID: 7, ResponseTo: 0},
		Body:   bsondoc.NewDocument(bsondoc.Element{Key: "find", Value: "coll"}, bsondoc.Element{Key: "$db", Value: "test"}),
		Sequences: []Sequence{
			{Identifier: "documents", Documents: []*bsondoc.Document{
				bsondoc.NewDocument(bsondoc.Element{Key: "a", Value: int32(1)}),
			}},
		},
	}

	encoded, err := EncodeRequest(original)
	require.NoError(t, err)

	roundTripped, err := ReadCommand(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.Equal(t, "find", roundTripped.CommandName())
	assert.Equal(t, "test", roundTripped.Body.Lookup("$db"))

	docs, ok := roundTripped.Sequence("documents")
	require.True(t, ok)
	require.Len(t, docs, 1)
	assert.Equal(t, int32(1), docs[0].Lookup("a"))
}

func TestEncodeRequestRoundTripsLegacyOpQuery(t *testing.T) {
	original := &Command{
		Header:             Header{RequestID: 9},
		Body:               bsondoc.NewDocument(bsondoc.Element{Key: "ping", Value: int32(1)}),
		Legacy:             true,
		FullCollectionName: "admin.$cmd",
		NumberToReturn:     1,
	}

	encoded, err := EncodeRequest(original)
	require.NoError(t, err)

	roundTripped, err := ReadCommand(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.True(t, roundTripped.Legacy)
	assert.Equal(t, "admin.$cmd", roundTripped.FullCollectionName)
	assert.Equal(t, "ping", roundTripped.CommandName())
}
