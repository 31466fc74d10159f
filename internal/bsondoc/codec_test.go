package bsondoc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id := bson.ObjectID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	doc := NewDocument(
		Element{Key: "_id", Value: id},
		Element{Key: "name", Value: "alice"},
		Element{Key: "age", Value: int32(30)},
		Element{Key: "score", Value: 1.5},
		Element{Key: "big", Value: int64(1 << 40)},
		Element{Key: "active", Value: true},
		Element{Key: "nothing", Value: nil},
		Element{Key: "tags", Value: NewArray("a", "b", int32(3))},
		Element{Key: "nested", Value: NewDocument(Element{Key: "x", Value: int32(1)})},
		Element{Key: "when", Value: bson.DateTime(1700000000000)},
		Element{Key: "re", Value: bson.Regex{Pattern: "^a", Options: "i"}},
		Element{Key: "ts", Value: bson.Timestamp{T: 5, I: 2}},
		Element{Key: "blob", Value: Binary{Subtype: 0, Data: []byte{1, 2, 3}}},
		Element{Key: "dec", Value: bson.NewDecimal128(0, 42)},
	)

	encoded := Encode(doc)
	decoded, n, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)

	reencoded := Encode(decoded)
	assert.Equal(t, encoded, reencoded, "round trip must be byte-exact")

	assert.Equal(t, "alice", decoded.Lookup("name"))
	assert.Equal(t, int32(30), decoded.Lookup("age"))
	assert.True(t, IsNull(decoded.Lookup("nothing")))
	assert.True(t, IsMissing(decoded.Lookup("absent")))
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeUnknownType(t *testing.T) {
	doc := NewDocument(Element{Key: "x", Value: int32(1)})
	buf := Encode(doc)
	buf[4] = 0xEE // clobber the type tag of the first element
	_, _, err := Decode(buf)
	assert.Error(t, err)
}

func TestGetDottedPath(t *testing.T) {
	doc := NewDocument(
		Element{Key: "a", Value: NewDocument(
			Element{Key: "b", Value: NewDocument(
				Element{Key: "c", Value: int32(7)},
			)},
		)},
	)
	assert.Equal(t, int32(7), Get(doc, "a.b.c"))
	assert.True(t, IsMissing(Get(doc, "a.b.d")))
	assert.True(t, IsMissing(Get(doc, "a.z.c")))
}

func TestNumericEqual(t *testing.T) {
	assert.True(t, NumericEqual(int32(2), 2.0))
	assert.True(t, NumericEqual(int64(2), int32(2)))
	assert.False(t, NumericEqual(int32(2), "2"))
	assert.False(t, NumericEqual(nil, int32(0)))
}
