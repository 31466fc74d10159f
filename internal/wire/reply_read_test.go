package wire

import (
	"bytes"
	"testing"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadReplyDocumentOpMsg(t *testing.T) {
	doc := bsondoc.NewDocument(bsondoc.Element{Key: "ok", Value: float64(1)})
	encoded := encodeOpMsgRequest(doc)

	buf := make([]byte, len(encoded))
	putHeader(buf, int32(len(buf)), 1, 0, OpMsg)
	copy(buf[16:], encoded[HeaderSize:])

	got, err := ReadReplyDocument(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Lookup("ok"))
}

func TestReadReplyDocumentOpReply(t *testing.T) {
	doc := bsondoc.NewDocument(bsondoc.Element{Key: "ok", Value: float64(1)})
	docBytes := bsondoc.Encode(doc)

	preamble := make([]byte, 20)
	body := append(preamble, docBytes...)

	buf := make([]byte, 16+len(body))
	putHeader(buf, int32(len(buf)), 1, 0, OpReply)
	copy(buf[16:], body)

	got, err := ReadReplyDocument(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Lookup("ok"))
}
