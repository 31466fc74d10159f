package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/oxidedb/oxidedb/internal/bsondoc"
)

func encodeOpMsgRequest(body *bsondoc.Document) []byte {
	bodyDoc := bsondoc.Encode(body)
	payload := make([]byte, 4, 5+len(bodyDoc))
	payload = append(payload, byte(SectionBody))
	payload = append(payload, bodyDoc...)

	msg := make([]byte, HeaderSize+len(payload))
	copy(msg[HeaderSize:], payload)
	putHeader(msg, int32(len(msg)), 42, 0, OpMsg)
	return msg
}

func putHeader(buf []byte, length, requestID, responseTo int32, opcode OpCode) {
	le := func(off int, v int32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}
	le(0, length)
	le(4, requestID)
	le(8, responseTo)
	le(12, int32(opcode))
}

func TestReadCommandOpMsg(t *testing.T) {
	body := bsondoc.NewDocument(
		bsondoc.Element{Key: "ping", Value: int32(1)},
	)
	raw := encodeOpMsgRequest(body)

	cmd, err := ReadCommand(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "ping", cmd.CommandName())
	assert.Equal(t, int32(42), cmd.Header.RequestID)
	assert.False(t, cmd.Legacy)
}

func TestReadCommandRejectsOversized(t *testing.T) {
	var hdr [HeaderSize]byte
	putHeader(hdr[:], MaxMessageSize+1, 1, 0, OpMsg)
	_, err := ReadCommand(bytes.NewReader(hdr[:]))
	assert.Error(t, err)
}

func TestWriteReplyPreservesResponseTo(t *testing.T) {
	body := bsondoc.NewDocument(bsondoc.Element{Key: "ping", Value: int32(1)})
	raw := encodeOpMsgRequest(body)
	req, err := ReadCommand(bytes.NewReader(raw))
	require.NoError(t, err)

	reply := &Reply{Body: bsondoc.NewDocument(bsondoc.Element{Key: "ok", Value: 1.0})}
	out, err := WriteReply(req, reply, 99)
	require.NoError(t, err)

	respTo := int32(out[8]) | int32(out[9])<<8 | int32(out[10])<<16 | int32(out[11])<<24
	assert.Equal(t, req.Header.RequestID, respTo)

	roundTrip, err := ReadCommand(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "ok", roundTrip.CommandName())
}
