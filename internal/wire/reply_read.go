package wire

import (
	"encoding/binary"
	"io"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// ReadReplyDocument reads one framed reply message from r and returns
// its first document, regardless of whether the peer answered with a
// modern OP_MSG or a legacy OP_REPLY (transparently unwrapping
// OP_COMPRESSED either way). It exists for the shadow comparator
// (§4.H), which speaks to an upstream server as a client and only needs
// the reply's leading document to diff against the local answer.
func ReadReplyDocument(r io.Reader) (*bsondoc.Document, error) {
	_, header, body, err := readRawMessage(r)
	if err != nil {
		return nil, err
	}
	return decodeReplyBody(header, body)
}

func decodeReplyBody(header Header, body []byte) (*bsondoc.Document, error) {
	switch header.OpCode {
	case OpCompressed:
		if len(body) < 9 {
			return nil, oxerr.New(oxerr.KindTruncatedMessage, "truncated OP_COMPRESSED reply header")
		}
		originalOpcode := OpCode(int32(binary.LittleEndian.Uint32(body[0:4])))
		uncompressedSize := int32(binary.LittleEndian.Uint32(body[4:8]))
		compressorID := Compressor(body[8])
		inner, err := decompress(compressorID, body[9:], uncompressedSize)
		if err != nil {
			return nil, err
		}
		return decodeReplyBody(Header{OpCode: originalOpcode}, inner)
	case OpMsg:
		cmd, err := parseOpMsg(header, body)
		if err != nil {
			return nil, err
		}
		return cmd.Body, nil
	case OpReply:
		if len(body) < 20 {
			return nil, oxerr.New(oxerr.KindTruncatedMessage, "truncated OP_REPLY preamble")
		}
		doc, _, err := bsondoc.Decode(body[20:])
		if err != nil {
			return nil, err
		}
		return doc, nil
	default:
		return nil, oxerr.New(oxerr.KindUnknownOpcode, "unsupported reply opcode %s", header.OpCode)
	}
}
