package wire

import (
	"encoding/binary"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
)

// WriteReply encodes a Reply into the wire bytes for the given request,
// mirroring the request's opcode family, compression, and the
// response-to/request-id invariant every reply must satisfy (§8).
func WriteReply(req *Command, reply *Reply, requestID int32) ([]byte, error) {
	var body []byte
	var opcode OpCode

	if req.Legacy {
		body = encodeLegacyReply(reply)
		opcode = OpReply
	} else {
		body = encodeOpMsgReply(reply)
		opcode = OpMsg
	}

	compressor := CompressorNoop
	if req.Compressed {
		compressor = req.Compressor
	}
	if compressor != CompressorNoop {
		compressed, err := compress(compressor, body)
		if err != nil {
			return nil, err
		}
		return wrapCompressed(requestID, req.Header.RequestID, opcode, compressor, len(body), compressed), nil
	}

	return frame(requestID, req.Header.RequestID, opcode, body), nil
}

// frame prepends the standard 16-byte header to body.
func frame(requestID, responseTo int32, opcode OpCode, body []byte) []byte {
	out := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(HeaderSize+len(body)))
	binary.LittleEndian.PutUint32(out[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(out[8:12], uint32(responseTo))
	binary.LittleEndian.PutUint32(out[12:16], uint32(opcode))
	copy(out[HeaderSize:], body)
	return out
}

// wrapCompressed frames an OP_COMPRESSED envelope around an already
// compressed inner body.
func wrapCompressed(requestID, responseTo int32, innerOpcode OpCode, c Compressor, uncompressedSize int, compressed []byte) []byte {
	inner := make([]byte, 9+len(compressed))
	binary.LittleEndian.PutUint32(inner[0:4], uint32(innerOpcode))
	binary.LittleEndian.PutUint32(inner[4:8], uint32(uncompressedSize))
	inner[8] = byte(c)
	copy(inner[9:], compressed)
	return frame(requestID, responseTo, OpCompressed, inner)
}

// encodeOpMsgReply builds an OP_MSG body carrying a single type-0
// section; oxidedb never streams multiple payload sequences back.
func encodeOpMsgReply(reply *Reply) []byte {
	var flags MsgFlags
	bodyDoc := bsondoc.Encode(reply.Body)

	out := make([]byte, 4, 4+1+len(bodyDoc))
	binary.LittleEndian.PutUint32(out[0:4], uint32(flags))
	out = append(out, byte(SectionBody))
	out = append(out, bodyDoc...)
	return out
}

// encodeLegacyReply builds an OP_REPLY body for clients still speaking
// OP_QUERY.
func encodeLegacyReply(reply *Reply) []byte {
	docs := reply.Docs
	if len(docs) == 0 && reply.Body != nil {
		docs = []*bsondoc.Document{reply.Body}
	}

	out := make([]byte, 20)
	binary.LittleEndian.PutUint32(out[0:4], uint32(reply.ResponseFlags))
	binary.LittleEndian.PutUint64(out[4:12], uint64(reply.CursorID))
	binary.LittleEndian.PutUint32(out[12:16], uint32(reply.StartingFrom))
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(docs)))
	for _, d := range docs {
		out = append(out, bsondoc.Encode(d)...)
	}
	return out
}
