package wire

import (
	"encoding/binary"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
)

// EncodeRequest re-serializes a (possibly mutated) Command back into
// wire bytes, reusing its own request/response ids and opcode family.
// It exists for the shadow comparator (§4.H), which forwards the
// client's request to an upstream peer after optionally rewriting its
// namespace fields, recompressing with the same algorithm the client
// used.
func EncodeRequest(cmd *Command) ([]byte, error) {
	var body []byte
	var opcode OpCode
	if cmd.Legacy {
		body = encodeOpQueryRequest(cmd)
		opcode = OpQuery
	} else {
		body = encodeOpMsgRequestBody(cmd)
		opcode = OpMsg
	}

	if cmd.Compressed {
		compressed, err := compress(cmd.Compressor, body)
		if err != nil {
			return nil, err
		}
		return wrapCompressed(cmd.Header.RequestID, cmd.Header.ResponseTo, opcode, cmd.Compressor, len(body), compressed), nil
	}
	return frame(cmd.Header.RequestID, cmd.Header.ResponseTo, opcode, body), nil
}

func encodeOpMsgRequestBody(cmd *Command) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out[0:4], uint32(cmd.MsgFlags&^FlagChecksumPresent))

	out = append(out, byte(SectionBody))
	out = append(out, bsondoc.Encode(cmd.Body)...)

	for _, seq := range cmd.Sequences {
		var payload []byte
		payload = appendCStringWire(payload, seq.Identifier)
		for _, doc := range seq.Documents {
			payload = append(payload, bsondoc.Encode(doc)...)
		}
		sectionLen := make([]byte, 4)
		binary.LittleEndian.PutUint32(sectionLen, uint32(4+len(payload)))

		out = append(out, byte(SectionSequence))
		out = append(out, sectionLen...)
		out = append(out, payload...)
	}
	return out
}

func encodeOpQueryRequest(cmd *Command) []byte {
	out := make([]byte, 4)
	out = appendCStringWire(out, cmd.FullCollectionName)

	skipRet := make([]byte, 8)
	binary.LittleEndian.PutUint32(skipRet[0:4], uint32(cmd.NumberToSkip))
	binary.LittleEndian.PutUint32(skipRet[4:8], uint32(cmd.NumberToReturn))
	out = append(out, skipRet...)

	out = append(out, bsondoc.Encode(cmd.Body)...)
	if cmd.ReturnFieldsSelector != nil {
		out = append(out, bsondoc.Encode(cmd.ReturnFieldsSelector)...)
	}
	return out
}

func appendCStringWire(out []byte, s string) []byte {
	out = append(out, s...)
	return append(out, 0)
}
