package wire

import (
	"encoding/binary"
	"io"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// ReadCommand reads one full wire message from r and returns the
// uniform Command the dispatcher operates on. A compressed envelope is
// transparently decompressed and re-entered as if the inner opcode had
// arrived directly (§4.B).
func ReadCommand(r io.Reader) (*Command, error) {
	raw, header, body, err := readRawMessage(r)
	if err != nil {
		return nil, err
	}
	return parseCommand(header, body, raw, CompressorNoop)
}

// readRawMessage reads the header and the exact remaining bytes it
// declares, enforcing the size cap before allocating the body buffer.
func readRawMessage(r io.Reader) (raw []byte, header Header, body []byte, err error) {
	var hdrBuf [HeaderSize]byte
	if _, err = io.ReadFull(r, hdrBuf[:]); err != nil {
		return nil, Header{}, nil, oxerr.Wrap(oxerr.KindTruncatedMessage, err, "failed to read message header")
	}
	header = Header{
		MessageLength: int32(binary.LittleEndian.Uint32(hdrBuf[0:4])),
		RequestID:     int32(binary.LittleEndian.Uint32(hdrBuf[4:8])),
		ResponseTo:    int32(binary.LittleEndian.Uint32(hdrBuf[8:12])),
		OpCode:        OpCode(int32(binary.LittleEndian.Uint32(hdrBuf[12:16]))),
	}
	if header.MessageLength < HeaderSize {
		return nil, header, nil, oxerr.New(oxerr.KindTruncatedMessage, "declared message length %d is smaller than the header", header.MessageLength)
	}
	if header.MessageLength > MaxMessageSize {
		return nil, header, nil, oxerr.New(oxerr.KindDocTooLarge, "message of %d bytes exceeds the %d byte cap", header.MessageLength, MaxMessageSize)
	}
	bodyLen := int(header.MessageLength) - HeaderSize
	body = make([]byte, bodyLen)
	if _, err = io.ReadFull(r, body); err != nil {
		return nil, header, nil, oxerr.Wrap(oxerr.KindTruncatedMessage, err, "failed to read message body")
	}
	raw = make([]byte, 0, header.MessageLength)
	raw = append(raw, hdrBuf[:]...)
	raw = append(raw, body...)
	return raw, header, body, nil
}

func parseCommand(header Header, body []byte, raw []byte, outerCompressor Compressor) (*Command, error) {
	switch header.OpCode {
	case OpCompressed:
		return parseCompressed(header, body, raw)
	case OpMsg:
		cmd, err := parseOpMsg(header, body)
		if err != nil {
			return nil, err
		}
		cmd.OriginalBytes = raw
		if outerCompressor != CompressorNoop {
			cmd.Compressed = true
			cmd.Compressor = outerCompressor
		}
		return cmd, nil
	case OpQuery:
		cmd, err := parseOpQuery(header, body)
		if err != nil {
			return nil, err
		}
		cmd.OriginalBytes = raw
		if outerCompressor != CompressorNoop {
			cmd.Compressed = true
			cmd.Compressor = outerCompressor
		}
		return cmd, nil
	default:
		return nil, oxerr.New(oxerr.KindUnknownOpcode, "unsupported opcode %s", header.OpCode)
	}
}

func parseCompressed(header Header, body []byte, raw []byte) (*Command, error) {
	if len(body) < 9 {
		return nil, oxerr.New(oxerr.KindTruncatedMessage, "truncated OP_COMPRESSED header")
	}
	originalOpcode := OpCode(int32(binary.LittleEndian.Uint32(body[0:4])))
	uncompressedSize := int32(binary.LittleEndian.Uint32(body[4:8]))
	compressorID := Compressor(body[8])
	compressed := body[9:]

	inner, err := decompress(compressorID, compressed, uncompressedSize)
	if err != nil {
		return nil, err
	}
	innerHeader := Header{
		MessageLength: int32(HeaderSize + len(inner)),
		RequestID:     header.RequestID,
		ResponseTo:    header.ResponseTo,
		OpCode:        originalOpcode,
	}
	cmd, err := parseCommand(innerHeader, inner, raw, compressorID)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

func parseOpMsg(header Header, body []byte) (*Command, error) {
	if len(body) < 4 {
		return nil, oxerr.New(oxerr.KindTruncatedMessage, "truncated OP_MSG flag bits")
	}
	flags := MsgFlags(binary.LittleEndian.Uint32(body[0:4]))
	pos := 4
	end := len(body)
	if flags&FlagChecksumPresent != 0 {
		if end < 4 {
			return nil, oxerr.New(oxerr.KindTruncatedMessage, "OP_MSG checksum missing")
		}
		end -= 4
	}

	cmd := &Command{Header: header, MsgFlags: flags}
	for pos < end {
		if pos >= len(body) {
			return nil, oxerr.New(oxerr.KindTruncatedMessage, "truncated OP_MSG section")
		}
		kind := SectionKind(body[pos])
		pos++
		switch kind {
		case SectionBody:
			doc, n, err := bsondoc.Decode(body[pos:end])
			if err != nil {
				return nil, err
			}
			cmd.Body = doc
			pos += n
		case SectionSequence:
			if pos+4 > end {
				return nil, oxerr.New(oxerr.KindTruncatedMessage, "truncated OP_MSG sequence header")
			}
			sectionLen := int(int32(binary.LittleEndian.Uint32(body[pos : pos+4])))
			sectionEnd := pos + sectionLen
			if sectionLen < 4 || sectionEnd > end {
				return nil, oxerr.New(oxerr.KindTruncatedMessage, "bad OP_MSG sequence length")
			}
			cur := pos + 4
			identifier, n, err := readCStringWire(body[cur:sectionEnd])
			if err != nil {
				return nil, err
			}
			cur += n
			var docs []*bsondoc.Document
			for cur < sectionEnd {
				doc, n, err := bsondoc.Decode(body[cur:sectionEnd])
				if err != nil {
					return nil, err
				}
				docs = append(docs, doc)
				cur += n
			}
			cmd.Sequences = append(cmd.Sequences, Sequence{Identifier: identifier, Documents: docs})
			pos = sectionEnd
		default:
			return nil, oxerr.New(oxerr.KindMalformedDoc, "unknown OP_MSG section kind %d", kind)
		}
	}
	if cmd.Body == nil {
		return nil, oxerr.New(oxerr.KindMalformedDoc, "OP_MSG has no type-0 body section")
	}
	return cmd, nil
}

func parseOpQuery(header Header, body []byte) (*Command, error) {
	if len(body) < 4 {
		return nil, oxerr.New(oxerr.KindTruncatedMessage, "truncated OP_QUERY flags")
	}
	flags := int32(binary.LittleEndian.Uint32(body[0:4]))
	_ = flags
	pos := 4
	ns, n, err := readCStringWire(body[pos:])
	if err != nil {
		return nil, err
	}
	pos += n
	if len(body)-pos < 8 {
		return nil, oxerr.New(oxerr.KindTruncatedMessage, "truncated OP_QUERY skip/return")
	}
	skip := int32(binary.LittleEndian.Uint32(body[pos : pos+4]))
	ret := int32(binary.LittleEndian.Uint32(body[pos+4 : pos+8]))
	pos += 8

	query, n, err := bsondoc.Decode(body[pos:])
	if err != nil {
		return nil, err
	}
	pos += n

	var selector *bsondoc.Document
	if pos < len(body) {
		selector, _, err = bsondoc.Decode(body[pos:])
		if err != nil {
			return nil, err
		}
	}

	return &Command{
		Header:               header,
		Body:                 query,
		Legacy:               true,
		FullCollectionName:   ns,
		NumberToSkip:         skip,
		NumberToReturn:       ret,
		ReturnFieldsSelector: selector,
	}, nil
}

func readCStringWire(buf []byte) (string, int, error) {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), i + 1, nil
		}
	}
	return "", 0, oxerr.New(oxerr.KindTruncatedMessage, "unterminated c-string")
}
