package bsondoc

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/oxidedb/oxidedb/internal/oxerr"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// MaxDocumentSize is the reference-compatible cap on an encoded document
// (§4.B reference value, 16 MiB).
const MaxDocumentSize = 16 * 1024 * 1024

// Decode parses a single length-prefixed BSON document from buf,
// returning it along with the number of bytes consumed. It fails with
// oxerr.KindMalformedDoc on truncated input, an unknown type tag,
// invalid UTF-8 in a string/cstring, or a length that disagrees with the
// trailing terminator.
func Decode(buf []byte) (*Document, int, error) {
	if len(buf) < 5 {
		return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "buffer too short for a document header")
	}
	length := int(int32(binary.LittleEndian.Uint32(buf[0:4])))
	if length < 5 {
		return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "declared document length %d is too small", length)
	}
	if length > MaxDocumentSize {
		return nil, 0, oxerr.New(oxerr.KindDocTooLarge, "document of %d bytes exceeds the %d byte cap", length, MaxDocumentSize)
	}
	if len(buf) < length {
		return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "truncated document: declared %d bytes, have %d", length, len(buf))
	}
	if buf[length-1] != 0x00 {
		return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "document is not terminated by a null byte")
	}
	doc, consumed, err := decodeElements(buf[4:length], 0)
	if err != nil {
		return nil, 0, err
	}
	if consumed != length-4-1 {
		return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "element list length mismatch")
	}
	return doc, length, nil
}

// decodeElements parses the element list up to (but excluding) the
// trailing null terminator, which it also consumes. depth guards
// against unbounded nesting driven by adversarial input.
func decodeElements(buf []byte, depth int) (*Document, int, error) {
	if depth > 200 {
		return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "document nesting too deep")
	}
	doc := &Document{}
	pos := 0
	for {
		if pos >= len(buf) {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "missing document terminator")
		}
		tag := buf[pos]
		if tag == 0x00 {
			pos++
			return doc, pos, nil
		}
		pos++
		key, n, err := readCString(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		val, n, err := decodeValue(Type(tag), buf[pos:], depth)
		if err != nil {
			return nil, 0, err
		}
		pos += n
		doc.elems = append(doc.elems, Element{Key: key, Value: val})
	}
}

func decodeValue(tag Type, buf []byte, depth int) (Value, int, error) {
	switch tag {
	case TypeDouble:
		if len(buf) < 8 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "truncated double")
		}
		bits := binary.LittleEndian.Uint64(buf[:8])
		return math.Float64frombits(bits), 8, nil
	case TypeString:
		return readLengthString(buf)
	case TypeDocument:
		if len(buf) < 4 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "truncated embedded document")
		}
		length := int(int32(binary.LittleEndian.Uint32(buf[0:4])))
		if length < 5 || length > len(buf) {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "bad embedded document length")
		}
		if buf[length-1] != 0x00 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "embedded document not null terminated")
		}
		sub, consumed, err := decodeElements(buf[4:length], depth+1)
		if err != nil {
			return nil, 0, err
		}
		if consumed != length-4-1 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "embedded document length mismatch")
		}
		return sub, length, nil
	case TypeArray:
		if len(buf) < 4 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "truncated array")
		}
		length := int(int32(binary.LittleEndian.Uint32(buf[0:4])))
		if length < 5 || length > len(buf) {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "bad array length")
		}
		if buf[length-1] != 0x00 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "array not null terminated")
		}
		sub, consumed, err := decodeElements(buf[4:length], depth+1)
		if err != nil {
			return nil, 0, err
		}
		if consumed != length-4-1 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "array length mismatch")
		}
		arr := &Array{}
		for _, e := range sub.elems {
			arr.items = append(arr.items, e.Value)
		}
		return arr, length, nil
	case TypeBinary:
		if len(buf) < 5 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "truncated binary")
		}
		length := int(int32(binary.LittleEndian.Uint32(buf[0:4])))
		subtype := buf[4]
		if length < 0 || 5+length > len(buf) {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "bad binary length")
		}
		data := append([]byte(nil), buf[5:5+length]...)
		return Binary{Subtype: subtype, Data: data}, 5 + length, nil
	case TypeObjectID:
		if len(buf) < 12 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "truncated object id")
		}
		var id bson.ObjectID
		copy(id[:], buf[:12])
		return id, 12, nil
	case TypeBool:
		if len(buf) < 1 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "truncated bool")
		}
		if buf[0] != 0 && buf[0] != 1 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "invalid bool byte %d", buf[0])
		}
		return buf[0] == 1, 1, nil
	case TypeDateTime:
		if len(buf) < 8 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "truncated datetime")
		}
		ms := int64(binary.LittleEndian.Uint64(buf[:8]))
		return bson.DateTime(ms), 8, nil
	case TypeNull:
		return nil, 0, nil
	case TypeRegex:
		pattern, n1, err := readCString(buf)
		if err != nil {
			return nil, 0, err
		}
		options, n2, err := readCString(buf[n1:])
		if err != nil {
			return nil, 0, err
		}
		return bson.Regex{Pattern: pattern, Options: options}, n1 + n2, nil
	case TypeInt32:
		if len(buf) < 4 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "truncated int32")
		}
		return int32(binary.LittleEndian.Uint32(buf[:4])), 4, nil
	case TypeTimestamp:
		if len(buf) < 8 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "truncated timestamp")
		}
		increment := binary.LittleEndian.Uint32(buf[0:4])
		seconds := binary.LittleEndian.Uint32(buf[4:8])
		return bson.Timestamp{T: seconds, I: increment}, 8, nil
	case TypeInt64:
		if len(buf) < 8 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "truncated int64")
		}
		return int64(binary.LittleEndian.Uint64(buf[:8])), 8, nil
	case TypeDecimal:
		if len(buf) < 16 {
			return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "truncated decimal128")
		}
		low := binary.LittleEndian.Uint64(buf[0:8])
		high := binary.LittleEndian.Uint64(buf[8:16])
		return bson.NewDecimal128(high, low), 16, nil
	default:
		return nil, 0, oxerr.New(oxerr.KindMalformedDoc, "unknown BSON type tag 0x%02x", byte(tag))
	}
}

func readCString(buf []byte) (string, int, error) {
	for i, b := range buf {
		if b == 0x00 {
			s := buf[:i]
			if !utf8.Valid(s) {
				return "", 0, oxerr.New(oxerr.KindMalformedDoc, "invalid UTF-8 in cstring")
			}
			return string(s), i + 1, nil
		}
	}
	return "", 0, oxerr.New(oxerr.KindMalformedDoc, "unterminated cstring")
}

func readLengthString(buf []byte) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, oxerr.New(oxerr.KindMalformedDoc, "truncated string length")
	}
	length := int(int32(binary.LittleEndian.Uint32(buf[0:4])))
	if length < 1 || 4+length > len(buf) {
		return "", 0, oxerr.New(oxerr.KindMalformedDoc, "bad string length")
	}
	if buf[4+length-1] != 0x00 {
		return "", 0, oxerr.New(oxerr.KindMalformedDoc, "string not null terminated")
	}
	s := buf[4 : 4+length-1]
	if !utf8.Valid(s) {
		return "", 0, oxerr.New(oxerr.KindMalformedDoc, "invalid UTF-8 in string")
	}
	return string(s), 4 + length, nil
}

// Encode serializes doc to its length-prefixed binary form, preserving
// insertion order exactly.
func Encode(doc *Document) []byte {
	body := encodeElements(doc)
	out := make([]byte, 4, 4+len(body)+1)
	binary.LittleEndian.PutUint32(out, uint32(len(out)+len(body)+1))
	out = append(out, body...)
	out = append(out, 0x00)
	return out
}

func encodeElements(doc *Document) []byte {
	var out []byte
	for _, e := range doc.Elements() {
		out = append(out, byte(KindOf(e.Value)))
		out = appendCString(out, e.Key)
		out = appendValue(out, e.Value)
	}
	return out
}

func appendCString(out []byte, s string) []byte {
	out = append(out, s...)
	return append(out, 0x00)
}

func appendLengthString(out []byte, s string) []byte {
	lenPos := len(out)
	out = append(out, 0, 0, 0, 0)
	out = append(out, s...)
	out = append(out, 0x00)
	binary.LittleEndian.PutUint32(out[lenPos:], uint32(len(s)+1))
	return out
}

func appendValue(out []byte, v Value) []byte {
	switch x := v.(type) {
	case nil:
		return out
	case bool:
		if x {
			return append(out, 1)
		}
		return append(out, 0)
	case int32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(x))
		return append(out, b[:]...)
	case int64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(x))
		return append(out, b[:]...)
	case float64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(x))
		return append(out, b[:]...)
	case bson.Decimal128:
		high, low := x.GetBytes()
		var b [16]byte
		binary.LittleEndian.PutUint64(b[0:8], low)
		binary.LittleEndian.PutUint64(b[8:16], high)
		return append(out, b[:]...)
	case string:
		return appendLengthString(out, x)
	case *Document:
		return append(out, Encode(x)...)
	case *Array:
		d := &Document{}
		for i, item := range x.Items() {
			d.elems = append(d.elems, Element{Key: itoa(i), Value: item})
		}
		return append(out, Encode(d)...)
	case Binary:
		lenPos := len(out)
		out = append(out, 0, 0, 0, 0, x.Subtype)
		out = append(out, x.Data...)
		binary.LittleEndian.PutUint32(out[lenPos:], uint32(len(x.Data)))
		return out
	case bson.ObjectID:
		return append(out, x[:]...)
	case bson.DateTime:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(int64(x)))
		return append(out, b[:]...)
	case bson.Regex:
		out = appendCString(out, x.Pattern)
		return appendCString(out, x.Options)
	case bson.Timestamp:
		var b [8]byte
		binary.LittleEndian.PutUint32(b[0:4], x.I)
		binary.LittleEndian.PutUint32(b[4:8], x.T)
		return append(out, b[:]...)
	default:
		panic(fmt.Sprintf("bsondoc: unsupported value type %T", v))
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
