package wire

import "github.com/oxidedb/oxidedb/internal/bsondoc"

// Sequence is a named array of documents carried by an OP_MSG type-1
// section (the "payload sequence", e.g. insert's documents array).
type Sequence struct {
	Identifier string
	Documents  []*bsondoc.Document
}

// Command is the uniform object the framer hands to the dispatcher,
// regardless of whether it arrived as a modern OP_MSG or a legacy
// OP_QUERY (§4.B). The dispatcher never branches on opcode again after
// this point.
type Command struct {
	Header Header

	// Body is the single command document: the OP_MSG type-0 section,
	// or the legacy query object for OP_QUERY.
	Body *bsondoc.Document

	// Sequences holds any OP_MSG type-1 payload sequences, empty for
	// legacy requests.
	Sequences []Sequence

	// Legacy-only fields, populated when the request arrived as OP_QUERY.
	Legacy               bool
	FullCollectionName   string
	NumberToSkip         int32
	NumberToReturn       int32
	ReturnFieldsSelector *bsondoc.Document

	// MsgFlags holds the OP_MSG flag bits (zero for legacy requests).
	MsgFlags MsgFlags

	// Compressed and Compressor record whether this request arrived
	// wrapped in OP_COMPRESSED, and with which algorithm, so the
	// matching reply can be compressed the same way.
	Compressed bool
	Compressor Compressor

	// OriginalBytes is the full, verbatim wire message as received,
	// including any OP_COMPRESSED wrapper — needed unmodified by the
	// shadow comparator (§4.H), which forwards original bytes rather
	// than a re-encoding unless it rewrites namespace fields.
	OriginalBytes []byte
}

// Sequence looks up a named payload sequence, if any.
func (c *Command) Sequence(name string) ([]*bsondoc.Document, bool) {
	for _, s := range c.Sequences {
		if s.Identifier == name {
			return s.Documents, true
		}
	}
	return nil, false
}

// CommandName returns the name of the command: the first key of Body.
func (c *Command) CommandName() string {
	if c.Body == nil || c.Body.Len() == 0 {
		return ""
	}
	return c.Body.Elements()[0].Key
}

// Reply is the uniform reply the dispatcher builds; the framer encodes
// it back into the same opcode family the request used.
type Reply struct {
	Body *bsondoc.Document

	// Legacy reply fields, used only when replying to an OP_QUERY.
	Legacy         bool
	ResponseFlags  int32
	CursorID       int64
	StartingFrom   int32
	Docs           []*bsondoc.Document

	// Compressed/Compressor mirror the request's so WriteReply can
	// compress the outgoing bytes identically (§4.B invariant).
	Compressed bool
	Compressor Compressor
}
