// Package bsondoc implements OxideDB's document codec: the ordered,
// typed key/value record that is the unit of storage (§4.A). It is
// deliberately independent of go.mongodb.org/mongo-driver's own BSON
// codec (which round-trips into Go structs via reflection) — OxideDB
// needs the raw ordered element list, dotted-path lookup that
// distinguishes "missing" from "null", and byte-exact round trips, none
// of which the struct-tag codec is built for. It reuses the driver's
// primitive value types (ObjectID, Decimal128, Regex, Timestamp, …) so
// the 12-byte object id and 128-bit decimal formats are not
// hand-rolled.
package bsondoc

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Type tags the kind of value held by an Element, mirroring the BSON
// wire type byte.
type Type byte

const (
	TypeDouble    Type = 0x01
	TypeString    Type = 0x02
	TypeDocument  Type = 0x03
	TypeArray     Type = 0x04
	TypeBinary    Type = 0x05
	TypeObjectID  Type = 0x07
	TypeBool      Type = 0x08
	TypeDateTime  Type = 0x09
	TypeNull      Type = 0x0A
	TypeRegex     Type = 0x0B
	TypeInt32     Type = 0x10
	TypeTimestamp Type = 0x11
	TypeInt64     Type = 0x12
	TypeDecimal   Type = 0x13
)

// Missing is the sentinel value returned by Get/Lookup when a dotted
// path does not resolve to anything — distinct from an explicit Null.
var Missing = missingType{}

type missingType struct{}

// Binary is the opaque byte blob value (BSON binary, generic subtype by
// default).
type Binary struct {
	Subtype byte
	Data    []byte
}

// Element is one ordered (name, typed-value) pair.
type Element struct {
	Key   string
	Value Value
}

// Value is any one of the fourteen value kinds. It is represented as an
// interface{} holding one of:
//
//	nil (explicit Null), bool, int32, int64, float64, bson.Decimal128,
//	string, *Document, *Array, Binary, bson.ObjectID, bson.DateTime,
//	bson.Regex, bson.Timestamp
type Value = any

// Document is an ordered sequence of elements; key order is preserved
// on every round trip.
type Document struct {
	elems []Element
}

// NewDocument builds a Document from the given elements, preserving order.
func NewDocument(elems ...Element) *Document {
	return &Document{elems: append([]Element(nil), elems...)}
}

// Append adds an element to the end of the document and returns it for chaining.
func (d *Document) Append(key string, v Value) *Document {
	d.elems = append(d.elems, Element{Key: key, Value: v})
	return d
}

// Len returns the number of top-level elements.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.elems)
}

// Elements returns the ordered element slice. Callers must not mutate it.
func (d *Document) Elements() []Element {
	if d == nil {
		return nil
	}
	return d.elems
}

// Lookup returns the top-level value for key, or Missing if absent.
func (d *Document) Lookup(key string) Value {
	if d == nil {
		return Missing
	}
	for _, e := range d.elems {
		if e.Key == key {
			return e.Value
		}
	}
	return Missing
}

// Set overwrites the value at key if present, or appends it otherwise.
func (d *Document) Set(key string, v Value) {
	for i := range d.elems {
		if d.elems[i].Key == key {
			d.elems[i].Value = v
			return
		}
	}
	d.Append(key, v)
}

// Delete removes the element at key, if present.
func (d *Document) Delete(key string) {
	for i, e := range d.elems {
		if e.Key == key {
			d.elems = append(d.elems[:i], d.elems[i+1:]...)
			return
		}
	}
}

// Array is an ordered array value; BSON encodes it as a document whose
// keys are the decimal string indices "0", "1", ….
type Array struct {
	items []Value
}

// NewArray builds an Array from the given values.
func NewArray(items ...Value) *Array {
	return &Array{items: append([]Value(nil), items...)}
}

func (a *Array) Len() int {
	if a == nil {
		return 0
	}
	return len(a.items)
}

func (a *Array) Items() []Value {
	if a == nil {
		return nil
	}
	return a.items
}

func (a *Array) Append(v Value) *Array {
	a.items = append(a.items, v)
	return a
}

// IsMissing reports whether v is the Missing sentinel.
func IsMissing(v Value) bool {
	_, ok := v.(missingType)
	return ok
}

// IsNull reports whether v is an explicit BSON null.
func IsNull(v Value) bool {
	return v == nil
}

// KindOf returns the wire Type tag for v, or TypeNull if v is nil/Missing
// is handled separately by callers (Missing never appears inside a
// stored Document — only as a Lookup/Get return value).
func KindOf(v Value) Type {
	switch v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBool
	case int32:
		return TypeInt32
	case int64:
		return TypeInt64
	case float64:
		return TypeDouble
	case bson.Decimal128:
		return TypeDecimal
	case string:
		return TypeString
	case *Document:
		return TypeDocument
	case *Array:
		return TypeArray
	case Binary:
		return TypeBinary
	case bson.ObjectID:
		return TypeObjectID
	case bson.DateTime:
		return TypeDateTime
	case bson.Regex:
		return TypeRegex
	case bson.Timestamp:
		return TypeTimestamp
	default:
		return TypeNull
	}
}

// IsNumeric reports whether v is one of the three numeric kinds
// (int32, int64, double). Decimal128 is intentionally excluded from the
// fast numeric path — §4.A only promises numeric_equal for the
// fixed-width numeric kinds; decimal comparisons go through the
// translator's shopspring/decimal bridge instead.
func IsNumeric(v Value) bool {
	switch v.(type) {
	case int32, int64, float64:
		return true
	default:
		return false
	}
}

// NumericEqual reports whether a and b are both numeric and their
// mathematical value agrees, ignoring BSON subtype. Callers opt into
// this explicitly (e.g. the shadow comparator's numeric-equivalence
// mode) — the default comparison everywhere else is type-strict.
func NumericEqual(a, b Value) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return aok && bok && af == bf
}

func asFloat(v Value) (float64, bool) {
	switch x := v.(type) {
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
