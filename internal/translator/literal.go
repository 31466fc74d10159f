package translator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// decimalFromBSON normalizes a Decimal128's text form through
// shopspring/decimal so it round-trips safely into both SQL numeric
// literals and jsonpath numeric literals. Decimal128's own String()
// can render exponent notation and padding that neither target syntax
// accepts as-is; decimal.NewFromString parses the IEEE 754-2008
// decimal text format and re-renders it in plain form.
func decimalFromBSON(v bson.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Decimal{}, oxerr.Wrap(oxerr.KindBadProjection, err, "unsupported decimal128 literal %q", v.String())
	}
	return d, nil
}

// paramBinder is implemented by both the filter and update compilers
// so the literal-encoding helpers below can stay shared.
type paramBinder interface {
	bind(v any) string
}

// bindJSONScalar renders value as a jsonb-typed SQL expression bound
// through a driver parameter, annotated with an explicit cast so the
// stored JSON scalar kind matches the Go value's BSON kind (numeric,
// text, boolean). Nested documents/arrays go through toJSONInterface
// and encoding/json, then are bound as a single jsonb-cast text
// parameter.
func bindJSONScalar(c paramBinder, value bsondoc.Value) (string, error) {
	switch v := value.(type) {
	case int32:
		return fmt.Sprintf("to_jsonb(%s::numeric)", c.bind(int64(v))), nil
	case int64:
		return fmt.Sprintf("to_jsonb(%s::numeric)", c.bind(v)), nil
	case float64:
		return fmt.Sprintf("to_jsonb(%s::numeric)", c.bind(v)), nil
	case string:
		return fmt.Sprintf("to_jsonb(%s::text)", c.bind(v)), nil
	case bool:
		return fmt.Sprintf("to_jsonb(%s::boolean)", c.bind(v)), nil
	case nil:
		return "'null'::jsonb", nil
	case bson.Decimal128:
		d, err := decimalFromBSON(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("to_jsonb(%s::numeric)", c.bind(d.String())), nil
	default:
		plain, err := toJSONInterface(v)
		if err != nil {
			return "", err
		}
		encoded, err := json.Marshal(plain)
		if err != nil {
			return "", oxerr.Wrap(oxerr.KindBadProjection, err, "failed to encode literal as JSON")
		}
		return fmt.Sprintf("%s::jsonb", c.bind(string(encoded))), nil
	}
}

// ToJSONInterface exposes toJSONInterface to callers outside the
// package (the storage layer uses it to recompute a document's jsonb
// projection after an in-process mutation, rather than round-tripping
// through a SQL jsonb expression).
func ToJSONInterface(v bsondoc.Value) (any, error) {
	return toJSONInterface(v)
}

// toJSONInterface converts a bsondoc.Value into the map/slice/scalar
// shape encoding/json expects, for BSON kinds that do not already
// round-trip through json.Marshal (Document, Array, and the driver's
// ObjectID/DateTime/Regex/Timestamp/Decimal128 wrapper types render as
// their canonical string or numeric form).
func toJSONInterface(v bsondoc.Value) (any, error) {
	switch x := v.(type) {
	case *bsondoc.Document:
		out := make(map[string]any, x.Len())
		for _, el := range x.Elements() {
			conv, err := toJSONInterface(el.Value)
			if err != nil {
				return nil, err
			}
			out[el.Key] = conv
		}
		return out, nil
	case *bsondoc.Array:
		out := make([]any, 0, x.Len())
		for _, item := range x.Items() {
			conv, err := toJSONInterface(item)
			if err != nil {
				return nil, err
			}
			out = append(out, conv)
		}
		return out, nil
	case int32, int64, float64, string, bool, nil:
		return x, nil
	case bson.Decimal128:
		d, err := decimalFromBSON(x)
		if err != nil {
			return nil, err
		}
		f, _ := d.Float64()
		return f, nil
	default:
		// ObjectID, DateTime, Regex, Timestamp, Binary: render through
		// their String()/text form. Good enough for a stored literal;
		// these kinds are rarely nested inside $set payloads.
		return fmt.Sprintf("%v", x), nil
	}
}

// jsonpathLiteral renders value as an inline scalar literal suitable
// for embedding directly inside a jsonpath filter expression (used
// by $elemMatch sub-predicates, where the value sits nested inside an
// already-parameterised jsonpath string rather than at the top
// level).
func jsonpathLiteral(value bsondoc.Value) (string, error) {
	switch v := value.(type) {
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case string:
		return jsonpathStringLiteral(v), nil
	case nil:
		return "null", nil
	case bson.Decimal128:
		d, err := decimalFromBSON(v)
		if err != nil {
			return "", err
		}
		return d.String(), nil
	default:
		return "", oxerr.New(oxerr.KindBadProjection, "unsupported literal type %T in nested predicate", v)
	}
}

func jsonpathStringLiteral(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

func asInt(v bsondoc.Value) (int64, bool) {
	switch x := v.(type) {
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}
