// Package oxerr defines the typed error kinds that cross component
// boundaries in OxideDB, along with the reference-server numeric codes
// the dispatcher maps them to on the wire.
package oxerr

import "fmt"

// Kind identifies a class of failure that the dispatcher knows how to
// turn into a wire-level reply (or a connection close).
type Kind string

const (
	KindMalformedDoc            Kind = "MalformedDoc"
	KindTruncatedMessage        Kind = "TruncatedMessage"
	KindUnknownOpcode           Kind = "UnknownOpcode"
	KindCompressionUnsupported  Kind = "CompressionUnsupported"
	KindDocTooLarge             Kind = "DocTooLarge"
	KindCommandNotFound         Kind = "CommandNotFound"
	KindBadProjection           Kind = "BadProjection"
	KindConflictingOperators    Kind = "ConflictingOperators"
	KindBadRegex                Kind = "BadRegex"
	KindImmutableIdField        Kind = "ImmutableIdField"
	KindDuplicateKey            Kind = "DuplicateKey"
	KindCursorNotFound          Kind = "CursorNotFound"
	KindNoSuchTransaction       Kind = "NoSuchTransaction"
	KindTransactionInProgress   Kind = "TransactionInProgress"
	KindTransactionTooOld       Kind = "TransactionTooOld"
	KindTransientConflict       Kind = "TransientConflict"
	KindBackend                 Kind = "Backend"
	KindNamespaceNotFound       Kind = "NamespaceNotFound"
)

// code mirrors the reference server's error codes so drivers that only
// branch on numeric code keep working against OxideDB.
var code = map[Kind]int32{
	KindMalformedDoc:           22,
	KindTruncatedMessage:       22,
	KindUnknownOpcode:          352,
	KindCompressionUnsupported: 176,
	KindDocTooLarge:            10334,
	KindCommandNotFound:        59,
	KindBadProjection:          31253,
	KindConflictingOperators:   40,
	KindBadRegex:               51091,
	KindImmutableIdField:       66,
	KindDuplicateKey:           11000,
	KindCursorNotFound:         43,
	KindNoSuchTransaction:      251,
	KindTransactionInProgress:  267,
	KindTransactionTooOld:      225,
	KindTransientConflict:      112,
	KindBackend:                1,
	KindNamespaceNotFound:      26,
}

// Error is the typed error carried between components. Handlers return
// it (or wrap it with fmt.Errorf("...: %w", err)); the dispatcher is the
// only place that renders it onto the wire.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Labels are reference-protocol error labels, e.g. "TransientTransactionError".
	Labels []string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the reference-compatible numeric error code for e.Kind.
func (e *Error) Code() int32 { return code[e.Kind] }

// New builds an *Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that chains an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithLabels attaches reference-protocol error labels (e.g. for
// TransientTransactionError) and returns the receiver for chaining.
func (e *Error) WithLabels(labels ...string) *Error {
	e.Labels = append(e.Labels, labels...)
	return e
}

// As reports whether err (or something it wraps) is an *Error of kind k,
// returning it if so.
func As(err error, k Kind) (*Error, bool) {
	for err != nil {
		if oe, ok := err.(*Error); ok {
			if oe.Kind == k {
				return oe, true
			}
			err = oe.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
