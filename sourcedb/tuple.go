// Package sourcedb defines the contract this module consumes from the
// Datalog engine it backs up, restores into, and migrates: the tuple shape,
// the tagged value union, and the Source/Target DB interfaces. It is the
// analogue of the teacher's aws package (aws/interfaces.go) — a thin,
// dependency-light boundary that concrete adapters implement.
package sourcedb

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Ident is an attribute keyword such as ":user/email" or ":db/txInstant".
type Ident string

// IsTxInstant reports whether this attribute is the transaction-time meta
// attribute, which sorts first within a commit per the canonical ordering
// key (§3 of the spec).
func (i Ident) IsTxInstant() bool {
	return i == TxInstantAttr
}

// TxInstantAttr is the well-known attribute carrying a commit's wall-clock
// time, present once per transaction as a meta-tuple.
const TxInstantAttr Ident = ":db/txInstant"

// Tuple is a single EAVT assertion or retraction, read-only from the source
// DB's perspective.
type Tuple struct {
	E     int64
	A     Ident
	V     Value
	T     int64
	Added bool
}

// Value is a closed tagged union over the scalar and reference types a
// Datalog tuple's value slot may hold. Modeled as a sealed interface with
// concrete member types, mirroring the teacher's types.AttributeValue
// sum-type pattern (aws/implementations.go imports the AWS SDK's own
// AttributeValue hierarchy) instead of an `any` field the codec would have
// to type-switch on blindly.
type Value interface {
	isValue()
}

// VString holds a UTF-8 string value.
type VString struct{ S string }

// VKeyword holds a keyword/ident value (distinct from VString so the codec
// can intern it through the same attribute dictionary as tuple attributes).
type VKeyword struct{ K Ident }

// VInt64 holds a 64-bit signed integer value.
type VInt64 struct{ N int64 }

// VBigDecimal holds an arbitrary-precision decimal value, represented as a
// stdlib big.Rat so numerator/denominator round-trip exactly (see
// SPEC_FULL.md for why no third-party decimal library is used here).
type VBigDecimal struct{ D *big.Rat }

// VUUID holds a UUID value.
type VUUID struct{ U uuid.UUID }

// VInstant holds a timestamp value, preserved with full time.Time
// precision (including monotonic-stripped wall time on decode).
type VInstant struct{ Time time.Time }

// VFloat64 holds an IEEE-754 double-precision float value, kept distinct
// from VBigDecimal so a source-side double is never silently widened into
// or narrowed from an arbitrary-precision decimal on roundtrip.
type VFloat64 struct{ F float64 }

// VBool holds a boolean value.
type VBool struct{ B bool }

// VBytes holds an opaque byte-array value.
type VBytes struct{ B []byte }

// VRef holds a reference to another entity (a nested `e`), distinguished
// from VInt64 so the codec and any downstream tooling can tell "this number
// is an entity id" from "this number is data."
type VRef struct{ E int64 }

func (VString) isValue()     {}
func (VKeyword) isValue()    {}
func (VInt64) isValue()      {}
func (VBigDecimal) isValue() {}
func (VUUID) isValue()       {}
func (VInstant) isValue()    {}
func (VFloat64) isValue()    {}
func (VBool) isValue()       {}
func (VBytes) isValue()      {}
func (VRef) isValue()        {}
