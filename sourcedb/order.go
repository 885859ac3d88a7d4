package sourcedb

import "strings"

// OrderKey is the canonical ordering key described in §3: within a commit,
// the tx-time meta-tuple sorts first, then by attribute, then entity.
// Keyword comparison is byte-wise UTF-8 (§9 DESIGN NOTES decides this
// explicitly, rather than leaving it locale-dependent).
type OrderKey struct {
	T        int64
	TxFirst  int // 0 if A.IsTxInstant(), else 1
	A        Ident
	E        int64
}

// KeyOf computes the ordering key for a tuple.
func KeyOf(t Tuple) OrderKey {
	txFirst := 1
	if t.A.IsTxInstant() {
		txFirst = 0
	}
	return OrderKey{T: t.T, TxFirst: txFirst, A: t.A, E: t.E}
}

// Less implements the total order used by the chunker (within a chunk) and
// the restore engine's k-way merge (across chunks).
func (k OrderKey) Less(other OrderKey) bool {
	if k.T != other.T {
		return k.T < other.T
	}
	if k.TxFirst != other.TxFirst {
		return k.TxFirst < other.TxFirst
	}
	if k.A != other.A {
		return strings.Compare(string(k.A), string(other.A)) < 0
	}
	return k.E < other.E
}
