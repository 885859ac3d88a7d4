// Package codec implements the chunk payload format (C2): a binary
// tuple encoding with an attribute dictionary, wrapped in gzip, hashed with
// sha256. Grounded on itemimage.JSONDecoder's tagged-decode shape
// (itemimage/itemimage.go) generalized from DynamoDB's JSON export format to
// a compact binary encoding, and on dgraph's backupReader chained-reader
// pattern for the streaming wrap/unwrap.
package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/gurre/ddlog-backup/ddlogerr"
	"github.com/gurre/ddlog-backup/sourcedb"
)

// Magic identifies a chunk payload, per spec §4.2.
var Magic = [4]byte{'D', 'L', 'G', 'C'}

// FormatVersion is the current wire format version.
const FormatVersion uint16 = 1

// Value tags, one byte each, preceding each tagged value's payload.
const (
	tagString     byte = 1
	tagKeyword    byte = 2
	tagInt64      byte = 3
	tagBigDecimal byte = 4
	tagUUID       byte = 5
	tagInstant    byte = 6
	tagBool       byte = 7
	tagBytes      byte = 8
	tagRef        byte = 9
	tagFloat64    byte = 10
)

func writeUvarint(w *bufio.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func writeVarint(w *bufio.Writer, v int64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func writeBytes(w *bufio.Writer, b []byte) error {
	if err := writeUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readUvarint(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func readVarint(r io.ByteReader) (int64, error) {
	return binary.ReadVarint(r)
}

// writeFloat64 writes v's IEEE-754 bit pattern verbatim, fixed-width and
// big-endian, so a double never passes through a varint or decimal
// conversion that could round or truncate it.
func writeFloat64(w *bufio.Writer, v float64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	_, err := w.Write(buf[:])
	return err
}

func readFloat64(r *bufio.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil
}

func readBytes(r *bufio.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeValue(w *bufio.Writer, v sourcedb.Value) error {
	switch val := v.(type) {
	case sourcedb.VString:
		if err := w.WriteByte(tagString); err != nil {
			return err
		}
		return writeBytes(w, []byte(val.S))
	case sourcedb.VKeyword:
		if err := w.WriteByte(tagKeyword); err != nil {
			return err
		}
		return writeBytes(w, []byte(val.K))
	case sourcedb.VInt64:
		if err := w.WriteByte(tagInt64); err != nil {
			return err
		}
		return writeVarint(w, val.N)
	case sourcedb.VBigDecimal:
		if err := w.WriteByte(tagBigDecimal); err != nil {
			return err
		}
		num := val.D.Num().Bytes()
		denom := val.D.Denom().Bytes()
		neg := val.D.Sign() < 0
		if err := w.WriteByte(boolByte(neg)); err != nil {
			return err
		}
		if err := writeBytes(w, num); err != nil {
			return err
		}
		return writeBytes(w, denom)
	case sourcedb.VUUID:
		if err := w.WriteByte(tagUUID); err != nil {
			return err
		}
		b := val.U
		_, err := w.Write(b[:])
		return err
	case sourcedb.VInstant:
		if err := w.WriteByte(tagInstant); err != nil {
			return err
		}
		return writeVarint(w, val.Time.UnixNano())
	case sourcedb.VBool:
		if err := w.WriteByte(tagBool); err != nil {
			return err
		}
		return w.WriteByte(boolByte(val.B))
	case sourcedb.VBytes:
		if err := w.WriteByte(tagBytes); err != nil {
			return err
		}
		return writeBytes(w, val.B)
	case sourcedb.VRef:
		if err := w.WriteByte(tagRef); err != nil {
			return err
		}
		return writeVarint(w, val.E)
	case sourcedb.VFloat64:
		if err := w.WriteByte(tagFloat64); err != nil {
			return err
		}
		return writeFloat64(w, val.F)
	default:
		return fmt.Errorf("codec: unknown value type %T", v)
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func readValue(r *bufio.Reader) (sourcedb.Value, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagString:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return sourcedb.VString{S: string(b)}, nil
	case tagKeyword:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return sourcedb.VKeyword{K: sourcedb.Ident(b)}, nil
	case tagInt64:
		n, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		return sourcedb.VInt64{N: n}, nil
	case tagBigDecimal:
		negByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		numBytes, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		denomBytes, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		num := new(big.Int).SetBytes(numBytes)
		denom := new(big.Int).SetBytes(denomBytes)
		if negByte == 1 {
			num.Neg(num)
		}
		rat := new(big.Rat).SetFrac(num, denom)
		return sourcedb.VBigDecimal{D: rat}, nil
	case tagUUID:
		var buf [16]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		id, err := uuid.FromBytes(buf[:])
		if err != nil {
			return nil, err
		}
		return sourcedb.VUUID{U: id}, nil
	case tagInstant:
		ns, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		return sourcedb.VInstant{Time: time.Unix(0, ns).UTC()}, nil
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return sourcedb.VBool{B: b == 1}, nil
	case tagBytes:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return sourcedb.VBytes{B: b}, nil
	case tagRef:
		e, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		return sourcedb.VRef{E: e}, nil
	case tagFloat64:
		f, err := readFloat64(r)
		if err != nil {
			return nil, err
		}
		return sourcedb.VFloat64{F: f}, nil
	default:
		return nil, ddlogerr.New(ddlogerr.Data, "unknown value tag", map[string]any{"tag": tag})
	}
}
