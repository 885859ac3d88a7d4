package codec

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/gurre/ddlog-backup/ddlogerr"
	"github.com/gurre/ddlog-backup/sourcedb"
)

// Header is the fixed-width prefix of an uncompressed chunk payload, per
// spec §4.2: {magic(4B), format_version(u16), chunk_id(u64), tuple_count(u32)}.
type Header struct {
	ChunkID    uint64
	TupleCount uint32
}

// EncodeResult reports the descriptor fields a chunk encode produces, which
// the caller (chunker/backup) folds into the chunk's manifest entry.
type EncodeResult struct {
	SHA256            [32]byte
	UncompressedBytes int64
	CompressedBytes   int64
	TupleCount        int
}

// Encode writes a gzip-compressed, sha256-verifiable chunk payload for
// tuples to w, interning each distinct attribute into a head-of-chunk
// dictionary so the common case (few attributes, many tuples) doesn't repeat
// attribute names per tuple. Tuples must already be sorted by the canonical
// ordering key; Encode does not sort.
func Encode(w io.Writer, chunkID uint64, tuples []sourcedb.Tuple, compressionLevel int) (EncodeResult, error) {
	var raw bytes.Buffer
	bw := bufio.NewWriter(&raw)

	var hdr [4 + 2 + 8 + 4]byte
	copy(hdr[0:4], Magic[:])
	binary.BigEndian.PutUint16(hdr[4:6], FormatVersion)
	binary.BigEndian.PutUint64(hdr[6:14], chunkID)
	binary.BigEndian.PutUint32(hdr[14:18], uint32(len(tuples)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return EncodeResult{}, ddlogerr.Wrap(ddlogerr.Data, "failed writing chunk header", err)
	}

	dictIndex := make(map[sourcedb.Ident]int)
	var dict []sourcedb.Ident
	for _, t := range tuples {
		if _, ok := dictIndex[t.A]; !ok {
			dictIndex[t.A] = len(dict)
			dict = append(dict, t.A)
		}
	}

	if err := writeUvarint(bw, uint64(len(dict))); err != nil {
		return EncodeResult{}, ddlogerr.Wrap(ddlogerr.Data, "failed writing dictionary count", err)
	}
	for _, ident := range dict {
		if err := writeBytes(bw, []byte(ident)); err != nil {
			return EncodeResult{}, ddlogerr.Wrap(ddlogerr.Data, "failed writing dictionary entry", err)
		}
	}

	for _, t := range tuples {
		if err := writeVarint(bw, t.E); err != nil {
			return EncodeResult{}, ddlogerr.Wrap(ddlogerr.Data, "failed writing entity id", err)
		}
		if err := writeUvarint(bw, uint64(dictIndex[t.A])); err != nil {
			return EncodeResult{}, ddlogerr.Wrap(ddlogerr.Data, "failed writing attribute index", err)
		}
		if err := writeValue(bw, t.V); err != nil {
			return EncodeResult{}, ddlogerr.Wrap(ddlogerr.Data, "failed writing value", err)
		}
		if err := writeVarint(bw, t.T); err != nil {
			return EncodeResult{}, ddlogerr.Wrap(ddlogerr.Data, "failed writing tx id", err)
		}
		if err := bw.WriteByte(boolByte(t.Added)); err != nil {
			return EncodeResult{}, ddlogerr.Wrap(ddlogerr.Data, "failed writing added flag", err)
		}
	}

	if err := bw.Flush(); err != nil {
		return EncodeResult{}, ddlogerr.Wrap(ddlogerr.Data, "failed flushing payload buffer", err)
	}

	sum := sha256.Sum256(raw.Bytes())

	gz, err := gzip.NewWriterLevel(w, compressionLevel)
	if err != nil {
		return EncodeResult{}, fmt.Errorf("codec: invalid compression level %d: %w", compressionLevel, err)
	}
	n, err := gz.Write(raw.Bytes())
	if err != nil {
		return EncodeResult{}, ddlogerr.Wrap(ddlogerr.Resource, "failed writing compressed payload", err)
	}
	if err := gz.Close(); err != nil {
		return EncodeResult{}, ddlogerr.Wrap(ddlogerr.Resource, "failed closing gzip writer", err)
	}

	return EncodeResult{
		SHA256:            sum,
		UncompressedBytes: int64(n),
		TupleCount:        len(tuples),
	}, nil
}

// hashingReader wraps a reader and accumulates a sha256 over every byte
// read through it, mirroring manifest.VerifyChecksums's "hash the bytes,
// compare on read" shape but as a streaming running hash instead of a
// whole-buffer MD5 comparison, since chunk payloads must decode without
// materializing in full (spec §4.2).
type hashingReader struct {
	r      io.Reader
	hasher hash.Hash
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.hasher.Write(p[:n])
	}
	return n, err
}

// Decoder streams tuples out of a chunk payload one at a time without
// materializing the full chunk, grounded on dgraph's backupReader
// chained-reader pattern (gzip wrap, then decode).
type Decoder struct {
	hashing *hashingReader
	gz      *gzip.Reader
	br      *bufio.Reader
	header  Header
	dict    []sourcedb.Ident
	read    uint32
}

// NewDecoder opens a streaming decoder over r, which must yield a gzip
// stream produced by Encode. It reads and validates the header and
// attribute dictionary eagerly; tuple bodies are read lazily via Next.
func NewDecoder(r io.Reader) (*Decoder, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, ddlogerr.Wrap(ddlogerr.Data, "failed opening gzip stream", err)
	}
	hashing := &hashingReader{r: gz, hasher: sha256.New()}
	br := bufio.NewReader(hashing)

	d := &Decoder{hashing: hashing, gz: gz, br: br}
	if err := d.readHeader(); err != nil {
		return nil, err
	}
	if err := d.readDictionary(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Decoder) readHeader() error {
	var hdr [4 + 2 + 8 + 4]byte
	if _, err := io.ReadFull(d.br, hdr[:]); err != nil {
		return ddlogerr.Wrap(ddlogerr.Data, "failed reading chunk header", err)
	}
	if !bytes.Equal(hdr[0:4], Magic[:]) {
		return ddlogerr.New(ddlogerr.Data, "bad chunk magic", nil)
	}
	version := binary.BigEndian.Uint16(hdr[4:6])
	if version != FormatVersion {
		return ddlogerr.New(ddlogerr.Fatal, "unsupported chunk format version", map[string]any{"version": version})
	}
	d.header = Header{
		ChunkID:    binary.BigEndian.Uint64(hdr[6:14]),
		TupleCount: binary.BigEndian.Uint32(hdr[14:18]),
	}
	return nil
}

func (d *Decoder) readDictionary() error {
	count, err := readUvarint(d.br)
	if err != nil {
		return ddlogerr.Wrap(ddlogerr.Data, "failed reading dictionary count", err)
	}
	d.dict = make([]sourcedb.Ident, 0, count)
	for i := uint64(0); i < count; i++ {
		b, err := readBytes(d.br)
		if err != nil {
			return ddlogerr.Wrap(ddlogerr.Data, "failed reading dictionary entry", err)
		}
		d.dict = append(d.dict, sourcedb.Ident(b))
	}
	return nil
}

// Header returns the decoded chunk header.
func (d *Decoder) Header() Header { return d.header }

// Next yields the next tuple, or io.EOF once tuple_count tuples have been
// read. Callers must call Verify after exhausting Next to confirm the
// payload's sha256 matches the chunk descriptor.
func (d *Decoder) Next() (sourcedb.Tuple, error) {
	if d.read >= d.header.TupleCount {
		return sourcedb.Tuple{}, io.EOF
	}

	e, err := readVarint(d.br)
	if err != nil {
		return sourcedb.Tuple{}, ddlogerr.Wrap(ddlogerr.Data, "failed reading entity id", err)
	}
	aIdx, err := readUvarint(d.br)
	if err != nil {
		return sourcedb.Tuple{}, ddlogerr.Wrap(ddlogerr.Data, "failed reading attribute index", err)
	}
	if aIdx >= uint64(len(d.dict)) {
		return sourcedb.Tuple{}, ddlogerr.New(ddlogerr.Data, "attribute index out of range", map[string]any{"index": aIdx})
	}
	v, err := readValue(d.br)
	if err != nil {
		return sourcedb.Tuple{}, ddlogerr.Wrap(ddlogerr.Data, "failed reading value", err)
	}
	t, err := readVarint(d.br)
	if err != nil {
		return sourcedb.Tuple{}, ddlogerr.Wrap(ddlogerr.Data, "failed reading tx id", err)
	}
	addedByte, err := d.br.ReadByte()
	if err != nil {
		return sourcedb.Tuple{}, ddlogerr.Wrap(ddlogerr.Data, "failed reading added flag", err)
	}

	d.read++
	return sourcedb.Tuple{
		E:     e,
		A:     d.dict[aIdx],
		V:     v,
		T:     t,
		Added: addedByte == 1,
	}, nil
}

// Verify confirms the accumulated sha256 over the decompressed payload
// matches expected, per spec §4.2's "verifies the sha-256 as a side effect
// upon EOF." Must be called only after Next has returned io.EOF.
func (d *Decoder) Verify(expected [32]byte) error {
	sum := d.hashing.hasher.Sum(nil)
	if !bytes.Equal(sum, expected[:]) {
		return ddlogerr.New(ddlogerr.Data, "chunk checksum mismatch", map[string]any{
			"expected": fmt.Sprintf("%x", expected),
			"actual":   fmt.Sprintf("%x", sum),
		})
	}
	return nil
}

// Close releases the underlying gzip reader.
func (d *Decoder) Close() error {
	return d.gz.Close()
}
