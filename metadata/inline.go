package metadata

import (
	"bytes"
	"encoding/base64"
	"sort"

	"github.com/gurre/ddlog-backup/codec"
	"github.com/gurre/ddlog-backup/ddlogerr"
	"github.com/gurre/ddlog-backup/sourcedb"
)

// EncodeSchemaInline encodes a snapshot's schema tuples through the chunk
// codec and returns the result base64, so a Manifest's inline schema field
// reuses the exact wire format the tuple stream uses instead of a second
// ad-hoc encoding, per spec §4.5 step 2 ("record ... schema, config into
// manifest").
func EncodeSchemaInline(schema []sourcedb.Tuple, compressionLevel int) (string, error) {
	return encodeTuplesInline(schema, compressionLevel)
}

// DecodeSchemaInline reverses EncodeSchemaInline.
func DecodeSchemaInline(inline string) ([]sourcedb.Tuple, error) {
	return decodeTuplesInline(inline)
}

// EncodeConfigInline flattens config into pseudo-tuples (E=0, T=0, one per
// key sorted for determinism) and encodes them the same way.
func EncodeConfigInline(config map[string]sourcedb.Value, compressionLevel int) (string, error) {
	return encodeTuplesInline(configToTuples(config), compressionLevel)
}

// DecodeConfigInline reverses EncodeConfigInline.
func DecodeConfigInline(inline string) (map[string]sourcedb.Value, error) {
	tuples, err := decodeTuplesInline(inline)
	if err != nil {
		return nil, err
	}
	config := make(map[string]sourcedb.Value, len(tuples))
	for _, t := range tuples {
		config[string(t.A)] = t.V
	}
	return config, nil
}

func configToTuples(config map[string]sourcedb.Value) []sourcedb.Tuple {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tuples := make([]sourcedb.Tuple, 0, len(keys))
	for _, k := range keys {
		tuples = append(tuples, sourcedb.Tuple{E: 0, A: sourcedb.Ident(k), V: config[k], T: 0, Added: true})
	}
	return tuples
}

func encodeTuplesInline(tuples []sourcedb.Tuple, compressionLevel int) (string, error) {
	var buf bytes.Buffer
	if _, err := codec.Encode(&buf, 0, tuples, compressionLevel); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeTuplesInline(inline string) ([]sourcedb.Tuple, error) {
	if inline == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(inline)
	if err != nil {
		return nil, ddlogerr.Wrap(ddlogerr.Data, "failed decoding inline payload", err)
	}
	dec, err := codec.NewDecoder(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var tuples []sourcedb.Tuple
	for {
		t, err := dec.Next()
		if err != nil {
			break
		}
		tuples = append(tuples, t)
	}
	return tuples, nil
}
