package flatdb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/tidwall/pretty"
	"github.com/toon-format/toon-go"

	"github.com/kjk/flatdb/recfile"
)

// Codec serializes record payloads and whole shard mappings. A codec is
// picked once when opening a database and never mixed within a shard file.
//
// EncodeValue must be deterministic: content-derived keys are a hash of
// its output, and conflict detection compares its output.
type Codec[T any] interface {
	// Ext is the shard file extension, without the dot
	Ext() string
	EncodeValue(v T) ([]byte, error)
	EncodeShard(m map[string]T) ([]byte, error)
	DecodeShard(d []byte) (map[string]T, error)
}

// Rec is the default codec: a line-oriented, human-readable shard format.
// Each record is a recfile entry whose payload is the TOON encoding of the
// value. Keys are written in lexicographic order so that re-encoding the
// same mapping yields identical bytes and version-control diffs stay
// minimal.
type Rec[T any] struct{}

func (Rec[T]) Ext() string { return "rec" }

func (Rec[T]) EncodeValue(v T) ([]byte, error) {
	return toon.Marshal(v)
}

func (c Rec[T]) EncodeShard(m map[string]T) ([]byte, error) {
	var buf bytes.Buffer
	w := recfile.NewWriter(&buf)
	for _, key := range slices.Sorted(maps.Keys(m)) {
		d, err := c.EncodeValue(m[key])
		if err != nil {
			return nil, err
		}
		if _, err = w.Write(key, d); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (Rec[T]) DecodeShard(d []byte) (map[string]T, error) {
	m := map[string]T{}
	r := recfile.NewReader(bufio.NewReader(bytes.NewReader(d)))
	for r.Next() {
		var v T
		if err := toon.Unmarshal(r.Data, &v); err != nil {
			return nil, fmt.Errorf("key '%s': %w", r.Key, err)
		}
		m[r.Key] = v
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// JSON stores a shard as a single pretty-printed JSON object with sorted
// keys. Heavier than Rec but readable by anything.
type JSON[T any] struct{}

var prettyOpts = &pretty.Options{
	Width:    80,
	Indent:   "  ",
	SortKeys: true,
}

func (JSON[T]) Ext() string { return "json" }

func (JSON[T]) EncodeValue(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON[T]) EncodeShard(m map[string]T) ([]byte, error) {
	d, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return pretty.PrettyOptions(d, prettyOpts), nil
}

func (JSON[T]) DecodeShard(d []byte) (map[string]T, error) {
	m := map[string]T{}
	if err := json.Unmarshal(d, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// CBOR stores a shard as a compact binary CBOR map. Not human-readable;
// use it when shard size matters more than diffability.
type CBOR[T any] struct{}

// deterministic encoding so that identical mappings produce identical
// files and content-derived keys are stable
var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	panicIfErr(err)
}

func (CBOR[T]) Ext() string { return "cbor" }

func (CBOR[T]) EncodeValue(v T) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (CBOR[T]) EncodeShard(m map[string]T) ([]byte, error) {
	return cborEnc.Marshal(m)
}

func (CBOR[T]) DecodeShard(d []byte) (map[string]T, error) {
	m := map[string]T{}
	if err := cbor.Unmarshal(d, &m); err != nil {
		return nil, err
	}
	return m, nil
}
