package flatdb

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/kjk/flatdb/atomicfile"
)

// Compression optionally compresses shard files on disk. Mostly useful
// with the CBOR codec; a compressed Rec shard is no longer greppable.
type Compression string

const (
	CompressNone   Compression = ""
	CompressZstd   Compression = "zstd"
	CompressBrotli Compression = "brotli"
)

// extSuffix is appended after the codec extension, e.g. "ab.cbor.zst"
func (c Compression) extSuffix() string {
	switch c {
	case CompressZstd:
		return ".zst"
	case CompressBrotli:
		return ".br"
	}
	return ""
}

func (c Compression) valid() bool {
	return c == CompressNone || c == CompressZstd || c == CompressBrotli
}

func (c Compression) compress(d []byte) ([]byte, error) {
	switch c {
	case CompressZstd:
		w, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		res := w.EncodeAll(d, nil)
		if err = w.Close(); err != nil {
			return nil, err
		}
		return res, nil
	case CompressBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(d); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return d, nil
}

func (c Compression) decompress(d []byte) ([]byte, error) {
	switch c {
	case CompressZstd:
		r, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return r.DecodeAll(d, nil)
	case CompressBrotli:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(d)))
	}
	return d, nil
}

// loadShard reads the full mapping of one shard. A missing file is an
// empty shard (shards are created lazily); an existing file that doesn't
// decode is ErrShardCorrupt, never an empty mapping, so that data loss is
// loud, not silent.
func (db *DB[T]) loadShard(shardID string) (map[string]T, error) {
	path := db.shardPath(shardID)
	d, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]T{}, nil
		}
		return nil, fmt.Errorf("%w: reading '%s': %v", ErrIO, path, err)
	}
	if d, err = db.compression.decompress(d); err != nil {
		return nil, fmt.Errorf("%w: '%s': %v", ErrShardCorrupt, path, err)
	}
	m, err := db.codec.DecodeShard(d)
	if err != nil {
		return nil, fmt.Errorf("%w: '%s': %v", ErrShardCorrupt, path, err)
	}
	return m, nil
}

// saveShard persists the full mapping of one shard atomically: encode,
// write a temp file in the same directory, fsync, rename over the shard
// path. On any failure the temp file is removed and the previous shard
// content stays intact. An empty mapping deletes the shard file so the
// root directory only lists shards that hold records.
func (db *DB[T]) saveShard(shardID string, m map[string]T) error {
	path := db.shardPath(shardID)
	if len(m) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: removing '%s': %v", ErrIO, path, err)
		}
		return nil
	}
	d, err := db.codec.EncodeShard(m)
	if err != nil {
		return fmt.Errorf("%w: encoding shard '%s': %v", ErrCodec, shardID, err)
	}
	if d, err = db.compression.compress(d); err != nil {
		return fmt.Errorf("%w: compressing shard '%s': %v", ErrCodec, shardID, err)
	}
	if err = atomicfile.WriteFile(path, d); err != nil {
		return fmt.Errorf("%w: writing '%s': %v", ErrIO, path, err)
	}
	return nil
}
