// Package flatdb is a directory-backed store for keyed records, meant for
// small to medium datasets that want human-readable, diffable,
// version-controllable files instead of a binary database engine.
//
// Records are addressed by a fixed-length hex key and grouped into shard
// files by a prefix of the key, which amortizes file operations without
// needing an index file. Shard writes go through a temp-file-and-rename
// step so readers never see a partial file, and writers to the same shard
// serialize via advisory lock files that survive (and recover from)
// crashed holders. Multiple independent processes can share one directory;
// all coordination happens through the filesystem.
package flatdb

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// Options configures a database. The zero value of everything except Dir
// gets a sensible default. Dir layout, ShardWidth and the codec are fixed
// for the life of the data: re-opening with a different width or codec
// won't find existing records (re-sharding is a maintenance operation,
// not something this package does behind your back).
type Options struct {
	// Dir is the root directory holding shard and lock files
	Dir string

	// ShardWidth is how many leading hex characters of a key pick its
	// shard, 1 to 8. Default: 2 i.e. up to 256 shard files.
	ShardWidth int

	// Compression optionally compresses shard files. Default: none.
	Compression Compression

	// LockTimeout bounds how long Put / Delete wait for a shard lock
	// before failing with ErrLockTimeout. Default: 2s.
	LockTimeout time.Duration

	// LockStaleAfter is the age past which another writer's lock is
	// presumed abandoned and taken over. Must be longer than any write
	// is expected to take. Default: 1m.
	LockStaleAfter time.Duration

	// Logf, if set, receives recoverable events (stale lock takeovers
	// etc.). Default: discard.
	Logf func(format string, args ...any)
}

// DB is a handle to one database directory. All state is in the
// directory; the handle itself is cheap and safe for concurrent use.
type DB[T any] struct {
	dir         string
	width       int
	codec       Codec[T]
	compression Compression
	lockTimeout time.Duration
	lockStale   time.Duration
	logf        logFunc
}

// Open opens (creating if needed) the database in opts.Dir using codec
// for shard files
func Open[T any](codec Codec[T], opts Options) (*DB[T], error) {
	if codec == nil {
		return nil, fmt.Errorf("codec is not set")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("Options.Dir is not set. For current directory, use '.'")
	}
	width := opts.ShardWidth
	if width == 0 {
		width = 2
	}
	if width < 1 || width > maxShardWidth {
		return nil, fmt.Errorf("Options.ShardWidth is %d, must be 1 to %d", width, maxShardWidth)
	}
	if !opts.Compression.valid() {
		return nil, fmt.Errorf("unknown Options.Compression '%s'", opts.Compression)
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating '%s': %v", ErrIO, dir, err)
	}
	db := &DB[T]{
		dir:         dir,
		width:       width,
		codec:       codec,
		compression: opts.Compression,
		lockTimeout: opts.LockTimeout,
		lockStale:   opts.LockStaleAfter,
		logf:        opts.Logf,
	}
	if db.lockTimeout <= 0 {
		db.lockTimeout = 2 * time.Second
	}
	if db.lockStale <= 0 {
		db.lockStale = time.Minute
	}
	if db.logf == nil {
		db.logf = func(format string, args ...any) {}
	}
	return db, nil
}

// Dir returns the absolute root directory of the database
func (db *DB[T]) Dir() string {
	return db.dir
}

func (db *DB[T]) shardPath(shardID string) string {
	name := shardID + "." + db.codec.Ext() + db.compression.extSuffix()
	return filepath.Join(db.dir, name)
}

func (db *DB[T]) lockPath(shardID string) string {
	return filepath.Join(db.dir, shardID+".lock")
}

func (db *DB[T]) lockShard(shardID string) (*shardLock, error) {
	return acquireLock(db.lockPath(shardID), db.lockTimeout, db.lockStale, db.logf)
}

// Put stores v and returns the key it is stored under. With key == "" the
// key is derived from the content (sha1 of the encoded value), so
// re-inserting identical content is a no-op yielding the same key and
// different content mapping to an existing key fails with ErrKeyConflict.
// With an explicit key the value replaces whatever was stored under that
// key before.
//
// Put may block up to Options.LockTimeout waiting for the shard lock.
func (db *DB[T]) Put(key string, v T) (string, error) {
	var encoded []byte
	contentDerived := key == ""
	if contentDerived {
		var err error
		if encoded, err = db.codec.EncodeValue(v); err != nil {
			return "", fmt.Errorf("%w: %v", ErrCodec, err)
		}
		key = ContentKey(encoded)
	} else if err := ValidateKey(key); err != nil {
		return "", err
	}

	shardID := shardOf(key, db.width)
	lock, err := db.lockShard(shardID)
	if err != nil {
		return "", err
	}
	defer lock.Release()

	m, err := db.loadShard(shardID)
	if err != nil {
		return "", err
	}
	if old, ok := m[key]; ok && contentDerived {
		oldEncoded, err := db.codec.EncodeValue(old)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCodec, err)
		}
		if !bytes.Equal(oldEncoded, encoded) {
			return "", fmt.Errorf("%w: key '%s' already maps to different content", ErrKeyConflict, key)
		}
		// identical content already stored, natural dedup
		return key, nil
	}
	m[key] = v
	if err = db.saveShard(shardID, m); err != nil {
		return "", err
	}
	return key, nil
}

// Get returns the record stored under key, or ErrNotFound. Get never
// takes a lock: a concurrent writer replaces the shard file atomically,
// so we read either the old or the new shard, never a mix.
func (db *DB[T]) Get(key string) (T, error) {
	var zero T
	if err := ValidateKey(key); err != nil {
		return zero, err
	}
	m, err := db.loadShard(shardOf(key, db.width))
	if err != nil {
		return zero, err
	}
	v, ok := m[key]
	if !ok {
		return zero, fmt.Errorf("%w: key '%s'", ErrNotFound, key)
	}
	return v, nil
}

// Delete removes the record stored under key. Deleting an absent key is
// a no-op, not an error. Removing the last record of a shard removes the
// shard file.
func (db *DB[T]) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	shardID := shardOf(key, db.width)
	lock, err := db.lockShard(shardID)
	if err != nil {
		return err
	}
	defer lock.Release()

	m, err := db.loadShard(shardID)
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return db.saveShard(shardID, m)
}

// PutMany stores multiple keyed records, writing each affected shard only
// once. Shards are written concurrently, each under its own lock. With
// replace false, keys that already exist keep their stored value. Returns
// the number of records written.
//
// Each shard write is atomic but the batch as a whole is not: on error
// some shards may have been updated and others not.
func (db *DB[T]) PutMany(items map[string]T, replace bool) (int, error) {
	for key := range items {
		if err := ValidateKey(key); err != nil {
			return 0, err
		}
	}
	byShard := map[string]map[string]T{}
	for key, v := range items {
		shardID := shardOf(key, db.width)
		if byShard[shardID] == nil {
			byShard[shardID] = map[string]T{}
		}
		byShard[shardID][key] = v
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		added int
		errs  []error
	)
	for shardID, batch := range byShard {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := db.updateShard(shardID, batch, replace)
			mu.Lock()
			added += n
			if err != nil {
				errs = append(errs, err)
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return added, errors.Join(errs...)
}

// updateShard merges batch into one shard under its lock
func (db *DB[T]) updateShard(shardID string, batch map[string]T, replace bool) (int, error) {
	lock, err := db.lockShard(shardID)
	if err != nil {
		return 0, err
	}
	defer lock.Release()

	m, err := db.loadShard(shardID)
	if err != nil {
		return 0, err
	}
	added := 0
	for key, v := range batch {
		if _, ok := m[key]; ok && !replace {
			continue
		}
		m[key] = v
		added++
	}
	if added == 0 {
		return 0, nil
	}
	return added, db.saveShard(shardID, m)
}

// validPrefix: lowercase hex, no longer than a key
func validPrefix(prefix string) error {
	if len(prefix) > KeyLen {
		return fmt.Errorf("%w: prefix '%s' longer than a key", ErrInvalidKey, prefix)
	}
	for i := 0; i < len(prefix); i++ {
		if !validKeyChar(prefix[i]) {
			return fmt.Errorf("%w: prefix '%s' has invalid character at position %d", ErrInvalidKey, prefix, i)
		}
	}
	return nil
}

// shardIDs lists shards on disk whose keys could start with prefix,
// sorted. Files that don't look like a shard of this database (wrong
// extension, wrong id length) are skipped, so lock files and stray
// editor droppings in the directory are harmless.
func (db *DB[T]) shardIDs(prefix string) ([]string, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading '%s': %v", ErrIO, db.dir, err)
	}
	suffix := "." + db.codec.Ext() + db.compression.extSuffix()
	var res []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		shardID, ok := strings.CutSuffix(e.Name(), suffix)
		if !ok || !validShardID(shardID, db.width) {
			continue
		}
		// a shard can hold keys with this prefix iff one of the two is
		// a prefix of the other
		if len(prefix) >= db.width {
			if shardID != prefix[:db.width] {
				continue
			}
		} else if !strings.HasPrefix(shardID, prefix) {
			continue
		}
		res = append(res, shardID)
	}
	slices.Sort(res)
	return res, nil
}

// List returns a lazy sequence of all keys starting with prefix (all keys
// if prefix is ""), in lexicographic order. The sequence is restartable:
// ranging over it again re-reads the directory. No lock is held during
// the traversal, so the result is a point-in-time snapshot per shard, not
// of the whole database. Iteration stops at the first error.
func (db *DB[T]) List(prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := validPrefix(prefix); err != nil {
			yield("", err)
			return
		}
		shards, err := db.shardIDs(prefix)
		if err != nil {
			yield("", err)
			return
		}
		for _, shardID := range shards {
			m, err := db.loadShard(shardID)
			if err != nil {
				yield("", err)
				return
			}
			for _, key := range slices.Sorted(maps.Keys(m)) {
				if !strings.HasPrefix(key, prefix) {
					continue
				}
				if !yield(key, nil) {
					return
				}
			}
		}
	}
}

// All loads every record in the database into one mapping. Convenient for
// small databases; for anything big prefer List plus Get.
func (db *DB[T]) All() (map[string]T, error) {
	shards, err := db.shardIDs("")
	if err != nil {
		return nil, err
	}
	res := map[string]T{}
	for _, shardID := range shards {
		m, err := db.loadShard(shardID)
		if err != nil {
			return nil, err
		}
		maps.Copy(res, m)
	}
	return res, nil
}
