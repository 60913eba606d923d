package flatdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alecthomas/assert"
)

func collectKeys(t *testing.T, db *DB[payload], prefix string) []string {
	var keys []string
	for key, err := range db.List(prefix) {
		assert.NoError(t, err)
		keys = append(keys, key)
	}
	return keys
}

func noLockFiles(t *testing.T, db *DB[payload]) {
	entries, err := os.ReadDir(db.dir)
	assert.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".lock"), "leaked lock file: %s", e.Name())
	}
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t, Options{})
	key := mkKey("ab01")

	_, err := db.Get(key)
	assert.True(t, errors.Is(err, ErrNotFound))

	gotKey, err := db.Put(key, payload{"name": "one"})
	assert.NoError(t, err)
	assert.Equal(t, key, gotKey)

	v, err := db.Get(key)
	assert.NoError(t, err)
	assert.Equal(t, payload{"name": "one"}, v)

	// explicit key: put replaces
	_, err = db.Put(key, payload{"name": "one v2"})
	assert.NoError(t, err)
	v, err = db.Get(key)
	assert.NoError(t, err)
	assert.Equal(t, payload{"name": "one v2"}, v)

	assert.NoError(t, db.Delete(key))
	_, err = db.Get(key)
	assert.True(t, errors.Is(err, ErrNotFound))

	// delete is idempotent
	assert.NoError(t, db.Delete(key))
	noLockFiles(t, db)
}

func TestPutContentDerived(t *testing.T) {
	db := openTestDB(t, Options{})

	key, err := db.Put("", payload{"name": "a"})
	assert.NoError(t, err)
	assert.NoError(t, ValidateKey(key))

	v, err := db.Get(key)
	assert.NoError(t, err)
	assert.Equal(t, payload{"name": "a"}, v)

	// same content again: same key, no error, still one record
	key2, err := db.Put("", payload{"name": "a"})
	assert.NoError(t, err)
	assert.Equal(t, key, key2)
	assert.Equal(t, 1, len(collectKeys(t, db, "")))

	assert.NoError(t, db.Delete(key))
	_, err = db.Get(key)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPutKeyConflict(t *testing.T) {
	db := openTestDB(t, Options{})

	// occupy the content-derived key of v with different content
	v := payload{"name": "a"}
	encoded, err := db.codec.EncodeValue(v)
	assert.NoError(t, err)
	key := ContentKey(encoded)
	_, err = db.Put(key, payload{"name": "not a"})
	assert.NoError(t, err)

	_, err = db.Put("", v)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrKeyConflict))
	noLockFiles(t, db)
}

func TestPutInvalidKey(t *testing.T) {
	db := openTestDB(t, Options{})
	for _, key := range []string{"short", mkKey("AB"), mkKey("zz")} {
		_, err := db.Put(key, payload{"name": "x"})
		assert.True(t, errors.Is(err, ErrInvalidKey), "key: '%s'", key)
		_, err = db.Get(key)
		assert.True(t, errors.Is(err, ErrInvalidKey), "key: '%s'", key)
		err = db.Delete(key)
		assert.True(t, errors.Is(err, ErrInvalidKey), "key: '%s'", key)
	}
}

func TestDeleteLastRecordRemovesShard(t *testing.T) {
	db := openTestDB(t, Options{})
	k1 := mkKey("ab01")
	k2 := mkKey("ab02")
	_, err := db.Put(k1, payload{"n": "1"})
	assert.NoError(t, err)
	_, err = db.Put(k2, payload{"n": "2"})
	assert.NoError(t, err)

	shardFile := filepath.Join(db.dir, "ab.rec")
	assert.NoError(t, db.Delete(k1))
	assert.True(t, fileExists(shardFile))
	assert.NoError(t, db.Delete(k2))
	assert.False(t, fileExists(shardFile))
}

func TestList(t *testing.T) {
	db := openTestDB(t, Options{})
	var want []string
	// records spread over multiple shards
	for _, prefix := range []string{"aa", "ab", "ac", "ba", "ff"} {
		for i := 0; i < 3; i++ {
			key := mkKey(fmt.Sprintf("%s%02d", prefix, i))
			_, err := db.Put(key, payload{"key": key})
			assert.NoError(t, err)
			want = append(want, key)
		}
	}

	// every key exactly once, in lexicographic order
	got := collectKeys(t, db, "")
	assert.Equal(t, want, got)

	// prefix shorter than the shard width
	got = collectKeys(t, db, "a")
	assert.Equal(t, 9, len(got))

	// prefix equal to the shard width
	got = collectKeys(t, db, "ab")
	assert.Equal(t, 3, len(got))

	// prefix longer than the shard width
	got = collectKeys(t, db, "ab01")
	assert.Equal(t, []string{mkKey("ab01")}, got)

	// no matches is an empty sequence, not an error
	got = collectKeys(t, db, "09")
	assert.Equal(t, 0, len(got))

	// the sequence is restartable
	seq := db.List("ab")
	first := []string{}
	for key, err := range seq {
		assert.NoError(t, err)
		first = append(first, key)
	}
	second := []string{}
	for key, err := range seq {
		assert.NoError(t, err)
		second = append(second, key)
	}
	assert.Equal(t, first, second)

	// early break doesn't panic or leak
	for range db.List("") {
		break
	}
}

func TestListInvalidPrefix(t *testing.T) {
	db := openTestDB(t, Options{})
	for key, err := range db.List("XY") {
		assert.Equal(t, "", key)
		assert.True(t, errors.Is(err, ErrInvalidKey))
	}
}

func TestListSkipsForeignFiles(t *testing.T) {
	db := openTestDB(t, Options{})
	key := mkKey("ab01")
	_, err := db.Put(key, payload{"n": "1"})
	assert.NoError(t, err)

	// stray files in the root directory are not shards
	for _, name := range []string{"README.md", "zz.txt", "abc.rec", "a.rec"} {
		assert.NoError(t, os.WriteFile(filepath.Join(db.dir, name), []byte("x"), 0644))
	}
	assert.Equal(t, []string{key}, collectKeys(t, db, ""))
}

func TestAll(t *testing.T) {
	db := openTestDB(t, Options{})
	want := map[string]payload{}
	for i := 0; i < 20; i++ {
		key := mkKey(fmt.Sprintf("%02x%02d", i*11, i))
		want[key] = payload{"i": fmt.Sprintf("%d", i)}
		_, err := db.Put(key, want[key])
		assert.NoError(t, err)
	}
	got, err := db.All()
	assert.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPutMany(t *testing.T) {
	db := openTestDB(t, Options{})
	items := map[string]payload{}
	for i := 0; i < 10; i++ {
		items[mkKey(fmt.Sprintf("%02x%02d", i*17, i))] = payload{"i": fmt.Sprintf("%d", i)}
	}
	added, err := db.PutMany(items, true)
	assert.NoError(t, err)
	assert.Equal(t, 10, added)

	got, err := db.All()
	assert.NoError(t, err)
	assert.Equal(t, items, got)
	noLockFiles(t, db)
}

func TestPutManyNoReplace(t *testing.T) {
	db := openTestDB(t, Options{})
	key := mkKey("ab01")
	_, err := db.Put(key, payload{"name": "original"})
	assert.NoError(t, err)

	update := map[string]payload{
		key:           {"name": "modified"},
		mkKey("ab02"): {"name": "new"},
	}
	added, err := db.PutMany(update, false)
	assert.NoError(t, err)
	assert.Equal(t, 1, added)

	v, err := db.Get(key)
	assert.NoError(t, err)
	assert.Equal(t, payload{"name": "original"}, v)
	v, err = db.Get(mkKey("ab02"))
	assert.NoError(t, err)
	assert.Equal(t, payload{"name": "new"}, v)
}

func TestCorruptShardBlocksWrites(t *testing.T) {
	db := openTestDB(t, Options{})
	garbage := []byte("garbage, not a shard")
	path := filepath.Join(db.dir, "ab.rec")
	assert.NoError(t, os.WriteFile(path, garbage, 0644))

	_, err := db.Put(mkKey("ab01"), payload{"n": "1"})
	assert.True(t, errors.Is(err, ErrShardCorrupt))
	err = db.Delete(mkKey("ab01"))
	assert.True(t, errors.Is(err, ErrShardCorrupt))

	// the corrupt file is left exactly as it was, and no lock leaks
	d, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, garbage, d)
	noLockFiles(t, db)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, Options{Dir: dir})
	key, err := db.Put("", payload{"name": "persistent"})
	assert.NoError(t, err)

	// same width: records are found again, shard mapping is pure
	db2 := openTestDB(t, Options{Dir: dir})
	v, err := db2.Get(key)
	assert.NoError(t, err)
	assert.Equal(t, payload{"name": "persistent"}, v)
}

func TestConcurrentWritersSameShard(t *testing.T) {
	db := openTestDB(t, Options{})
	var wg sync.WaitGroup
	n := 8
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := mkKey(fmt.Sprintf("ab%02d", i))
			_, err := db.Put(key, payload{"i": fmt.Sprintf("%d", i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	keys := collectKeys(t, db, "ab")
	assert.Equal(t, n, len(keys))
	noLockFiles(t, db)
}

func TestOpenValidation(t *testing.T) {
	_, err := Open[payload](Rec[payload]{}, Options{})
	assert.Error(t, err)
	_, err = Open[payload](nil, Options{Dir: t.TempDir()})
	assert.Error(t, err)
	_, err = Open[payload](Rec[payload]{}, Options{Dir: t.TempDir(), ShardWidth: 9})
	assert.Error(t, err)
	_, err = Open[payload](Rec[payload]{}, Options{Dir: t.TempDir(), Compression: "lzma"})
	assert.Error(t, err)
}

func TestShardWidth(t *testing.T) {
	// width 1: keys with the same first char share a shard file
	db, err := Open[payload](Rec[payload]{}, Options{Dir: t.TempDir(), ShardWidth: 1})
	assert.NoError(t, err)
	_, err = db.Put(mkKey("a1"), payload{"n": "1"})
	assert.NoError(t, err)
	_, err = db.Put(mkKey("a2"), payload{"n": "2"})
	assert.NoError(t, err)
	assert.True(t, fileExists(filepath.Join(db.dir, "a.rec")))

	entries, err := os.ReadDir(db.dir)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(entries))
}

func TestCodecsEndToEnd(t *testing.T) {
	for name, codec := range testCodecs() {
		db, err := Open[payload](codec, Options{Dir: t.TempDir()})
		assert.NoError(t, err, "codec: %s", name)
		key, err := db.Put("", payload{"name": "a"})
		assert.NoError(t, err, "codec: %s", name)
		v, err := db.Get(key)
		assert.NoError(t, err, "codec: %s", name)
		assert.Equal(t, payload{"name": "a"}, v, "codec: %s", name)
		assert.NoError(t, db.Delete(key), "codec: %s", name)
		_, err = db.Get(key)
		assert.True(t, errors.Is(err, ErrNotFound), "codec: %s", name)
	}
}
