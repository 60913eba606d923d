package flatdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kjk/flatdb/atomicfile"
)

// FileOptions configures a FileDB
type FileOptions struct {
	// Dir is the root directory holding the stored files
	Dir string

	// Ext is the extension of stored files, without the dot.
	// Default: "bin".
	Ext string

	// ShardWidth is how many leading hex characters of a key pick the
	// subdirectory a file lives in, 1 to 8. Default: 2.
	ShardWidth int
}

// FileDB stores whole files by key, one file per record. Where DB packs
// many small records into shared shard files, FileDB is for payloads big
// enough to deserve their own file; the shard prefix of the key picks a
// subdirectory instead of a shard file, so no single directory
// accumulates thousands of entries.
//
// Layout: root/<shard>/<key>.<ext>
//
// Each write replaces one file atomically (temp file + rename), and
// there is no read-modify-write step to protect, so FileDB needs no
// lock files.
type FileDB struct {
	dir   string
	ext   string
	width int
}

// OpenFileDB opens (creating if needed) a file store in opts.Dir
func OpenFileDB(opts FileOptions) (*FileDB, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("FileOptions.Dir is not set. For current directory, use '.'")
	}
	ext := opts.Ext
	if ext == "" {
		ext = "bin"
	}
	if strings.ContainsAny(ext, "./ ") {
		return nil, fmt.Errorf("FileOptions.Ext '%s' must be an extension without the dot", ext)
	}
	width := opts.ShardWidth
	if width == 0 {
		width = 2
	}
	if width < 1 || width > maxShardWidth {
		return nil, fmt.Errorf("FileOptions.ShardWidth is %d, must be 1 to %d", width, maxShardWidth)
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating '%s': %v", ErrIO, dir, err)
	}
	return &FileDB{
		dir:   dir,
		ext:   ext,
		width: width,
	}, nil
}

// Dir returns the absolute root directory of the file store
func (fdb *FileDB) Dir() string {
	return fdb.dir
}

func (fdb *FileDB) path(key string) string {
	return filepath.Join(fdb.dir, shardOf(key, fdb.width), key+"."+fdb.ext)
}

// Get returns the path of the file stored under key, or ErrNotFound.
// The returned file is never mutated in place (writes rename a new file
// over it), so callers can read it without coordination.
func (fdb *FileDB) Get(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	path := fdb.path(key)
	if !fileExists(path) {
		return "", fmt.Errorf("%w: key '%s'", ErrNotFound, key)
	}
	return path, nil
}

// Put stores d as one file and returns the key it is stored under. With
// key == "" the key is derived from the content, and storing bytes that
// are already present is a no-op: same content, same key, same file.
// With an explicit key the file replaces whatever was stored under that
// key before.
func (fdb *FileDB) Put(key string, d []byte) (string, error) {
	contentDerived := key == ""
	if contentDerived {
		key = ContentKey(d)
	} else if err := ValidateKey(key); err != nil {
		return "", err
	}
	path := fdb.path(key)
	if contentDerived && fileExists(path) {
		// the key is a hash of the content, so an existing file under
		// this key already holds these bytes
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("%w: creating '%s': %v", ErrIO, filepath.Dir(path), err)
	}
	if err := atomicfile.WriteFile(path, d); err != nil {
		return "", fmt.Errorf("%w: writing '%s': %v", ErrIO, path, err)
	}
	return key, nil
}

// PutFile stores a copy of the file at srcPath, like Put
func (fdb *FileDB) PutFile(key string, srcPath string) (string, error) {
	d, err := os.ReadFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("%w: reading '%s': %v", ErrIO, srcPath, err)
	}
	return fdb.Put(key, d)
}

// PutFiles stores copies of many files, keyed by items' keys. Files are
// copied concurrently; on error some files may have been stored and
// others not (each individual file is still written atomically).
func (fdb *FileDB) PutFiles(items map[string]string) error {
	for key := range items {
		if err := ValidateKey(key); err != nil {
			return err
		}
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for key, srcPath := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fdb.PutFile(key, srcPath); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Delete removes the file stored under key. Deleting an absent key is a
// no-op. A subdirectory left empty is pruned.
func (fdb *FileDB) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	path := fdb.path(key)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: removing '%s': %v", ErrIO, path, err)
	}
	// only succeeds if the directory is now empty, which is what we want
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// All returns the paths of every stored file, keyed. Files and
// directories that don't belong to the store (wrong name shape, wrong
// extension) are skipped.
func (fdb *FileDB) All() (map[string]string, error) {
	res := map[string]string{}
	dirs, err := os.ReadDir(fdb.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading '%s': %v", ErrIO, fdb.dir, err)
	}
	for _, d := range dirs {
		if !d.IsDir() || !validShardID(d.Name(), fdb.width) {
			continue
		}
		subdir := filepath.Join(fdb.dir, d.Name())
		files, err := os.ReadDir(subdir)
		if err != nil {
			return nil, fmt.Errorf("%w: reading '%s': %v", ErrIO, subdir, err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			key, ok := strings.CutSuffix(f.Name(), "."+fdb.ext)
			if !ok || ValidateKey(key) != nil {
				continue
			}
			if shardOf(key, fdb.width) != d.Name() {
				continue
			}
			res[key] = filepath.Join(subdir, f.Name())
		}
	}
	return res, nil
}
