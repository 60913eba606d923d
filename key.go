package flatdb

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// KeyLen is the length of a record key: a sha1 hash in lowercase hex
const KeyLen = 40

// maxShardWidth caps the shard selector. More than 8 hex characters of
// prefix means more shards than anyone has records, i.e. one file per
// record and nothing amortized
const maxShardWidth = 8

func validKeyChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

// ValidateKey checks that key is KeyLen lowercase hex characters.
// Upper case is rejected on purpose: "AB" and "ab" must not name
// different shard files on case-insensitive filesystems.
func ValidateKey(key string) error {
	if len(key) != KeyLen {
		return fmt.Errorf("%w: '%s' has length %d, expected %d", ErrInvalidKey, key, len(key), KeyLen)
	}
	for i := 0; i < len(key); i++ {
		if !validKeyChar(key[i]) {
			return fmt.Errorf("%w: '%s' has invalid character at position %d", ErrInvalidKey, key, i)
		}
	}
	return nil
}

// ContentKey derives the key for a record from its encoded payload
func ContentKey(encoded []byte) string {
	sum := sha1.Sum(encoded)
	return hex.EncodeToString(sum[:])
}

// shardOf maps a key to its shard id: the first width characters of the
// key. Pure function of the key, so shard membership never needs an index
// file and re-opening the database with the same width always finds
// existing records
func shardOf(key string, width int) string {
	return key[:width]
}

// validShardID returns true if s names a shard under the given width:
// exactly width hex characters. Used to skip foreign files when scanning
// the root directory
func validShardID(s string, width int) bool {
	if len(s) != width {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !validKeyChar(s[i]) {
			return false
		}
	}
	return true
}
