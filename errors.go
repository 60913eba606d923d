package flatdb

import "errors"

// Every public operation either succeeds or returns an error wrapping
// exactly one of these, so callers can classify failures with errors.Is.
var (
	// ErrInvalidKey means a caller-supplied key is not KeyLen lowercase
	// hex characters
	ErrInvalidKey = errors.New("invalid key format")

	// ErrKeyConflict means a content-derived key already maps to
	// different content
	ErrKeyConflict = errors.New("key conflict")

	// ErrNotFound means there is no record under the given key
	ErrNotFound = errors.New("not found")

	// ErrShardCorrupt means a shard file exists but doesn't decode.
	// This is never treated as an empty shard: doing so would silently
	// discard data
	ErrShardCorrupt = errors.New("shard corrupt")

	// ErrLockTimeout means a shard lock couldn't be acquired within
	// Options.LockTimeout
	ErrLockTimeout = errors.New("lock timeout")

	// ErrIO wraps read / write / rename failures. The previous shard
	// content is intact when a write fails with ErrIO
	ErrIO = errors.New("i/o failure")

	// ErrCodec wraps encode / decode failures of record payloads
	ErrCodec = errors.New("codec failure")
)
