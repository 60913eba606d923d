package flatdb

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// how long to sleep between attempts when a lock is held by someone else
const lockRetryInterval = 50 * time.Millisecond

type logFunc func(format string, args ...any)

// shardLock is an exclusive, advisory lock over one shard, backed by a
// lock file next to the shard file. Advisory means it only serializes
// cooperating writers; it is not kernel-enforced, which is the price of
// working the same way on every OS and filesystem.
type shardLock struct {
	path     string
	token    string
	logf     logFunc
	released bool
}

func newLockToken() string {
	var b [16]byte
	_, err := rand.Read(b[:])
	panicIfErr(err)
	return hex.EncodeToString(b[:])
}

// lock file body, parseable by any process that wants to decide staleness:
//
//	token: 3e5a...
//	acquired: 1724500000000
//
// acquired is unix epoch milliseconds
func marshalLockFile(token string, acquired time.Time) []byte {
	return fmt.Appendf(nil, "token: %s\nacquired: %d\n", token, acquired.UTC().UnixMilli())
}

func parseLockFile(d []byte) (token string, acquired time.Time, err error) {
	for line := range strings.Lines(string(d)) {
		line = strings.TrimSuffix(line, "\n")
		if v, ok := strings.CutPrefix(line, "token: "); ok {
			token = v
		} else if v, ok := strings.CutPrefix(line, "acquired: "); ok {
			var ms int64
			ms, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return "", time.Time{}, fmt.Errorf("bad acquired timestamp '%s'", v)
			}
			acquired = time.Unix(0, ms*int64(time.Millisecond))
		}
	}
	if token == "" || acquired.IsZero() {
		return "", time.Time{}, fmt.Errorf("incomplete lock file")
	}
	return token, acquired, nil
}

// readLockFile reads the holder token and acquisition time of an existing
// lock file. If the body doesn't parse (e.g. a crashed writer left it
// empty) the file's mtime stands in for the acquisition time so the lock
// can still go stale.
func readLockFile(path string) (token string, acquired time.Time, err error) {
	d, err := os.ReadFile(path)
	if err != nil {
		return "", time.Time{}, err
	}
	token, acquired, perr := parseLockFile(d)
	if perr != nil {
		st, serr := os.Stat(path)
		if serr != nil {
			return "", time.Time{}, serr
		}
		return "", st.ModTime(), nil
	}
	return token, acquired, nil
}

// acquireLock takes the lock at path, waiting up to timeout for the
// current holder. A lock older than staleAfter is presumed abandoned by a
// crashed writer and taken over; the takeover is logged, never silent.
func acquireLock(path string, timeout, staleAfter time.Duration, logf logFunc) (*shardLock, error) {
	start := time.Now()
	token := newLockToken()
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := f.Write(marshalLockFile(token, time.Now()))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				if werr == nil {
					werr = cerr
				}
				return nil, fmt.Errorf("%w: writing lock '%s': %v", ErrIO, path, werr)
			}
			return &shardLock{path: path, token: token, logf: logf}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("%w: creating lock '%s': %v", ErrIO, path, err)
		}

		holder, acquired, rerr := readLockFile(path)
		if rerr == nil && time.Since(acquired) > staleAfter {
			// claim the stale file by renaming it to a unique name
			// before deleting it. of several processes reclaiming the
			// same stale lock only one rename succeeds, so a slow loser
			// can't delete the lock the winner just re-created. the
			// losers see the rename fail and go back to waiting
			claim := path + ".stale-" + token
			if os.Rename(path, claim) == nil {
				logf("flatdb: taking over stale lock '%s' (holder %s, acquired %s ago)", path, holder, time.Since(acquired).Round(time.Millisecond))
				_ = os.Remove(claim)
				continue
			}
		}
		// rerr != nil here usually means the holder released between our
		// create attempt and the read; just try again

		if time.Since(start) > timeout {
			return nil, fmt.Errorf("%w: '%s' held by %s", ErrLockTimeout, path, holder)
		}
		time.Sleep(lockRetryInterval)
	}
}

// Release removes the lock file if we still hold it. Idempotent, so it is
// safe (and intended) to defer right after a successful acquire: the lock
// is then released on every exit path. If the file now carries a
// different token a stale takeover happened while we were presumed dead;
// we must not delete the new holder's lock.
func (l *shardLock) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	token, _, err := readLockFile(l.path)
	if err != nil {
		// lock file already gone
		return
	}
	if token != l.token {
		l.logf("flatdb: not releasing lock '%s': holder token changed (stale takeover)", l.path)
		return
	}
	_ = os.Remove(l.path)
}
