package recfile

/*
Line-oriented container for key / payload entries.

Each entry is framed as:

	--- ${size} ${key}\n
	${payload}\n

${size} is the length of the payload in bytes. For readability, if the
payload doesn't end with a newline we add one after it (and skip it when
reading) so that the next header always starts on a fresh line. The format
is deliberately free of timestamps or other varying metadata: writing the
same entries twice produces identical bytes, which keeps the files diffable
and version-control friendly.
*/

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var hdrPrefix = []byte("--- ")

// ValidKey returns an error if key can't be used in an entry header.
// Keys are single-line and space-free because the header is space-separated.
func ValidKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if strings.ContainsAny(key, " \n") {
		return fmt.Errorf("key '%s' contains space or newline", key)
	}
	return nil
}

// AppendEntry appends a framed entry for key with payload d to buf
func AppendEntry(buf *bytes.Buffer, key string, d []byte) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	// it's ok to estimate more, estimating less will require an alloc
	buf.Grow(len(hdrPrefix) + len(key) + len(d) + 24)
	buf.Write(hdrPrefix)
	buf.WriteString(strconv.Itoa(len(d)))
	buf.WriteByte(' ')
	buf.WriteString(key)
	buf.WriteByte('\n')
	if len(d) > 0 {
		buf.Write(d)
		if d[len(d)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return nil
}

// Writer writes framed entries to an io.Writer
type Writer struct {
	w   io.Writer
	buf bytes.Buffer
}

// NewWriter creates a Writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write writes one entry. Returns the number of bytes written
// (payload plus framing)
func (w *Writer) Write(key string, d []byte) (int, error) {
	// most entries are small. if the buffer got big serving an outlier,
	// don't keep it around
	if w.buf.Cap() > 100*1024 && len(d) < 50*1024 {
		w.buf = bytes.Buffer{}
	}
	w.buf.Reset()
	if err := AppendEntry(&w.buf, key, d); err != nil {
		return 0, err
	}
	return w.w.Write(w.buf.Bytes())
}

// Reader reads framed entries sequentially
type Reader struct {
	r *bufio.Reader

	// Key and Data are set after each successful Next().
	// Data is only valid until the following Next().
	Key  string
	Data []byte

	err  error
	done bool
}

// NewReader creates a Reader
func NewReader(r *bufio.Reader) *Reader {
	return &Reader{r: r}
}

// Next advances to the next entry. Returns false at the end of input or on
// error; check Err() to tell the two apart.
func (r *Reader) Next() bool {
	if r.err != nil || r.done {
		return false
	}
	hdr, err := r.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF {
			if len(hdr) > 0 {
				r.err = fmt.Errorf("truncated header '%s'", string(hdr))
			}
			r.done = true
		} else {
			r.err = err
		}
		return false
	}
	rest, ok := bytes.CutPrefix(hdr, hdrPrefix)
	if !ok {
		r.err = fmt.Errorf("unexpected header '%s'", string(hdr))
		return false
	}
	rest = rest[:len(rest)-1] // remove '\n' from end
	sizeStr, key, ok := bytes.Cut(rest, []byte{' '})
	if !ok {
		r.err = fmt.Errorf("unexpected header '%s'", string(hdr))
		return false
	}
	size, err := strconv.ParseInt(string(sizeStr), 10, 64)
	if err != nil || size < 0 || len(key) == 0 {
		r.err = fmt.Errorf("unexpected header '%s'", string(hdr))
		return false
	}
	r.Key = string(key)

	// re-use r.Data across entries as long as it doesn't grow too much
	if cap(r.Data) > 1024*1024 {
		r.Data = nil
	}
	if size > int64(cap(r.Data)) {
		r.Data = make([]byte, size)
	} else {
		r.Data = r.Data[:size]
	}
	if _, err = io.ReadFull(r.r, r.Data); err != nil {
		r.err = fmt.Errorf("truncated payload for key '%s': %w", r.Key, err)
		return false
	}

	// skip the newline we added after the payload, mirrors the logic in
	// AppendEntry. the files are hand-editable so verify it really is a
	// newline: anything else means the size in the header is wrong
	n := len(r.Data)
	if n > 0 && r.Data[n-1] != '\n' {
		b, err := r.r.ReadByte()
		if err != nil {
			r.err = fmt.Errorf("truncated payload for key '%s': missing trailing newline", r.Key)
			return false
		}
		if b != '\n' {
			r.err = fmt.Errorf("expected newline after payload for key '%s', got 0x%02x", r.Key, b)
			return false
		}
	}
	return true
}

// Err returns the error from the last Next. io.EOF is swallowed to make
// the read loop easier to write
func (r *Reader) Err() error {
	return r.err
}
