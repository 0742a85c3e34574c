package rawstore

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/goabstract/gitcore/internal/errutil"
)

// Zlib wraps another RawStore, deflating values on Store and inflating
// them on Load. The zlib header (not raw deflate) matches what git
// expects for loose objects
type Zlib struct {
	inner RawStore
}

// NewZlib returns a store that compresses everything it hands to inner
func NewZlib(inner RawStore) *Zlib {
	return &Zlib{inner: inner}
}

// Store deflates r and stores the compressed bytes under key.
// The returned count is the number of UNCOMPRESSED bytes consumed
func (s *Zlib) Store(key string, r io.Reader) (int64, error) {
	pr, pw := io.Pipe()
	counted := &countingReader{r: r}

	go func() {
		zw := zlib.NewWriter(pw)
		if _, err := io.Copy(zw, counted); err != nil {
			pw.CloseWithError(err) //nolint:errcheck // the pipe never fails to close
			return
		}
		if err := zw.Close(); err != nil {
			pw.CloseWithError(err) //nolint:errcheck // the pipe never fails to close
			return
		}
		pw.Close() //nolint:errcheck // the pipe never fails to close
	}()

	if _, err := s.inner.Store(key, pr); err != nil {
		return 0, fmt.Errorf("could not store the compressed value of %q: %w", key, err)
	}
	return counted.n, nil
}

// Load returns a reader over the inflated value of key
func (s *Zlib) Load(key string) (io.ReadCloser, error) {
	compressed, err := s.inner.Load(key)
	if err != nil {
		return nil, err
	}
	zr, err := zlib.NewReader(compressed)
	if err != nil {
		compressed.Close() //nolint:errcheck // nothing we can do about it
		return nil, fmt.Errorf("could not decompress the value of %q: %w", key, err)
	}
	return &zlibReadCloser{zr: zr, raw: compressed}, nil
}

// LoadRange returns a reader over n bytes of the inflated value of
// key, starting at off. The whole prefix has to be inflated to get
// there, so a range read is O(off+n)
func (s *Zlib) LoadRange(key string, off, n int64) (io.ReadCloser, error) {
	r, err := s.Load(key)
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, r, off); err != nil && err != io.EOF {
		r.Close() //nolint:errcheck // nothing we can do about it
		return nil, fmt.Errorf("could not skip to %d in %q: %w", off, key, err)
	}
	if n < 0 {
		return r, nil
	}
	return &limitedReadCloser{
		Reader: io.LimitReader(r, n),
		closer: r,
	}, nil
}

// Has returns whether the key has a value
func (s *Zlib) Has(key string) (bool, error) {
	return s.inner.Has(key)
}

// Delete removes the value of key
func (s *Zlib) Delete(key string) error {
	return s.inner.Delete(key)
}

// Keys returns all the keys that have a value
func (s *Zlib) Keys() ([]string, error) {
	return s.inner.Keys()
}

// Size returns the UNCOMPRESSED size of the value of key.
// The value has to be fully inflated to measure it, expect O(n)
func (s *Zlib) Size(key string) (n int64, err error) {
	r, err := s.Load(key)
	if err != nil {
		return 0, err
	}
	defer errutil.Close(r, &err)

	n, err = io.Copy(io.Discard, r)
	if err != nil {
		return 0, fmt.Errorf("could not measure the value of %q: %w", key, err)
	}
	return n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type zlibReadCloser struct {
	zr  io.ReadCloser
	raw io.Closer
}

func (z *zlibReadCloser) Read(p []byte) (int, error) {
	return z.zr.Read(p)
}

func (z *zlibReadCloser) Close() error {
	zErr := z.zr.Close()
	rawErr := z.raw.Close()
	if zErr != nil {
		return zErr
	}
	return rawErr
}
