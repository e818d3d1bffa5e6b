package rewrite

import (
	"context"
	"errors"
	"io"
	"sync"
)

const defaultReadBufferSize = 8 << 10

// ErrClosed is returned when reading from a closed Reader.
var ErrClosed = errors.New("reader closed")

// Reader rewrites the data read from an underlying reader. A Read never
// returns a partial match: it returns either bytes that are decided, or
// (part of) a replacement. A replacement that does not fit into the
// caller's buffer is returned over the following calls before any later
// input.
type Reader struct {
	ctx  context.Context
	src  io.Reader
	st   stream
	buf  []byte
	out  []byte
	rdy  []byte
	err  error
	once sync.Once

	closed bool
}

// NewReader returns a Reader applying rs to src. Reading stops with the
// context's error once ctx is done.
func NewReader(ctx context.Context, src io.Reader, rs *RuleSet) *Reader {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Reader{
		ctx: ctx,
		src: src,
		st:  stream{rs: rs},
		buf: make([]byte, defaultReadBufferSize),
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	for len(r.rdy) == 0 {
		if r.err != nil {
			return 0, r.err
		}

		select {
		case <-r.ctx.Done():
			r.err = r.ctx.Err()
			return 0, r.err
		default:
		}

		n, err := r.src.Read(r.buf)
		r.out = r.st.feed(r.out[:0], r.buf[:n])
		if err == io.EOF {
			r.out = r.st.flush(r.out)
		}
		r.rdy = r.out

		if err != nil {
			// Anything already decided is returned before the error. On
			// errors other than EOF the carried bytes are dropped.
			r.err = err
			continue
		}

		if n == 0 {
			return 0, nil
		}
	}

	n := copy(p, r.rdy)
	r.rdy = r.rdy[n:]
	return n, nil
}

// Buffered returns the number of rewritten bytes ready to be read plus the
// number of input bytes held back as a possible match.
func (r *Reader) Buffered() int {
	return len(r.rdy) + len(r.st.carry)
}

// Close closes the underlying reader if it implements io.Closer.
func (r *Reader) Close() error {
	var err error
	r.once.Do(func() {
		r.closed = true
		if c, ok := r.src.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
