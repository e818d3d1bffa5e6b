package rewrite

import (
	"io"
	"net/http"
)

// Writer rewrites data on its way to an underlying writer. Bytes that may
// be the beginning of a match are held back until a later Write or Close
// decides them, so Close must be called once the body is complete.
type Writer struct {
	dst io.Writer
	st  stream
	out []byte
	err error
}

// NewWriter returns a Writer applying rs to everything written to dst.
func NewWriter(dst io.Writer, rs *RuleSet) *Writer {
	return &Writer{
		dst: dst,
		st:  stream{rs: rs},
	}
}

// Write rewrites p and writes the decided part to the underlying writer.
// It reports len(p) on success; held back bytes are not an error.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	w.out = w.st.feed(w.out[:0], p)
	if err := w.emit(); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *Writer) emit() error {
	if len(w.out) == 0 {
		return nil
	}
	if _, err := w.dst.Write(w.out); err != nil {
		w.err = err
		return err
	}
	return nil
}

// Flush flushes the underlying writer when it is an http.Flusher. Held
// back bytes stay held back.
func (w *Writer) Flush() {
	if f, ok := w.dst.(http.Flusher); ok {
		f.Flush()
	}
}

// Pending returns the number of input bytes held back as a possible match.
func (w *Writer) Pending() int {
	return len(w.st.carry)
}

// Close writes out the held back bytes. It does not close the underlying
// writer.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	w.out = w.st.flush(w.out[:0])
	return w.emit()
}
