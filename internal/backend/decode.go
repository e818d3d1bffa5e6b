package backend

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding lists the content encodings the client can decode.
const AcceptEncoding = "gzip, deflate, br, zstd"

var zstdPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return dec
	},
}

// Encoded reports whether the response body is still content encoded.
func Encoded(h http.Header) bool {
	ce := strings.TrimSpace(h.Get("Content-Encoding"))
	return ce != "" && !strings.EqualFold(ce, "identity")
}

// decodeBody replaces an encoded response body with its decoded stream and
// removes Content-Encoding and Content-Length. Unknown encodings are left
// untouched.
func decodeBody(resp *http.Response) error {
	ce := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if ce == "" || ce == "identity" {
		return nil
	}

	var (
		r       io.Reader
		release func()
		err     error
	)
	switch ce {
	case "gzip", "x-gzip":
		r, err = gzip.NewReader(resp.Body)
	case "deflate":
		r, err = newDeflateReader(resp.Body)
	case "br":
		r = brotli.NewReader(resp.Body)
	case "zstd":
		dec := zstdPool.Get().(*zstd.Decoder)
		if err = dec.Reset(resp.Body); err == nil {
			r = dec
			release = func() {
				_ = dec.Reset(nil)
				zstdPool.Put(dec)
			}
		}
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("decoding %s body: %w", ce, err)
	}

	resp.Body = &decodedBody{Reader: r, closer: resp.Body, release: release}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// newDeflateReader decodes HTTP deflate, which is zlib framed. Some servers
// send a raw deflate stream instead, so the zlib header is checked first.
func newDeflateReader(body io.Reader) (io.Reader, error) {
	br := bufio.NewReader(body)
	hdr, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if len(hdr) == 2 && hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

// decodedBody wraps the decoder with the original body's Close.
type decodedBody struct {
	io.Reader
	closer  io.Closer
	release func()
	once    sync.Once
}

func (b *decodedBody) Close() error {
	b.once.Do(func() {
		if b.release != nil {
			b.release()
		}
	})
	return b.closer.Close()
}
