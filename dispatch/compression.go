package dispatch

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"
)

// gzipPool is the teacher's handlers/compression/gzip.go sync.Pool reuse
// of gzip.Writer, adapted here so WriteResult/WriteStream can compress
// large JSON/stream bodies without allocating a writer per call.
var gzipPool = &sync.Pool{New: func() any { return gzip.NewWriter(nil) }}

// compressingWriter wraps an http.ResponseWriter the same way the
// teacher's compressingWriter did: Write goes through a pooled
// gzip.Writer, Close flushes it back to the wrapped writer and returns
// the gzip.Writer to the pool.
type compressingWriter struct {
	http.ResponseWriter
	gz *gzip.Writer
}

func (cw *compressingWriter) Write(b []byte) (int, error) {
	return cw.gz.Write(b)
}

func (cw *compressingWriter) Close() error {
	err := cw.gz.Flush()
	gzipPool.Put(cw.gz)
	return err
}

func (cw *compressingWriter) Flush() {
	cw.gz.Flush()
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MaybeCompress wraps w in a gzip-compressing writer when r declares
// gzip Accept-Encoding, returning the writer to use and a close func that
// must run after the response body is fully written (mirrors the
// teacher's ServeHTTP/Finalize split between starting and flushing
// compression). When the client doesn't accept gzip, it returns w
// unchanged and a no-op close func.
func MaybeCompress(w http.ResponseWriter, r *http.Request) (http.ResponseWriter, func() error) {
	w.Header().Add("Vary", "Accept-Encoding")
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return w, func() error { return nil }
	}
	gz := gzipPool.Get().(*gzip.Writer)
	gz.Reset(w)
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Del("Content-Length")
	cw := &compressingWriter{ResponseWriter: w, gz: gz}
	return cw, cw.Close
}

var _ io.Writer = (*compressingWriter)(nil)
