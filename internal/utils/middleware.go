package utils

import (
	"io"
	"net/http"
	"sync"

	"github.com/klauspost/compress/gzip"
)

var gzipWriters = sync.Pool{
	New: func() any {
		gz, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return gz
	},
}

// GetGzipWriter returns a pooled writer that compresses into w.
func GetGzipWriter(w io.Writer) *gzip.Writer {
	gz := gzipWriters.Get().(*gzip.Writer)
	gz.Reset(w)
	return gz
}

// PutGzipWriter flushes the gzip trailer and returns gz to the pool.
func PutGzipWriter(gz *gzip.Writer) {
	_ = gz.Close()
	gz.Reset(io.Discard)
	gzipWriters.Put(gz)
}

// GzipResponseWriter sends the body through a gzip writer while headers and
// status go straight to the wrapped response.
type GzipResponseWriter struct {
	http.ResponseWriter
	Writer *gzip.Writer
}

func (w *GzipResponseWriter) WriteHeader(status int) {
	w.ResponseWriter.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(status)
}

func (w *GzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

func (w *GzipResponseWriter) Flush() {
	_ = w.Writer.Flush()
	http.NewResponseController(w.ResponseWriter).Flush()
}
