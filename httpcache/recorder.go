package httpcache

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
)

// Recorder wraps http.ResponseWriter to capture the response for caching
// while still streaming it to the client.
type Recorder struct {
	http.ResponseWriter
	statusCode  int
	Body        bytes.Buffer
	wroteHeader bool
}

// NewRecorder creates a recording response writer.
func NewRecorder(w http.ResponseWriter) *Recorder {
	return &Recorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code and forwards it.
func (r *Recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

// StatusCode returns the captured status code.
func (r *Recorder) StatusCode() int {
	return r.statusCode
}

// Write captures the body and forwards it.
func (r *Recorder) Write(b []byte) (int, error) {
	r.Body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Flush implements http.Flusher.
func (r *Recorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack delegates to the wrapped writer. Hijacked connections bypass the
// cache entirely; nothing written afterwards is captured.
func (r *Recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("hijack not supported on recording response writer")
}
