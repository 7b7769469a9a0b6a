package httpcache

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var _ http.Hijacker = (*Recorder)(nil)

func TestRecorder_CapturesStatusAndBody(t *testing.T) {
	under := httptest.NewRecorder()
	rec := NewRecorder(under)

	rec.WriteHeader(http.StatusTeapot)
	rec.WriteHeader(http.StatusOK) // second call is ignored
	rec.Write([]byte("hello"))

	if rec.StatusCode() != http.StatusTeapot {
		t.Errorf("captured status %d, want %d", rec.StatusCode(), http.StatusTeapot)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("captured body %q", rec.Body.String())
	}
	if under.Code != http.StatusTeapot || under.Body.String() != "hello" {
		t.Error("response not forwarded to the underlying writer")
	}
}

func TestRecorder_HijackNonHijackableWriter(t *testing.T) {
	// httptest.ResponseRecorder is not an http.Hijacker: the wrapper must
	// surface an error rather than panic.
	rec := NewRecorder(httptest.NewRecorder())
	conn, rw, err := rec.Hijack()
	if err == nil {
		t.Error("expected an error from a non-hijackable writer")
	}
	if conn != nil || rw != nil {
		t.Error("expected nil connection on failure")
	}
}
