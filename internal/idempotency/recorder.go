package idempotency

import (
	"bytes"
	"net/http"
)

// storedHeaders are the response headers captured for replay. Everything
// else (dates, tracing, connection management) is regenerated per response.
var storedHeaders = []string{"Content-Type", "Location"}

// recorder tees the handler's response to the client while keeping a copy
// for the idempotency store.
type recorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

func (r *recorder) capturedHeaders() map[string]string {
	out := make(map[string]string, len(storedHeaders))
	for _, name := range storedHeaders {
		if v := r.Header().Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}
