// Package responsewriter records what a handler wrote so that outer
// middleware can observe the response after the handler returns.
package responsewriter

import (
	"context"
	"errors"
	"net/http"
)

// Using an unexported type prevents key collisions from other packages.
type responseWriterKey string

// ResponseWriterKey is the context key for the recording writer.
const ResponseWriterKey responseWriterKey = "response-writer"

// Recorder wraps an http.ResponseWriter and remembers the status code.
type Recorder struct {
	http.ResponseWriter

	status int
}

// NewRecorder returns a recorder writing through to w.
func NewRecorder(w http.ResponseWriter) *Recorder {
	return &Recorder{ResponseWriter: w}
}

func (r *Recorder) WriteHeader(status int) {
	if r.status != 0 {
		return
	}
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *Recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Status returns the written status code, or 200 when the handler wrote nothing.
func (r *Recorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *Recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// ResponseWriterMiddleware is an http.Handler middleware that replaces the
// response writer with a Recorder and stores it in the request context.
func ResponseWriterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := w.(*Recorder)
		if !ok {
			rec = NewRecorder(w)
		}
		ctx := context.WithValue(r.Context(), ResponseWriterKey, rec)
		next.ServeHTTP(rec, r.WithContext(ctx))
	})
}

// RecorderFromContext retrieves the recorder installed by ResponseWriterMiddleware.
func RecorderFromContext(ctx context.Context) (*Recorder, error) {
	rec, ok := ctx.Value(ResponseWriterKey).(*Recorder)
	if !ok {
		return nil, errors.New("response writer not found in context")
	}
	return rec, nil
}
