// Package middleware provides the HTTP middleware of the gateway listeners.
package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxBodySize applies when BodyLimit is given a non-positive size.
const DefaultMaxBodySize = 1 << 20

// ErrBodyTooLarge is returned by reads past the body limit.
var ErrBodyTooLarge = errors.New("request body too large")

// BodyLimit caps request bodies at maxSize bytes. A declared Content-Length
// over the cap is answered with 413 straight away; chunked bodies fail on
// read with an error matching ErrBodyTooLarge, which the GraphQL handler
// turns into 413.
func BodyLimit(maxSize int64) func(http.Handler) http.Handler {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxSize {
				http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = cappedBody{http.MaxBytesReader(w, r.Body, maxSize)}
			next.ServeHTTP(w, r)
		})
	}
}

// cappedBody maps *http.MaxBytesError onto ErrBodyTooLarge.
type cappedBody struct {
	io.ReadCloser
}

func (b cappedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		err = fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, tooLarge.Limit)
	}
	return n, err
}
