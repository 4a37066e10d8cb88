package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds the request context. Endpoints observe the deadline through
// r.Context(); a zero Duration leaves the context unchanged.
type Timeout struct {
	Duration time.Duration
}

func (p Timeout) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	if p.Duration <= 0 {
		return next(w, r)
	}
	ctx, cancel := context.WithTimeout(r.Context(), p.Duration)
	defer cancel()
	return next(w, r.WithContext(ctx))
}

// BodyLimit caps the request body at Bytes. Reads beyond the cap fail with
// *http.MaxBytesError, which the endpoint decoder reports as 413.
type BodyLimit struct {
	Bytes int64
}

func (p BodyLimit) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	if p.Bytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, p.Bytes)
	}
	return next(w, r)
}
