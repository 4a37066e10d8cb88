package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS applies cross-origin headers. Preflight requests are answered
// directly and never reach the endpoint.
type CORS struct {
	c *cors.Cors
}

// NewCORS allows the given origins with credentials. An empty list reflects
// any request origin.
func NewCORS(allowedOrigins ...string) *CORS {
	opts := cors.Options{
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           3600,
	}
	if len(allowedOrigins) == 0 {
		opts.AllowOriginFunc = func(string) bool { return true }
	} else {
		opts.AllowedOrigins = allowedOrigins
	}
	return &CORS{c: cors.New(opts)}
}

func (p *CORS) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	var err error
	p.c.Handler(http.HandlerFunc(func(w2 http.ResponseWriter, r2 *http.Request) {
		err = next(w2, r2)
	})).ServeHTTP(w, r)
	return err
}
