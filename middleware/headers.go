package middleware

import "net/http"

// SecurityHeaders sets response headers suited to a JSON API. Empty fields
// are not written.
type SecurityHeaders struct {
	ContentTypeOptions    string
	ReferrerPolicy        string
	FrameOptions          string
	ContentSecurityPolicy string
	// HSTS is only sent on TLS requests.
	HSTS string
}

// APISecurityHeaders returns the defaults for API responses.
func APISecurityHeaders() SecurityHeaders {
	return SecurityHeaders{
		ContentTypeOptions:    "nosniff",
		ReferrerPolicy:        "no-referrer",
		FrameOptions:          "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		HSTS:                  "max-age=31536000; includeSubDomains",
	}
}

func (p SecurityHeaders) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	h := w.Header()
	set := func(key, value string) {
		if value != "" {
			h.Set(key, value)
		}
	}
	set("X-Content-Type-Options", p.ContentTypeOptions)
	set("Referrer-Policy", p.ReferrerPolicy)
	set("X-Frame-Options", p.FrameOptions)
	set("Content-Security-Policy", p.ContentSecurityPolicy)
	if r.TLS != nil {
		set("Strict-Transport-Security", p.HSTS)
	}
	return next(w, r)
}
