package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// User is the caller identity carried in the sealed user cookie. The
// dispatcher passes it to handlers without interpreting it.
type User struct {
	ID       string   `cbor:"1,keyasint" json:"id"`
	Name     string   `cbor:"2,keyasint,omitempty" json:"name,omitempty"`
	Roles    []string `cbor:"3,keyasint,omitempty" json:"roles,omitempty"`
	IssuedAt int64    `cbor:"4,keyasint" json:"issuedAt"`
}

type userKey struct{}

// WithUser returns a context carrying u.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the user resolved by UserProcessor, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey{}).(*User)
	return u, ok && u != nil
}

// UserProcessor resolves the optional user cookie. Requests without a
// cookie, or with one that fails to open, proceed anonymously.
type UserProcessor struct {
	Cookie *SealedCookie
	Logger *slog.Logger
}

func (p *UserProcessor) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	if p.Cookie == nil {
		return next(w, r)
	}
	ck, err := r.Cookie(p.Cookie.Name)
	if err != nil {
		return next(w, r)
	}
	var u User
	if err := p.Cookie.Open(ck.Value, &u); err != nil {
		logger := p.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Debug("ignoring user cookie", "error", err, "remote", ClientIPFromContext(r.Context()))
		return next(w, r)
	}
	return next(w, r.WithContext(WithUser(r.Context(), &u)))
}

// IssueUserCookie seals u into a cookie on w. A zero IssuedAt is set to now.
func IssueUserCookie(w http.ResponseWriter, sc *SealedCookie, u User, maxAge time.Duration) error {
	if u.IssuedAt == 0 {
		u.IssuedAt = time.Now().Unix()
	}
	ck, err := sc.Seal(u, maxAge)
	if err != nil {
		return err
	}
	http.SetCookie(w, ck)
	return nil
}
