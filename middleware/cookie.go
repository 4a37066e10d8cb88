package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid sealed cookie format")
	ErrCookieInvalid = errors.New("invalid sealed cookie")
	ErrCookieConfig  = errors.New("invalid sealed cookie configuration")
)

// Cookie values larger than this are rejected before decoding.
const maxCookieLen = 4096

// KeySize is the key length required by the default XChaCha20-Poly1305 AEAD.
const KeySize = chacha20poly1305.KeySize

// SealedCookie seals CBOR-encoded values into cookies.
//
// Value format: keyID "." base64url(nonce || ciphertext). The cookie name,
// path and secure flag are bound as additional data, so a value cannot be
// replayed under a different cookie. Keys maps every accepted key id; KeyID
// selects the key used for new cookies.
type SealedCookie struct {
	Name   string
	Path   string
	Secure bool

	keyID string
	keys  map[string]cipher.AEAD
}

// NewSealedCookie validates keys and returns a SealedCookie with path "/".
func NewSealedCookie(name, keyID string, keys map[string][]byte, secure bool) (*SealedCookie, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	sc := &SealedCookie{
		Name:   name,
		Path:   "/",
		Secure: secure,
		keyID:  keyID,
		keys:   make(map[string]cipher.AEAD, len(keys)),
	}
	for id, k := range keys {
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCookieConfig, id, err)
		}
		sc.keys[id] = aead
	}
	return sc, nil
}

func (sc *SealedCookie) aad() []byte {
	secure := "f"
	if sc.Secure {
		secure = "t"
	}
	return []byte(sc.Name + ":" + sc.Path + ":" + secure)
}

// Seal encodes v and returns a cookie valid for maxAge.
func (sc *SealedCookie) Seal(v any, maxAge time.Duration) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("%w: non-positive max age", ErrCookieConfig)
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	aead := sc.keys[sc.keyID]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plain, sc.aad())

	return &http.Cookie{
		Name:     sc.Name,
		Value:    sc.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed),
		Path:     sc.Path,
		MaxAge:   int(maxAge / time.Second),
		Expires:  time.Now().Add(maxAge),
		Secure:   sc.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// Open verifies the cookie value and decodes it into v.
func (sc *SealedCookie) Open(value string, v any) error {
	if value == "" || len(value) > maxCookieLen {
		return ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return ErrCookieFormat
	}
	aead, ok := sc.keys[keyID]
	if !ok {
		return ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil || len(sealed) < aead.NonceSize()+aead.Overhead() {
		return ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, sc.aad())
	if err != nil {
		return ErrCookieInvalid
	}
	return cbor.Unmarshal(plain, v)
}
