// Package tokenauth verifies the HMAC-SHA256 access tokens the proxy
// accepts as ?uid=&expires=&token= (or an equivalent cookie). Grounded on
// the crypto/rand + base64.URLEncoding idiom in the teacher's
// internal/token/jwt.go GenerateOpaqueToken, adapted to verification of a
// raw HMAC digest rather than JWT issuance — the wire format here has no
// claim set, so golang-jwt/jwt is not applicable (see DESIGN.md).
package tokenauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Params is the set of fields a presented token is checked against.
type Params struct {
	UID     string
	Path    string
	Expires string
	Token   string
}

// Verifier holds the server secret used to compute and check tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a Verifier from the configured secret key.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign computes the base64url-no-padding token for (uid, path, expires).
// Exposed primarily for tests (property 3, §8) and for any admin tooling
// that needs to mint a token out of band.
func (v *Verifier) Sign(uid, path string, expiresUnix int64) string {
	mac := v.digest(uid, path, strconv.FormatInt(expiresUnix, 10))
	return base64.RawURLEncoding.EncodeToString(mac)
}

func (v *Verifier) digest(uid, path, expires string) []byte {
	msg := uid + ":" + path + ":" + expires
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

// Verify checks a presented token against the expected HMAC digest using a
// constant-time comparison, and checks that expires parses as an integer
// strictly greater than the current epoch second. now is injected so tests
// are deterministic.
func (v *Verifier) Verify(p Params, now time.Time) error {
	if p.UID == "" || p.Path == "" || p.Expires == "" || p.Token == "" {
		return fmt.Errorf("missing required token parameter")
	}

	expires, err := strconv.ParseInt(p.Expires, 10, 64)
	if err != nil {
		return fmt.Errorf("expires is not an integer: %w", err)
	}
	if expires <= now.Unix() {
		return fmt.Errorf("token expired")
	}

	presented, err := base64.RawURLEncoding.DecodeString(p.Token)
	if err != nil {
		return fmt.Errorf("token is not valid base64url: %w", err)
	}

	expected := v.digest(p.UID, p.Path, p.Expires)
	if len(presented) != len(expected) {
		return fmt.Errorf("token length mismatch")
	}
	if subtle.ConstantTimeCompare(presented, expected) != 1 {
		return fmt.Errorf("token does not match")
	}
	return nil
}
