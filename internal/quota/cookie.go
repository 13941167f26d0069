package quota

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrBadCookie marks a cookie that failed signature or shape checks.
// Callers treat it as "no cookie" and issue a fresh identity.
var ErrBadCookie = errors.New("invalid anonymous identity cookie")

// AnonState is the anonymous visitor's identity and usage hint carried
// in a signed cookie. The count is advisory only; the store counter is
// authoritative. The HMAC makes counter edits detectable: a tampered
// cookie is discarded wholesale, identity included, so the forger
// starts over as a brand-new visitor with the same one-task budget.
type AnonState struct {
	ID    string `json:"id"`
	Count int    `json:"n"`
}

// NewAnonState mints a fresh anonymous identity.
func NewAnonState() AnonState {
	return AnonState{ID: uuid.NewString()}
}

// CookieCodec signs and verifies the anonymous identity cookie with
// HMAC-SHA256. Wire form: base64url(json) + "." + base64url(mac).
type CookieCodec struct {
	secret []byte
}

func NewCookieCodec(secret string) *CookieCodec {
	return &CookieCodec{secret: []byte(secret)}
}

func (c *CookieCodec) Encode(s AnonState) (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + c.sign(body), nil
}

func (c *CookieCodec) Decode(value string) (AnonState, error) {
	body, mac, ok := strings.Cut(value, ".")
	if !ok {
		return AnonState{}, ErrBadCookie
	}
	if !hmac.Equal([]byte(c.sign(body)), []byte(mac)) {
		return AnonState{}, ErrBadCookie
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return AnonState{}, ErrBadCookie
	}
	var s AnonState
	if err := json.Unmarshal(payload, &s); err != nil {
		return AnonState{}, ErrBadCookie
	}
	if s.ID == "" {
		return AnonState{}, ErrBadCookie
	}
	return s, nil
}

func (c *CookieCodec) sign(body string) string {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
