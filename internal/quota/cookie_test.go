package quota

import (
	"strings"
	"testing"
)

func TestCookieRoundTrip(t *testing.T) {
	codec := NewCookieCodec("test-secret")

	state := NewAnonState()
	state.Count = 1
	encoded, err := codec.Encode(state)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != state.ID || decoded.Count != 1 {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, state)
	}
}

func TestCookieTamperedPayloadRejected(t *testing.T) {
	codec := NewCookieCodec("test-secret")
	encoded, _ := codec.Encode(AnonState{ID: "abc", Count: 1})

	// Flip a payload byte; the signature no longer matches.
	body, mac, _ := strings.Cut(encoded, ".")
	flipped := []byte(body)
	flipped[0] ^= 0x01
	if _, err := codec.Decode(string(flipped) + "." + mac); err != ErrBadCookie {
		t.Fatalf("expected ErrBadCookie for tampered payload, got %v", err)
	}
}

func TestCookieWrongSecretRejected(t *testing.T) {
	encoded, _ := NewCookieCodec("secret-a").Encode(AnonState{ID: "abc"})
	if _, err := NewCookieCodec("secret-b").Decode(encoded); err != ErrBadCookie {
		t.Fatalf("expected ErrBadCookie across secrets, got %v", err)
	}
}

func TestCookieMalformedRejected(t *testing.T) {
	codec := NewCookieCodec("test-secret")
	for _, v := range []string{"", "nodot", "a.b.c.d", "!!!.???"} {
		if _, err := codec.Decode(v); err != ErrBadCookie {
			t.Fatalf("expected ErrBadCookie for %q, got %v", v, err)
		}
	}
}

func TestCookieEmptyIDRejected(t *testing.T) {
	codec := NewCookieCodec("test-secret")
	encoded, _ := codec.Encode(AnonState{Count: 2})
	if _, err := codec.Decode(encoded); err != ErrBadCookie {
		t.Fatalf("expected ErrBadCookie for empty id, got %v", err)
	}
}
