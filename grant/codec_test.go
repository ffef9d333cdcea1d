package grant

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const testSecret = "long-lived-server-secret"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func randomGrantID(t *testing.T) string {
	t.Helper()
	id, err := NewGrantID(rand.Reader)
	if err != nil {
		t.Fatalf("NewGrantID: %v", err)
	}
	if len(id) != 16 {
		t.Fatalf("grant id should be 16 chars, got %d", len(id))
	}
	return id
}

func TestPackUnpackRoundTrip(t *testing.T) {
	for n := 1; n <= 40; n++ {
		s := strings.Repeat("x", n-1) + "Z"
		packed := pack7(s)
		if want := (n*7 + 7) / 8; len(packed) != want {
			t.Fatalf("len %d: packed to %d bytes, want %d", n, len(packed), want)
		}
		if got := unpack7(packed); got != s {
			t.Fatalf("len %d: round trip got %q want %q", n, got, s)
		}
	}
}

func TestPackEightCharsIntoSevenBytes(t *testing.T) {
	if got := len(pack7("abcdefgh")); got != 7 {
		t.Fatalf("expected 7 bytes, got %d", got)
	}
}

func TestUnpackTrimsPaddingCharacter(t *testing.T) {
	// Seven characters use 49 bits; the seven padding bits decode as one NUL.
	packed := pack7("user-42")
	if len(packed) != 7 {
		t.Fatalf("expected 7 bytes, got %d", len(packed))
	}
	if got := unpack7(packed); got != "user-42" {
		t.Fatalf("padding not trimmed: %q", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	subjects := []string{
		"a",
		"user-42",
		"8charsid",
		"auth0|5f7c8ec7c33c6c004bbafe82",
		"user@example.com",
		strings.Repeat("~", 63),
		"!@#$%^&*()_+{}|:<>?",
	}
	paths := []string{"", "notes/report.pdf", "attachments/2024/img 01.png"}

	for _, subject := range subjects {
		for _, path := range paths {
			grantID := randomGrantID(t)
			token, err := c.Encode(subject, grantID, path)
			if err != nil {
				t.Fatalf("Encode(%q): %v", subject, err)
			}
			if strings.ContainsAny(token, "+/=") {
				t.Fatalf("token is not unpadded base64url: %q", token)
			}
			g, err := c.Decode(token, path)
			if err != nil {
				t.Fatalf("Decode(%q, %q): %v", subject, path, err)
			}
			if g.SubjectID != subject || g.GrantID != grantID {
				t.Fatalf("round trip mismatch: got (%q,%q) want (%q,%q)", g.SubjectID, g.GrantID, subject, grantID)
			}
		}
	}
}

func TestTokenLengthIsPackedSubjectPlusGrant(t *testing.T) {
	c := newTestCodec(t)
	token, err := c.Encode("abcdefgh", randomGrantID(t), "f")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if len(raw) != 7+IDLength {
		t.Fatalf("unexpected wire length %d", len(raw))
	}
}

func TestSingleBitFlipIsDetected(t *testing.T) {
	c := newTestCodec(t)
	subject := "user-1234567"
	grantID := randomGrantID(t)
	token, err := c.Encode(subject, grantID, "notes/a.txt")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw, _ := base64.RawURLEncoding.DecodeString(token)

	for i := 0; i < len(raw)*8; i++ {
		tampered := bytes.Clone(raw)
		tampered[i/8] ^= 1 << (7 - i%8)
		g, err := c.Decode(base64.RawURLEncoding.EncodeToString(tampered), "notes/a.txt")
		if err != nil {
			if !errors.Is(err, ErrMalformedGrantToken) {
				t.Fatalf("bit %d: unexpected error type %v", i, err)
			}
			continue
		}
		if g.SubjectID == subject && g.GrantID == grantID {
			t.Fatalf("bit %d: tampered token decoded to the original pair", i)
		}
	}
}

func TestDecodeWithWrongPathOrSecret(t *testing.T) {
	c := newTestCodec(t)
	grantID := randomGrantID(t)
	token, err := c.Encode("user-42", grantID, "notes/a.txt")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if g, err := c.Decode(token, "notes/b.txt"); err == nil && g.SubjectID == "user-42" && g.GrantID == grantID {
		t.Fatalf("token decoded under a different path")
	}

	other, _ := NewCodec("another-secret")
	if g, err := other.Decode(token, "notes/a.txt"); err == nil && g.SubjectID == "user-42" && g.GrantID == grantID {
		t.Fatalf("token decoded under a different secret")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	c := newTestCodec(t)
	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "not_base64", token: "!!!!"},
		{name: "padded", token: "AAAAAAAAAAAAAAAAAA=="},
		{name: "grant_only", token: base64.RawURLEncoding.EncodeToString(make([]byte, IDLength))},
		{name: "oversized", token: base64.RawURLEncoding.EncodeToString(make([]byte, MaxTokenBytes+1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Decode(tt.token, "x"); !errors.Is(err, ErrMalformedGrantToken) {
				t.Fatalf("expected ErrMalformedGrantToken, got %v", err)
			}
		})
	}
}

func TestEncodeValidatesInput(t *testing.T) {
	c := newTestCodec(t)
	grantID := randomGrantID(t)

	if _, err := c.Encode("", grantID, "f"); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("empty subject: got %v", err)
	}
	if _, err := c.Encode("usér", grantID, "f"); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("non-ascii subject: got %v", err)
	}
	if _, err := c.Encode("a\x00b", grantID, "f"); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("NUL subject: got %v", err)
	}
	if _, err := c.Encode("user", "short", "f"); !errors.Is(err, ErrInvalidGrantID) {
		t.Fatalf("short grant id: got %v", err)
	}
	if _, err := c.Encode("user", "not+base64url/ok", "f"); !errors.Is(err, ErrInvalidGrantID) {
		t.Fatalf("non-url grant id: got %v", err)
	}
}

func TestSubjectLengthLimit(t *testing.T) {
	c := newTestCodec(t)
	grantID := randomGrantID(t)

	// 9312 characters pack into 8148 bytes, filling the mask exactly.
	longest := strings.Repeat("u", 9312)
	token, err := c.Encode(longest, grantID, "f")
	if err != nil {
		t.Fatalf("longest subject: %v", err)
	}
	g, err := c.Decode(token, "f")
	if err != nil || g.SubjectID != longest {
		t.Fatalf("longest subject should round trip, got err %v", err)
	}

	if _, err := c.Encode(longest+"u", grantID, "f"); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("oversized subject: got %v", err)
	}
}

func TestNewCodecRequiresSecret(t *testing.T) {
	if _, err := NewCodec(""); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
