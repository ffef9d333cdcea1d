// Package grant encodes (subject, grant id) pairs into short URL-safe tokens
// used to authorize direct file downloads.
//
// The token is the plaintext XORed with an HKDF-SHA256 mask derived from a
// long-lived secret and the protected file path. The mask depends only on
// (filePath, secret), so two tokens for the same file reuse it and their XOR
// leaks the XOR of the plaintexts. This is a size-optimized obfuscation, not
// an IND-CPA scheme; callers must check the decoded grant id against a live
// grant before serving anything.
package grant

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Info is the HKDF domain-separation string.
const Info = "mcp-download"

// IDLength is the raw byte length of a grant id; encoded it is 16 base64url
// characters.
const IDLength = 12

// MaxTokenBytes is the longest decoded token HKDF-SHA256 can mask.
const MaxTokenBytes = 255 * sha256.Size

var (
	// ErrMalformedGrantToken is returned when a token fails to decode.
	ErrMalformedGrantToken = errors.New("malformed grant token")
	// ErrInvalidSubject is returned for empty or non-ASCII subject ids.
	ErrInvalidSubject = errors.New("subject id must be non-empty 7-bit ASCII without NUL")
	// ErrInvalidGrantID is returned when the grant id is not 16 base64url characters.
	ErrInvalidGrantID = errors.New("grant id must be 16 base64url characters")
)

var b64 = base64.RawURLEncoding.Strict()

// Grant is a decoded download grant.
type Grant struct {
	SubjectID string
	GrantID   string
}

// Codec mints and opens grant tokens with a fixed server secret.
type Codec struct {
	secret []byte
}

// NewCodec returns a codec bound to secret.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("grant: secret required")
	}
	return &Codec{secret: []byte(secret)}, nil
}

// Encode produces the token for subjectID:grantID protecting filePath.
func (c *Codec) Encode(subjectID, grantID, filePath string) (string, error) {
	if err := validateSubject(subjectID); err != nil {
		return "", err
	}
	rawID, err := decodeID(grantID)
	if err != nil {
		return "", err
	}

	plain := append(pack7(subjectID), rawID...)
	if len(plain) > MaxTokenBytes {
		return "", fmt.Errorf("%w: subject too long", ErrInvalidSubject)
	}
	if err := c.xorMask(plain, filePath); err != nil {
		return "", err
	}
	return b64.EncodeToString(plain), nil
}

// Decode opens token for filePath. Any token that was not produced by Encode
// with the same (filePath, secret) should either fail or decode to a different
// pair; the caller validates the pair against its grant store.
func (c *Codec) Decode(token, filePath string) (Grant, error) {
	buf, err := b64.DecodeString(token)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrMalformedGrantToken, err)
	}
	if len(buf) <= IDLength || len(buf) > MaxTokenBytes {
		return Grant{}, fmt.Errorf("%w: %d bytes", ErrMalformedGrantToken, len(buf))
	}
	if err := c.xorMask(buf, filePath); err != nil {
		return Grant{}, err
	}

	packed := buf[:len(buf)-IDLength]
	subject := unpack7(packed)
	// Non-zero padding bits or a length that does not round-trip means the
	// token was not produced by Encode.
	if subject == "" || !bytes.Equal(pack7(subject), packed) {
		return Grant{}, ErrMalformedGrantToken
	}

	return Grant{
		SubjectID: subject,
		GrantID:   b64.EncodeToString(buf[len(buf)-IDLength:]),
	}, nil
}

// NewGrantID returns a random grant id in the encoding Encode expects.
func NewGrantID(random io.Reader) (string, error) {
	buf := make([]byte, IDLength)
	if _, err := io.ReadFull(random, buf); err != nil {
		return "", fmt.Errorf("generate grant id: %w", err)
	}
	return b64.EncodeToString(buf), nil
}

func (c *Codec) xorMask(buf []byte, filePath string) error {
	mask := make([]byte, len(buf))
	r := hkdf.New(sha256.New, c.secret, []byte(filePath), []byte(Info))
	if _, err := io.ReadFull(r, mask); err != nil {
		return fmt.Errorf("derive mask: %w", err)
	}
	for i := range buf {
		buf[i] ^= mask[i]
	}
	return nil
}

func validateSubject(s string) error {
	if s == "" {
		return ErrInvalidSubject
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0 || s[i] > 0x7f {
			return ErrInvalidSubject
		}
	}
	return nil
}

func decodeID(id string) ([]byte, error) {
	if len(id) != 16 {
		return nil, ErrInvalidGrantID
	}
	raw, err := b64.DecodeString(id)
	if err != nil || len(raw) != IDLength {
		return nil, ErrInvalidGrantID
	}
	return raw, nil
}
