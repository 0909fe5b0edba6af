// Package jwt decodes JSON Web Tokens from their compact serialization
// under strict size limits, producing a structured view over the header and
// the payload claims.
//
// Decoding is deliberately separated from verification: a decoded Token is
// untrusted data until its signature has been verified against a key set
// and its claims have been validated. The package therefore exposes the
// exact byte ranges needed for verification (SigningInput, Signature) and
// nothing that would tempt a caller to trust claims early.
//
// All limits are enforced while parsing, not after: an attacker cannot make
// the decoder buffer more than Limits allows.
package jwt

import (
	"bytes"
	"encoding/base64"
	"encoding/json/jsontext"
	"encoding/json/v2"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Sentinel errors returned by Decode. They are matched with errors.Is.
var (
	// ErrEmpty signals an empty token string.
	ErrEmpty = errors.New("token is empty")
	// ErrTooLarge signals a raw token exceeding Limits.MaxTokenSize.
	ErrTooLarge = errors.New("token exceeds size limit")
	// ErrStructure signals anything other than three dot-separated segments
	// with non-empty header and payload.
	ErrStructure = errors.New("malformed token structure")
	// ErrBase64 signals a segment that is not valid unpadded base64url.
	ErrBase64 = errors.New("invalid base64url encoding")
	// ErrPartTooLarge signals a decoded segment exceeding
	// Limits.MaxPartSize.
	ErrPartTooLarge = errors.New("token part exceeds size limit")
	// ErrJSONLimit signals a JSON document exceeding the string or buffer
	// limits.
	ErrJSONLimit = errors.New("json document exceeds size limit")
	// ErrSyntax signals malformed JSON in the header or payload.
	ErrSyntax = errors.New("malformed json")
	// ErrClaimRange signals a claim value outside its representable range,
	// such as an "exp" that overflows a 64-bit timestamp.
	ErrClaimRange = errors.New("claim value out of range")
)

// Default parser limits.
const (
	DefaultMaxTokenSize  = 8192
	DefaultMaxPartSize   = 8192
	DefaultMaxStringLen  = 4096
	DefaultMaxBufferSize = 131072
)

// Limits bounds the work the decoder performs on untrusted input. A Limits
// value is immutable after construction; the zero value of any field is
// replaced by its default.
type Limits struct {
	// MaxTokenSize bounds the raw compact serialization in bytes.
	MaxTokenSize int
	// MaxPartSize bounds each base64url-decoded segment in bytes.
	MaxPartSize int
	// MaxStringLen bounds any single JSON string value in bytes.
	MaxStringLen int
	// MaxBufferSize bounds a JSON document in total bytes.
	MaxBufferSize int
}

// DefaultLimits returns the default parser limits.
func DefaultLimits() Limits {
	return Limits{
		MaxTokenSize:  DefaultMaxTokenSize,
		MaxPartSize:   DefaultMaxPartSize,
		MaxStringLen:  DefaultMaxStringLen,
		MaxBufferSize: DefaultMaxBufferSize,
	}
}

// Normalized returns a copy of the limits with zero fields replaced by
// their defaults.
func (l Limits) Normalized() Limits {
	d := DefaultLimits()
	if l.MaxTokenSize <= 0 {
		l.MaxTokenSize = d.MaxTokenSize
	}
	if l.MaxPartSize <= 0 {
		l.MaxPartSize = d.MaxPartSize
	}
	if l.MaxStringLen <= 0 {
		l.MaxStringLen = d.MaxStringLen
	}
	if l.MaxBufferSize <= 0 {
		l.MaxBufferSize = d.MaxBufferSize
	}
	return l
}

// Header represents the decoded JOSE header of a JWT.
type Header struct {
	Typ string `json:"typ"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Cty string `json:"cty"`
}

// Type returns the "typ" parameter, or an empty string if absent.
func (h Header) Type() string { return h.Typ }

// Algorithm returns the "alg" parameter, or an empty string if absent.
func (h Header) Algorithm() string { return h.Alg }

// KeyID returns the "kid" parameter, or an empty string if absent.
func (h Header) KeyID() string { return h.Kid }

// audience handles the JWT "aud" claim, which can be either a single string
// or an array of strings.
type audience []string

func (a *audience) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = audience{s}
		return nil
	}
	var m []string
	if err := json.Unmarshal(b, &m); err == nil {
		*a = audience(m)
		return nil
	}
	return errors.New("expected a string or an array of strings")
}

// Claims holds the registered JWT claims plus the authorization claims
// commonly issued by OIDC providers. Claims not covered by a named field
// are captured in Extra.
type Claims struct {
	Jti    string         `json:"jti"`
	Sub    string         `json:"sub"`
	Iss    string         `json:"iss"`
	Aud    audience       `json:"aud"`
	Azp    string         `json:"azp"`
	Iat    time.Time      `json:"iat,format:unix"`
	Exp    time.Time      `json:"exp,format:unix"`
	Nbf    time.Time      `json:"nbf,format:unix"`
	Scope  string         `json:"scope"`
	Roles  []string       `json:"roles"`
	Groups []string       `json:"groups"`
	Extra  map[string]any `json:",unknown"`
}

// ID returns the "jti" claim, or an empty string if absent.
func (c *Claims) ID() string { return c.Jti }

// Subject returns the "sub" claim, or an empty string if absent.
func (c *Claims) Subject() string { return c.Sub }

// Issuer returns the "iss" claim, or an empty string if absent.
func (c *Claims) Issuer() string { return c.Iss }

// Audience returns the "aud" claim, or nil if absent.
func (c *Claims) Audience() []string { return c.Aud }

// AuthorizedParty returns the "azp" claim, or an empty string if absent.
func (c *Claims) AuthorizedParty() string { return c.Azp }

// IssuedAt returns the "iat" claim, or the zero time if absent.
func (c *Claims) IssuedAt() time.Time { return c.Iat }

// ExpiresAt returns the "exp" claim, or the zero time if absent.
func (c *Claims) ExpiresAt() time.Time { return c.Exp }

// NotBefore returns the "nbf" claim, or the zero time if absent.
func (c *Claims) NotBefore() time.Time { return c.Nbf }

// Scopes returns the individual entries of the space-separated "scope"
// claim, or nil if the claim is absent.
func (c *Claims) Scopes() []string {
	if c.Scope == "" {
		return nil
	}
	return strings.Fields(c.Scope)
}

// dot is the delimiting character of JWS segments.
const dot = byte('.')

// Token represents a decoded, but not yet verified, JWT.
type Token struct {
	// Raw is the original compact serialization.
	Raw []byte
	// Header holds the decoded JOSE header parameters.
	Header Header
	// Claims holds the decoded payload claims.
	Claims *Claims
	// SigningInput is the byte range covered by the signature:
	// header_b64u || '.' || payload_b64u.
	SigningInput []byte
	// Signature holds the decoded signature bytes. It may be empty; whether
	// that is acceptable is for the verifier to decide.
	Signature []byte
}

// Decode parses a JWT from its compact serialization without verifying the
// signature. Size limits apply before any decoding work: oversized tokens
// are rejected with ErrTooLarge, oversized segments with ErrPartTooLarge,
// and JSON exceeding the configured string or buffer limits with
// ErrJSONLimit.
//
// An empty signature segment is tolerated at this stage so that tokens
// claiming the "none" algorithm surface as an algorithm rejection rather
// than a structural one.
func Decode(in []byte, limits Limits) (*Token, error) {
	limits = limits.Normalized()
	if len(in) == 0 {
		return nil, ErrEmpty
	}
	if len(in) > limits.MaxTokenSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge,
			len(in), limits.MaxTokenSize)
	}
	if bytes.Count(in, []byte{dot}) != 2 {
		return nil, fmt.Errorf("%w: expected three dot-separated segments",
			ErrStructure)
	}
	i := bytes.IndexByte(in, dot)
	j := bytes.LastIndexByte(in, dot)
	if i == 0 || j == i+1 {
		return nil, fmt.Errorf("%w: empty segment", ErrStructure)
	}

	h, err := decodeSegment(in[:i], limits)
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	var header Header
	if err := parseJSON(h, &header, limits); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}

	p, err := decodeSegment(in[i+1:j], limits)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	var claims Claims
	if err := parseJSON(p, &claims, limits); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}

	sig, err := decodeSegment(in[j+1:], limits)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	return &Token{
		Raw:          in,
		Header:       header,
		Claims:       &claims,
		SigningInput: in[:j],
		Signature:    sig,
	}, nil
}

// decodeSegment base64url-decodes one segment, bounding the output size
// before any bytes are produced.
func decodeSegment(src []byte, limits Limits) ([]byte, error) {
	n := base64.RawURLEncoding.DecodedLen(len(src))
	if n > limits.MaxPartSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPartTooLarge,
			n, limits.MaxPartSize)
	}
	d := make([]byte, n)
	k, err := base64.RawURLEncoding.Decode(d, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBase64, err)
	}
	return d[:k], nil
}

// parseJSON scans the document against the configured limits, then
// unmarshals it into v. Duplicate object keys are explicitly allowed; the
// last value wins.
func parseJSON(in []byte, v any, limits Limits) error {
	if err := scan(in, limits); err != nil {
		return err
	}
	err := json.Unmarshal(in, v, jsontext.AllowDuplicateNames(true))
	if err == nil {
		return nil
	}
	var syn *jsontext.SyntacticError
	if errors.As(err, &syn) {
		return fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	// Shape and range problems on otherwise well-formed JSON: a claim
	// value that overflows, or has an impossible type.
	return fmt.Errorf("%w: %v", ErrClaimRange, err)
}

// scan walks the raw JSON tokens to enforce the buffer and string limits at
// parse time, before any values are materialized.
func scan(in []byte, limits Limits) error {
	if len(in) > limits.MaxBufferSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrJSONLimit,
			len(in), limits.MaxBufferSize)
	}
	d := jsontext.NewDecoder(bytes.NewReader(in),
		jsontext.AllowDuplicateNames(true))
	for {
		tok, err := d.ReadToken()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		if tok.Kind() == '"' && len(tok.String()) > limits.MaxStringLen {
			return fmt.Errorf("%w: string exceeds %d bytes", ErrJSONLimit,
				limits.MaxStringLen)
		}
	}
}
