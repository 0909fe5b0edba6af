// Package jwk parses and manages public JSON Web Keys (JWK) and key sets
// (JWKS) as defined in RFC 7517, for the purpose of verifying JWS
// signatures.
//
// Keys that are not intended for signature verification (based on their
// "use" or "key_ops" parameters) are ineligible and skipped during parsing.
// Entries with an unsupported "kty" are dropped with a warning. The "kid"
// and "alg" parameters remain optional, as in the RFC: a key without "alg"
// may verify any algorithm of its family, and a key without "kid" is only
// resolvable through the single-key rule (see Set.Sole).
//
// Key material is validated at parse time: RSA keys below the configured
// modulus size and EC keys on unsupported curves are rejected so that weak
// material never enters a Set.
package jwk

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/json/jsontext"
	"encoding/json/v2"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/big"
	"slices"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/deep-rent/sentinel/jose/jwa"
)

// DefaultMinRSABits is the default lower bound on the RSA modulus size.
// Keys below this bound are rejected at parse time.
const DefaultMinRSABits = 2048

var (
	// ErrIneligible indicates that a key is syntactically valid but must
	// not be used for signature verification according to its "use" or
	// "key_ops" parameters.
	ErrIneligible = errors.New("ineligible for signature verification")
	// ErrKeySize indicates that an RSA modulus is below the configured
	// minimum size.
	ErrKeySize = errors.New("RSA modulus below minimum size")
	// ErrCurve indicates an unsupported elliptic curve.
	ErrCurve = errors.New("unsupported curve")
	// ErrUnsupportedType indicates an unsupported "kty" value.
	ErrUnsupportedType = errors.New("unsupported key type")
)

// Key represents a public JSON Web Key used for signature verification.
type Key interface {
	// KeyID returns the "kid" parameter, or an empty string if absent.
	KeyID() string
	// Algorithm returns the "alg" parameter, or an empty string if the JWK
	// does not pin one. A key with a pinned algorithm verifies only that
	// algorithm.
	Algorithm() string
	// Family returns the key family derived from the key material.
	Family() jwa.Family
	// Verify checks a signature against a message using the key's material
	// and the given algorithm. It returns false if alg is nil, belongs to a
	// different family, contradicts the key's pinned algorithm, or if the
	// signature is invalid.
	Verify(alg jwa.Verifier, msg, sig []byte) bool
}

// New creates a Key programmatically from its constituent parts. The
// material mat must be a *rsa.PublicKey, *ecdsa.PublicKey, or a []byte
// holding a raw Ed25519/Ed448 public key, matching the family fam. The alg
// may be empty to leave the key unpinned.
func New(fam jwa.Family, kid, alg string, mat crypto.PublicKey) Key {
	return &key{fam: fam, kid: kid, alg: alg, mat: mat}
}

type key struct {
	fam jwa.Family
	kid string
	alg string
	mat crypto.PublicKey
}

func (k *key) KeyID() string      { return k.kid }
func (k *key) Algorithm() string  { return k.alg }
func (k *key) Family() jwa.Family { return k.fam }

func (k *key) Verify(alg jwa.Verifier, msg, sig []byte) bool {
	if alg == nil || msg == nil || sig == nil {
		return false
	}
	if alg.Family() != k.fam {
		return false
	}
	if k.alg != "" && k.alg != alg.String() {
		return false
	}
	return alg.Verify(k.mat, msg, sig)
}

// Set stores an immutable collection of Keys, typically parsed from a JWKS.
type Set interface {
	// Keys returns an iterator over all keys in the set.
	Keys() iter.Seq[Key]
	// Len returns the number of keys in this set.
	Len() int
	// Lookup returns the key with the given id, or nil if the id is empty
	// or no such key exists.
	Lookup(kid string) Key
	// Sole returns the only key of the given family, or nil if the set
	// holds zero or more than one key of that family. It implements the
	// lookup rule for tokens that carry no "kid" header.
	Sole(fam jwa.Family) Key
}

// NewSet creates a Set from the provided keys. Nil keys are filtered out.
// If multiple keys share the same id, the last one wins.
func NewSet(keys ...Key) Set {
	s := &set{byID: make(map[string]Key, len(keys))}
	for _, k := range keys {
		if k == nil {
			continue
		}
		if kid := k.KeyID(); kid != "" {
			if s.byID[kid] == nil {
				s.all = append(s.all, k)
			} else {
				i := slices.IndexFunc(s.all, func(e Key) bool {
					return e.KeyID() == kid
				})
				s.all[i] = k
			}
			s.byID[kid] = k
		} else {
			s.all = append(s.all, k)
		}
	}
	return s
}

type set struct {
	byID map[string]Key
	all  []Key
}

func (s *set) Keys() iter.Seq[Key] { return slices.Values(s.all) }
func (s *set) Len() int            { return len(s.all) }

func (s *set) Lookup(kid string) Key {
	if kid == "" {
		return nil
	}
	return s.byID[kid]
}

func (s *set) Sole(fam jwa.Family) Key {
	var found Key
	for _, k := range s.all {
		if k.Family() != fam {
			continue
		}
		if found != nil {
			return nil // Ambiguous.
		}
		found = k
	}
	return found
}

type emptySet struct{}

func (emptySet) Keys() iter.Seq[Key] { return func(func(Key) bool) {} }
func (emptySet) Len() int            { return 0 }
func (emptySet) Lookup(string) Key   { return nil }
func (emptySet) Sole(jwa.Family) Key { return nil }

// Empty is a Set that contains no keys.
var Empty Set = emptySet{}

type config struct {
	minRSABits int
	logger     *slog.Logger
}

// Option configures the parsing functions.
type Option func(*config)

// WithMinRSABits sets the minimum acceptable RSA modulus size in bits.
// Values of zero or below are ignored. Defaults to DefaultMinRSABits.
func WithMinRSABits(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.minRSABits = n
		}
	}
}

// WithLogger sets the logger used to warn about dropped entries. If not
// provided, slog.Default() is used. A nil value is ignored.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.logger = log
		}
	}
}

func newConfig(opts []Option) config {
	c := config{
		minRSABits: DefaultMinRSABits,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Parse parses a single Key from the provided JSON input.
//
// It first checks whether the key is eligible for signature verification;
// if not, it returns ErrIneligible. Unsupported key types return
// ErrUnsupportedType. Otherwise it validates the key material itself and
// returns errors such as ErrKeySize or ErrCurve when the material is
// unacceptable.
func Parse(in []byte, opts ...Option) (Key, error) {
	return parse(in, newConfig(opts))
}

func parse(in []byte, cfg config) (Key, error) {
	var raw rawKey
	if err := json.Unmarshal(in, &raw); err != nil {
		return nil, fmt.Errorf("invalid json format: %w", err)
	}
	// Per RFC 7517, a key's purpose is determined by the union of "use" and
	// "key_ops". Only signature verification keys are of interest here.
	if raw.Use != "" && raw.Use != "sig" {
		return nil, ErrIneligible
	}
	if len(raw.Ops) > 0 && !slices.Contains(raw.Ops, "verify") {
		return nil, ErrIneligible
	}
	if raw.Kty == "" {
		return nil, errors.New("missing required parameter 'kty' (key type)")
	}

	var (
		fam jwa.Family
		mat crypto.PublicKey
		err error
	)
	switch raw.Kty {
	case "RSA":
		fam = jwa.FamilyRSA
		mat, err = decodeRSA(&raw, cfg.minRSABits)
	case "EC":
		fam = jwa.FamilyEC
		mat, err = decodeECDSA(&raw)
	case "OKP":
		fam = jwa.FamilyOKP
		mat, err = decodeEdDSA(&raw)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedType, raw.Kty)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s material: %w", raw.Kty, err)
	}

	// When the JWK pins an algorithm, it must agree with the key material.
	if raw.Alg != "" && jwa.FamilyOf(raw.Alg) != fam {
		return nil, fmt.Errorf(
			"algorithm %q is incompatible with key type %q", raw.Alg, raw.Kty)
	}
	return New(fam, raw.Kid, raw.Alg, mat), nil
}

// ParseSet parses a Set from a JWKS JSON input. Both the standard
// {"keys":[...]} form and a bare single-JWK object are accepted.
//
// If the top-level JSON structure is malformed, it returns the Empty set
// and a fatal error. Otherwise, keys are parsed individually: ineligible
// keys and keys of an unsupported type are dropped with one warning each;
// keys that are invalid or carry a duplicate id result in non-fatal errors,
// which are joined and returned alongside the set of successfully parsed
// keys.
func ParseSet(in []byte, opts ...Option) (Set, error) {
	cfg := newConfig(opts)
	var raw struct {
		Kty  string           `json:"kty"`
		Keys []jsontext.Value `json:"keys"`
	}
	if err := json.Unmarshal(in, &raw); err != nil {
		return Empty, fmt.Errorf("invalid format: %w", err)
	}
	entries := raw.Keys
	if entries == nil {
		if raw.Kty == "" {
			return Empty, errors.New("neither a key set nor a single key")
		}
		// A bare JWK document.
		entries = []jsontext.Value{jsontext.Value(in)}
	}

	var (
		keys []Key
		seen = make(map[string]bool, len(entries))
		errs []error
	)
	for i, v := range entries {
		k, err := parse(v, cfg)
		if err != nil {
			if errors.Is(err, ErrIneligible) || errors.Is(err, ErrUnsupportedType) {
				cfg.logger.Warn("Dropped JWKS entry",
					"index", i, "reason", err)
				continue
			}
			errs = append(errs, fmt.Errorf("key at index %d: %w", i, err))
			continue
		}
		if kid := k.KeyID(); kid != "" {
			if seen[kid] {
				errs = append(errs,
					fmt.Errorf("key at index %d: duplicate key id %q", i, kid))
				continue
			}
			seen[kid] = true
		}
		keys = append(keys, k)
	}
	return NewSet(keys...), errors.Join(errs...)
}

// rawKey holds the common JWK parameters; the material fields are captured
// for deferred, type-specific decoding.
type rawKey struct {
	Kty string         `json:"kty"`
	Use string         `json:"use"`
	Ops []string       `json:"key_ops"`
	Alg string         `json:"alg"`
	Kid string         `json:"kid"`
	Mat jsontext.Value `json:",unknown"`
}

// material unmarshals the key material into the provided struct pointer.
func (r *rawKey) material(v any) error {
	if err := json.Unmarshal(r.Mat, v); err != nil {
		return fmt.Errorf("unmarshal %s key material: %w", r.Kty, err)
	}
	return nil
}

// decodeRSA parses the material for an RSA public key.
func decodeRSA(raw *rawKey, minBits int) (*rsa.PublicKey, error) {
	var mat struct {
		N []byte `json:"n,format:base64url"`
		E []byte `json:"e,format:base64url"`
	}
	if err := raw.material(&mat); err != nil {
		return nil, err
	}
	if len(mat.N) == 0 {
		return nil, errors.New("missing RSA modulus")
	}
	if len(mat.E) == 0 {
		return nil, errors.New("missing RSA public exponent")
	}
	// Exponents > 2^31-1 are extremely rare and not recommended.
	if len(mat.E) > 4 {
		return nil, errors.New("RSA public exponent exceeds 32 bits")
	}
	n := new(big.Int).SetBytes(mat.N)
	if n.BitLen() < minBits {
		return nil, fmt.Errorf("%w: %d < %d bits", ErrKeySize, n.BitLen(), minBits)
	}
	e := 0
	// The conversion to a big-endian unsigned integer is safe because of
	// the length check above.
	for _, b := range mat.E {
		e = (e << 8) | int(b)
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}

// curves maps the JWK "crv" parameter to the supported NIST curves.
var curves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

// decodeECDSA parses the material for an EC public key.
func decodeECDSA(raw *rawKey) (*ecdsa.PublicKey, error) {
	var mat struct {
		Crv string `json:"crv"`
		X   []byte `json:"x,format:base64url"`
		Y   []byte `json:"y,format:base64url"`
	}
	if err := raw.material(&mat); err != nil {
		return nil, err
	}
	crv := curves[mat.Crv]
	if crv == nil {
		return nil, fmt.Errorf("%w %q", ErrCurve, mat.Crv)
	}
	if len(mat.X) == 0 {
		return nil, errors.New("missing EC x coordinate")
	}
	if len(mat.Y) == 0 {
		return nil, errors.New("missing EC y coordinate")
	}
	x := new(big.Int).SetBytes(mat.X)
	y := new(big.Int).SetBytes(mat.Y)
	return &ecdsa.PublicKey{Curve: crv, X: x, Y: y}, nil
}

// decodeEdDSA parses the material for an EdDSA public key. The raw key
// bytes are returned; the curve is implied by their length.
func decodeEdDSA(raw *rawKey) ([]byte, error) {
	var mat struct {
		Crv string `json:"crv"`
		X   []byte `json:"x,format:base64url"`
	}
	if err := raw.material(&mat); err != nil {
		return nil, err
	}
	var n int
	switch mat.Crv {
	case "Ed448":
		n = ed448.PublicKeySize
	case "Ed25519":
		n = ed25519.PublicKeySize
	default:
		return nil, fmt.Errorf("%w %q", ErrCurve, mat.Crv)
	}
	if m := len(mat.X); m != n {
		return nil, fmt.Errorf("illegal key size for %s curve: got %d, want %d",
			mat.Crv, m, n)
	}
	return mat.X, nil
}
