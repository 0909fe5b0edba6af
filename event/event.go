// Package event defines the closed set of security event kinds observed
// during token validation and provides an atomic counter over them.
//
// Every failure path in the validation pipeline increments exactly one
// primary Kind; a few kinds (such as UsedRetiredKey or CryptoInternalError)
// are informational and accompany a primary kind. The numeric value of a
// Kind is part of the stable public surface: kinds are only ever appended,
// never reordered.
package event

import (
	"iter"
	"sync/atomic"
)

// Kind identifies a single category of security-relevant event. The zero
// value is not a valid kind.
type Kind uint8

const (
	// Structural events.
	TokenEmpty Kind = iota + 1
	TokenTooLarge
	InvalidStructure
	Base64Invalid
	JsonParseFailed
	PartTooLarge
	JsonLimitExceeded

	// Header and algorithm events.
	UnsupportedAlgorithm
	AlgorithmExplicitlyRejected
	UnexpectedTokenType
	KidRequired
	AlgorithmKeyMismatch

	// Key and JWKS events.
	KeyNotFound
	UsedRetiredKey
	JwksFetchFailed
	JwksRefreshFailed
	JwksContentSizeExceeded
	JwksJsonParseFailed
	RsaKeyTooSmall
	UnsupportedCurve
	NotModified

	// Signature events.
	SignatureInvalid
	CryptoInternalError

	// Claim events.
	TokenExpired
	TokenNotYetValid
	IssuerMismatch
	AudienceMismatch
	AudienceMissing
	AuthorizedPartyMismatch
	SubjectMissing
	MissingMandatoryClaim
	ClaimOutOfRange
	ScopeMissing
	RoleMissing
	GroupMissing

	// Configuration events.
	NoIssuerConfig
	IssuerDiscoveryMismatch

	// Cache events.
	InternalCacheError
	CacheHit
	CacheMiss
	CacheEvicted
	CacheExpired

	kindCount
)

var names = [kindCount]string{
	TokenEmpty:                  "TokenEmpty",
	TokenTooLarge:               "TokenTooLarge",
	InvalidStructure:            "InvalidStructure",
	Base64Invalid:               "Base64Invalid",
	JsonParseFailed:             "JsonParseFailed",
	PartTooLarge:                "PartTooLarge",
	JsonLimitExceeded:           "JsonLimitExceeded",
	UnsupportedAlgorithm:        "UnsupportedAlgorithm",
	AlgorithmExplicitlyRejected: "AlgorithmExplicitlyRejected",
	UnexpectedTokenType:         "UnexpectedTokenType",
	KidRequired:                 "KidRequired",
	AlgorithmKeyMismatch:        "AlgorithmKeyMismatch",
	KeyNotFound:                 "KeyNotFound",
	UsedRetiredKey:              "UsedRetiredKey",
	JwksFetchFailed:             "JwksFetchFailed",
	JwksRefreshFailed:           "JwksRefreshFailed",
	JwksContentSizeExceeded:     "JwksContentSizeExceeded",
	JwksJsonParseFailed:         "JwksJsonParseFailed",
	RsaKeyTooSmall:              "RsaKeyTooSmall",
	UnsupportedCurve:            "UnsupportedCurve",
	NotModified:                 "NotModified",
	SignatureInvalid:            "SignatureInvalid",
	CryptoInternalError:         "CryptoInternalError",
	TokenExpired:                "TokenExpired",
	TokenNotYetValid:            "TokenNotYetValid",
	IssuerMismatch:              "IssuerMismatch",
	AudienceMismatch:            "AudienceMismatch",
	AudienceMissing:             "AudienceMissing",
	AuthorizedPartyMismatch:     "AuthorizedPartyMismatch",
	SubjectMissing:              "SubjectMissing",
	MissingMandatoryClaim:       "MissingMandatoryClaim",
	ClaimOutOfRange:             "ClaimOutOfRange",
	ScopeMissing:                "ScopeMissing",
	RoleMissing:                 "RoleMissing",
	GroupMissing:                "GroupMissing",
	NoIssuerConfig:              "NoIssuerConfig",
	IssuerDiscoveryMismatch:     "IssuerDiscoveryMismatch",
	InternalCacheError:          "InternalCacheError",
	CacheHit:                    "CacheHit",
	CacheMiss:                   "CacheMiss",
	CacheEvicted:                "CacheEvicted",
	CacheExpired:                "CacheExpired",
}

// String returns the stable identifier of the kind, or "Unknown" for values
// outside the closed set.
func (k Kind) String() string {
	if k == 0 || k >= kindCount {
		return "Unknown"
	}
	return names[k]
}

// Valid reports whether k is a member of the closed set.
func (k Kind) Valid() bool { return k > 0 && k < kindCount }

// Kinds returns an iterator over all defined kinds in numeric order.
func Kinds() iter.Seq[Kind] {
	return func(yield func(Kind) bool) {
		for k := Kind(1); k < kindCount; k++ {
			if !yield(k) {
				return
			}
		}
	}
}

// Counter counts events per Kind. All methods are safe for concurrent use;
// Add is a single atomic increment and never allocates.
type Counter struct {
	counts [kindCount]atomic.Uint64
}

// NewCounter creates a Counter with all counts at zero.
func NewCounter() *Counter { return &Counter{} }

// Add increments the count for the given kind by one. Kinds outside the
// closed set are ignored.
func (c *Counter) Add(k Kind) {
	if c == nil || !k.Valid() {
		return
	}
	c.counts[k].Add(1)
}

// Count returns the current count for the given kind.
func (c *Counter) Count(k Kind) uint64 {
	if !k.Valid() {
		return 0
	}
	return c.counts[k].Load()
}

// Snapshot returns a point-in-time copy of all non-zero counts. The counts
// are read one by one; the snapshot is not atomic across kinds.
func (c *Counter) Snapshot() map[Kind]uint64 {
	m := make(map[Kind]uint64)
	for k := range Kinds() {
		if n := c.counts[k].Load(); n > 0 {
			m[k] = n
		}
	}
	return m
}

// Reset sets all counts back to zero.
func (c *Counter) Reset() {
	for k := range Kinds() {
		c.counts[k].Store(0)
	}
}
