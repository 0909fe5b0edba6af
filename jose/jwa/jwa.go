// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jwa implements signature verification for the asymmetric JSON Web
// Algorithms (JWA) of RFC 7518, plus EdDSA per RFC 8037.
//
// The package handles algorithm-specific complexities such as hash function
// selection, padding schemes (PSS vs PKCS1v15), and the IEEE P1363
// concatenated (r||s) signature encoding used by JWS for ECDSA.
//
// Symmetric algorithms (HMAC) and the "none" algorithm are absent by
// construction: they cannot be looked up, and so can never verify anything.
package jwa

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"hash"
	"maps"
	"math/big"
	"slices"
	"sync"

	"github.com/cloudflare/circl/sign/ed448"
)

// Family groups algorithms by the type of key material they consume. It is
// the unit of the algorithm-confusion defense: a key of one family can never
// verify a signature claimed to be of another.
type Family uint8

const (
	FamilyUnknown Family = iota
	FamilyRSA            // RSxxx and PSxxx
	FamilyEC             // ESxxx
	FamilyOKP            // EdDSA (Ed25519, Ed448)
)

// String returns the JWK "kty" value associated with the family.
func (f Family) String() string {
	switch f {
	case FamilyRSA:
		return "RSA"
	case FamilyEC:
		return "EC"
	case FamilyOKP:
		return "OKP"
	default:
		return "Unknown"
	}
}

// FamilyOf maps a JWA algorithm name to its key family. Unknown names,
// including "none" and the HMAC family, map to FamilyUnknown.
func FamilyOf(name string) Family {
	if v := Lookup(name); v != nil {
		return v.Family()
	}
	return FamilyUnknown
}

// Algorithm represents an asymmetric JSON Web Algorithm used for verifying
// signatures. The type parameter T specifies the type of public key that the
// algorithm works with.
type Algorithm[T crypto.PublicKey] interface {
	// fmt.Stringer provides the standard JWA name for the algorithm.
	fmt.Stringer

	// Family returns the key family the algorithm belongs to.
	Family() Family

	// Verify checks a signature against a message using the provided public
	// key. It returns true if the signature is valid, and false otherwise.
	Verify(key T, msg, sig []byte) bool
}

// rs implements the RSASSA-PKCS1-v1_5 family of algorithms (RSxxx).
type rs struct {
	name string
	pool *hashPool
}

func newRS(name string, hash crypto.Hash) Algorithm[*rsa.PublicKey] {
	return &rs{
		name: name,
		pool: newHashPool(hash),
	}
}

func (a *rs) Verify(key *rsa.PublicKey, msg, sig []byte) bool {
	h := a.pool.Get()
	defer func() { a.pool.Put(h) }()
	h.Write(msg)
	digest := h.Sum(nil)
	return rsa.VerifyPKCS1v15(key, a.pool.Hash, digest, sig) == nil
}

func (a *rs) String() string { return a.name }
func (a *rs) Family() Family { return FamilyRSA }

// RS256 represents the RSASSA-PKCS1-v1_5 signature algorithm using SHA-256.
var RS256 = newRS("RS256", crypto.SHA256)

// RS384 represents the RSASSA-PKCS1-v1_5 signature algorithm using SHA-384.
var RS384 = newRS("RS384", crypto.SHA384)

// RS512 represents the RSASSA-PKCS1-v1_5 signature algorithm using SHA-512.
var RS512 = newRS("RS512", crypto.SHA512)

// ps implements the RSASSA-PSS family of algorithms (PSxxx).
type ps struct {
	name string
	pool *hashPool
	opts *rsa.PSSOptions
}

func newPS(name string, hash crypto.Hash) Algorithm[*rsa.PublicKey] {
	return &ps{
		name: name,
		pool: newHashPool(hash),
		// Per RFC 7518 the salt length equals the hash output size
		// (32/48/64) and MGF1 uses the same hash. The options template is
		// shared; rsa.VerifyPSS does not mutate it.
		opts: &rsa.PSSOptions{
			SaltLength: hash.Size(),
			Hash:       hash,
		},
	}
}

func (a *ps) Verify(key *rsa.PublicKey, msg, sig []byte) bool {
	h := a.pool.Get()
	defer func() { a.pool.Put(h) }()
	h.Write(msg)
	digest := h.Sum(nil)
	return rsa.VerifyPSS(key, a.pool.Hash, digest, sig, a.opts) == nil
}

func (a *ps) String() string { return a.name }
func (a *ps) Family() Family { return FamilyRSA }

// PS256 represents the RSASSA-PSS signature algorithm using SHA-256.
var PS256 = newPS("PS256", crypto.SHA256)

// PS384 represents the RSASSA-PSS signature algorithm using SHA-384.
var PS384 = newPS("PS384", crypto.SHA384)

// PS512 represents the RSASSA-PSS signature algorithm using SHA-512.
var PS512 = newPS("PS512", crypto.SHA512)

// es implements the ECDSA family of algorithms (ESxxx). Each instance is
// bound to its curve, so a P-384 key can never satisfy ES256.
type es struct {
	name string
	crv  elliptic.Curve
	pool *hashPool
}

func newES(name string, crv elliptic.Curve, hash crypto.Hash) Algorithm[*ecdsa.PublicKey] {
	return &es{
		name: name,
		crv:  crv,
		pool: newHashPool(hash),
	}
}

func (a *es) Verify(key *ecdsa.PublicKey, msg, sig []byte) bool {
	if key.Curve != a.crv {
		return false
	}
	// The signature is the IEEE P1363 concatenation of two integers of the
	// same size as the curve's order.
	n := (a.crv.Params().BitSize + 7) / 8
	if len(sig) != 2*n {
		return false
	}
	h := a.pool.Get()
	defer func() { a.pool.Put(h) }()
	h.Write(msg)
	digest := h.Sum(nil)

	r := new(big.Int).SetBytes(sig[:n])
	s := new(big.Int).SetBytes(sig[n:])

	return ecdsa.Verify(key, digest, r, s)
}

func (a *es) String() string { return a.name }
func (a *es) Family() Family { return FamilyEC }

// ES256 represents the ECDSA signature algorithm using P-256 and SHA-256.
var ES256 = newES("ES256", elliptic.P256(), crypto.SHA256)

// ES384 represents the ECDSA signature algorithm using P-384 and SHA-384.
var ES384 = newES("ES384", elliptic.P384(), crypto.SHA384)

// ES512 represents the ECDSA signature algorithm using P-521 and SHA-512.
var ES512 = newES("ES512", elliptic.P521(), crypto.SHA512)

// ed implements the EdDSA family of algorithms.
type ed struct{}

func (a *ed) Verify(key []byte, msg, sig []byte) bool {
	switch len(key) {
	case ed448.PublicKeySize:
		// Per RFC 8037, the JWS "EdDSA" algorithm corresponds to the "pure"
		// EdDSA variant, which uses an empty string for the context
		// parameter.
		pub := ed448.PublicKey(key)
		return ed448.Verify(pub, msg, sig, "")
	case ed25519.PublicKeySize:
		pub := ed25519.PublicKey(key)
		return ed25519.Verify(pub, msg, sig)
	default:
		return false
	}
}

func (a *ed) String() string { return "EdDSA" }
func (a *ed) Family() Family { return FamilyOKP }

// EdDSA represents the EdDSA signature algorithm. It supports both Ed25519
// and Ed448 curves. The curve is determined by the size of the public key.
var EdDSA Algorithm[[]byte] = &ed{}

// Verifier adapts an Algorithm for callers that hold dynamically typed key
// material, such as the token validation pipeline. A key of the wrong
// concrete type yields false; it never panics.
type Verifier interface {
	fmt.Stringer

	// Family returns the key family the algorithm belongs to.
	Family() Family

	// Verify checks a signature against a message using the provided public
	// key. It returns false if the key's concrete type does not match the
	// algorithm, or if the signature is invalid.
	Verify(key crypto.PublicKey, msg, sig []byte) bool
}

// dyn wraps a typed Algorithm into a Verifier.
type dyn[T crypto.PublicKey] struct {
	alg Algorithm[T]
}

func (d dyn[T]) String() string { return d.alg.String() }
func (d dyn[T]) Family() Family { return d.alg.Family() }

func (d dyn[T]) Verify(key crypto.PublicKey, msg, sig []byte) bool {
	k, ok := key.(T)
	if !ok {
		return false
	}
	return d.alg.Verify(k, msg, sig)
}

// registry holds all supported algorithms by their JWA names.
var registry map[string]Verifier

func register[T crypto.PublicKey](alg Algorithm[T]) {
	registry[alg.String()] = dyn[T]{alg}
}

func init() {
	registry = make(map[string]Verifier, 10)
	register(RS256)
	register(RS384)
	register(RS512)
	register(PS256)
	register(PS384)
	register(PS512)
	register(ES256)
	register(ES384)
	register(ES512)
	register(EdDSA)
}

// Lookup returns the Verifier for the given JWA name, or nil if the name is
// unknown or unsupported.
func Lookup(name string) Verifier {
	return registry[name]
}

// Names returns the JWA names of all supported algorithms in lexical order.
func Names() []string {
	return slices.Sorted(maps.Keys(registry))
}

// hashPool manages a pool of hash.Hash objects to reduce allocations.
type hashPool struct {
	Hash crypto.Hash
	pool *sync.Pool
}

func newHashPool(hash crypto.Hash) *hashPool {
	pool := &sync.Pool{
		New: func() any {
			return hash.New()
		},
	}
	return &hashPool{
		Hash: hash,
		pool: pool,
	}
}

// Get retrieves a hash.Hash from the pool.
func (p *hashPool) Get() hash.Hash {
	h := p.pool.Get()
	return h.(hash.Hash)
}

// Put returns a hash.Hash to the pool after resetting it.
func (p *hashPool) Put(h hash.Hash) {
	h.Reset()
	p.pool.Put(h)
}
