package jwa_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-rent/sentinel/jose/jwa"
)

var rsaKey *rsa.PrivateKey

func init() {
	var err error
	rsaKey, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
}

func signPKCS1(t *testing.T, msg []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, rsaKey, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return sig
}

func signPSS(t *testing.T, msg []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, rsaKey, crypto.SHA256, digest[:],
		&rsa.PSSOptions{SaltLength: sha256.Size, Hash: crypto.SHA256})
	require.NoError(t, err)
	return sig
}

func signES256(t *testing.T, key *ecdsa.PrivateKey, msg []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	require.NoError(t, err)
	n := (key.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*n)
	r.FillBytes(out[:n])
	s.FillBytes(out[n:])
	return out
}

func TestRS256(t *testing.T) {
	msg := []byte("payload")
	sig := signPKCS1(t, msg)

	assert.True(t, jwa.RS256.Verify(&rsaKey.PublicKey, msg, sig))
	assert.False(t, jwa.RS256.Verify(&rsaKey.PublicKey, []byte("other"), sig))
	assert.False(t, jwa.RS384.Verify(&rsaKey.PublicKey, msg, sig))
}

func TestPS256(t *testing.T) {
	msg := []byte("payload")
	sig := signPSS(t, msg)

	assert.True(t, jwa.PS256.Verify(&rsaKey.PublicKey, msg, sig))
	assert.False(t, jwa.PS256.Verify(&rsaKey.PublicKey, []byte("other"), sig))
	// PKCS1v15 signatures must not satisfy PSS.
	assert.False(t, jwa.PS256.Verify(&rsaKey.PublicKey, msg, signPKCS1(t, msg)))
}

func TestES256(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	msg := []byte("payload")
	sig := signES256(t, key, msg)

	assert.True(t, jwa.ES256.Verify(&key.PublicKey, msg, sig))
	assert.False(t, jwa.ES256.Verify(&key.PublicKey, []byte("other"), sig))
	// Truncated signatures are rejected by the length check.
	assert.False(t, jwa.ES256.Verify(&key.PublicKey, msg, sig[:len(sig)-1]))
}

func TestES256RejectsForeignCurve(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	msg := []byte("payload")
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	require.NoError(t, err)
	// P-384 scalars take up to 48 bytes; keep the leading 32 of each so the
	// signature has the 64-byte length ES256 expects.
	out := make([]byte, 64)
	copy(out[:32], r.Bytes())
	copy(out[32:], s.Bytes())

	// A P-384 key can never satisfy ES256, even with a 64-byte signature.
	assert.False(t, jwa.ES256.Verify(&key.PublicKey, msg, out))
}

func TestEdDSA(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	msg := []byte("payload")
	sig := ed25519.Sign(priv, msg)

	assert.True(t, jwa.EdDSA.Verify(pub, msg, sig))
	assert.False(t, jwa.EdDSA.Verify(pub, []byte("other"), sig))
	assert.False(t, jwa.EdDSA.Verify(pub[:16], msg, sig))
}

func TestLookup(t *testing.T) {
	for _, name := range []string{
		"RS256", "RS384", "RS512",
		"PS256", "PS384", "PS512",
		"ES256", "ES384", "ES512",
		"EdDSA",
	} {
		v := jwa.Lookup(name)
		require.NotNil(t, v, name)
		assert.Equal(t, name, v.String())
	}

	assert.Nil(t, jwa.Lookup("none"))
	assert.Nil(t, jwa.Lookup("HS256"))
	assert.Nil(t, jwa.Lookup(""))
	assert.Nil(t, jwa.Lookup("RS255"))
}

func TestVerifierRejectsWrongKeyType(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	msg := []byte("payload")
	sig := signES256(t, key, msg)

	// Handing an RSA key to the ES256 verifier must fail, not panic.
	es := jwa.Lookup("ES256")
	assert.False(t, es.Verify(&rsaKey.PublicKey, msg, sig))
	assert.True(t, es.Verify(&key.PublicKey, msg, sig))
}

func TestFamilyOf(t *testing.T) {
	assert.Equal(t, jwa.FamilyRSA, jwa.FamilyOf("RS256"))
	assert.Equal(t, jwa.FamilyRSA, jwa.FamilyOf("PS512"))
	assert.Equal(t, jwa.FamilyEC, jwa.FamilyOf("ES384"))
	assert.Equal(t, jwa.FamilyOKP, jwa.FamilyOf("EdDSA"))
	assert.Equal(t, jwa.FamilyUnknown, jwa.FamilyOf("none"))
	assert.Equal(t, jwa.FamilyUnknown, jwa.FamilyOf("HS256"))
}

func TestNames(t *testing.T) {
	names := jwa.Names()
	assert.Len(t, names, 10)
	assert.NotContains(t, names, "none")
	assert.NotContains(t, names, "HS256")
}
