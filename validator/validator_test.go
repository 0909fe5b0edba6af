package validator_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json/v2"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-rent/sentinel/clock"
	"github.com/deep-rent/sentinel/event"
	"github.com/deep-rent/sentinel/issuer"
	"github.com/deep-rent/sentinel/jose/jwt"
	"github.com/deep-rent/sentinel/jwks"
	"github.com/deep-rent/sentinel/perf"
	"github.com/deep-rent/sentinel/validator"
)

const (
	issuerA = "https://a.idp.test"
	issuerB = "https://b.idp.test"
)

var (
	rsaKey  *rsa.PrivateKey
	rsaKey2 *rsa.PrivateKey
	ecKey   *ecdsa.PrivateKey
	epoch   = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
)

func init() {
	var err error
	if rsaKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
		panic(err)
	}
	if rsaKey2, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
		panic(err)
	}
	if ecKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		panic(err)
	}
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func rsaJWK(key *rsa.PublicKey, kid string) string {
	return fmt.Sprintf(
		`{"kty":"RSA","use":"sig","kid":%q,"n":%q,"e":"AQAB"}`,
		kid, b64(key.N.Bytes()))
}

func ecJWK(key *ecdsa.PublicKey, kid string) string {
	return fmt.Sprintf(
		`{"kty":"EC","use":"sig","kid":%q,"crv":"P-256","x":%q,"y":%q}`,
		kid, b64(key.X.Bytes()), b64(key.Y.Bytes()))
}

func keysDoc(entries ...string) string {
	return `{"keys":[` + strings.Join(entries, ",") + `]}`
}

func signRS256(key *rsa.PrivateKey) func([]byte) []byte {
	return func(msg []byte) []byte {
		digest := sha256.Sum256(msg)
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
		if err != nil {
			panic(err)
		}
		return sig
	}
}

func signES256(key *ecdsa.PrivateKey) func([]byte) []byte {
	return func(msg []byte) []byte {
		digest := sha256.Sum256(msg)
		r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
		if err != nil {
			panic(err)
		}
		out := make([]byte, 64)
		r.FillBytes(out[:32])
		s.FillBytes(out[32:])
		return out
	}
}

// token assembles and signs a compact JWS.
func token(
	t *testing.T,
	header map[string]any,
	claims map[string]any,
	sign func([]byte) []byte,
) string {
	t.Helper()
	hb, err := json.Marshal(header)
	require.NoError(t, err)
	cb, err := json.Marshal(claims)
	require.NoError(t, err)
	msg := b64(hb) + "." + b64(cb)
	return msg + "." + b64(sign([]byte(msg)))
}

// claims returns a complete valid claim set for issuer A; overrides replace
// or (with a nil value) remove entries.
func claims(overrides map[string]any) map[string]any {
	c := map[string]any{
		"iss": issuerA,
		"sub": "alice",
		"aud": "api",
		"exp": epoch.Add(5 * time.Minute).Unix(),
		"iat": epoch.Unix(),
	}
	for k, v := range overrides {
		if v == nil {
			delete(c, k)
		} else {
			c[k] = v
		}
	}
	return c
}

func header(alg, kid string) map[string]any {
	h := map[string]any{"alg": alg, "typ": "JWT"}
	if kid != "" {
		h["kid"] = kid
	}
	return h
}

// newValidator builds a validator over issuer A (RSA kid "rsa-1", EC kid
// "ec-1", audience "api") with a frozen clock.
func newValidator(t *testing.T, opts ...validator.Option) *validator.Validator {
	t.Helper()
	loader := jwks.New(jwks.NewStaticSource([]byte(keysDoc(
		rsaJWK(&rsaKey.PublicKey, "rsa-1"),
		ecJWK(&ecKey.PublicKey, "ec-1"),
	))))
	require.NoError(t, loader.Refresh(context.Background()))

	cfg := &issuer.Config{
		Name:       "a",
		Identifier: issuerA,
		Loader:     loader,
		Audiences:  []string{"api"},
		Enabled:    true,
	}
	v, err := validator.New(
		[]*issuer.Config{cfg},
		append([]validator.Option{
			validator.WithClock(clock.FrozenClock(epoch)),
		}, opts...)...,
	)
	require.NoError(t, err)
	t.Cleanup(v.Shutdown)
	return v
}

func TestValidAccessToken(t *testing.T) {
	v := newValidator(t)
	raw := token(t, header("RS256", "rsa-1"), claims(nil), signRS256(rsaKey))

	tok, err := v.ValidateAccessToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", tok.Subject())
	assert.Equal(t, issuerA, tok.Issuer())
	assert.Equal(t, raw, tok.Raw())
}

func TestValidES256Token(t *testing.T) {
	v := newValidator(t)
	raw := token(t, header("ES256", "ec-1"), claims(nil), signES256(ecKey))

	_, err := v.ValidateAccessToken(raw)
	assert.NoError(t, err)
}

// S1: the "none" algorithm is rejected with its own distinct event, for
// every issuer configuration, even with an empty signature segment.
func TestNoneAlgorithmRejected(t *testing.T) {
	v := newValidator(t)
	raw := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJ4In0."

	_, err := v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.AlgorithmExplicitlyRejected))
	assert.Equal(t, uint64(1),
		v.Counters()[event.AlgorithmExplicitlyRejected])
}

// S2: anything but three segments is structurally invalid.
func TestInvalidStructure(t *testing.T) {
	v := newValidator(t)
	_, err := v.ValidateAccessToken("a.b")
	assert.True(t, validator.IsKind(err, event.InvalidStructure))
}

// S3: oversized tokens are rejected before any decoding.
func TestTokenTooLarge(t *testing.T) {
	v := newValidator(t, validator.WithLimits(jwt.Limits{MaxTokenSize: 128}))
	raw := strings.Repeat("x", 129)
	_, err := v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.TokenTooLarge))
}

func TestEmptyToken(t *testing.T) {
	v := newValidator(t)
	_, err := v.ValidateAccessToken("")
	assert.True(t, validator.IsKind(err, event.TokenEmpty))
}

// S4: a successful validation is cached; the repeat call is a hit and runs
// no signature operation.
func TestCacheRoundTrip(t *testing.T) {
	v := newValidator(t)
	raw := token(t, header("RS256", "rsa-1"), claims(nil), signRS256(rsaKey))

	first, err := v.ValidateAccessToken(raw)
	require.NoError(t, err)
	second, err := v.ValidateAccessToken(raw)
	require.NoError(t, err)

	assert.Equal(t, first.Subject(), second.Subject())
	assert.Equal(t, first.ExpiresAt(), second.ExpiresAt())
	assert.Equal(t, uint64(1), v.Counters()[event.CacheHit])
	assert.Equal(t, 1,
		v.Performance()[perf.MeasureSignatureVerify].Samples)
}

func TestCacheDisabled(t *testing.T) {
	v := newValidator(t, validator.WithCacheSize(0))
	raw := token(t, header("RS256", "rsa-1"), claims(nil), signRS256(rsaKey))

	for range 2 {
		_, err := v.ValidateAccessToken(raw)
		require.NoError(t, err)
	}
	assert.Zero(t, v.Counters()[event.CacheHit])
	assert.Equal(t, 2,
		v.Performance()[perf.MeasureSignatureVerify].Samples)
}

// S5: expired tokens fail with TokenExpired.
func TestExpiredToken(t *testing.T) {
	v := newValidator(t)
	raw := token(t, header("RS256", "rsa-1"),
		claims(map[string]any{"exp": epoch.Add(-time.Second).Unix()}),
		signRS256(rsaKey))

	_, err := v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.TokenExpired))
}

func TestLeewayAcceptsRecentlyExpired(t *testing.T) {
	v := newValidator(t, validator.WithLeeway(30*time.Second))
	raw := token(t, header("RS256", "rsa-1"),
		claims(map[string]any{"exp": epoch.Add(-time.Second).Unix()}),
		signRS256(rsaKey))

	_, err := v.ValidateAccessToken(raw)
	assert.NoError(t, err)
}

func TestMissingExp(t *testing.T) {
	v := newValidator(t)
	raw := token(t, header("RS256", "rsa-1"),
		claims(map[string]any{"exp": nil}), signRS256(rsaKey))

	_, err := v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.MissingMandatoryClaim))
}

func TestNotYetValid(t *testing.T) {
	v := newValidator(t)

	// An nbf within the 60 s future tolerance is accepted.
	raw := token(t, header("RS256", "rsa-1"),
		claims(map[string]any{"nbf": epoch.Add(30 * time.Second).Unix()}),
		signRS256(rsaKey))
	_, err := v.ValidateAccessToken(raw)
	assert.NoError(t, err)

	// Beyond the tolerance, the token is not yet valid.
	raw = token(t, header("RS256", "rsa-1"),
		claims(map[string]any{"nbf": epoch.Add(2 * time.Minute).Unix()}),
		signRS256(rsaKey))
	_, err = v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.TokenNotYetValid))
}

func TestTamperedSignature(t *testing.T) {
	v := newValidator(t)
	raw := token(t, header("RS256", "rsa-1"), claims(nil), signRS256(rsaKey))
	// Flip the payload without re-signing.
	parts := strings.Split(raw, ".")
	parts[1] = b64([]byte(`{"iss":"` + issuerA +
		`","sub":"mallory","aud":"api","exp":` +
		fmt.Sprint(epoch.Add(5*time.Minute).Unix()) + `}`))
	_, err := v.ValidateAccessToken(strings.Join(parts, "."))
	assert.True(t, validator.IsKind(err, event.SignatureInvalid))
}

func TestForeignKeySignature(t *testing.T) {
	v := newValidator(t)
	// Signed by a key that is not in the JWKS, but claiming kid rsa-1.
	raw := token(t, header("RS256", "rsa-1"), claims(nil), signRS256(rsaKey2))
	_, err := v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.SignatureInvalid))
}

// S8: a token claiming ES256 must never be verified with an RSA key.
func TestAlgorithmConfusion(t *testing.T) {
	v := newValidator(t)
	raw := token(t, header("ES256", "rsa-1"), claims(nil), signES256(ecKey))
	_, err := v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.AlgorithmKeyMismatch))
}

func TestUnknownKid(t *testing.T) {
	v := newValidator(t)
	raw := token(t, header("RS256", "ghost"), claims(nil), signRS256(rsaKey))
	_, err := v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.KeyNotFound))
}

func TestKidlessSingleKeyRule(t *testing.T) {
	// Only one RSA key in the set: a kid-less RS256 token is resolvable.
	loader := jwks.New(jwks.NewStaticSource(
		[]byte(keysDoc(rsaJWK(&rsaKey.PublicKey, "rsa-1")))))
	require.NoError(t, loader.Refresh(context.Background()))
	cfg := &issuer.Config{
		Identifier: issuerA,
		Loader:     loader,
		Enabled:    true,
	}
	v, err := validator.New([]*issuer.Config{cfg},
		validator.WithClock(clock.FrozenClock(epoch)))
	require.NoError(t, err)
	t.Cleanup(v.Shutdown)

	raw := token(t, header("RS256", ""), claims(nil), signRS256(rsaKey))
	_, err = v.ValidateAccessToken(raw)
	assert.NoError(t, err)
}

func TestKidlessAmbiguous(t *testing.T) {
	loader := jwks.New(jwks.NewStaticSource([]byte(keysDoc(
		rsaJWK(&rsaKey.PublicKey, "rsa-1"),
		rsaJWK(&rsaKey2.PublicKey, "rsa-2"),
	))))
	require.NoError(t, loader.Refresh(context.Background()))
	cfg := &issuer.Config{
		Identifier: issuerA,
		Loader:     loader,
		Enabled:    true,
	}
	v, err := validator.New([]*issuer.Config{cfg},
		validator.WithClock(clock.FrozenClock(epoch)))
	require.NoError(t, err)
	t.Cleanup(v.Shutdown)

	raw := token(t, header("RS256", ""), claims(nil), signRS256(rsaKey))
	_, err = v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.KidRequired))
}

func TestUnsupportedAlgorithm(t *testing.T) {
	v := newValidator(t)
	raw := token(t, header("HS256", "rsa-1"), claims(nil), signRS256(rsaKey))
	_, err := v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.UnsupportedAlgorithm))
}

func TestPerIssuerAlgorithmSubset(t *testing.T) {
	loader := jwks.New(jwks.NewStaticSource([]byte(keysDoc(
		rsaJWK(&rsaKey.PublicKey, "rsa-1"),
		ecJWK(&ecKey.PublicKey, "ec-1"),
	))))
	require.NoError(t, loader.Refresh(context.Background()))
	cfg := &issuer.Config{
		Identifier: issuerA,
		Loader:     loader,
		Algorithms: []string{"ES256"},
		Enabled:    true,
	}
	v, err := validator.New([]*issuer.Config{cfg},
		validator.WithClock(clock.FrozenClock(epoch)))
	require.NoError(t, err)
	t.Cleanup(v.Shutdown)

	raw := token(t, header("RS256", "rsa-1"), claims(nil), signRS256(rsaKey))
	_, err = v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.UnsupportedAlgorithm))

	raw = token(t, header("ES256", "ec-1"), claims(nil), signES256(ecKey))
	_, err = v.ValidateAccessToken(raw)
	assert.NoError(t, err)
}

func TestUnexpectedTokenType(t *testing.T) {
	v := newValidator(t)
	h := header("RS256", "rsa-1")
	h["typ"] = "JOSE"
	raw := token(t, h, claims(nil), signRS256(rsaKey))
	_, err := v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.UnexpectedTokenType))
}

func TestAtJWTTypeAccepted(t *testing.T) {
	v := newValidator(t)
	h := header("RS256", "rsa-1")
	h["typ"] = "at+jwt"
	raw := token(t, h, claims(nil), signRS256(rsaKey))
	_, err := v.ValidateAccessToken(raw)
	assert.NoError(t, err)
}

// Unknown issuers fail fast, without any crypto work.
func TestUnknownIssuer(t *testing.T) {
	v := newValidator(t)
	raw := token(t, header("RS256", "rsa-1"),
		claims(map[string]any{"iss": "https://rogue.idp.test"}),
		signRS256(rsaKey))

	_, err := v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.NoIssuerConfig))
	assert.Zero(t, v.Performance()[perf.MeasureSignatureVerify].Samples)
}

func TestAudiencePolicy(t *testing.T) {
	v := newValidator(t)

	raw := token(t, header("RS256", "rsa-1"),
		claims(map[string]any{"aud": nil}), signRS256(rsaKey))
	_, err := v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.AudienceMissing))

	raw = token(t, header("RS256", "rsa-1"),
		claims(map[string]any{"aud": "other"}), signRS256(rsaKey))
	_, err = v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.AudienceMismatch))

	// Multi-valued "aud": a non-empty intersection accepts.
	raw = token(t, header("RS256", "rsa-1"),
		claims(map[string]any{"aud": []string{"other", "api"}}),
		signRS256(rsaKey))
	_, err = v.ValidateAccessToken(raw)
	assert.NoError(t, err)
}

func TestAuthorizedParty(t *testing.T) {
	loader := jwks.New(jwks.NewStaticSource(
		[]byte(keysDoc(rsaJWK(&rsaKey.PublicKey, "rsa-1")))))
	require.NoError(t, loader.Refresh(context.Background()))
	cfg := &issuer.Config{
		Identifier: issuerA,
		Loader:     loader,
		ClientID:   "my-client",
		Enabled:    true,
	}
	v, err := validator.New([]*issuer.Config{cfg},
		validator.WithClock(clock.FrozenClock(epoch)))
	require.NoError(t, err)
	t.Cleanup(v.Shutdown)

	raw := token(t, header("RS256", "rsa-1"),
		claims(map[string]any{"azp": "other-client"}), signRS256(rsaKey))
	_, err = v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.AuthorizedPartyMismatch))

	raw = token(t, header("RS256", "rsa-1"),
		claims(map[string]any{"azp": "my-client"}), signRS256(rsaKey))
	_, err = v.ValidateAccessToken(raw)
	assert.NoError(t, err)
}

func TestSubjectPolicy(t *testing.T) {
	v := newValidator(t)
	raw := token(t, header("RS256", "rsa-1"),
		claims(map[string]any{"sub": nil}), signRS256(rsaKey))
	_, err := v.ValidateAccessToken(raw)
	assert.True(t, validator.IsKind(err, event.SubjectMissing))
}

func TestSubjectOptional(t *testing.T) {
	loader := jwks.New(jwks.NewStaticSource(
		[]byte(keysDoc(rsaJWK(&rsaKey.PublicKey, "rsa-1")))))
	require.NoError(t, loader.Refresh(context.Background()))
	cfg := &issuer.Config{
		Identifier:      issuerA,
		Loader:          loader,
		SubjectOptional: true,
		Enabled:         true,
	}
	v, err := validator.New([]*issuer.Config{cfg},
		validator.WithClock(clock.FrozenClock(epoch)))
	require.NoError(t, err)
	t.Cleanup(v.Shutdown)

	raw := token(t, header("RS256", "rsa-1"),
		claims(map[string]any{"sub": nil}), signRS256(rsaKey))
	_, err = v.ValidateAccessToken(raw)
	assert.NoError(t, err)
}

func TestScopeRoleGroupPolicies(t *testing.T) {
	loader := jwks.New(jwks.NewStaticSource(
		[]byte(keysDoc(rsaJWK(&rsaKey.PublicKey, "rsa-1")))))
	require.NoError(t, loader.Refresh(context.Background()))
	cfg := &issuer.Config{
		Identifier: issuerA,
		Loader:     loader,
		Scopes:     []string{"read"},
		Roles:      []string{"admin"},
		Groups:     []string{"ops"},
		Enabled:    true,
	}
	v, err := validator.New([]*issuer.Config{cfg},
		validator.WithClock(clock.FrozenClock(epoch)))
	require.NoError(t, err)
	t.Cleanup(v.Shutdown)

	good := map[string]any{
		"scope":  "read write",
		"roles":  []string{"admin", "user"},
		"groups": []string{"/ops"}, // Leading slash is normalized away.
	}
	raw := token(t, header("RS256", "rsa-1"), claims(good), signRS256(rsaKey))
	_, err = v.ValidateAccessToken(raw)
	assert.NoError(t, err)

	for name, tc := range map[string]struct {
		override map[string]any
		kind     event.Kind
	}{
		"scope": {map[string]any{"scope": "write"}, event.ScopeMissing},
		"role":  {map[string]any{"roles": []string{"user"}}, event.RoleMissing},
		"group": {map[string]any{"groups": []string{"dev"}}, event.GroupMissing},
	} {
		t.Run(name, func(t *testing.T) {
			c := claims(good)
			for k, v := range tc.override {
				c[k] = v
			}
			raw := token(t, header("RS256", "rsa-1"), c, signRS256(rsaKey))
			_, err := v.ValidateAccessToken(raw)
			assert.True(t, validator.IsKind(err, tc.kind))
		})
	}
}

// S7: with two issuers configured, each token is validated against its own
// issuer's policy, and resolution stays correct after warm-up.
func TestMultiIssuer(t *testing.T) {
	la := jwks.New(jwks.NewStaticSource(
		[]byte(keysDoc(rsaJWK(&rsaKey.PublicKey, "rsa-1")))))
	require.NoError(t, la.Refresh(context.Background()))
	lb := jwks.New(jwks.NewStaticSource(
		[]byte(keysDoc(rsaJWK(&rsaKey2.PublicKey, "rsa-b")))))
	require.NoError(t, lb.Refresh(context.Background()))

	v, err := validator.New([]*issuer.Config{
		{Identifier: issuerA, Loader: la, Audiences: []string{"api-a"}, Enabled: true},
		{Identifier: issuerB, Loader: lb, Audiences: []string{"api-b"}, Enabled: true},
	}, validator.WithClock(clock.FrozenClock(epoch)))
	require.NoError(t, err)
	t.Cleanup(v.Shutdown)

	forB := token(t, header("RS256", "rsa-b"),
		claims(map[string]any{"iss": issuerB, "aud": "api-b"}),
		signRS256(rsaKey2))
	_, err = v.ValidateAccessToken(forB)
	assert.NoError(t, err)

	// B's audience policy applies to B's tokens.
	wrongAud := token(t, header("RS256", "rsa-b"),
		claims(map[string]any{"iss": issuerB, "aud": "api-a"}),
		signRS256(rsaKey2))
	_, err = v.ValidateAccessToken(wrongAud)
	assert.True(t, validator.IsKind(err, event.AudienceMismatch))
}

// switchSource swaps between JWKS documents to drive rotations.
type switchSource struct {
	mu   sync.Mutex
	body string
}

func (s *switchSource) set(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = body
}

func (s *switchSource) Fetch(ctx context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []byte(s.body), true, nil
}

// S6: tokens signed by a just-retired key stay valid inside the grace
// window and fail with KeyNotFound beyond it.
func TestRotationGrace(t *testing.T) {
	var mu sync.Mutex
	now := epoch
	clk := clock.Clock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	src := &switchSource{}
	src.set(keysDoc(rsaJWK(&rsaKey.PublicKey, "k-old")))
	loader := jwks.New(src,
		jwks.WithClock(clk),
		jwks.WithGraceWindow(10*time.Minute),
	)
	require.NoError(t, loader.Refresh(context.Background()))

	cfg := &issuer.Config{Identifier: issuerA, Loader: loader, Enabled: true}
	v, err := validator.New([]*issuer.Config{cfg},
		validator.WithClock(clk),
		validator.WithCacheSize(0), // Observe the loader on every call.
	)
	require.NoError(t, err)
	t.Cleanup(v.Shutdown)

	oldToken := func() string {
		return token(t, header("RS256", "k-old"),
			claims(map[string]any{"exp": now.Add(time.Hour).Unix()}),
			signRS256(rsaKey))
	}

	_, err = v.ValidateAccessToken(oldToken())
	require.NoError(t, err)

	// Rotate to a new key.
	src.set(keysDoc(rsaJWK(&rsaKey2.PublicKey, "k-new")))
	require.NoError(t, loader.Refresh(context.Background()))

	advance(5 * time.Minute)
	_, err = v.ValidateAccessToken(oldToken())
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), v.Counters()[event.UsedRetiredKey])

	advance(6 * time.Minute)
	_, err = v.ValidateAccessToken(oldToken())
	assert.True(t, validator.IsKind(err, event.KeyNotFound))
}

func TestRefreshToken(t *testing.T) {
	v := newValidator(t)

	_, err := v.ValidateRefreshToken("")
	assert.True(t, validator.IsKind(err, event.TokenEmpty))

	// Opaque strings pass the minimal checks.
	tok, err := v.ValidateRefreshToken("opaque-refresh-token")
	require.NoError(t, err)
	assert.Nil(t, tok.Claims)
	assert.Equal(t, "opaque-refresh-token", tok.Raw())

	// A JWS-shaped refresh token exposes its claims, unverified.
	raw := token(t, header("RS256", "rsa-1"), claims(nil), signRS256(rsaKey))
	tok, err = v.ValidateRefreshToken(raw)
	require.NoError(t, err)
	require.NotNil(t, tok.Claims)
	assert.Equal(t, "alice", tok.Claims.Subject())
}

func TestIDToken(t *testing.T) {
	v := newValidator(t)
	raw := token(t, header("RS256", "rsa-1"), claims(nil), signRS256(rsaKey))

	tok, err := v.ValidateIDToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", tok.Subject())
}

func TestHealth(t *testing.T) {
	v := newValidator(t)
	h := v.Health()
	require.Contains(t, h, "a")
	assert.Equal(t, jwks.StatusHealthy, h["a"])
}

func TestCountersAndReset(t *testing.T) {
	v := newValidator(t)
	_, _ = v.ValidateAccessToken("a.b")
	assert.Equal(t, uint64(1), v.Counters()[event.InvalidStructure])

	v.ResetCounters()
	assert.Empty(t, v.Counters())
}

func TestUnknownAlgorithmInAllowList(t *testing.T) {
	_, err := validator.New(nil, validator.WithAlgorithms("RS256", "HS256"))
	assert.Error(t, err)
}

func TestShutdownIdempotent(t *testing.T) {
	v := newValidator(t)
	v.Shutdown()
	v.Shutdown()
}

// Concurrent validations of the same uncached token run the signature
// check exactly once.
func TestConcurrentValidationCoalesces(t *testing.T) {
	v := newValidator(t)
	raw := token(t, header("RS256", "rsa-1"), claims(nil), signRS256(rsaKey))

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			_, err := v.ValidateAccessToken(raw)
			assert.NoError(t, err)
		})
	}
	wg.Wait()
	assert.Equal(t, 1, v.Performance()[perf.MeasureSignatureVerify].Samples)
}
