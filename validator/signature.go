package validator

import (
	"errors"

	"github.com/deep-rent/sentinel/event"
	"github.com/deep-rent/sentinel/issuer"
	"github.com/deep-rent/sentinel/jose/jwa"
	"github.com/deep-rent/sentinel/jose/jwk"
	"github.com/deep-rent/sentinel/jose/jwt"
	"github.com/deep-rent/sentinel/jwks"
	"github.com/deep-rent/sentinel/perf"
)

// verifySignature resolves the verification key from the issuer's loader
// and checks the token's signature.
//
// A key found by id whose family does not match the algorithm family fails
// with AlgorithmKeyMismatch: this is the algorithm-confusion defense. A
// token without a "kid" is only verifiable when the current generation
// holds exactly one key of the required family; otherwise it fails with
// KidRequired.
func (v *Validator) verifySignature(
	tok *jwt.Token,
	alg jwa.Verifier,
	cfg *issuer.Config,
) *Error {
	if len(tok.Signature) == 0 {
		return v.fail(event.InvalidStructure, "signature segment is empty")
	}

	stop := v.monitor.Start(perf.MeasureKeyLookup)
	key, err := v.resolveKey(tok.Header.Kid, alg.Family(), cfg)
	stop()
	if err != nil {
		return err
	}

	stop = v.monitor.Start(perf.MeasureSignatureVerify)
	ok := v.safeVerify(key, alg, tok.SigningInput, tok.Signature)
	stop()
	if !ok {
		return v.fail(event.SignatureInvalid, "signature verification failed")
	}
	return nil
}

func (v *Validator) resolveKey(
	kid string,
	fam jwa.Family,
	cfg *issuer.Config,
) (jwk.Key, *Error) {
	if cfg.Loader == nil {
		return nil, v.fail(event.KeyNotFound, "issuer has no key source")
	}
	key, err := cfg.Loader.Key(kid, fam)
	if errors.Is(err, jwks.ErrKeyMismatch) {
		return nil, v.fail(event.AlgorithmKeyMismatch,
			"key family does not match token algorithm")
	}
	if key == nil {
		if kid == "" {
			return nil, v.fail(event.KidRequired,
				"token has no 'kid' and no single candidate key exists")
		}
		return nil, v.fail(event.KeyNotFound, "no key matches the 'kid' header")
	}
	return key, nil
}

// safeVerify shields the pipeline from crypto-layer panics: any panic is
// recorded as a CryptoInternalError event and surfaces to the caller as a
// plain signature failure, revealing nothing about the internals.
func (v *Validator) safeVerify(
	key jwk.Key,
	alg jwa.Verifier,
	msg, sig []byte,
) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v.events.Add(event.CryptoInternalError)
			v.logger.Error("Signature verification panicked", "panic", r)
			ok = false
		}
	}()
	return key.Verify(alg, msg, sig)
}
