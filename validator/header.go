package validator

import (
	"github.com/deep-rent/sentinel/event"
	"github.com/deep-rent/sentinel/jose/jwa"
	"github.com/deep-rent/sentinel/jose/jwt"
)

// typeValues are the acceptable "typ" header values: the generic JWT type
// and the RFC 9068 access token profile.
var typeValues = map[string]bool{
	"JWT":    true,
	"at+jwt": true,
}

// checkHeader polices the JOSE header before any cryptography runs. The
// "none" algorithm is rejected with its own distinct event so that downgrade
// probes remain visible in the counters.
func (v *Validator) checkHeader(h jwt.Header) (jwa.Verifier, *Error) {
	if h.Alg == "none" {
		return nil, v.fail(event.AlgorithmExplicitlyRejected,
			"the 'none' algorithm is rejected")
	}
	alg := v.algs[h.Alg]
	if alg == nil {
		return nil, v.fail(event.UnsupportedAlgorithm,
			"algorithm is missing or not allowed")
	}
	if h.Typ != "" && !typeValues[h.Typ] {
		return nil, v.fail(event.UnexpectedTokenType,
			"unexpected 'typ' header value")
	}
	return alg, nil
}
