package validator

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/deep-rent/sentinel/event"
	"github.com/deep-rent/sentinel/issuer"
	"github.com/deep-rent/sentinel/jose/jwt"
)

// checkClaims validates the payload claims against the issuer's policy. The
// rules run in a fixed order and fail fast; every rule has its own event
// kind. All temporal comparisons use a single clock reading captured at
// entry, so a validation cannot tear across a claim boundary.
func (v *Validator) checkClaims(
	c *jwt.Claims,
	cfg *issuer.Config,
	typ TokenType,
) *Error {
	now := v.clock()

	exp := c.ExpiresAt()
	if exp.IsZero() {
		return v.fail(event.MissingMandatoryClaim, "token lacks an 'exp' claim")
	}
	if !now.Before(exp.Add(v.leeway)) {
		return v.fail(event.TokenExpired, "token is expired")
	}

	if nbf := c.NotBefore(); !nbf.IsZero() {
		if nbf.After(now.Add(v.leeway + v.nbfTolerance)) {
			return v.fail(event.TokenNotYetValid, "token is not yet valid")
		}
	}

	if id := expectedIssuer(cfg); id != "" && c.Issuer() != id {
		return v.fail(event.IssuerMismatch, "issuer claim mismatch")
	}

	if len(cfg.Audiences) > 0 {
		aud := c.Audience()
		if len(aud) == 0 {
			return v.fail(event.AudienceMissing, "token lacks an 'aud' claim")
		}
		// Both sides may be multi-valued; a non-empty intersection accepts.
		if !mapset.NewThreadUnsafeSet(aud...).
			ContainsAny(cfg.Audiences...) {
			return v.fail(event.AudienceMismatch, "audience claim mismatch")
		}
	}

	if cfg.ClientID != "" && c.AuthorizedParty() != cfg.ClientID {
		return v.fail(event.AuthorizedPartyMismatch,
			"authorized party claim mismatch")
	}

	if c.Subject() == "" && v.subjectRequired(cfg, typ) {
		return v.fail(event.SubjectMissing, "token lacks a 'sub' claim")
	}

	if typ == TypeAccess {
		if len(cfg.Scopes) > 0 {
			have := mapset.NewThreadUnsafeSet(c.Scopes()...)
			if !mapset.NewThreadUnsafeSet(cfg.Scopes...).IsSubset(have) {
				return v.fail(event.ScopeMissing, "required scope missing")
			}
		}
		if len(cfg.Roles) > 0 {
			have := mapset.NewThreadUnsafeSet(c.Roles...)
			if !mapset.NewThreadUnsafeSet(cfg.Roles...).IsSubset(have) {
				return v.fail(event.RoleMissing, "required role missing")
			}
		}
		if len(cfg.Groups) > 0 {
			have := mapset.NewThreadUnsafeSet[string]()
			for _, g := range c.Groups {
				// Providers disagree on whether group paths start with a
				// slash; compare without it.
				have.Add(strings.TrimPrefix(g, "/"))
			}
			for _, g := range cfg.Groups {
				if !have.Contains(strings.TrimPrefix(g, "/")) {
					return v.fail(event.GroupMissing, "required group missing")
				}
			}
		}
	}

	return nil
}

// subjectRequired applies the per-token-type subject policy: access tokens
// honor the issuer's SubjectOptional flag, ID tokens the validator-wide
// relaxation.
func (v *Validator) subjectRequired(cfg *issuer.Config, typ TokenType) bool {
	switch typ {
	case TypeAccess:
		if cfg.SubjectOptional {
			v.logger.Debug("Accepting access token without 'sub' claim")
			return false
		}
	case TypeID:
		if v.idSubOptional {
			v.logger.Debug("Accepting ID token without 'sub' claim")
			return false
		}
	}
	return true
}

// expectedIssuer returns the identifier the "iss" claim must equal: the
// static one, or the identity announced by discovery.
func expectedIssuer(cfg *issuer.Config) string {
	if cfg.Identifier != "" {
		return cfg.Identifier
	}
	if cfg.Discovery != nil {
		if doc := cfg.Discovery.Document(); doc != nil {
			return doc.Issuer
		}
	}
	return ""
}
