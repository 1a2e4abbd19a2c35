package app

import (
	"errors"
	"fmt"
	"strings"

	"tandem/cmd/identity"
)

// ValidateSecurityConfig refuses to start with an auth setup that cannot be trusted.
func ValidateSecurityConfig(cfg Config) error {
	switch cfg.AuthMode {
	case AuthHeader:
		if !cfg.AuthTrustProxy {
			return errors.New("security policy: TANDEM_AUTH_MODE=header requires TANDEM_AUTH_TRUST_PROXY=true (the user header must be set by a trusted proxy)")
		}
	case AuthPaseto:
		if strings.TrimSpace(cfg.PasetoPublicKey) == "" {
			return errors.New("security policy: TANDEM_AUTH_MODE=paseto requires TANDEM_PASETO_PUBLIC_KEY")
		}
	case AuthJWT:
		if len(cfg.JWTSecret) < 32 {
			return errors.New("security policy: TANDEM_AUTH_MODE=jwt requires TANDEM_JWT_SECRET of at least 32 bytes")
		}
	default:
		return fmt.Errorf("security policy: unknown TANDEM_AUTH_MODE %q", cfg.AuthMode)
	}
	return nil
}

// NewIdentityProvider builds the request authenticator selected by cfg.AuthMode.
func NewIdentityProvider(cfg Config) (identity.Provider, error) {
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	switch cfg.AuthMode {
	case AuthPaseto:
		v, err := identity.NewPasetoVerifier(identity.PasetoConfig{
			PublicKeyHex: cfg.PasetoPublicKey,
			Issuer:       cfg.PasetoIssuer,
			ClockSkew:    cfg.AuthClockSkew,
		})
		if err != nil {
			return nil, err
		}
		return identity.BearerProvider{Verifier: v, AllowQuery: cfg.AuthQueryToken}, nil

	case AuthJWT:
		v, err := identity.NewJWTVerifier(identity.JWTConfig{
			Secret:   cfg.JWTSecret,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.AuthClockSkew,
		})
		if err != nil {
			return nil, err
		}
		return identity.BearerProvider{Verifier: v, AllowQuery: cfg.AuthQueryToken}, nil

	default:
		return identity.HeaderProvider{Header: cfg.AuthHeader}, nil
	}
}
