package identity

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoConfig configures v4.public verification.
type PasetoConfig struct {
	// PublicKeyHex is the Ed25519 public key of the identity service.
	PublicKeyHex string
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// ClockSkew tolerates small clock differences on nbf/iat.
	ClockSkew time.Duration
}

// PasetoVerifier verifies PASETO v4.public access tokens.
type PasetoVerifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

// NewPasetoVerifier builds a TokenVerifier for tokens signed by the identity service.
func NewPasetoVerifier(cfg PasetoConfig) (*PasetoVerifier, error) {
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PublicKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	return &PasetoVerifier{issuer: cfg.Issuer, clockSkew: cfg.ClockSkew, public: public}, nil
}

// Verify implements TokenVerifier.
func (v *PasetoVerifier) Verify(token string, now time.Time) (Principal, error) {
	// Fresh parser per call; rules accumulate otherwise.
	p := paseto.NewParser()
	if v.issuer != "" {
		p.AddRule(paseto.IssuedBy(v.issuer))
	}
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(now.Add(v.clockSkew)))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Principal{}, reject("paseto", "invalid token")
	}

	raw, err := parsed.GetString("uid")
	if err != nil {
		return Principal{}, reject("paseto", "missing uid claim")
	}
	uid, err := validUID("paseto", raw)
	if err != nil {
		return Principal{}, err
	}
	exp, _ := parsed.GetExpiration()
	return Principal{UserID: uid, ExpiresAt: exp}, nil
}

// PasetoIssuer mints v4.public tokens. Production tokens come from the identity service;
// this exists for local development and tests.
type PasetoIssuer struct {
	issuer string
	secret paseto.V4AsymmetricSecretKey
}

// NewPasetoIssuer loads an Ed25519 secret key.
func NewPasetoIssuer(secretKeyHex, issuer string) (*PasetoIssuer, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(secretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	return &PasetoIssuer{issuer: issuer, secret: secret}, nil
}

// GeneratePasetoKeys returns a fresh secret/public key pair as hex.
func GeneratePasetoKeys() (secretHex, publicHex string) {
	secret := paseto.NewV4AsymmetricSecretKey()
	return secret.ExportHex(), secret.Public().ExportHex()
}

// PublicKeyHex returns the verification key matching the issuer's secret.
func (i *PasetoIssuer) PublicKeyHex() string { return i.secret.Public().ExportHex() }

// Issue signs a token for uid valid for ttl from now.
func (i *PasetoIssuer) Issue(uid string, ttl time.Duration, now time.Time) (string, time.Time) {
	exp := now.Add(ttl)

	tok := paseto.NewToken()
	if i.issuer != "" {
		tok.SetIssuer(i.issuer)
	}
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	_ = tok.Set("uid", uid)

	return tok.V4Sign(i.secret, nil), exp
}
