package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier verifies HS256 access tokens whose subject is the user id.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	leeway   time.Duration
	audience string
}

// JWTConfig configures JWTVerifier.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// NewJWTVerifier builds a TokenVerifier for HMAC-signed JWTs.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("%w: jwt secret must be at least 32 bytes", ErrConfig)
	}
	return &JWTVerifier{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		leeway:   cfg.Leeway,
		audience: cfg.Audience,
	}, nil
}

// Verify implements TokenVerifier.
func (v *JWTVerifier) Verify(token string, now time.Time) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Principal{}, reject("jwt", "invalid token")
	}

	uid, err := validUID("jwt", claims.Subject)
	if err != nil {
		return Principal{}, err
	}
	p := Principal{UserID: uid}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// SignJWT mints an HS256 token for uid. For development and tests.
func SignJWT(secret, issuer, uid string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   uid,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
