package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Tokens are only valid for the operator API, never for device calls.
const tokenAudience = "operator-api"

const clockSkew = 30 * time.Second

// Claims identify the operator a bearer token was issued to.
type Claims struct {
	OperatorID string `json:"sub"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{Secret: secret, Expiry: 12 * time.Hour, Issuer: "vpn-console"}
}

func (cfg TokenConfig) validate() error {
	switch {
	case cfg.Secret == "":
		return errors.New("missing secret")
	case cfg.Expiry <= 0:
		return errors.New("invalid expiry")
	}
	return nil
}

func CreateToken(operatorID string, cfg TokenConfig) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	if operatorID == "" {
		return "", errors.New("missing operator id")
	}

	issued := time.Now()
	claims := Claims{
		OperatorID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(cfg.Expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

// VerifyToken accepts only unexpired HS256 operator tokens from the
// configured issuer.
func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...); err != nil {
		return nil, err
	}
	if claims.OperatorID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
