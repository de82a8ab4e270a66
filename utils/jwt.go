package utils

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dmailbox/config"
	"dmailbox/models"
)

type Claims struct {
	DID          string `json:"did"`
	TokenVersion int    `json:"token_version"`
	jwt.RegisteredClaims
}

// IdentityLookup is the narrow store capability token refresh needs.
type IdentityLookup interface {
	GetIdentity(ctx context.Context, did string) (*models.Identity, error)
}

func GenerateJWTToken(identity *models.Identity) (string, string, error) {
	// Access token (1 hour expiry)
	accessClaims := &Claims{
		DID:          identity.DID,
		TokenVersion: identity.TokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	accessToken := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims)
	accessTokenString, err := accessToken.SignedString([]byte(config.AppConfig.EncryptionKey))
	if err != nil {
		return "", "", err
	}

	// Refresh token (7 days expiry)
	refreshClaims := &Claims{
		DID:          identity.DID,
		TokenVersion: identity.TokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(7 * 24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	refreshToken := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims)
	refreshTokenString, err := refreshToken.SignedString([]byte(config.AppConfig.EncryptionKey))
	if err != nil {
		return "", "", err
	}

	return accessTokenString, refreshTokenString, nil
}

func ParseJWTToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(config.AppConfig.EncryptionKey), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

func RefreshTokens(ctx context.Context, identities IdentityLookup, refreshToken string) (string, string, error) {
	claims, err := ParseJWTToken(refreshToken)
	if err != nil {
		return "", "", err
	}

	// Check if refresh token is expired
	if time.Until(claims.ExpiresAt.Time) <= 0 {
		return "", "", errors.New("refresh token expired")
	}

	identity, err := identities.GetIdentity(ctx, claims.DID)
	if err != nil {
		return "", "", errors.New("identity not paired")
	}
	if claims.TokenVersion != identity.TokenVersion {
		return "", "", errors.New("invalid token version")
	}

	return GenerateJWTToken(identity)
}
