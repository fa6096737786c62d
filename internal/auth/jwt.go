package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vovakirdan/wirepush/internal/proto"
)

// Claims identify the end user behind an authorization request.
type Claims struct {
	UserID string         `json:"user_id"`
	Name   string         `json:"name,omitempty"`
	Info   map[string]any `json:"info,omitempty"`
	jwt.RegisteredClaims
}

// Member converts the claims into presence channel data.
func (c *Claims) Member() proto.ChannelData {
	info := map[string]any{}
	for k, v := range c.Info {
		info[k] = v
	}
	if c.Name != "" {
		info["name"] = c.Name
	}
	m := proto.ChannelData{UserID: c.UserID}
	if len(info) > 0 {
		m.UserInfo = info
	}
	return m
}

// JWTConfig holds JWT configuration.
type JWTConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
}

// GenerateToken issues a bearer token for a user.
func GenerateToken(cfg *JWTConfig, userID, name string, info map[string]any) (string, error) {
	if userID == "" {
		return "", errors.New("user id is empty")
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Name:   name,
		Info:   info,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(cfg.Secret)
}

// ValidateToken parses and validates a JWT token.
func ValidateToken(cfg *JWTConfig, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer")
	}
	if cfg.Audience != "" && !slices.Contains(claims.Audience, cfg.Audience) {
		return nil, fmt.Errorf("invalid audience")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no user id")
	}

	return claims, nil
}
