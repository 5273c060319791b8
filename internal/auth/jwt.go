// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

// Package auth validates the Supabase-issued access tokens presented to the
// admin API.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/config"
)

var (
	// ErrMissingToken is returned when no bearer token was presented.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken covers bad signatures, expiry and malformed claims.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoSecret is returned by NewJWTManager without a signing secret.
	ErrNoSecret = errors.New("JWT_SECRET is required but was empty")
)

// AppMetadata is the server-controlled part of a Supabase token. Users
// cannot edit it, so tenancy and role are read from here rather than from
// user_metadata.
type AppMetadata struct {
	OrganizationID string `json:"organization_id"`
	OrgRole        string `json:"org_role"`
}

// Claims are the fields read from an access token. Role is the Postgres role
// ("authenticated"), not the organization role.
type Claims struct {
	Role        string      `json:"role"`
	Email       string      `json:"email,omitempty"`
	AppMetadata AppMetadata `json:"app_metadata"`
	jwt.RegisteredClaims
}

// OrganizationID is shorthand for AppMetadata.OrganizationID.
func (c *Claims) OrganizationID() string {
	return c.AppMetadata.OrganizationID
}

// OrgRole is shorthand for AppMetadata.OrgRole.
func (c *Claims) OrgRole() string {
	return c.AppMetadata.OrgRole
}

// JWTManager signs and validates HS256 tokens.
type JWTManager struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewJWTManager creates a manager from the security section.
func NewJWTManager(cfg *config.SecurityConfig) (*JWTManager, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrNoSecret
	}
	return &JWTManager{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		now:      time.Now,
	}, nil
}

// GenerateToken issues a token for subject. Production tokens come from
// Supabase; this is used by tests and local tooling.
func (m *JWTManager) GenerateToken(subject string, meta AppMetadata, ttl time.Duration) (string, error) {
	now := m.now()
	claims := &Claims{
		Role:        "authenticated",
		AppMetadata: meta,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token, requiring exp and sub.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
		jwt.WithLeeway(30 * time.Second),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrMissingToken)
	}
	return strings.TrimSpace(token), nil
}
