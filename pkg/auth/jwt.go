// Copyright 2026 FinVault
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth provides registry-issued agent tokens and their validation.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	claimAgentID = "agent_id"
	claimScope   = "scope"

	// ScopeAdmin authorizes mutations on any agent.
	ScopeAdmin = "registry:admin"

	// ScopeAgent authorizes mutations on the token's own agent.
	ScopeAgent = "registry:agent"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("token not authorized for this agent")
)

// Claims are the validated contents of an agent token.
type Claims struct {
	AgentID string
	Scopes  []string
}

// HasScope reports whether the claims carry the given scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Config tunes token issuing and validation.
type Config struct {
	Secret            string
	Algorithm         string
	ExpirationSeconds int
	Issuer            string
}

func (c *Config) setDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = "HS256"
	}
	if c.ExpirationSeconds <= 0 {
		c.ExpirationSeconds = 3600
	}
	if c.Issuer == "" {
		c.Issuer = "fabric-registry"
	}
}

// TokenService signs and validates symmetric agent tokens.
type TokenService struct {
	cfg Config
	alg jwa.SignatureAlgorithm
}

// NewTokenService creates a token service from config. Only HMAC algorithms
// are supported; the registry holds the sole signing key.
func NewTokenService(cfg Config) (*TokenService, error) {
	cfg.setDefaults()
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth: signing secret is required")
	}

	var alg jwa.SignatureAlgorithm
	switch cfg.Algorithm {
	case "HS256":
		alg = jwa.HS256
	case "HS384":
		alg = jwa.HS384
	case "HS512":
		alg = jwa.HS512
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", cfg.Algorithm)
	}

	return &TokenService{cfg: cfg, alg: alg}, nil
}

// IssueAgentToken mints a bearer token bound to the given agent id.
func (s *TokenService) IssueAgentToken(agentID string, scopes ...string) (string, error) {
	if len(scopes) == 0 {
		scopes = []string{ScopeAgent}
	}

	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(s.cfg.Issuer).
		Subject(agentID).
		IssuedAt(now).
		Expiration(now.Add(time.Duration(s.cfg.ExpirationSeconds)*time.Second)).
		Claim(claimAgentID, agentID).
		Claim(claimScope, scopes).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(s.alg, []byte(s.cfg.Secret)))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// ValidateToken verifies the signature and expiry and extracts claims.
func (s *TokenService) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(s.alg, []byte(s.cfg.Secret)),
		jwt.WithValidate(true),
		jwt.WithIssuer(s.cfg.Issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{AgentID: token.Subject()}

	if v, ok := token.Get(claimAgentID); ok {
		if id, ok := v.(string); ok {
			claims.AgentID = id
		}
	}
	if v, ok := token.Get(claimScope); ok {
		switch scopes := v.(type) {
		case []any:
			for _, s := range scopes {
				if str, ok := s.(string); ok {
					claims.Scopes = append(claims.Scopes, str)
				}
			}
		case []string:
			claims.Scopes = scopes
		}
	}

	return claims, nil
}

// VerifyToken implements the a2a.TokenVerifier interface.
func (s *TokenService) VerifyToken(ctx context.Context, tokenString string) error {
	_, err := s.ValidateToken(ctx, tokenString)
	return err
}

// Authorize checks that the claims permit mutating the given agent: either
// the token is bound to that agent or it carries the admin scope.
func (c *Claims) Authorize(agentID string) error {
	if c.HasScope(ScopeAdmin) {
		return nil
	}
	if c.AgentID == agentID {
		return nil
	}
	return ErrForbidden
}
