package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *TokenService {
	t.Helper()
	svc, err := NewTokenService(Config{Secret: "test-secret-key"})
	require.NoError(t, err)
	return svc
}

func TestTokenRoundTrip(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.IssueAgentToken("agent-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.AgentID)
	assert.True(t, claims.HasScope(ScopeAgent))
	assert.False(t, claims.HasScope(ScopeAdmin))
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	svc := newTestService(t)
	other, err := NewTokenService(Config{Secret: "different-secret"})
	require.NoError(t, err)

	token, err := other.IssueAgentToken("agent-1")
	require.NoError(t, err)

	_, err = svc.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.ValidateToken(context.Background(), "not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthorize(t *testing.T) {
	agent := &Claims{AgentID: "agent-1", Scopes: []string{ScopeAgent}}
	assert.NoError(t, agent.Authorize("agent-1"))
	assert.ErrorIs(t, agent.Authorize("agent-2"), ErrForbidden)

	admin := &Claims{AgentID: "ops", Scopes: []string{ScopeAdmin}}
	assert.NoError(t, admin.Authorize("agent-2"), "admin scope may act on any agent")
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := NewTokenService(Config{Secret: "s", Algorithm: "RS256"})
	assert.Error(t, err)
}
