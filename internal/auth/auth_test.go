package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewService("secret", time.Hour)
	require.NoError(t, svc.RegisterAPICredentials("key-1", "pw-1", policy.Principal{
		ParticipantID: "buyer-1",
		Role:          policy.RoleBuyer,
		Workflow:      types.WorkflowSaleable,
	}))

	_, err := svc.GenerateToken(Credentials{APIKey: "key-1", APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	tok, err := svc.GenerateToken(Credentials{APIKey: "key-1", APISecret: "pw-1"})
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", tok.ParticipantID)

	claims, err := svc.ValidateToken(tok.Token)
	require.NoError(t, err)
	p := claims.Principal()
	assert.Equal(t, "buyer-1", p.ParticipantID)
	assert.Equal(t, policy.RoleBuyer, p.Role)
	assert.Equal(t, types.WorkflowSaleable, p.Workflow)
}

func TestValidateTokenRejectsOtherSecret(t *testing.T) {
	issuer := NewService("one", time.Hour)
	tok, err := issuer.IssueToken(policy.Principal{ParticipantID: "dev-1", Role: policy.RoleDeveloper})
	require.NoError(t, err)

	_, err = NewService("two", time.Hour).ValidateToken(tok.Token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := NewService("secret", -time.Minute)
	tok, err := svc.IssueToken(policy.Principal{ParticipantID: "dev-1", Role: policy.RoleDeveloper})
	require.NoError(t, err)

	_, err = svc.ValidateToken(tok.Token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidateTokenRejectsUnknownRole(t *testing.T) {
	svc := NewService("secret", time.Hour)
	tok, err := svc.IssueToken(policy.Principal{ParticipantID: "x", Role: "ROOT"})
	require.NoError(t, err)

	_, err = svc.ValidateToken(tok.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRegisterRejectsBadIdentity(t *testing.T) {
	svc := NewService("secret", time.Hour)
	err := svc.RegisterAPICredentials("k", "s", policy.Principal{ParticipantID: "p", Role: "NOPE"})
	assert.True(t, types.IsKind(err, types.KindValidation))
}
