// internal/auth/session_test.go
package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintVerifyRoundtrip(t *testing.T) {
	svc, err := NewService(time.Hour)
	require.NoError(t, err)

	playerID := uuid.New().String()
	tok, err := svc.Mint(playerID)
	require.NoError(t, err)

	sub, err := svc.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, playerID, sub)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	a, err := NewService(time.Hour)
	require.NoError(t, err)
	b, err := NewService(time.Hour)
	require.NoError(t, err)

	tok, err := a.Mint(uuid.New().String())
	require.NoError(t, err)

	_, err = b.Verify(tok)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc, err := NewService(0)
	require.NoError(t, err)
	_, err = svc.Verify("not.a.token")
	assert.Error(t, err)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	svc, err := NewService(0)
	require.NoError(t, err)
	tok, err := svc.Mint("p1")
	require.NoError(t, err)
	sub, err := svc.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "p1", sub)
}
