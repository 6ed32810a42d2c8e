package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenMintAndValidate(t *testing.T) {
	p := NewTokenProvider("shared-secret", "user-1", "device-a", time.Hour)

	token, err := p.Token(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := p.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "device-a", claims.DeviceID)
}

func TestTokenCachedUntilNearExpiry(t *testing.T) {
	p := NewTokenProvider("shared-secret", "user-1", "device-a", time.Hour)
	base := time.Now()
	p.now = func() time.Time { return base }

	first, err := p.Token(context.Background())
	require.NoError(t, err)

	// Well within the lifetime the same token comes back.
	p.now = func() time.Time { return base.Add(30 * time.Minute) }
	second, err := p.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Within a minute of expiry a fresh token is minted.
	p.now = func() time.Time { return base.Add(time.Hour - 30*time.Second) }
	third, err := p.Token(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first, third)
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	p := NewTokenProvider("secret-a", "user-1", "device-a", time.Hour)
	other := NewTokenProvider("secret-b", "user-1", "device-a", time.Hour)

	token, err := p.Token(context.Background())
	require.NoError(t, err)

	_, err = other.Validate(token)
	require.Error(t, err)
}
