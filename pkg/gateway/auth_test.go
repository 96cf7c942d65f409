package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHandler_GenerateChallenge(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("should generate 32-byte challenge as hex", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)
		assert.Len(t, challenge, 64)
	})

	t.Run("should generate unique challenges", func(t *testing.T) {
		challenge1, err1 := auth.GenerateChallenge()
		challenge2, err2 := auth.GenerateChallenge()

		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.NotEqual(t, challenge1, challenge2)
	})
}

func TestAuthHandler_CheckSecret(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		presented string
		want      bool
	}{
		{"should accept the configured secret", "s3cret", "s3cret", true},
		{"should reject a wrong secret", "s3cret", "guess", false},
		{"should reject a missing secret", "s3cret", "", false},
		{"should accept anything when disabled", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewAuthHandler(tt.secret).CheckSecret(tt.presented))
		})
	}
}

func TestAuthHandler_VerifySignature(t *testing.T) {
	auth := NewAuthHandler("test-secret")
	challenge, err := auth.GenerateChallenge()
	require.NoError(t, err)

	t.Run("should verify valid signature", func(t *testing.T) {
		assert.True(t, auth.VerifySignature(challenge, Sign("test-secret", challenge)))
	})

	t.Run("should reject invalid signature", func(t *testing.T) {
		assert.False(t, auth.VerifySignature(challenge, "invalid-signature"))
	})

	t.Run("should reject signature with wrong secret", func(t *testing.T) {
		assert.False(t, auth.VerifySignature(challenge, Sign("wrong-secret", challenge)))
	})
}

func TestAuthHandler_HandleAuthResponse(t *testing.T) {
	auth := NewAuthHandler("test-secret")
	newClient := func(challenge string, attempts int) *Client {
		return &Client{ID: "test-client", challenge: challenge, authAttempts: attempts, runs: map[string]bool{}}
	}

	t.Run("should succeed with valid signature", func(t *testing.T) {
		client := newClient("test-challenge", 0)

		frame, closeConn := auth.HandleAuthResponse(client, Sign("test-secret", "test-challenge"))

		assert.Equal(t, FrameAuthSuccess, frame.Type)
		assert.False(t, closeConn)
		assert.True(t, client.Authenticated())
		assert.Empty(t, client.challenge)
	})

	t.Run("should fail with invalid signature", func(t *testing.T) {
		client := newClient("test-challenge", 0)

		frame, closeConn := auth.HandleAuthResponse(client, "invalid-signature")

		assert.Equal(t, FrameAuthFailure, frame.Type)
		assert.False(t, closeConn)
		assert.False(t, client.Authenticated())
		assert.Equal(t, 1, client.authAttempts)
	})

	t.Run("should give up after 3 failed attempts", func(t *testing.T) {
		client := newClient("test-challenge", 2)

		frame, closeConn := auth.HandleAuthResponse(client, "invalid-signature")

		assert.Contains(t, frame.Message, "Too many failed attempts")
		assert.True(t, closeConn)
	})

	t.Run("should fail when no challenge exists", func(t *testing.T) {
		frame, _ := auth.HandleAuthResponse(newClient("", 0), "any-signature")
		assert.Contains(t, frame.Message, "No challenge found")
	})
}
