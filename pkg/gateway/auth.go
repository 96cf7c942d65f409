package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// maxAuthAttempts is how many bad signatures a WebSocket client may send
// before the connection is closed.
const maxAuthAttempts = 3

// AuthHandler checks the shared secret. HTTP callers send it in
// SecretHeader; WebSocket clients that cannot set headers answer an
// HMAC-SHA256 challenge instead. An empty secret disables authentication.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether a secret is configured.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// CheckSecret compares a presented secret in constant time.
func (a *AuthHandler) CheckSecret(presented string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign computes the hex HMAC-SHA256 of a challenge under secret.
func Sign(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	expected := Sign(a.sharedSecret, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// issueChallenge stores a fresh challenge on the client and returns it.
func (a *AuthHandler) issueChallenge(client *Client) (string, error) {
	challenge, err := a.GenerateChallenge()
	if err != nil {
		return "", err
	}
	client.mu.Lock()
	client.challenge = challenge
	client.mu.Unlock()
	return challenge, nil
}

// HandleAuthResponse checks a client's answer to its challenge. The second
// return value is true once the client has used up its attempts.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) (ControlFrame, bool) {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.authenticated {
		return ControlFrame{Type: FrameAuthSuccess}, false
	}
	if client.challenge == "" {
		return ControlFrame{Type: FrameAuthFailure, Message: "No challenge found"}, false
	}

	if !a.VerifySignature(client.challenge, signature) {
		client.authAttempts++
		if client.authAttempts >= maxAuthAttempts {
			return ControlFrame{Type: FrameAuthFailure, Message: "Too many failed attempts"}, true
		}
		return ControlFrame{Type: FrameAuthFailure, Message: "Invalid signature"}, false
	}

	client.authenticated = true
	client.authAttempts = 0
	client.challenge = ""
	return ControlFrame{Type: FrameAuthSuccess}, false
}
