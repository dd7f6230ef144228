package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	maxAuthAttempts = 3
	challengeTTL    = 30 * time.Second
)

// Sign answers a challenge: hex(HMAC-SHA256(secret, challenge)).
func Sign(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// Authenticator issues and checks websocket challenges and HTTP secrets. An
// empty secret disables authentication.
type Authenticator struct {
	secret string
	now    func() time.Time
}

// NewAuthenticator creates an authenticator for secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: secret, now: time.Now}
}

// Enabled reports whether clients must authenticate.
func (a *Authenticator) Enabled() bool {
	return a.secret != ""
}

// CheckSecret compares a secret presented over HTTP in constant time.
func (a *Authenticator) CheckSecret(secret string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.secret), []byte(secret)) == 1
}

// Issue creates a fresh challenge for client.
func (a *Authenticator) Issue(client *Client) (AuthChallenge, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return AuthChallenge{}, fmt.Errorf("failed to generate challenge: %w", err)
	}
	client.Challenge = hex.EncodeToString(raw)
	client.ChallengeExpires = a.now().Add(challengeTTL)
	client.State = StateAuthenticating
	return AuthChallenge{
		Event:     "auth.challenge",
		Challenge: client.Challenge,
		ExpiresIn: int(challengeTTL / time.Second),
	}, nil
}

// Answer checks a client's signature for its pending challenge. A failed
// answer uses up one attempt; an expired challenge cannot be answered.
func (a *Authenticator) Answer(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return a.fail(client, "no pending challenge")
	}
	if a.now().After(client.ChallengeExpires) {
		client.Challenge = ""
		client.AuthAttempts = maxAuthAttempts
		return AuthResult{Event: "auth.failure", Message: "challenge expired"}
	}

	expected := Sign(a.secret, client.Challenge)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return a.fail(client, "signature mismatch")
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""
	return AuthResult{Event: "auth.success", Success: true}
}

func (a *Authenticator) fail(client *Client, reason string) AuthResult {
	client.AuthAttempts++
	left := maxAuthAttempts - client.AuthAttempts
	if left <= 0 {
		return AuthResult{Event: "auth.failure", Message: "too many failed attempts"}
	}
	return AuthResult{Event: "auth.failure", Message: reason, AttemptsLeft: left}
}

// exhausted reports whether client may no longer try to authenticate.
func exhausted(client *Client) bool {
	return client.AuthAttempts >= maxAuthAttempts
}
