package session

import (
	"context"
	"time"
)

// Signer abstracts a key holder that can produce a public key and signatures
// without ever revealing the private key. Both operations fail with
// ErrSignerUnavailable while the key holder is locked, and the lock can flip
// between the two calls of a single handshake.
type Signer interface {
	PublicKey(ctx context.Context) ([]byte, error)
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// LockState answers whether the key holder is currently able to sign. The
// Manager consults it before starting a handshake to fail fast without
// burning a nonce.
type LockState interface {
	IsUnlocked(ctx context.Context) bool
}

// Challenge is the single-use nonce issued by the auth service. It lives
// only for the duration of one sign-in attempt and is never persisted.
type Challenge struct {
	Nonce        string
	IdentifierID string
}

// SignedChallenge is a Challenge plus the signature proving key possession.
// Consumed once by Login.
type SignedChallenge struct {
	PublicKey []byte
	Signature []byte
	Nonce     string
}

// LoginResult carries the authenticated profile and the opaque one-shot
// ticket that ExchangeToken turns into a bearer credential.
type LoginResult struct {
	Profile     Profile
	SessionSpec string
}

// Token is the bearer credential returned by the token exchange, with its
// expiry already resolved to an absolute timestamp.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// AuthService is the remote service the handshake runs against. Transport
// concerns (timeouts, TLS, retries) belong to the implementation; the
// Manager only sees ordinary errors, which it records under the stage that
// failed.
type AuthService interface {
	// RequestNonce asks the service for a fresh challenge bound to the
	// given public key.
	RequestNonce(ctx context.Context, publicKey []byte) (Challenge, error)

	// Login verifies the signed challenge and opens a session.
	Login(ctx context.Context, signed SignedChallenge) (LoginResult, error)

	// ExchangeToken redeems the login ticket for a bearer token.
	ExchangeToken(ctx context.Context, sessionSpec string) (Token, error)
}
