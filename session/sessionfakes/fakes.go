// Package sessionfakes provides in-memory collaborator doubles for testing
// code built on the session Manager.
package sessionfakes

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/keyproof/walletauth/session"
)

var _ session.Signer = (*FakeSigner)(nil)
var _ session.LockState = (*FakeSigner)(nil)

// FakeSigner is a lockable ed25519 signer that records how often each
// operation was called. It doubles as its own LockState, the way a real
// wallet exposes both capabilities.
type FakeSigner struct {
	mu        sync.Mutex
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	locked    bool
	PubCalls  int
	SignCalls int
}

func NewFakeSigner() *FakeSigner {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err) // entropy failure, nothing sensible to do in a fake
	}
	return &FakeSigner{priv: priv, pub: pub}
}

// SetLocked flips the lock state; while locked both operations fail with
// session.ErrSignerUnavailable.
func (f *FakeSigner) SetLocked(locked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = locked
}

func (f *FakeSigner) IsUnlocked(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.locked
}

func (f *FakeSigner) PublicKey(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PubCalls++
	if f.locked {
		return nil, session.ErrSignerUnavailable
	}
	return append([]byte(nil), f.pub...), nil
}

func (f *FakeSigner) Sign(_ context.Context, message []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SignCalls++
	if f.locked {
		return nil, session.ErrSignerUnavailable
	}
	return ed25519.Sign(f.priv, message), nil
}

var _ session.AuthService = (*FakeAuthService)(nil)

// FakeAuthService scripts the three handshake endpoints. Each stage can be
// made to fail independently, and call counts are recorded so tests can
// assert which steps ran.
type FakeAuthService struct {
	mu sync.Mutex

	Nonce        string
	IdentifierID string
	ProfileID    string
	SessionSpec  string
	Token        session.Token

	NonceErr error
	LoginErr error
	TokenErr error

	// NonceGate, when set, blocks RequestNonce until the channel is closed.
	// Lets tests hold a handshake open while concurrent callers pile up.
	NonceGate chan struct{}

	NonceCalls [][]byte
	LoginCalls []session.SignedChallenge
	TokenCalls []string
}

func NewFakeAuthService(token session.Token) *FakeAuthService {
	return &FakeAuthService{
		Nonce:        "nonce-1",
		IdentifierID: "identifier-1",
		ProfileID:    "profile-1",
		SessionSpec:  "spec-1",
		Token:        token,
	}
}

func (f *FakeAuthService) RequestNonce(_ context.Context, publicKey []byte) (session.Challenge, error) {
	if f.NonceGate != nil {
		<-f.NonceGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NonceCalls = append(f.NonceCalls, append([]byte(nil), publicKey...))
	if f.NonceErr != nil {
		return session.Challenge{}, f.NonceErr
	}
	return session.Challenge{Nonce: f.Nonce, IdentifierID: f.IdentifierID}, nil
}

func (f *FakeAuthService) Login(_ context.Context, signed session.SignedChallenge) (session.LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoginCalls = append(f.LoginCalls, signed)
	if f.LoginErr != nil {
		return session.LoginResult{}, f.LoginErr
	}
	if signed.Nonce != f.Nonce {
		return session.LoginResult{}, fmt.Errorf("unexpected nonce %q", signed.Nonce)
	}
	if !ed25519.Verify(signed.PublicKey, []byte(signed.Nonce), signed.Signature) {
		return session.LoginResult{}, fmt.Errorf("signature does not verify")
	}
	return session.LoginResult{
		Profile:     session.Profile{IdentifierID: f.IdentifierID, ProfileID: f.ProfileID},
		SessionSpec: f.SessionSpec,
	}, nil
}

func (f *FakeAuthService) ExchangeToken(_ context.Context, sessionSpec string) (session.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TokenCalls = append(f.TokenCalls, sessionSpec)
	if f.TokenErr != nil {
		return session.Token{}, f.TokenErr
	}
	if sessionSpec != f.SessionSpec {
		return session.Token{}, fmt.Errorf("unexpected session spec %q", sessionSpec)
	}
	return f.Token, nil
}

// Calls returns how many times each endpoint was invoked, in handshake
// order: nonce, login, token.
func (f *FakeAuthService) Calls() (nonce, login, token int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.NonceCalls), len(f.LoginCalls), len(f.TokenCalls)
}
