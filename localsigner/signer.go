// Package localsigner provides a lockable in-process implementation of the
// session.Signer and session.LockState boundaries, for hosts that do not
// front an external wallet. The private key only exists in cleartext while
// the signer is unlocked; locking seals it under a passphrase-derived key
// and wipes the cleartext copy.
package localsigner

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/keyproof/walletauth/session"
)

// argon2id parameters, sized for interactive unlocking.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltLen      = 16
	keyLen       = 32
	nonceLen     = 24
)

var (
	// ErrWrongPassphrase indicates an Unlock attempt with a passphrase that
	// does not open the sealed key.
	ErrWrongPassphrase = errors.New("wrong passphrase")

	// ErrAlreadyUnlocked indicates Unlock was called on an unlocked signer.
	ErrAlreadyUnlocked = errors.New("already unlocked")
)

var _ session.Signer = (*Signer)(nil)
var _ session.LockState = (*Signer)(nil)

// Signer holds an ed25519 key that can be locked behind a passphrase.
// While locked, PublicKey and Sign fail with session.ErrSignerUnavailable.
// Lock transitions are published to subscribers, mirroring the event stream
// a real wallet exposes.
type Signer struct {
	mu     sync.Mutex
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey // nil while locked
	sealed sealedKey

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(unlocked bool)
}

// sealedKey is the private key encrypted under the passphrase.
type sealedKey struct {
	salt  [saltLen]byte
	nonce [nonceLen]byte
	box   []byte
}

// Generate creates a new signer with a fresh key, sealed under passphrase
// and initially unlocked.
func Generate(passphrase string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "[localsigner.Generate] generate key")
	}

	s := &Signer{pub: pub, priv: priv}
	if err := s.seal(passphrase); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Signer) seal(passphrase string) error {
	if _, err := io.ReadFull(rand.Reader, s.sealed.salt[:]); err != nil {
		return errors.Wrap(err, "[localsigner] read salt")
	}
	if _, err := io.ReadFull(rand.Reader, s.sealed.nonce[:]); err != nil {
		return errors.Wrap(err, "[localsigner] read nonce")
	}

	var key [keyLen]byte
	copy(key[:], deriveKey(passphrase, s.sealed.salt[:]))
	s.sealed.box = secretbox.Seal(nil, s.priv, &s.sealed.nonce, &key)
	return nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
}

// Lock wipes the cleartext private key. Signing fails until Unlock.
func (s *Signer) Lock() {
	s.mu.Lock()
	wasUnlocked := s.priv != nil
	for i := range s.priv {
		s.priv[i] = 0
	}
	s.priv = nil
	s.mu.Unlock()

	if wasUnlocked {
		s.notify(false)
	}
}

// Unlock opens the sealed key with the passphrase.
func (s *Signer) Unlock(passphrase string) error {
	s.mu.Lock()
	if s.priv != nil {
		s.mu.Unlock()
		return ErrAlreadyUnlocked
	}

	var key [keyLen]byte
	copy(key[:], deriveKey(passphrase, s.sealed.salt[:]))
	priv, ok := secretbox.Open(nil, s.sealed.box, &s.sealed.nonce, &key)
	if !ok {
		s.mu.Unlock()
		return ErrWrongPassphrase
	}
	s.priv = ed25519.PrivateKey(priv)
	s.mu.Unlock()

	s.notify(true)
	return nil
}

// IsUnlocked implements session.LockState.
func (s *Signer) IsUnlocked(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priv != nil
}

// PublicKey implements session.Signer. The public key is not secret, but a
// locked wallet exposes nothing at all, so this fails closed to match.
func (s *Signer) PublicKey(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv == nil {
		return nil, errors.Wrap(session.ErrSignerUnavailable, "[Signer.PublicKey] locked")
	}
	return append([]byte(nil), s.pub...), nil
}

// Sign implements session.Signer.
func (s *Signer) Sign(_ context.Context, message []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv == nil {
		return nil, errors.Wrap(session.ErrSignerUnavailable, "[Signer.Sign] locked")
	}
	return ed25519.Sign(s.priv, message), nil
}

// SubscribeLockState registers fn to be called on every lock and unlock
// transition. The returned function removes the subscription.
func (s *Signer) SubscribeLockState(fn func(unlocked bool)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subs == nil {
		s.subs = make(map[int]func(unlocked bool))
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Signer) notify(unlocked bool) {
	s.subMu.Lock()
	fns := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(unlocked)
	}
}
