// Package session turns a possession-of-key proof into a durable, renewable
// bearer credential. The Manager drives the challenge → sign → login →
// token-exchange handshake against an external signer and a remote auth
// service, caches the resulting session, and transparently re-authenticates
// when the token expires. The key holder may be temporarily locked; every
// operation tolerates that by failing fast and leaving the cached session
// untouched.
package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Deps holds the external collaborators the Manager coordinates.
type Deps struct {
	Signer      Signer      // Key holder producing the public key and signatures
	LockState   LockState   // Lock query, consulted before each handshake
	AuthService AuthService // Nonce, login and token-exchange endpoints
}

// Manager owns the single logical session. It is safe for concurrent use;
// stale-token renewals triggered by concurrent accessors are collapsed into
// one in-flight handshake that every caller awaits.
type Manager struct {
	deps        Deps
	store       store
	renewalSkew time.Duration
	nowTime     func() time.Time // nowTime function (injectable for testing)
	log         zerolog.Logger
	metrics     *metrics
	renewals    singleflight.Group

	subs subscribers
}

// Option modifies a Manager at construction time.
type Option func(*Manager)

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// WithRenewalSkew sets the safety margin subtracted from the token expiry
// when deciding freshness. Zero (the default) means a token is used until
// the instant it expires.
func WithRenewalSkew(skew time.Duration) Option {
	return func(m *Manager) {
		m.renewalSkew = skew
	}
}

// WithInitialState seeds the Manager with a previously persisted session,
// e.g. one written out by the host before a restart. The seeded state is
// validated by New.
func WithInitialState(s Session) Option {
	return func(m *Manager) {
		m.store.replace(s)
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithMetrics registers handshake counters on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.metrics = newMetrics(reg)
	}
}

// New initializes a Manager with required collaborators. Optional
// configuration is provided via options (e.g. WithNowTime for testing).
func New(deps Deps, options ...Option) (*Manager, error) {
	if deps.Signer == nil {
		return nil, errors.New("[session.New] Signer is required")
	}
	if deps.LockState == nil {
		return nil, errors.New("[session.New] LockState is required")
	}
	if deps.AuthService == nil {
		return nil, errors.New("[session.New] AuthService is required")
	}

	m := &Manager{
		deps:    deps,
		nowTime: time.Now,
		log:     zerolog.Nop(),
	}
	m.store.replace(signedOut())

	for _, opt := range options {
		opt(m)
	}

	if seeded := m.store.snapshot(); !seeded.consistent() {
		return nil, errors.New("[session.New] initial state is inconsistent: signed-in requires both token and profile")
	}

	return m, nil
}

// SignIn runs the full handshake and returns the new access token. It always
// re-runs the handshake, even when already signed in; callers wanting the
// cached credential use BearerToken. Any failure leaves the session exactly
// as it was.
func (m *Manager) SignIn(ctx context.Context) (string, error) {
	sess, err := m.handshake(ctx)
	if err != nil {
		return "", err
	}
	return sess.AccessToken, nil
}

// SignOut discards the cached token, expiry and profile unconditionally. No
// network call is made; server-side revocation, if any, is the host's
// concern.
func (m *Manager) SignOut() {
	m.commit(signedOut())
	m.metrics.signOut()
	m.log.Info().Msg("signed out")
}

// BearerToken returns the cached access token if it is still fresh, and
// otherwise re-runs the full handshake and returns the newly issued token.
// It fails with ErrNotAuthenticated when signed out, without touching any
// collaborator. If re-authentication fails, the previous (expired) session
// is left untouched and the stale token is never returned.
func (m *Manager) BearerToken(ctx context.Context) (string, error) {
	sess, err := m.freshSession(ctx)
	if err != nil {
		return "", err
	}
	return sess.AccessToken, nil
}

// Profile returns the profile of the current session under the same
// freshness policy as BearerToken: a stale token triggers a full re-sign-in
// before the profile is returned. Both accessors read the same session, so
// their views can never diverge.
func (m *Manager) Profile(ctx context.Context) (Profile, error) {
	sess, err := m.freshSession(ctx)
	if err != nil {
		return Profile{}, err
	}
	return *sess.Profile, nil
}

// IsSignedIn reports the current status without any freshness check.
func (m *Manager) IsSignedIn() bool {
	return m.store.snapshot().SignedIn()
}

// SessionData returns a copy of the current session for host observation,
// e.g. for persistence between restarts.
func (m *Manager) SessionData() Session {
	return m.store.snapshot()
}

// freshSession returns the cached session when its token is still fresh and
// otherwise renews it. Signed-out sessions are rejected before any external
// call is made.
func (m *Manager) freshSession(ctx context.Context) (Session, error) {
	sess := m.store.snapshot()
	if !sess.SignedIn() {
		return Session{}, errors.Wrap(ErrNotAuthenticated, "[Manager] no session")
	}
	if m.fresh(sess) {
		return sess, nil
	}
	return m.renew(ctx)
}

// fresh applies the expiry policy: a token is usable strictly before
// expiresAt minus the renewal skew. Equality counts as expired.
func (m *Manager) fresh(sess Session) bool {
	return m.nowTime().Before(sess.ExpiresAt.Add(-m.renewalSkew))
}

// renew collapses concurrent renewal attempts into a single handshake whose
// result every waiting caller shares. The handshake runs under the context
// of the caller that started it.
func (m *Manager) renew(ctx context.Context) (Session, error) {
	v, err, _ := m.renewals.Do("renew", func() (any, error) {
		m.metrics.renewal()
		m.log.Debug().Msg("token stale, renewing")
		return m.handshake(ctx)
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// handshake performs the ordered sign-in sequence. Each step fails fast; no
// step is retried, because partial progress (a consumed nonce) cannot be
// resumed. All intermediate values stay local until the final commit, so an
// abandoned handshake leaves no trace in the store.
func (m *Manager) handshake(ctx context.Context) (Session, error) {
	sess, err := m.runHandshake(ctx)
	if err != nil {
		m.metrics.handshakeFailed(err)
		m.log.Warn().Err(err).Msg("sign-in handshake failed")
		return Session{}, err
	}

	m.commit(sess)
	m.metrics.handshakeOK()
	m.log.Info().
		Str("profile_id", sess.Profile.ProfileID).
		Time("expires_at", sess.ExpiresAt).
		Msg("signed in")
	return sess, nil
}

func (m *Manager) runHandshake(ctx context.Context) (Session, error) {
	// Fail fast while the key holder is locked, before a nonce is burnt.
	if !m.deps.LockState.IsUnlocked(ctx) {
		return Session{}, errors.Wrap(ErrSignerUnavailable, "[Manager.SignIn] key holder is locked")
	}

	publicKey, err := m.deps.Signer.PublicKey(ctx)
	if err != nil {
		return Session{}, errors.Wrap(signerUnavailable(err), "[Manager.SignIn] signer public key")
	}

	challenge, err := m.deps.AuthService.RequestNonce(ctx, publicKey)
	if err != nil {
		return Session{}, NewAuthServiceError(StageNonce, err)
	}

	// The lock can flip between PublicKey and Sign; a failure here is still
	// a signer failure, never a network one.
	signature, err := m.deps.Signer.Sign(ctx, []byte(challenge.Nonce))
	if err != nil {
		return Session{}, errors.Wrap(signerUnavailable(err), "[Manager.SignIn] signer sign nonce")
	}

	result, err := m.deps.AuthService.Login(ctx, SignedChallenge{
		PublicKey: publicKey,
		Signature: signature,
		Nonce:     challenge.Nonce,
	})
	if err != nil {
		return Session{}, NewAuthServiceError(StageLogin, err)
	}

	token, err := m.deps.AuthService.ExchangeToken(ctx, result.SessionSpec)
	if err != nil {
		return Session{}, NewAuthServiceError(StageToken, err)
	}

	profile := result.Profile
	if profile.IdentifierID == "" {
		profile.IdentifierID = challenge.IdentifierID
	}

	return Session{
		Status:      StatusSignedIn,
		AccessToken: token.AccessToken,
		ExpiresAt:   token.ExpiresAt,
		Profile:     &profile,
	}, nil
}

// commit replaces the stored session in one step and notifies subscribers
// with a snapshot, outside the store lock.
func (m *Manager) commit(sess Session) {
	m.store.replace(sess)
	m.subs.notify(sess)
}
