package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keyproof/walletauth/internal/utils"
	"github.com/keyproof/walletauth/session"
	"github.com/keyproof/walletauth/session/sessionfakes"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const testAccessToken = "access-token-1"

// testFixture holds all test dependencies
type testFixture struct {
	signer  *sessionfakes.FakeSigner
	authSvc *sessionfakes.FakeAuthService
	now     time.Time
	nowMu   sync.Mutex
	manager *session.Manager
}

// setupTestFixture creates a manager wired to fakes, with a controllable
// clock starting at baseTime and a token valid for one hour.
func setupTestFixture(t *testing.T, options ...session.Option) *testFixture {
	t.Helper()

	f := &testFixture{
		signer: sessionfakes.NewFakeSigner(),
		now:    baseTime,
	}
	f.authSvc = sessionfakes.NewFakeAuthService(session.Token{
		AccessToken: testAccessToken,
		ExpiresAt:   baseTime.Add(time.Hour),
	})

	options = append([]session.Option{session.WithNowTime(f.nowFunc)}, options...)

	manager, err := session.New(session.Deps{
		Signer:      f.signer,
		LockState:   f.signer,
		AuthService: f.authSvc,
	}, options...)
	require.NoError(t, err)

	f.manager = manager
	return f
}

func (f *testFixture) nowFunc() time.Time {
	f.nowMu.Lock()
	defer f.nowMu.Unlock()
	return f.now
}

func (f *testFixture) advance(d time.Duration) {
	f.nowMu.Lock()
	defer f.nowMu.Unlock()
	f.now = f.now.Add(d)
}

// signIn runs a full handshake and asserts it succeeded.
func (f *testFixture) signIn(t *testing.T) string {
	t.Helper()
	token, err := f.manager.SignIn(context.Background())
	require.NoError(t, err)
	return token
}

// TestNew_MissingDependencies tests constructor validation
func TestNew_MissingDependencies(t *testing.T) {
	signer := sessionfakes.NewFakeSigner()
	authSvc := sessionfakes.NewFakeAuthService(session.Token{})

	tests := []struct {
		name      string
		deps      session.Deps
		expectErr string
	}{
		{
			name:      "missing signer",
			deps:      session.Deps{LockState: signer, AuthService: authSvc},
			expectErr: "Signer is required",
		},
		{
			name:      "missing lock state",
			deps:      session.Deps{Signer: signer, AuthService: authSvc},
			expectErr: "LockState is required",
		},
		{
			name:      "missing auth service",
			deps:      session.Deps{Signer: signer, LockState: signer},
			expectErr: "AuthService is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := session.New(tt.deps)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.expectErr)
		})
	}
}

// TestNew_InconsistentInitialState tests that a seeded signed-in state
// missing token or profile is rejected
func TestNew_InconsistentInitialState(t *testing.T) {
	signer := sessionfakes.NewFakeSigner()
	authSvc := sessionfakes.NewFakeAuthService(session.Token{})

	_, err := session.New(session.Deps{
		Signer:      signer,
		LockState:   signer,
		AuthService: authSvc,
	}, session.WithInitialState(session.Session{
		Status:      session.StatusSignedIn,
		AccessToken: "token-without-profile",
	}))

	require.Error(t, err)
	require.Contains(t, err.Error(), "inconsistent")
}

// TestSignIn_Success tests the full handshake: nonce, login and token
// exchange each called once in order, then sign-out clears everything
func TestSignIn_Success(t *testing.T) {
	f := setupTestFixture(t)

	token := f.signIn(t)
	require.Equal(t, testAccessToken, token)
	require.True(t, f.manager.IsSignedIn())

	nonce, login, exchange := f.authSvc.Calls()
	require.Equal(t, 1, nonce)
	require.Equal(t, 1, login)
	require.Equal(t, 1, exchange)

	sess := f.manager.SessionData()
	require.Equal(t, session.StatusSignedIn, sess.Status)
	require.Equal(t, testAccessToken, sess.AccessToken)
	require.Equal(t, baseTime.Add(time.Hour), sess.ExpiresAt)
	require.NotNil(t, sess.Profile)
	require.Equal(t, "profile-1", sess.Profile.ProfileID)
	require.Equal(t, "identifier-1", sess.Profile.IdentifierID)

	f.manager.SignOut()
	require.False(t, f.manager.IsSignedIn())
	sess = f.manager.SessionData()
	require.Equal(t, session.StatusSignedOut, sess.Status)
	require.Empty(t, sess.AccessToken)
	require.Nil(t, sess.Profile)
}

// TestSignIn_Repeated tests that SignIn always re-runs the handshake, even
// when already signed in
func TestSignIn_Repeated(t *testing.T) {
	f := setupTestFixture(t)

	f.signIn(t)
	f.signIn(t)

	nonce, login, exchange := f.authSvc.Calls()
	require.Equal(t, 2, nonce)
	require.Equal(t, 2, login)
	require.Equal(t, 2, exchange)
}

// TestSignIn_SignerLocked tests fail-fast when the key holder is locked:
// no auth service call is made and the session is unchanged
func TestSignIn_SignerLocked(t *testing.T) {
	f := setupTestFixture(t)
	f.signer.SetLocked(true)

	_, err := f.manager.SignIn(context.Background())

	require.ErrorIs(t, err, session.ErrSignerUnavailable)
	require.False(t, f.manager.IsSignedIn())

	nonce, login, exchange := f.authSvc.Calls()
	require.Zero(t, nonce)
	require.Zero(t, login)
	require.Zero(t, exchange)
}

// lockAfterPublicKey delegates to the fake signer but locks it as soon as
// the public key has been handed out, simulating a wallet that locks in the
// middle of a handshake.
type lockAfterPublicKey struct {
	*sessionfakes.FakeSigner
}

func (l *lockAfterPublicKey) PublicKey(ctx context.Context) ([]byte, error) {
	pub, err := l.FakeSigner.PublicKey(ctx)
	l.SetLocked(true)
	return pub, err
}

// TestSignIn_LockFlipsMidHandshake tests that a signer failure after the
// nonce was issued is surfaced as signer unavailability, not a network
// error, and that login and token exchange are never reached
func TestSignIn_LockFlipsMidHandshake(t *testing.T) {
	f := setupTestFixture(t)

	manager, err := session.New(session.Deps{
		Signer:      &lockAfterPublicKey{f.signer},
		LockState:   f.signer,
		AuthService: f.authSvc,
	}, session.WithNowTime(f.nowFunc))
	require.NoError(t, err)

	_, err = manager.SignIn(context.Background())

	require.ErrorIs(t, err, session.ErrSignerUnavailable)
	var ae *session.AuthServiceError
	require.False(t, errors.As(err, &ae), "a lock mid-handshake must not be masked as an auth service error")
	require.False(t, manager.IsSignedIn())

	nonce, login, exchange := f.authSvc.Calls()
	require.Equal(t, 1, nonce)
	require.Zero(t, login)
	require.Zero(t, exchange)
}

// TestSignIn_StageFailures tests that each auth service failure carries the
// stage that failed and that later steps are never invoked
func TestSignIn_StageFailures(t *testing.T) {
	stageErr := errors.New("boom")

	tests := []struct {
		name      string
		arrange   func(f *testFixture)
		wantStage session.Stage
		wantNonce int
		wantLogin int
		wantToken int
	}{
		{
			name:      "nonce fails",
			arrange:   func(f *testFixture) { f.authSvc.NonceErr = stageErr },
			wantStage: session.StageNonce,
			wantNonce: 1,
		},
		{
			name:      "login fails",
			arrange:   func(f *testFixture) { f.authSvc.LoginErr = stageErr },
			wantStage: session.StageLogin,
			wantNonce: 1,
			wantLogin: 1,
		},
		{
			name:      "token exchange fails",
			arrange:   func(f *testFixture) { f.authSvc.TokenErr = stageErr },
			wantStage: session.StageToken,
			wantNonce: 1,
			wantLogin: 1,
			wantToken: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestFixture(t)
			tt.arrange(f)

			_, err := f.manager.SignIn(context.Background())

			var ae *session.AuthServiceError
			require.ErrorAs(t, err, &ae)
			require.Equal(t, tt.wantStage, ae.Stage)
			require.ErrorIs(t, err, stageErr)
			require.False(t, f.manager.IsSignedIn(), "session must be unchanged after a failed handshake")

			nonce, login, exchange := f.authSvc.Calls()
			require.Equal(t, tt.wantNonce, nonce)
			require.Equal(t, tt.wantLogin, login)
			require.Equal(t, tt.wantToken, exchange)
		})
	}
}

// TestBearerToken_SignedOut tests the accessor while signed out: fails with
// ErrNotAuthenticated and makes no external call
func TestBearerToken_SignedOut(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.BearerToken(context.Background())

	require.ErrorIs(t, err, session.ErrNotAuthenticated)
	require.Zero(t, f.signer.PubCalls)
	nonce, _, _ := f.authSvc.Calls()
	require.Zero(t, nonce)
}

// TestBearerToken_Cached tests that a fresh token is returned from the
// cache without invoking the signer or the auth service
func TestBearerToken_Cached(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)
	pubCallsAfterSignIn := f.signer.PubCalls

	f.advance(30 * time.Minute) // still fresh

	token, err := f.manager.BearerToken(context.Background())

	require.NoError(t, err)
	require.Equal(t, testAccessToken, token)
	require.Equal(t, pubCallsAfterSignIn, f.signer.PubCalls)
	nonce, _, _ := f.authSvc.Calls()
	require.Equal(t, 1, nonce)
}

// TestBearerToken_Expired tests that an expired token triggers exactly one
// full handshake and the newly issued token is returned
func TestBearerToken_Expired(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	f.advance(2 * time.Hour)
	f.authSvc.Token = session.Token{
		AccessToken: "access-token-2",
		ExpiresAt:   f.nowFunc().Add(time.Hour),
	}

	token, err := f.manager.BearerToken(context.Background())

	require.NoError(t, err)
	require.Equal(t, "access-token-2", token)
	nonce, login, exchange := f.authSvc.Calls()
	require.Equal(t, 2, nonce)
	require.Equal(t, 2, login)
	require.Equal(t, 2, exchange)
}

// TestBearerToken_ExpiryEqualsNow tests fail-closed expiry: a token whose
// expiry equals the current instant is treated as expired
func TestBearerToken_ExpiryEqualsNow(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	f.advance(time.Hour) // now == expiresAt

	_, err := f.manager.BearerToken(context.Background())
	require.NoError(t, err)

	nonce, _, _ := f.authSvc.Calls()
	require.Equal(t, 2, nonce, "expiry equality must renew")
}

// TestBearerToken_RenewalSkew tests that the configured margin renews
// before the actual expiry
func TestBearerToken_RenewalSkew(t *testing.T) {
	f := setupTestFixture(t, session.WithRenewalSkew(5*time.Minute))
	f.signIn(t)

	f.advance(54 * time.Minute) // inside the margin-safe window

	_, err := f.manager.BearerToken(context.Background())
	require.NoError(t, err)
	nonce, _, _ := f.authSvc.Calls()
	require.Equal(t, 1, nonce, "token still outside the skew window")

	f.advance(time.Minute) // now == expiresAt - skew: stale

	_, err = f.manager.BearerToken(context.Background())
	require.NoError(t, err)
	nonce, _, _ = f.authSvc.Calls()
	require.Equal(t, 2, nonce, "token inside the skew window must renew")
}

// TestBearerToken_RenewalFailureKeepsState tests that a failed renewal
// propagates the error and leaves the previous (expired) session untouched,
// never silently returning the stale token
func TestBearerToken_RenewalFailureKeepsState(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)
	before := f.manager.SessionData()

	f.advance(2 * time.Hour)
	f.signer.SetLocked(true)

	_, err := f.manager.BearerToken(context.Background())

	require.ErrorIs(t, err, session.ErrSignerUnavailable)
	after := f.manager.SessionData()
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.AccessToken, after.AccessToken)
	require.Equal(t, before.ExpiresAt, after.ExpiresAt)
	require.Equal(t, *before.Profile, *after.Profile)
}

// TestBearerToken_ConcurrentRenewal tests that concurrent accessors hitting
// a stale token share a single in-flight handshake
func TestBearerToken_ConcurrentRenewal(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	f.advance(2 * time.Hour)
	f.authSvc.Token = session.Token{
		AccessToken: "access-token-2",
		ExpiresAt:   f.nowFunc().Add(time.Hour),
	}
	f.authSvc.NonceGate = make(chan struct{})

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.manager.BearerToken(context.Background())
		}(i)
	}

	// Let every caller observe the stale token and join the in-flight
	// handshake before it is allowed to proceed.
	time.Sleep(50 * time.Millisecond)
	close(f.authSvc.NonceGate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "access-token-2", tokens[i])
	}

	nonce, login, exchange := f.authSvc.Calls()
	require.Equal(t, 2, nonce, "one handshake for sign-in, one shared renewal")
	require.Equal(t, 2, login)
	require.Equal(t, 2, exchange)
}

// TestProfile_SamePolicyAsBearerToken tests that the profile accessor
// renews on stale tokens and rejects signed-out sessions
func TestProfile_SamePolicyAsBearerToken(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.manager.Profile(context.Background())
	require.ErrorIs(t, err, session.ErrNotAuthenticated)

	f.signIn(t)

	profile, err := f.manager.Profile(context.Background())
	require.NoError(t, err)
	require.Equal(t, "profile-1", profile.ProfileID)
	nonce, _, _ := f.authSvc.Calls()
	require.Equal(t, 1, nonce, "fresh token must not renew")

	f.advance(2 * time.Hour)
	f.authSvc.ProfileID = "profile-2"
	f.authSvc.Token = session.Token{
		AccessToken: "access-token-2",
		ExpiresAt:   f.nowFunc().Add(time.Hour),
	}

	profile, err = f.manager.Profile(context.Background())
	require.NoError(t, err)
	require.Equal(t, "profile-2", profile.ProfileID)
	nonce, _, _ = f.authSvc.Calls()
	require.Equal(t, 2, nonce)
}

// TestSessionData_ReturnsCopy tests that mutating an observed session never
// reaches the manager's record
func TestSessionData_ReturnsCopy(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	observed := f.manager.SessionData()
	observed.Profile.ProfileID = "tampered"

	require.Equal(t, "profile-1", f.manager.SessionData().Profile.ProfileID)
}

// TestWithInitialState_Seeded tests resuming from a persisted session
func TestWithInitialState_Seeded(t *testing.T) {
	seeded := session.Session{
		Status:      session.StatusSignedIn,
		AccessToken: "persisted-token",
		ExpiresAt:   baseTime.Add(time.Hour),
		Profile:     utils.Ptr(session.Profile{IdentifierID: "identifier-1", ProfileID: "profile-1"}),
	}

	f := setupTestFixture(t, session.WithInitialState(seeded))

	token, err := f.manager.BearerToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "persisted-token", token)

	nonce, _, _ := f.authSvc.Calls()
	require.Zero(t, nonce, "a fresh seeded token must not trigger a handshake")
}

// TestSubscribe_Notifications tests that every committed transition is
// published to subscribers and that cancel stops delivery
func TestSubscribe_Notifications(t *testing.T) {
	f := setupTestFixture(t)

	var mu sync.Mutex
	var seen []session.Status
	cancel := f.manager.Subscribe(func(s session.Session) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Status)
	})

	f.signIn(t)
	f.manager.SignOut()

	mu.Lock()
	require.Equal(t, []session.Status{session.StatusSignedIn, session.StatusSignedOut}, seen)
	mu.Unlock()

	cancel()
	f.signIn(t)

	mu.Lock()
	require.Len(t, seen, 2, "cancelled subscriber must not be notified")
	mu.Unlock()
}

// TestSubscribe_FailedHandshakeSilent tests that a failed handshake commits
// nothing and therefore notifies nobody
func TestSubscribe_FailedHandshakeSilent(t *testing.T) {
	f := setupTestFixture(t)

	notified := 0
	f.manager.Subscribe(func(session.Session) { notified++ })

	f.authSvc.NonceErr = errors.New("boom")
	_, err := f.manager.SignIn(context.Background())

	require.Error(t, err)
	require.Zero(t, notified)
}

// TestTokenSource tests the oauth2 adapter
func TestTokenSource(t *testing.T) {
	f := setupTestFixture(t)
	f.signIn(t)

	tok, err := f.manager.TokenSource(context.Background()).Token()

	require.NoError(t, err)
	require.Equal(t, testAccessToken, tok.AccessToken)
	require.Equal(t, "Bearer", tok.TokenType)
	require.Equal(t, baseTime.Add(time.Hour), tok.Expiry)
}
