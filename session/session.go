package session

import (
	"sync"
	"time"
)

// Status describes whether the managed session currently holds a usable
// credential.
type Status string

const (
	StatusSignedOut Status = "signed_out"
	StatusSignedIn  Status = "signed_in"
)

// Profile identifies the authenticated account as reported by the auth
// service at login.
type Profile struct {
	IdentifierID string // Identifier assigned when the nonce was requested
	ProfileID    string // Stable profile identifier
}

// Session is the authoritative record of the current authentication state.
// Exactly one Session exists per Manager; it is mutated only by the Manager
// and always replaced as a whole, never field by field. A Session is
// SignedIn if and only if both the access token and the profile are present.
type Session struct {
	Status      Status
	AccessToken string
	ExpiresAt   time.Time
	Profile     *Profile
}

// SignedIn reports whether the session holds a credential.
func (s Session) SignedIn() bool {
	return s.Status == StatusSignedIn
}

// consistent reports whether the status agrees with the presence of the
// token and profile. Sessions built by the Manager hold this by
// construction; caller-seeded initial state is checked against it.
func (s Session) consistent() bool {
	populated := s.AccessToken != "" && s.Profile != nil
	switch s.Status {
	case StatusSignedIn:
		return populated
	case StatusSignedOut:
		return s.AccessToken == "" && s.Profile == nil && s.ExpiresAt.IsZero()
	}
	return false
}

// clone returns a copy that shares no memory with the receiver, so callers
// can never reach back into the store's record.
func (s Session) clone() Session {
	if s.Profile != nil {
		p := *s.Profile
		s.Profile = &p
	}
	return s
}

// signedOut is the empty state every Manager starts from.
func signedOut() Session {
	return Session{Status: StatusSignedOut}
}

// store holds the single Session record behind a lock. Reads hand out
// clones; writes replace the whole record in one step, so no reader can
// observe a half-applied transition.
type store struct {
	mu      sync.RWMutex
	current Session
}

func (st *store) snapshot() Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current.clone()
}

func (st *store) replace(s Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.current = s.clone()
}
