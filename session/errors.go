package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSignerUnavailable indicates the key holder is locked or otherwise
	// unable to sign. Fatal to the current operation; never retried here.
	ErrSignerUnavailable = errors.New("signer unavailable")

	// ErrNotAuthenticated indicates a token or profile accessor was called
	// while the session is signed out.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Stage names the handshake step an auth service call belongs to.
type Stage string

const (
	StageNonce Stage = "nonce"
	StageLogin Stage = "login"
	StageToken Stage = "token"
)

// AuthServiceError is a nonce, login or token-exchange failure. The stage is
// recorded for diagnostics; the underlying transport or server error is kept
// in Err. Always fatal to the current operation; never retried here.
type AuthServiceError struct {
	Stage Stage
	Err   error
}

func (e *AuthServiceError) Error() string {
	return fmt.Sprintf("auth service %s request failed: %v", e.Stage, e.Err)
}

func (e *AuthServiceError) Unwrap() error {
	return e.Err
}

// NewAuthServiceError wraps err under the given stage. If err already
// carries a stage it is returned unchanged, so implementations of
// AuthService may pre-classify their own failures.
func NewAuthServiceError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var ae *AuthServiceError
	if errors.As(err, &ae) {
		return err
	}
	return &AuthServiceError{Stage: stage, Err: err}
}

// signerUnavailable maps a Signer failure into the error taxonomy. Signer
// errors are never masked as network errors: whatever the implementation
// returned, callers can still match ErrSignerUnavailable.
func signerUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSignerUnavailable) {
		return err
	}
	return errors.Join(ErrSignerUnavailable, err)
}
