// Package authclient implements the session.AuthService boundary over a
// JSON/HTTP API. It owns no retry or timeout policy: the injected
// *http.Client is the transport collaborator, and its failures surface to
// the session core as ordinary stage errors.
package authclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/keyproof/walletauth/session"
)

const (
	nonceRoute = "/v1/nonce"
	loginRoute = "/v1/login"
	tokenRoute = "/v1/token"

	requestIDHeader = "X-Request-ID"
)

// Client talks to the remote auth service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
	nowTime    func() time.Time // nowTime function (injectable for testing)
}

var _ session.AuthService = (*Client)(nil)

// Option modifies a Client at construction time.
type Option func(*Client)

// WithHTTPClient sets the transport. Timeouts, TLS and proxying are its
// concern, not this package's.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(c *Client) {
		c.nowTime = nowFunc
	}
}

// New creates a Client for the auth service at baseURL.
func New(baseURL string, options ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("[authclient.New] baseURL is required")
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		log:        zerolog.Nop(),
		nowTime:    time.Now,
	}

	for _, opt := range options {
		opt(c)
	}

	return c, nil
}

type nonceRequest struct {
	PublicKey string `json:"public_key"`
}

type nonceResponse struct {
	Nonce        string `json:"nonce"`
	IdentifierID string `json:"identifier_id"`
}

// RequestNonce asks the service for a fresh single-use challenge bound to
// the given public key.
func (c *Client) RequestNonce(ctx context.Context, publicKey []byte) (session.Challenge, error) {
	var resp nonceResponse
	err := c.post(ctx, nonceRoute, nonceRequest{
		PublicKey: base64.StdEncoding.EncodeToString(publicKey),
	}, &resp)
	if err != nil {
		return session.Challenge{}, errors.Wrap(err, "[Client.RequestNonce]")
	}
	if resp.Nonce == "" {
		return session.Challenge{}, errors.New("[Client.RequestNonce] empty nonce in response")
	}
	return session.Challenge{Nonce: resp.Nonce, IdentifierID: resp.IdentifierID}, nil
}

type loginRequest struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
}

type loginResponse struct {
	Profile struct {
		IdentifierID string `json:"identifier_id"`
		ProfileID    string `json:"profile_id"`
	} `json:"profile"`
	SessionSpec string `json:"session_spec"`
}

// Login submits the signed challenge and returns the profile plus the
// one-shot token-exchange ticket.
func (c *Client) Login(ctx context.Context, signed session.SignedChallenge) (session.LoginResult, error) {
	var resp loginResponse
	err := c.post(ctx, loginRoute, loginRequest{
		PublicKey: base64.StdEncoding.EncodeToString(signed.PublicKey),
		Signature: base64.StdEncoding.EncodeToString(signed.Signature),
		Nonce:     signed.Nonce,
	}, &resp)
	if err != nil {
		return session.LoginResult{}, errors.Wrap(err, "[Client.Login]")
	}
	if resp.SessionSpec == "" {
		return session.LoginResult{}, errors.New("[Client.Login] empty session spec in response")
	}
	return session.LoginResult{
		Profile: session.Profile{
			IdentifierID: resp.Profile.IdentifierID,
			ProfileID:    resp.Profile.ProfileID,
		},
		SessionSpec: resp.SessionSpec,
	}, nil
}

type tokenRequest struct {
	SessionSpec string `json:"session_spec"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at,omitempty"` // absolute, unix seconds
	ExpiresIn   int64  `json:"expires_in,omitempty"` // relative, seconds
}

// ExchangeToken redeems the login ticket for a bearer token. The server's
// expiry is resolved to an absolute timestamp here, at exchange time:
// expires_at wins, expires_in is added to the current time, and as a last
// resort a JWT exp claim is read from the token itself.
func (c *Client) ExchangeToken(ctx context.Context, sessionSpec string) (session.Token, error) {
	var resp tokenResponse
	err := c.post(ctx, tokenRoute, tokenRequest{SessionSpec: sessionSpec}, &resp)
	if err != nil {
		return session.Token{}, errors.Wrap(err, "[Client.ExchangeToken]")
	}
	if resp.AccessToken == "" {
		return session.Token{}, errors.New("[Client.ExchangeToken] empty access token in response")
	}

	expiresAt, err := c.resolveExpiry(resp)
	if err != nil {
		return session.Token{}, errors.Wrap(err, "[Client.ExchangeToken]")
	}

	return session.Token{AccessToken: resp.AccessToken, ExpiresAt: expiresAt}, nil
}

func (c *Client) resolveExpiry(resp tokenResponse) (time.Time, error) {
	switch {
	case resp.ExpiresAt > 0:
		return time.Unix(resp.ExpiresAt, 0), nil
	case resp.ExpiresIn > 0:
		return c.nowTime().Add(time.Duration(resp.ExpiresIn) * time.Second), nil
	}

	// Neither field present: the token may be a JWT carrying its own exp.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, claims); err != nil {
		return time.Time{}, errors.Wrap(err, "no expiry in response and token is not a JWT")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("no expiry in response and no exp claim in token")
	}
	return exp.Time, nil
}

// post sends a JSON body and decodes a JSON response. Non-2xx statuses
// become errors carrying the status and a truncated body.
func (c *Client) post(ctx context.Context, route string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	requestID := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestIDHeader, requestID)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", route)
	}
	defer func() { _ = resp.Body.Close() }()

	c.log.Debug().
		Str("route", route).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("auth service request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("POST %s: unexpected status %d: %s", route, resp.StatusCode, readErrorBody(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "POST %s: decode response", route)
	}
	return nil
}

const maxErrorBody = 512

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(b) == 0 {
		return "<no body>"
	}
	return fmt.Sprintf("%q", strings.TrimSpace(string(b)))
}
