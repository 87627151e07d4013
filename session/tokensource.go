package session

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenSource adapts the Manager to golang.org/x/oauth2 so hosts can hand
// the session straight to standard HTTP plumbing (oauth2.NewClient,
// oauth2.Transport). Each Token call goes through the same freshness policy
// as BearerToken, so the source renews transparently and never hands out a
// stale credential.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m}
}

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	sess, err := ts.m.freshSession(ts.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: sess.AccessToken,
		TokenType:   "Bearer",
		Expiry:      sess.ExpiresAt,
	}, nil
}
