// Command walletauth signs in against a remote auth service using a locally
// held key and prints the resulting session. It demonstrates wiring the
// session manager to the HTTP auth client and the lockable local signer.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/keyproof/walletauth/authclient"
	"github.com/keyproof/walletauth/internal/config"
	"github.com/keyproof/walletauth/localsigner"
	"github.com/keyproof/walletauth/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	_ = godotenv.Load() // optional .env, env vars win

	c := config.New()
	displayAppname(c.GetAppName())

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	passphrase := c.GetSignerPassphrase()
	if passphrase == "" {
		return errors.New("SIGNER_PASSPHRASE is required")
	}
	signer, err := localsigner.Generate(passphrase)
	if err != nil {
		return fmt.Errorf("generate signer: %w", err)
	}

	client, err := authclient.New(c.GetAuthBaseURL(),
		authclient.WithHTTPClient(&http.Client{Timeout: c.GetRequestTimeout()}),
		authclient.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("auth client: %w", err)
	}

	manager, err := session.New(session.Deps{
		Signer:      signer,
		LockState:   signer,
		AuthService: client,
	},
		session.WithRenewalSkew(c.GetRenewalSkew()),
		session.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}

	manager.Subscribe(func(s session.Session) {
		log.Info().Str("status", string(s.Status)).Msg("session changed")
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	token, err := manager.SignIn(ctx)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}

	profile, err := manager.Profile(ctx)
	if err != nil {
		return fmt.Errorf("profile: %w", err)
	}

	sess := manager.SessionData()
	fmt.Printf("signed in as %s (identifier %s)\n", profile.ProfileID, profile.IdentifierID)
	fmt.Printf("bearer token: %s\n", token)
	fmt.Printf("expires at:   %s\n", sess.ExpiresAt.Format(time.RFC3339))
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
