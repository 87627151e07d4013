package config

import (
	"os"
	"time"
)

const (
	appNameVar        = "APP_NAME"
	authBaseURLVar    = "AUTH_BASE_URL"
	renewalSkewVar    = "RENEWAL_SKEW"
	passphraseVar     = "SIGNER_PASSPHRASE"
	requestTimeoutVar = "REQUEST_TIMEOUT"
)

type EnvConfig interface {
	GetAppName() string
	GetAuthBaseURL() string
	GetRenewalSkew() time.Duration
	GetSignerPassphrase() string
	GetRequestTimeout() time.Duration
	GetEnv() string
}

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Wallet Auth")
}

// GetAuthBaseURL returns the base URL of the remote auth service, e.g.
// "https://auth.example.com".
func (EnvVars) GetAuthBaseURL() string {
	return GetEnv(authBaseURLVar, "http://localhost:8080")
}

// GetRenewalSkew returns the safety margin subtracted from token expiry
// when deciding whether to renew. Zero disables proactive renewal.
func (EnvVars) GetRenewalSkew() time.Duration {
	return getDuration(renewalSkewVar, 0)
}

func (EnvVars) GetSignerPassphrase() string {
	return GetEnv(passphraseVar, "")
}

// GetRequestTimeout returns the transport-level timeout applied to the
// HTTP client handed to the auth service.
func (EnvVars) GetRequestTimeout() time.Duration {
	return getDuration(requestTimeoutVar, 30*time.Second)
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func getDuration(envVar string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
