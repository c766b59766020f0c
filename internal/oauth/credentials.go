// Package oauth implements the IBKR Client Portal first-party OAuth flow:
// Diffie-Hellman live-session-token negotiation, RSA-signed bootstrap
// requests, and HMAC-SHA256 per-request signing.
package oauth

import (
	"crypto/rsa"
	"math/big"
)

// Realm strings the server uses to separate signing contexts.
const (
	RealmProduction = "limited_poa"
	RealmSandbox    = "test_realm"
)

// Endpoint paths the protocol core calls itself.
const (
	pathLiveSessionToken = "/v1/api/oauth/live_session_token"
	pathLogout           = "/v1/api/logout"
)

// Credentials holds the immutable key material and identifiers for one
// consumer. Built once at configuration load and passed by value; there is
// no process-global configuration.
type Credentials struct {
	ConsumerKey string
	AccessToken string

	// AccessTokenSecret is the base64 RSA-encrypted prepend blob issued by
	// IBKR alongside the access token.
	AccessTokenSecret string

	// EncryptionKey decrypts the access token secret.
	EncryptionKey *rsa.PrivateKey
	// SignatureKey signs bootstrap requests (RSA-SHA256).
	SignatureKey *rsa.PrivateKey

	// DHPrime and DHGenerator are the Diffie-Hellman group parameters.
	DHPrime     *big.Int
	DHGenerator *big.Int

	Realm   string
	BaseURL string
}

// Validate reports the first missing required field.
func (c Credentials) Validate() error {
	missing := ""
	switch {
	case c.ConsumerKey == "":
		missing = "consumer key"
	case c.AccessToken == "":
		missing = "access token"
	case c.AccessTokenSecret == "":
		missing = "access token secret"
	case c.EncryptionKey == nil:
		missing = "encryption key"
	case c.SignatureKey == nil:
		missing = "signature key"
	case c.DHPrime == nil || c.DHGenerator == nil:
		missing = "diffie-hellman parameters"
	case c.Realm == "":
		missing = "realm"
	case c.BaseURL == "":
		missing = "base url"
	}
	if missing != "" {
		return &Error{Kind: KindConfiguration, Op: "credentials", Message: missing + " is required"}
	}
	return nil
}

// LiveSessionTokenURL returns the full bootstrap endpoint URL.
func (c Credentials) LiveSessionTokenURL() string {
	return c.BaseURL + pathLiveSessionToken
}

// LogoutURL returns the full logout endpoint URL.
func (c Credentials) LogoutURL() string {
	return c.BaseURL + pathLogout
}
