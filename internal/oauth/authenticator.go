package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// Doer issues HTTP requests. Satisfied by *http.Client; tests inject fakes.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Metrics receives authentication lifecycle events. Satisfied by
// metrics.Recorder; nil disables recording.
type Metrics interface {
	RecordAuthAttempt(success bool)
	RecordTokenRefresh()
}

// bootstrapResponse is the live-session-token endpoint wire shape.
type bootstrapResponse struct {
	DiffieHellmanResponse      string      `json:"diffie_hellman_response"`
	LiveSessionTokenSignature  string      `json:"live_session_token_signature"`
	LiveSessionTokenExpiration json.Number `json:"live_session_token_expiration"`
}

// Authenticator owns the live-session-token lifecycle: bootstrap negotiation,
// the current token, and header generation for outbound requests. All token
// access and negotiation serializes through one mutex so at most one
// bootstrap call is in flight per instance.
type Authenticator struct {
	creds   Credentials
	signer  *Signer
	http    Doer
	logger  *slog.Logger
	metrics Metrics

	mu    sync.Mutex
	token *LiveSessionToken
}

// NewAuthenticator creates an authenticator in the unauthenticated state.
func NewAuthenticator(creds Credentials, httpClient Doer, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Authenticator{
		creds:  creds,
		signer: NewSigner(creds),
		http:   httpClient,
		logger: logger,
	}
}

// SetMetrics installs the metrics sink for auth attempts and token
// refreshes.
func (a *Authenticator) SetMetrics(m Metrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = m
}

// Authenticate performs the bootstrap negotiation and stores the resulting
// token, returning whether it verifies against the consumer key. A failed
// negotiation leaves the previously stored token unchanged and never retries.
func (a *Authenticator) Authenticate(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticateLocked(ctx)
}

func (a *Authenticator) authenticateLocked(ctx context.Context) (bool, error) {
	valid, err := a.negotiateLocked(ctx)
	if a.metrics != nil {
		a.metrics.RecordAuthAttempt(err == nil && valid)
	}
	return valid, err
}

func (a *Authenticator) negotiateLocked(ctx context.Context) (bool, error) {
	params, err := a.signer.BootstrapParams()
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.creds.LiveSessionTokenURL(), nil)
	if err != nil {
		return false, &Error{Kind: KindSessionInit, Op: "authenticate", Err: err}
	}
	req.Header.Set("Authorization", AuthorizationHeader(params))
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return false, &Error{Kind: KindSessionInit, Op: "authenticate", Endpoint: a.creds.LiveSessionTokenURL(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, &Error{Kind: KindSessionInit, Op: "authenticate", Endpoint: a.creds.LiveSessionTokenURL(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, classifyAuthFailure("authenticate", a.creds.LiveSessionTokenURL(), resp.StatusCode, body)
	}

	var parsed bootstrapResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, &Error{
			Kind: KindSessionInit, Op: "authenticate", Endpoint: a.creds.LiveSessionTokenURL(),
			StatusCode: resp.StatusCode, Message: "malformed bootstrap response", Err: err,
		}
	}

	lst, err := a.signer.ComputeLiveSessionToken(parsed.DiffieHellmanResponse)
	if err != nil {
		return false, err
	}

	token := NewLiveSessionToken(lst, parsed.LiveSessionTokenSignature, parsed.LiveSessionTokenExpiration.String())
	a.token = &token

	valid := token.Valid(a.creds.ConsumerKey)
	a.logger.Info("live session token negotiated",
		"valid", valid,
		"expires_at", token.ExpiresAt(),
	)
	return valid, nil
}

// IsAuthenticated reports whether a current, valid token is held.
func (a *Authenticator) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token != nil && a.token.Valid(a.creds.ConsumerKey)
}

// Token returns the current live session token, transparently
// re-authenticating when none is held or the held one has expired.
// Concurrent callers serialize here, so an expiry observed by N callers
// triggers exactly one bootstrap negotiation.
func (a *Authenticator) Token(ctx context.Context) (LiveSessionToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token == nil || a.token.Expired() {
		if _, err := a.authenticateLocked(ctx); err != nil {
			return LiveSessionToken{}, err
		}
		if a.metrics != nil {
			a.metrics.RecordTokenRefresh()
		}
	}
	return *a.token, nil
}

// RestoreToken installs a previously negotiated token, replacing any current
// one. Used to resume a session without a fresh bootstrap.
func (a *Authenticator) RestoreToken(token LiveSessionToken) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = &token
}

// OAuthHeaderForAuthentication builds the RSA-signed bootstrap header. Only
// the bootstrap call itself uses it; exposed for introspection.
func (a *Authenticator) OAuthHeaderForAuthentication() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	params, err := a.signer.BootstrapParams()
	if err != nil {
		return "", err
	}
	return AuthorizationHeader(params), nil
}

// OAuthHeaderForAPIRequest builds the HMAC-signed header for an outbound API
// request using the current token. Fails when not authenticated; it does not
// refresh — callers wanting refresh-on-access go through Token first.
func (a *Authenticator) OAuthHeaderForAPIRequest(method, rawURL string, query, body map[string]any) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token == nil || !a.token.Valid(a.creds.ConsumerKey) {
		return "", &Error{Kind: KindNotAuthenticated, Op: "sign_request", Endpoint: rawURL, Message: "not authenticated"}
	}

	params, err := a.signer.APIParams(method, rawURL, query, body, a.token.Token)
	if err != nil {
		return "", err
	}
	return AuthorizationHeader(params), nil
}

// Logout ends the session server-side and discards the current token. A
// logout without a valid token is a no-op returning success. On a server
// failure the token is kept, so a retried logout still signs correctly.
func (a *Authenticator) Logout(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token == nil || !a.token.Valid(a.creds.ConsumerKey) {
		a.token = nil
		return nil
	}

	params, err := a.signer.APIParams(http.MethodPost, a.creds.LogoutURL(), nil, nil, a.token.Token)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.creds.LogoutURL(), nil)
	if err != nil {
		return &Error{Kind: KindAPI, Op: "logout", Err: err}
	}
	req.Header.Set("Authorization", AuthorizationHeader(params))
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return &Error{Kind: KindAPI, Op: "logout", Endpoint: a.creds.LogoutURL(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return &Error{
			Kind: KindAPI, Op: "logout", Endpoint: a.creds.LogoutURL(),
			StatusCode: resp.StatusCode, Message: excerpt(body),
		}
	}

	a.token = nil
	a.logger.Info("logged out")
	return nil
}

// classifyAuthFailure maps a bootstrap rejection to an error kind using the
// status code and server message heuristics.
func classifyAuthFailure(op, endpoint string, status int, body []byte) *Error {
	e := &Error{Op: op, Endpoint: endpoint, StatusCode: status, Message: excerpt(body)}

	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		e.Kind = KindAPI
		return e
	}

	msg := strings.ToLower(string(body))
	switch {
	case strings.Contains(msg, "expired"):
		e.Kind = KindTokenExpired
	case strings.Contains(msg, "signature"):
		e.Kind = KindSignatureInvalid
	case strings.Contains(msg, "consumer"), strings.Contains(msg, "credential"), strings.Contains(msg, "token"):
		e.Kind = KindInvalidCredentials
	default:
		e.Kind = KindSessionInit
	}
	return e
}

// excerpt trims a response body for error messages.
func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	const max = 200
	if len(s) > max {
		return fmt.Sprintf("%s... (%d bytes)", s[:max], len(s))
	}
	return s
}
