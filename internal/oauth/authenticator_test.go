package oauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakePortal implements the bootstrap and logout endpoints with a real
// server-side Diffie-Hellman computation, so tokens it mints verify against
// the consumer key end to end.
type fakePortal struct {
	t       *testing.T
	creds   Credentials
	prepend []byte

	// exponent is the server's DH secret b; B = g^b mod p.
	exponent *big.Int

	bootstrapCalls atomic.Int64
	logoutCalls    atomic.Int64

	bootstrapStatus int
	bootstrapBody   string // overrides the computed response when set
	logoutStatus    int
	expiration      func() int64
}

func (p *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/oauth/live_session_token", p.handleBootstrap)
	mux.HandleFunc("/v1/api/logout", p.handleLogout)
	return mux
}

func (p *fakePortal) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	p.bootstrapCalls.Add(1)

	if p.bootstrapStatus != 0 {
		w.WriteHeader(p.bootstrapStatus)
		fmt.Fprint(w, p.bootstrapBody)
		return
	}

	params := parseOAuthHeader(r.Header.Get("Authorization"))
	challengeHex, ok := params["diffie_hellman_challenge"]
	if !ok {
		p.t.Error("bootstrap request missing diffie_hellman_challenge")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if params["oauth_signature_method"] != "RSA-SHA256" {
		p.t.Errorf("bootstrap signature method = %q", params["oauth_signature_method"])
	}

	a, ok := new(big.Int).SetString(challengeHex, 16)
	if !ok {
		p.t.Errorf("challenge %q is not hex", challengeHex)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	bPublic := new(big.Int).Exp(p.creds.DHGenerator, p.exponent, p.creds.DHPrime)
	shared := new(big.Int).Exp(a, p.exponent, p.creds.DHPrime)

	mac := hmac.New(sha1.New, bigIntBytes(shared))
	mac.Write(p.prepend)
	lstRaw := mac.Sum(nil)

	sigMac := hmac.New(sha1.New, lstRaw)
	sigMac.Write([]byte(p.creds.ConsumerKey))

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"diffie_hellman_response":"%s","live_session_token_signature":"%s","live_session_token_expiration":%d}`,
		bPublic.Text(16),
		hex.EncodeToString(sigMac.Sum(nil)),
		p.expiration(),
	)
}

func (p *fakePortal) handleLogout(w http.ResponseWriter, r *http.Request) {
	p.logoutCalls.Add(1)

	header := r.Header.Get("Authorization")
	if !strings.Contains(header, `oauth_signature_method="HMAC-SHA256"`) {
		p.t.Errorf("logout not HMAC-signed: %q", header)
	}

	if p.logoutStatus != 0 {
		w.WriteHeader(p.logoutStatus)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// parseOAuthHeader splits `OAuth k1="v1", k2="v2"` back into a map.
func parseOAuthHeader(header string) map[string]string {
	params := make(map[string]string)
	header = strings.TrimPrefix(header, "OAuth ")
	for _, pair := range strings.Split(header, ", ") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		params[k] = strings.Trim(v, `"`)
	}
	return params
}

// newFakePortal wires a portal and matching credentials together.
func newFakePortal(t *testing.T) (*fakePortal, *httptest.Server, Credentials) {
	t.Helper()

	prepend := []byte{0x12, 0x34, 0x56, 0x78}
	creds := testCredentials(t, prepend)

	portal := &fakePortal{
		t:        t,
		prepend:  prepend,
		exponent: big.NewInt(15),
		expiration: func() int64 {
			return time.Now().Add(time.Hour).Unix()
		},
	}

	srv := httptest.NewServer(portal.handler())
	t.Cleanup(srv.Close)

	creds.BaseURL = srv.URL
	portal.creds = creds
	return portal, srv, creds
}

// TestAuthenticator_EndToEnd: authenticate succeeds, the state machine
// reports authenticated, and a signed API header carries the HMAC method and
// the configured realm.
func TestAuthenticator_EndToEnd(t *testing.T) {
	_, _, creds := newFakePortal(t)
	auth := NewAuthenticator(creds, nil, nil)

	ok, err := auth.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !ok {
		t.Fatal("expected freshly negotiated token to be valid")
	}
	if !auth.IsAuthenticated() {
		t.Fatal("expected authenticated state after bootstrap")
	}

	header, err := auth.OAuthHeaderForAPIRequest("GET", "https://api.example.com/v1/api/test", nil, nil)
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}
	if !strings.HasPrefix(header, "OAuth ") {
		t.Errorf("header %q missing OAuth prefix", header)
	}
	if !strings.Contains(header, `oauth_signature_method="HMAC-SHA256"`) {
		t.Errorf("header %q missing HMAC method", header)
	}
	if !strings.Contains(header, `realm="test_realm"`) {
		t.Errorf("header %q missing sandbox realm", header)
	}
}

func TestAuthenticator_OAuthHeaderForAuthentication(t *testing.T) {
	_, _, creds := newFakePortal(t)
	auth := NewAuthenticator(creds, nil, nil)

	header, err := auth.OAuthHeaderForAuthentication()
	if err != nil {
		t.Fatalf("bootstrap header: %v", err)
	}
	for _, want := range []string{
		`oauth_signature_method="RSA-SHA256"`,
		"diffie_hellman_challenge=",
		`realm="test_realm"`,
		"oauth_signature=",
	} {
		if !strings.Contains(header, want) {
			t.Errorf("header %q missing %q", header, want)
		}
	}
}

// TestAuthenticator_SingleFlight: N concurrent callers racing on an
// unauthenticated instance trigger exactly one bootstrap call and all
// observe the same token.
func TestAuthenticator_SingleFlight(t *testing.T) {
	portal, _, creds := newFakePortal(t)
	auth := NewAuthenticator(creds, nil, nil)

	const n = 20
	tokens := make([]LiveSessionToken, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = auth.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i].Token != tokens[0].Token {
			t.Fatalf("caller %d observed a different token", i)
		}
	}
	if calls := portal.bootstrapCalls.Load(); calls != 1 {
		t.Errorf("bootstrap called %d times, want 1", calls)
	}
}

// TestAuthenticator_RefreshOnExpiry: an expired stored token triggers one
// transparent re-authentication on access.
func TestAuthenticator_RefreshOnExpiry(t *testing.T) {
	portal, _, creds := newFakePortal(t)
	auth := NewAuthenticator(creds, nil, nil)

	expired := NewLiveSessionToken(
		base64.StdEncoding.EncodeToString([]byte("stale")),
		"00",
		"1000000000",
	)
	auth.RestoreToken(expired)

	tok, err := auth.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.Expired() {
		t.Error("expected a fresh token after refresh")
	}
	if calls := portal.bootstrapCalls.Load(); calls != 1 {
		t.Errorf("bootstrap called %d times, want 1", calls)
	}
}

func TestAuthenticator_NotAuthenticated(t *testing.T) {
	_, _, creds := newFakePortal(t)
	auth := NewAuthenticator(creds, nil, nil)

	if auth.IsAuthenticated() {
		t.Error("fresh authenticator must not be authenticated")
	}
	if _, err := auth.OAuthHeaderForAPIRequest("GET", "https://api.example.com/v1/api/test", nil, nil); !IsKind(err, KindNotAuthenticated) {
		t.Errorf("expected not-authenticated error, got %v", err)
	}
}

func TestAuthenticator_Bootstrap401Mapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
	}{
		{"signature", http.StatusUnauthorized, "Invalid signature for request", KindSignatureInvalid},
		{"expired", http.StatusUnauthorized, "access token expired", KindTokenExpired},
		{"credentials", http.StatusForbidden, "unknown consumer key", KindInvalidCredentials},
		{"generic auth", http.StatusUnauthorized, "nope", KindSessionInit},
		{"server error", http.StatusInternalServerError, "boom", KindAPI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			portal, _, creds := newFakePortal(t)
			portal.bootstrapStatus = tt.status
			portal.bootstrapBody = tt.body

			auth := NewAuthenticator(creds, nil, nil)
			_, err := auth.Authenticate(context.Background())
			if !IsKind(err, tt.kind) {
				t.Errorf("expected kind %v, got %v", tt.kind, err)
			}
			if auth.IsAuthenticated() {
				t.Error("failed bootstrap must leave state unauthenticated")
			}
		})
	}
}

func TestAuthenticator_MalformedBootstrapJSON(t *testing.T) {
	portal, _, creds := newFakePortal(t)
	portal.bootstrapStatus = http.StatusOK
	portal.bootstrapBody = "not json at all"

	auth := NewAuthenticator(creds, nil, nil)
	if _, err := auth.Authenticate(context.Background()); !IsKind(err, KindSessionInit) {
		t.Errorf("expected session init error, got %v", err)
	}
}

// TestAuthenticator_LogoutIdempotent: first logout hits the endpoint and
// clears state; the second is a local no-op returning success.
func TestAuthenticator_LogoutIdempotent(t *testing.T) {
	portal, _, creds := newFakePortal(t)
	auth := NewAuthenticator(creds, nil, nil)

	if _, err := auth.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if err := auth.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if auth.IsAuthenticated() {
		t.Error("expected unauthenticated state after logout")
	}
	if err := auth.Logout(context.Background()); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if calls := portal.logoutCalls.Load(); calls != 1 {
		t.Errorf("logout endpoint called %d times, want 1", calls)
	}
}

func TestAuthenticator_LogoutFailureKeepsToken(t *testing.T) {
	portal, _, creds := newFakePortal(t)
	portal.logoutStatus = http.StatusInternalServerError

	auth := NewAuthenticator(creds, nil, nil)
	if _, err := auth.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if err := auth.Logout(context.Background()); !IsKind(err, KindAPI) {
		t.Fatalf("expected api error, got %v", err)
	}
	if !auth.IsAuthenticated() {
		t.Error("failed logout must leave the token in place")
	}

	// A retried logout still signs with the retained token.
	portal.logoutStatus = 0
	if err := auth.Logout(context.Background()); err != nil {
		t.Fatalf("retried logout: %v", err)
	}
}

// countingMetrics records auth lifecycle events for assertions.
type countingMetrics struct {
	attempts  atomic.Int64
	successes atomic.Int64
	refreshes atomic.Int64
}

func (m *countingMetrics) RecordAuthAttempt(success bool) {
	m.attempts.Add(1)
	if success {
		m.successes.Add(1)
	}
}

func (m *countingMetrics) RecordTokenRefresh() { m.refreshes.Add(1) }

func TestAuthenticator_RecordsMetrics(t *testing.T) {
	portal, _, creds := newFakePortal(t)
	auth := NewAuthenticator(creds, nil, nil)
	rec := &countingMetrics{}
	auth.SetMetrics(rec)

	if _, err := auth.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got := rec.attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if got := rec.successes.Load(); got != 1 {
		t.Errorf("successes = %d, want 1", got)
	}
	if got := rec.refreshes.Load(); got != 0 {
		t.Errorf("refreshes = %d, want 0", got)
	}

	// An expired token accessed through Token counts as a refresh and a
	// second attempt.
	auth.RestoreToken(NewLiveSessionToken(
		base64.StdEncoding.EncodeToString([]byte("stale")),
		"00",
		"1000000000",
	))
	if _, err := auth.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	if got := rec.attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if got := rec.refreshes.Load(); got != 1 {
		t.Errorf("refreshes = %d, want 1", got)
	}

	// A rejected bootstrap records a failed attempt and no refresh.
	portal.bootstrapStatus = http.StatusUnauthorized
	portal.bootstrapBody = "nope"
	if _, err := auth.Authenticate(context.Background()); err == nil {
		t.Fatal("expected bootstrap failure")
	}
	if got := rec.attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if got := rec.successes.Load(); got != 1 {
		t.Errorf("successes = %d, want 1", got)
	}
	if got := rec.refreshes.Load(); got != 1 {
		t.Errorf("refreshes = %d, want 1", got)
	}
}
