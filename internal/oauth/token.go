package oauth

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Expirations above this threshold are epoch milliseconds, below it epoch
// seconds. Heuristic: 4e9 seconds is year 2096, 4e9 ms is 1970.
const millisThreshold = 4_000_000_000

// LiveSessionToken is the session secret negotiated during bootstrap. The
// token is the base64-encoded HMAC key for per-request signing; the signature
// is the server-supplied hex HMAC-SHA1 proving the token matches the consumer
// key. Tokens are immutable and replaced wholesale on re-authentication.
type LiveSessionToken struct {
	Token     string
	Signature string

	expiresAt time.Time
	hasExpiry bool
	malformed bool
}

// NewLiveSessionToken builds a token from the bootstrap response fields.
// expiration is the raw integer from the wire as a string; empty means no
// expiry, non-numeric values yield a token that reports as already expired.
func NewLiveSessionToken(token, signature, expiration string) LiveSessionToken {
	t := LiveSessionToken{
		Token:     token,
		Signature: signature,
	}

	expiration = strings.TrimSpace(expiration)
	if expiration == "" {
		return t
	}

	raw, err := strconv.ParseInt(expiration, 10, 64)
	if err != nil {
		t.malformed = true
		return t
	}

	if raw > millisThreshold {
		raw /= 1000
	}
	t.expiresAt = time.Unix(raw, 0)
	t.hasExpiry = true

	return t
}

// Expired reports whether the token's expiration has passed. Tokens with no
// expiration never expire; tokens with a malformed expiration are always
// expired so callers fail safe.
func (t LiveSessionToken) Expired() bool {
	return t.expiredAt(time.Now())
}

func (t LiveSessionToken) expiredAt(now time.Time) bool {
	if t.malformed {
		return true
	}
	if !t.hasExpiry {
		return false
	}
	// The boundary instant counts as expired.
	return !now.Before(t.expiresAt)
}

// ExpiresAt returns the normalized expiration instant, zero when unset.
func (t LiveSessionToken) ExpiresAt() time.Time {
	return t.expiresAt
}

// ValidSignature verifies the server-supplied signature against the consumer
// key: hex(HMAC-SHA1(key=base64decode(token), msg=consumerKey)). Malformed
// token material or an empty consumer key yields false, never an error.
func (t LiveSessionToken) ValidSignature(consumerKey string) bool {
	if consumerKey == "" || t.Token == "" || t.Signature == "" {
		return false
	}

	key, err := base64.StdEncoding.DecodeString(t.Token)
	if err != nil {
		return false
	}

	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(consumerKey))
	computed := hex.EncodeToString(mac.Sum(nil))

	expected := strings.ToLower(t.Signature)
	if len(computed) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1
}

// Valid reports whether the token is usable for signing: present, unexpired,
// and carrying a signature that verifies against the consumer key.
func (t LiveSessionToken) Valid(consumerKey string) bool {
	return !t.Expired() && t.Token != "" && t.Signature != "" && t.ValidSignature(consumerKey)
}
