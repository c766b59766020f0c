package oauth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

// signedToken builds a token whose signature verifies against consumerKey.
func signedToken(t *testing.T, consumerKey, expiration string) LiveSessionToken {
	t.Helper()

	raw := []byte("sixteen-byte-key")
	mac := hmac.New(sha1.New, raw)
	mac.Write([]byte(consumerKey))

	return NewLiveSessionToken(
		base64.StdEncoding.EncodeToString(raw),
		hex.EncodeToString(mac.Sum(nil)),
		expiration,
	)
}

// TestLiveSessionToken_SignatureSymmetry: a signature computed as
// hex(HMAC-SHA1(base64decode(token), consumerKey)) must verify, and any
// single-bit flip must not.
func TestLiveSessionToken_SignatureSymmetry(t *testing.T) {
	const consumerKey = "TESTCONSUMER"
	tok := signedToken(t, consumerKey, "")

	if !tok.ValidSignature(consumerKey) {
		t.Fatal("expected matching signature to verify")
	}

	sig, _ := hex.DecodeString(tok.Signature)
	for i := 0; i < len(sig)*8; i += 7 {
		flipped := make([]byte, len(sig))
		copy(flipped, sig)
		flipped[i/8] ^= 1 << (i % 8)

		bad := NewLiveSessionToken(tok.Token, hex.EncodeToString(flipped), "")
		if bad.ValidSignature(consumerKey) {
			t.Fatalf("bit flip at %d still verified", i)
		}
	}
}

func TestLiveSessionToken_SignatureCaseInsensitive(t *testing.T) {
	const consumerKey = "TESTCONSUMER"
	tok := signedToken(t, consumerKey, "")

	upper := NewLiveSessionToken(tok.Token, stringsToUpper(tok.Signature), "")
	if !upper.ValidSignature(consumerKey) {
		t.Error("expected uppercase signature to verify")
	}
}

func stringsToUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

func TestLiveSessionToken_ValidSignature_Degenerate(t *testing.T) {
	tok := signedToken(t, "TESTCONSUMER", "")

	if tok.ValidSignature("") {
		t.Error("empty consumer key must be invalid, not an error")
	}

	notBase64 := NewLiveSessionToken("!!!not-base64!!!", tok.Signature, "")
	if notBase64.ValidSignature("TESTCONSUMER") {
		t.Error("malformed token material must be invalid")
	}

	empty := NewLiveSessionToken("", "", "")
	if empty.ValidSignature("TESTCONSUMER") {
		t.Error("missing fields must be invalid")
	}
}

// TestLiveSessionToken_ExpiryBoundary: exactly-now is expired, one second in
// the future is not.
func TestLiveSessionToken_ExpiryBoundary(t *testing.T) {
	now := time.Unix(1690876800, 0)

	atBoundary := NewLiveSessionToken("t", "s", "1690876800")
	if !atBoundary.expiredAt(now) {
		t.Error("expiration equal to now must count as expired")
	}

	future := NewLiveSessionToken("t", "s", "1690876801")
	if future.expiredAt(now) {
		t.Error("expiration one second ahead must not be expired")
	}

	past := NewLiveSessionToken("t", "s", "1690876799")
	if !past.expiredAt(now) {
		t.Error("past expiration must be expired")
	}
}

// TestLiveSessionToken_MillisHeuristic: the same instant in seconds and in
// milliseconds normalizes identically.
func TestLiveSessionToken_MillisHeuristic(t *testing.T) {
	seconds := NewLiveSessionToken("t", "s", "1690876800")
	millis := NewLiveSessionToken("t", "s", "1690876800000")

	if !seconds.ExpiresAt().Equal(millis.ExpiresAt()) {
		t.Errorf("normalization diverged: %v vs %v", seconds.ExpiresAt(), millis.ExpiresAt())
	}
	if want := time.Unix(1690876800, 0); !seconds.ExpiresAt().Equal(want) {
		t.Errorf("expires at %v, want %v", seconds.ExpiresAt(), want)
	}
}

func TestLiveSessionToken_NoExpiration(t *testing.T) {
	tok := NewLiveSessionToken("t", "s", "")
	if tok.Expired() {
		t.Error("token without expiration must not be expired")
	}
}

func TestLiveSessionToken_MalformedExpiration(t *testing.T) {
	tok := signedToken(t, "TESTCONSUMER", "not-a-number")
	if !tok.Expired() {
		t.Error("malformed expiration must read as expired")
	}
	if tok.Valid("TESTCONSUMER") {
		t.Error("malformed expiration must make the token invalid")
	}
}

func TestLiveSessionToken_Valid(t *testing.T) {
	const consumerKey = "TESTCONSUMER"
	future := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	past := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)

	if tok := signedToken(t, consumerKey, future); !tok.Valid(consumerKey) {
		t.Error("signed unexpired token must be valid")
	}
	if tok := signedToken(t, consumerKey, past); tok.Valid(consumerKey) {
		t.Error("expired token must be invalid")
	}
	if tok := signedToken(t, consumerKey, future); tok.Valid("OTHERCONSUMER") {
		t.Error("token must not validate under a different consumer key")
	}
}
