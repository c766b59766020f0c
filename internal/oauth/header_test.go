package oauth

import "testing"

// TestAuthorizationHeader_Format checks the exact wire shape: alphabetical
// keys, double-quoted values, comma-space separated.
func TestAuthorizationHeader_Format(t *testing.T) {
	params := map[string]string{
		"realm":                  "limited_poa",
		"oauth_token":            "tok",
		"oauth_consumer_key":     "key",
		"oauth_nonce":            "abc",
		"oauth_signature":        "c2ln",
		"oauth_signature_method": "HMAC-SHA256",
		"oauth_timestamp":        "1690000000",
	}

	want := `OAuth oauth_consumer_key="key", oauth_nonce="abc", oauth_signature="c2ln", ` +
		`oauth_signature_method="HMAC-SHA256", oauth_timestamp="1690000000", ` +
		`oauth_token="tok", realm="limited_poa"`

	if got := AuthorizationHeader(params); got != want {
		t.Errorf("header = %q\nwant %q", got, want)
	}
}

// TestAuthorizationHeader_Stable: the output is invariant across repeated
// renders of the same map (map iteration order must not leak through).
func TestAuthorizationHeader_Stable(t *testing.T) {
	params := map[string]string{
		"zeta": "1", "alpha": "2", "mid": "3", "beta": "4",
		"realm": "test_realm", "oauth_nonce": "n",
	}

	first := AuthorizationHeader(params)
	for i := 0; i < 20; i++ {
		if got := AuthorizationHeader(params); got != first {
			t.Fatalf("output changed between renders: %q vs %q", got, first)
		}
	}
}

func TestAuthorizationHeader_Empty(t *testing.T) {
	if got := AuthorizationHeader(map[string]string{}); got != "OAuth " {
		t.Errorf("empty params = %q", got)
	}
}
