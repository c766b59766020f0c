package oauth

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Signature methods used in oauth_signature_method.
const (
	methodRSA  = "RSA-SHA256"
	methodHMAC = "HMAC-SHA256"
)

// BootstrapParams assembles the parameter set for the live-session-token
// request: a fresh nonce, timestamp and DH challenge, RSA-signed. Each call
// returns a new map, so a parameter set is never reused across requests;
// realm is appended after signing and excluded from the base string.
func (s *Signer) BootstrapParams() (map[string]string, error) {
	challenge, err := s.GenerateDHChallenge()
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"oauth_consumer_key":       s.creds.ConsumerKey,
		"oauth_token":              s.creds.AccessToken,
		"oauth_nonce":              s.GenerateNonce(),
		"oauth_timestamp":          s.GenerateTimestamp(),
		"oauth_signature_method":   methodRSA,
		"diffie_hellman_challenge": challenge,
	}

	sig, err := s.GenerateRSASignature(params)
	if err != nil {
		return nil, err
	}
	params["oauth_signature"] = sig
	params["realm"] = s.creds.Realm

	return params, nil
}

// APIParams assembles the parameter set for a generic API request, HMAC-signed
// with the live session token. Fresh per call, same realm handling as
// BootstrapParams.
func (s *Signer) APIParams(method, rawURL string, query, body map[string]any, liveSessionToken string) (map[string]string, error) {
	params := map[string]string{
		"oauth_consumer_key":     s.creds.ConsumerKey,
		"oauth_token":            s.creds.AccessToken,
		"oauth_nonce":            s.GenerateNonce(),
		"oauth_timestamp":        s.GenerateTimestamp(),
		"oauth_signature_method": methodHMAC,
	}

	sig, err := s.GenerateHMACSignature(method, rawURL, params, query, body, liveSessionToken)
	if err != nil {
		return nil, err
	}
	params["oauth_signature"] = sig
	params["realm"] = s.creds.Realm

	return params, nil
}

// paramString flattens, sorts and joins parameters into the canonical
// key=value&key=value form used in signature base strings.
func paramString(params map[string]any) string {
	flat := make(map[string]string, len(params))
	for k, v := range params {
		flattenParam(k, v, flat)
	}

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+flat[k])
	}
	return strings.Join(parts, "&")
}

// flattenParam reduces nested container values to key[subkey]=value pairs.
// Scalars stringify in decimal, never scientific notation.
func flattenParam(key string, value any, out map[string]string) {
	switch v := value.(type) {
	case nil:
		out[key] = ""
	case string:
		out[key] = v
	case bool:
		out[key] = strconv.FormatBool(v)
	case int:
		out[key] = strconv.Itoa(v)
	case int64:
		out[key] = strconv.FormatInt(v, 10)
	case float64:
		out[key] = strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		out[key] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	case map[string]any:
		for sub, sv := range v {
			flattenParam(key+"["+sub+"]", sv, out)
		}
	case map[string]string:
		for sub, sv := range v {
			flattenParam(key+"["+sub+"]", sv, out)
		}
	case []any:
		for i, sv := range v {
			flattenParam(key+"["+strconv.Itoa(i)+"]", sv, out)
		}
	case []string:
		for i, sv := range v {
			flattenParam(key+"["+strconv.Itoa(i)+"]", sv, out)
		}
	default:
		out[key] = fmt.Sprint(v)
	}
}

// percentEncode escapes per RFC 3986: spaces become %20, unreserved
// characters (alphanumerics, -_.~) pass through.
func percentEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
