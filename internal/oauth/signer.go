package oauth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const nonceLength = 16

const nonceAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Signer performs the raw cryptographic operations of the protocol. It is
// stateless except for the ephemeral Diffie-Hellman exponent held between
// challenge generation and token computation within one negotiation; the
// Authenticator serializes negotiations so the exponent never leaks across
// concurrent attempts.
type Signer struct {
	creds Credentials

	// dhRandom is the pending negotiation exponent, nil outside a negotiation.
	dhRandom *big.Int
}

// NewSigner creates a signer over the given credentials.
func NewSigner(creds Credentials) *Signer {
	return &Signer{creds: creds}
}

// GenerateNonce returns a 16-character random alphanumeric nonce.
func (s *Signer) GenerateNonce() string {
	buf := make([]byte, nonceLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable.
		panic(fmt.Sprintf("oauth: read random: %v", err))
	}
	for i, b := range buf {
		buf[i] = nonceAlphabet[int(b)%len(nonceAlphabet)]
	}
	return string(buf)
}

// GenerateTimestamp returns the current Unix time in seconds as a decimal string.
func (s *Signer) GenerateTimestamp() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

// GenerateDHChallenge picks a fresh random exponent a in [0, 2^256), stores
// it as the pending negotiation secret, and returns g^a mod p as lowercase hex.
func (s *Signer) GenerateDHChallenge() (string, error) {
	bound := new(big.Int).Lsh(big.NewInt(1), 256)
	a, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", &Error{Kind: KindConfiguration, Op: "generate_dh_challenge", Err: err}
	}
	s.dhRandom = a

	challenge := new(big.Int).Exp(s.creds.DHGenerator, a, s.creds.DHPrime)
	return challenge.Text(16), nil
}

// ComputeLiveSessionToken derives the session token from the server's DH
// response: K = B^a mod p, then base64(HMAC-SHA1(key=K bytes, msg=prepend
// bytes)). The pending exponent is consumed; calling without a prior
// GenerateDHChallenge in the same negotiation is an error.
func (s *Signer) ComputeLiveSessionToken(dhResponseHex string) (string, error) {
	if s.dhRandom == nil {
		return "", &Error{Kind: KindSessionInit, Op: "compute_live_session_token", Message: "challenge must be generated first"}
	}

	b, ok := new(big.Int).SetString(strings.TrimPrefix(dhResponseHex, "0x"), 16)
	if !ok {
		return "", &Error{Kind: KindSessionInit, Op: "compute_live_session_token", Message: "malformed diffie-hellman response"}
	}

	k := new(big.Int).Exp(b, s.dhRandom, s.creds.DHPrime)
	s.dhRandom = nil

	prependHex, err := s.DecryptPrepend()
	if err != nil {
		return "", err
	}
	prepend, err := hex.DecodeString(prependHex)
	if err != nil {
		return "", &Error{Kind: KindConfiguration, Op: "compute_live_session_token", Err: err}
	}

	mac := hmac.New(sha1.New, bigIntBytes(k))
	mac.Write(prepend)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// bigIntBytes converts k to the big-endian byte layout the server expects:
// minimal bytes, odd-length hex left-padded a nibble, and one zero byte
// prepended when the bit length is an exact multiple of 8 (Java BigInteger
// sign-bit convention).
func bigIntBytes(k *big.Int) []byte {
	h := k.Text(16)
	if len(h)%2 == 1 {
		h = "0" + h
	}
	b, _ := hex.DecodeString(h)
	if k.BitLen()%8 == 0 {
		b = append([]byte{0}, b...)
	}
	return b
}

// DecryptPrepend decrypts the access token secret with the encryption key
// and returns the plaintext as lowercase hex.
func (s *Signer) DecryptPrepend() (string, error) {
	ct, err := base64.StdEncoding.DecodeString(s.creds.AccessTokenSecret)
	if err != nil {
		return "", &Error{Kind: KindConfiguration, Op: "decrypt_prepend", Message: "access token secret is not base64", Err: err}
	}
	pt, err := rsa.DecryptPKCS1v15(nil, s.creds.EncryptionKey, ct)
	if err != nil {
		return "", &Error{Kind: KindConfiguration, Op: "decrypt_prepend", Message: "access token secret decryption failed", Err: err}
	}
	return hex.EncodeToString(pt), nil
}

// GenerateRSASignature signs the bootstrap base string with SHA-256 under the
// signature key and returns the signature base64-encoded. oauth_signature and
// realm are excluded from the signed parameters; the result is not
// URL-encoded, that happens at header assembly.
func (s *Signer) GenerateRSASignature(params map[string]string) (string, error) {
	filtered := make(map[string]any, len(params))
	for k, v := range params {
		if k == "oauth_signature" || k == "realm" {
			continue
		}
		filtered[k] = v
	}

	prepend, err := s.DecryptPrepend()
	if err != nil {
		return "", err
	}

	base := prepend + "POST&" + percentEncode(s.creds.LiveSessionTokenURL()) + "&" + percentEncode(paramString(filtered))
	digest := sha256.Sum256([]byte(base))

	sig, err := rsa.SignPKCS1v15(rand.Reader, s.creds.SignatureKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", &Error{Kind: KindConfiguration, Op: "generate_rsa_signature", Err: err}
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// GenerateHMACSignature signs an API request base string with HMAC-SHA256
// keyed by the base64-decoded live session token. The returned signature is
// URL-encoded, ready to drop into a header value.
func (s *Signer) GenerateHMACSignature(method, rawURL string, params map[string]string, query, body map[string]any, liveSessionToken string) (string, error) {
	merged := make(map[string]any, len(params)+len(query)+len(body))
	for k, v := range params {
		if k == "oauth_signature" || k == "realm" {
			continue
		}
		merged[k] = v
	}
	for k, v := range query {
		merged[k] = v
	}
	for k, v := range body {
		merged[k] = v
	}

	base := strings.ToUpper(method) + "&" + percentEncode(rawURL) + "&" + percentEncode(paramString(merged))

	key, err := base64.StdEncoding.DecodeString(liveSessionToken)
	if err != nil {
		return "", &Error{Kind: KindSignatureInvalid, Op: "generate_hmac_signature", Message: "live session token is not base64", Err: err}
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(base))
	return percentEncode(base64.StdEncoding.EncodeToString(mac.Sum(nil))), nil
}
