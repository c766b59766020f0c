package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
)

// Keys is the parsed, immutable key material. Hot-reloading means loading a
// new Config; nothing here mutates after Load.
type Keys struct {
	// EncryptionKey decrypts the access token secret prepend.
	EncryptionKey *rsa.PrivateKey
	// SignatureKey signs bootstrap requests.
	SignatureKey *rsa.PrivateKey
	// DHPrime and DHGenerator are the negotiated group parameters.
	DHPrime     *big.Int
	DHGenerator *big.Int
}

// dhParams mirrors the ASN.1 SEQUENCE inside a "DH PARAMETERS" PEM block.
type dhParams struct {
	P *big.Int
	G *big.Int
}

func loadKeys(cfg OAuthConfig) (*Keys, error) {
	encPEM, err := keyMaterial(cfg.EncryptionKeyPath, cfg.EncryptionKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	sigPEM, err := keyMaterial(cfg.SignatureKeyPath, cfg.SignatureKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("signature key: %w", err)
	}
	dhPEM, err := keyMaterial(cfg.DHParamPath, cfg.DHParamPEM)
	if err != nil {
		return nil, fmt.Errorf("dh parameters: %w", err)
	}

	encKey, err := parseRSAPrivateKey(encPEM)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	sigKey, err := parseRSAPrivateKey(sigPEM)
	if err != nil {
		return nil, fmt.Errorf("signature key: %w", err)
	}
	p, g, err := parseDHParams(dhPEM)
	if err != nil {
		return nil, fmt.Errorf("dh parameters: %w", err)
	}

	return &Keys{
		EncryptionKey: encKey,
		SignatureKey:  sigKey,
		DHPrime:       p,
		DHGenerator:   g,
	}, nil
}

// keyMaterial resolves inline PEM content or a file path, inline winning.
func keyMaterial(path, inline string) ([]byte, error) {
	if inline != "" {
		return []byte(inline), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// parseRSAPrivateKey accepts PKCS#1 and PKCS#8 PEM blocks.
func parseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}
	return key, nil
}

// parseDHParams reads prime and generator from a "DH PARAMETERS" PEM block.
func parseDHParams(data []byte) (p, g *big.Int, err error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, nil, fmt.Errorf("no PEM block found")
	}

	var params dhParams
	if _, err := asn1.Unmarshal(block.Bytes, &params); err != nil {
		return nil, nil, fmt.Errorf("parse DH parameters: %w", err)
	}
	if params.P == nil || params.P.Sign() <= 0 || params.G == nil || params.G.Sign() <= 0 {
		return nil, nil, fmt.Errorf("DH parameters out of range")
	}
	return params.P, params.G, nil
}
