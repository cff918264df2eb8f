package binance

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// AuthType represents the key type registered with the exchange
type AuthType string

const (
	AuthTypeHMAC    AuthType = "hmac"
	AuthTypeEd25519 AuthType = "ed25519"
)

// Authenticator signs the query payload of a SIGNED endpoint
type Authenticator interface {
	APIKey() string
	Sign(payload string) (string, error)
}

// HMACAuthenticator uses the classic API key / secret pair
type HMACAuthenticator struct {
	apiKey    string
	apiSecret string
}

func NewHMACAuthenticator(apiKey, apiSecret string) *HMACAuthenticator {
	return &HMACAuthenticator{
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}
}

func (h *HMACAuthenticator) APIKey() string { return h.apiKey }

func (h *HMACAuthenticator) Sign(payload string) (string, error) {
	mac := hmac.New(sha256.New, []byte(h.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Ed25519Authenticator signs with an Ed25519 private key
type Ed25519Authenticator struct {
	apiKey     string
	privateKey ed25519.PrivateKey
}

func NewEd25519Authenticator(apiKey, privateKeyPEM string) (*Ed25519Authenticator, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS8 private key: %w", err)
	}

	privateKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 private key")
	}

	return &Ed25519Authenticator{
		apiKey:     apiKey,
		privateKey: privateKey,
	}, nil
}

func (e *Ed25519Authenticator) APIKey() string { return e.apiKey }

func (e *Ed25519Authenticator) Sign(payload string) (string, error) {
	sig := ed25519.Sign(e.privateKey, []byte(payload))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// NewAuthenticator picks the signer for the configured key type.
func NewAuthenticator(authType AuthType, apiKey, apiSecret string) (Authenticator, error) {
	switch authType {
	case AuthTypeEd25519:
		return NewEd25519Authenticator(apiKey, apiSecret)
	case AuthTypeHMAC, "":
		return NewHMACAuthenticator(apiKey, apiSecret), nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", authType)
	}
}
