package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	nonceBytes        = 32
	refreshTokenBytes = 32
	otpDigits         = 6
)

var otpSpace = big.NewInt(1_000_000)

// GenerateNonce returns 32 random bytes, base64url encoded without padding.
func GenerateNonce() (string, error) {
	return randomToken(nonceBytes)
}

// GenerateRefreshToken returns a random Base64URL token (32 bytes) and its SHA256 hash as hex
func GenerateRefreshToken() (token string, hashHex string, err error) {
	token, err = randomToken(refreshTokenBytes)
	if err != nil {
		return "", "", err
	}
	return token, HashToken(token), nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateOTP returns a zero-padded 6-digit code drawn uniformly from [0, 999999].
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

// GenerateRecoveryCode returns two 6-digit groups joined by '-', e.g. 042917-338201.
func GenerateRecoveryCode() (string, error) {
	a, err := GenerateOTP()
	if err != nil {
		return "", err
	}
	b, err := GenerateOTP()
	if err != nil {
		return "", err
	}
	return a + "-" + b, nil
}

// HashToken returns SHA256 hex of the token
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// HashMatches compares a plaintext against a stored hex hash in constant time.
func HashMatches(plain, hashHex string) bool {
	return constantTimeEqual(HashToken(plain), hashHex)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ParsePublicKey accepts an Ed25519 key as PEM SPKI, base64 DER SPKI, or base64 of the raw 32 bytes.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("empty public key")
	}

	var der []byte
	if strings.Contains(encoded, "-----BEGIN") {
		block, _ := pem.Decode([]byte(encoded))
		if block == nil {
			return nil, errors.New("invalid PEM block")
		}
		der = block.Bytes
	} else {
		raw, err := decodeBase64(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		if len(raw) == ed25519.PublicKeySize {
			return ed25519.PublicKey(raw), nil
		}
		der = raw
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want ed25519", pub)
	}
	return key, nil
}

// VerifySignature checks a detached Ed25519 signature over payload.
// Any malformed key or signature is reported as false.
func VerifySignature(publicKey, payload, signature string) bool {
	key, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := decodeBase64(strings.TrimSpace(signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(key, []byte(payload), sig)
}

// decodeBase64 accepts standard and URL alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("invalid base64")
}

// EncodePublicKeyPEM renders an Ed25519 public key as PEM SPKI.
func EncodePublicKeyPEM(key ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
