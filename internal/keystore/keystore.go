// Package keystore decrypts custodial wallet keys issued by the admin server.
//
// Each wallet key is encrypted with a random AES-256-GCM key, and that AES key
// is wrapped with the admin RSA public key (OAEP, SHA-256). Both blobs are
// base64 encoded. The GCM blob is iv(12) || ciphertext || tag(16).
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// Envelope sizes.
const (
	GCMIVLength  = 12
	GCMTagLength = 16
	AESKeyLength = 32
)

// Keystore errors
var (
	ErrInvalidAdminKey  = errors.New("invalid admin private key")
	ErrInvalidEnvelope  = errors.New("invalid encrypted key envelope")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Decrypt unwraps the AES key with the admin RSA key and decrypts the wallet
// private key with it.
func Decrypt(adminKeyPEM, encryptedAESKey, encryptedPrivateKey string) (string, error) {
	priv, err := ParseAdminKey(adminKeyPEM)
	if err != nil {
		return "", err
	}
	return decryptWith(priv, encryptedAESKey, encryptedPrivateKey)
}

func decryptWith(priv *rsa.PrivateKey, encryptedAESKey, encryptedPrivateKey string) (string, error) {
	wrapped, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encryptedAESKey))
	if err != nil {
		return "", fmt.Errorf("%w: aes key is not base64: %v", ErrInvalidEnvelope, err)
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		return "", fmt.Errorf("%w: failed to unwrap aes key: %v", ErrDecryptionFailed, err)
	}
	defer SecureClear(aesKey)

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encryptedPrivateKey))
	if err != nil {
		return "", fmt.Errorf("%w: private key is not base64: %v", ErrInvalidEnvelope, err)
	}
	if len(data) < GCMIVLength+GCMTagLength {
		return "", fmt.Errorf("%w: %d bytes is too short", ErrInvalidEnvelope, len(data))
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	// Go's GCM expects the tag appended to the ciphertext, which is the stored layout.
	plaintext, err := gcm.Open(nil, data[:GCMIVLength], data[GCMIVLength:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	defer SecureClear(plaintext)

	return string(plaintext), nil
}

// ParseAdminKey parses an RSA private key in PEM (PKCS#8 or PKCS#1) or as a
// bare base64 DER body.
func ParseAdminKey(adminKey string) (*rsa.PrivateKey, error) {
	adminKey = strings.TrimSpace(adminKey)
	if adminKey == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAdminKey)
	}

	var der []byte
	if block, _ := pem.Decode([]byte(adminKey)); block != nil {
		der = block.Bytes
	} else {
		raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(adminKey), ""))
		if err != nil {
			return nil, fmt.Errorf("%w: neither PEM nor base64", ErrInvalidAdminKey)
		}
		der = raw
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidAdminKey)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAdminKey, err)
	}
	return key, nil
}

// Encrypt produces the envelope Decrypt reverses. The admin server does this
// when it issues a wallet; it is used here for import tooling and tests.
func Encrypt(pub *rsa.PublicKey, privateKey string) (encryptedAESKey, encryptedPrivateKey string, err error) {
	aesKey := make([]byte, AESKeyLength)
	if _, err := rand.Read(aesKey); err != nil {
		return "", "", fmt.Errorf("failed to generate aes key: %w", err)
	}
	defer SecureClear(aesKey)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, GCMIVLength)
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("failed to generate iv: %w", err)
	}
	sealed := gcm.Seal(iv, iv, []byte(privateKey), nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to wrap aes key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(wrapped), base64.StdEncoding.EncodeToString(sealed), nil
}

// SecureClear zeroes a byte slice.
func SecureClear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
