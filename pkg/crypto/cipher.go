package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
)

// aead derives a 32-byte AES key from secret with SHA-256 and wraps it in GCM.
func aead(secret string) (cipher.AEAD, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-GCM; the random nonce is prepended.
func Encrypt(secret string, plaintext []byte) ([]byte, error) {
	gcm, err := aead(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize(), gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(secret string, payload []byte) ([]byte, error) {
	gcm, err := aead(secret)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(payload) < n {
		return nil, io.ErrUnexpectedEOF
	}
	plain, err := gcm.Open(nil, payload[:n], payload[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return plain, nil
}

// SealString encrypts plaintext and encodes it for storage in text formats.
func SealString(secret, plaintext string) (string, error) {
	payload, err := Encrypt(secret, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// OpenString reverses SealString.
func OpenString(secret, sealed string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	plain, err := Decrypt(secret, payload)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

const randomAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomString returns n characters drawn uniformly from [a-zA-Z0-9].
func RandomString(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("length must be positive")
	}
	out := make([]byte, n)
	limit := big.NewInt(int64(len(randomAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		out[i] = randomAlphabet[idx.Int64()]
	}
	return string(out), nil
}
