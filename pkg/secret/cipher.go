package secret

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKey        = errors.New("secret key must be 32 bytes hex encoded")
	ErrMalformedCiphered = errors.New("malformed ciphertext")
)

// Cipher 对存储的凭据做加解密，系统只通过这一个接口接触明文
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// XChaCha XChaCha20-Poly1305 实现，密文格式为 base64(nonce || sealed)
type XChaCha struct {
	key []byte
}

// NewXChaCha 从 hex 编码的 32 字节密钥创建 Cipher
func NewXChaCha(keyHex string) (*XChaCha, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &XChaCha{key: key}, nil
}

func (c *XChaCha) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *XChaCha) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrMalformedCiphered
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformedCiphered
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}

// Plain 不加密，仅用于本地开发
type Plain struct{}

func (Plain) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (Plain) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }
