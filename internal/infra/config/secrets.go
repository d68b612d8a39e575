package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// SecretPrefix marks an encrypted config value.
const SecretPrefix = "enc:"

const saltSize = 16

// EncryptValue seals plaintext with AES-256-GCM under a key derived from
// passphrase. The result carries the prefix and is ready to paste into YAML:
// "enc:" + base64(salt | nonce | ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	if passphrase == "" {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)
	return SecretPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// DecryptValue opens a value produced by EncryptValue. Values without the
// prefix are returned unchanged.
func DecryptValue(value, passphrase string) (string, error) {
	if !strings.HasPrefix(value, SecretPrefix) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SecretPrefix))
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	if len(data) < saltSize {
		return "", fmt.Errorf("secret too short")
	}

	gcm, err := newGCM(passphrase, data[:saltSize])
	if err != nil {
		return "", err
	}
	rest := data[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return "", fmt.Errorf("secret too short")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// decryptSecrets replaces every "enc:" value the config may carry: gateway
// tokens, the store DSN and string values in schedule integrations.
func decryptSecrets(cfg *Config, passphrase string) error {
	open := func(field string, p *string) error {
		if !strings.HasPrefix(*p, SecretPrefix) {
			return nil
		}
		plain, err := DecryptValue(*p, passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*p = plain
		return nil
	}

	for i := range cfg.Gateway.Auth.Tokens {
		if err := open("gateway auth token "+cfg.Gateway.Auth.Tokens[i].Name, &cfg.Gateway.Auth.Tokens[i].Token); err != nil {
			return err
		}
	}
	if err := open("store.dsn", &cfg.Store.DSN); err != nil {
		return err
	}
	for i := range cfg.Schedules {
		sc := &cfg.Schedules[i]
		for k, v := range sc.Integrations {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if err := open(fmt.Sprintf("schedule %s integrations.%s", sc.Name, k), &s); err != nil {
				return err
			}
			sc.Integrations[k] = s
		}
	}
	return nil
}
