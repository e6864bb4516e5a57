// Package secret decrypts Model resources' at-rest API key ciphertext.
// Keys stay encrypted everywhere except the moment the dispatcher
// assembles a dispatch payload. AES-GCM via the standard library
// crypto/aes and crypto/cipher; a single encrypted column is too narrow
// a need for a secrets-management client.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/basket/go-claw/internal/goerr"
)

// Decrypt reverses Encrypt: ciphertext is base64(nonce || sealed), key is
// a hex-encoded AES-128/192/256 key. An empty key or ciphertext is not an
// error — unconfigured secrets mean the Model carries no API key.
func Decrypt(hexKey, ciphertext string) (string, error) {
	if hexKey == "" || ciphertext == "" {
		return "", nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return "", goerr.Wrap(goerr.KindValidationFailed, "decode model secret key", err)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", goerr.Wrap(goerr.KindValidationFailed, "decode api key ciphertext", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", goerr.Wrap(goerr.KindValidationFailed, "new aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", goerr.Wrap(goerr.KindValidationFailed, "new gcm", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", goerr.New(goerr.KindValidationFailed, "ciphertext shorter than nonce")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", goerr.Wrap(goerr.KindValidationFailed, "gcm open", err)
	}
	return string(plain), nil
}

// Encrypt is Decrypt's inverse, used by tests and by anything that writes
// a Model resource's apiKeyCipher field.
func Encrypt(hexKey, plaintext string) (string, error) {
	if hexKey == "" {
		return "", nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return "", goerr.Wrap(goerr.KindValidationFailed, "decode model secret key", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", goerr.Wrap(goerr.KindValidationFailed, "new aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", goerr.Wrap(goerr.KindValidationFailed, "new gcm", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", goerr.Wrap(goerr.KindFatal, "read random nonce", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}
