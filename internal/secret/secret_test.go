package secret_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/basket/go-claw/internal/secret"
)

const testKey = "000102030405060708090a0b0c0d0e0f"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ct, err := secret.Encrypt(testKey, "sk-test-1234")
	assert.NilError(t, err)
	assert.Assert(t, ct != "")

	pt, err := secret.Decrypt(testKey, ct)
	assert.NilError(t, err)
	assert.Equal(t, pt, "sk-test-1234")
}

func TestDecrypt_EmptyKeyOrCiphertext(t *testing.T) {
	pt, err := secret.Decrypt("", "anything")
	assert.NilError(t, err)
	assert.Equal(t, pt, "")

	pt, err = secret.Decrypt(testKey, "")
	assert.NilError(t, err)
	assert.Equal(t, pt, "")
}

func TestDecrypt_TamperedCiphertextFails(t *testing.T) {
	ct, err := secret.Encrypt(testKey, "sk-test-1234")
	assert.NilError(t, err)
	tampered := ct[:len(ct)-4] + "abcd"
	_, err = secret.Decrypt(testKey, tampered)
	assert.Assert(t, err != nil)
}
