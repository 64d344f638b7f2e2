package signing

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordCipherRoundTrip(t *testing.T) {
	c := testCipher(t)

	for _, plaintext := range []string{"", "pw", "contraseña con ñ y espacios"} {
		sealed := sealedPassword(t, c, plaintext)
		assert.NotEqual(t, plaintext, sealed)

		opened, err := c.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestPasswordCipherSealsFresh(t *testing.T) {
	c := testCipher(t)

	// Random nonces: sealing twice never repeats ciphertext.
	assert.NotEqual(t, sealedPassword(t, c, "pw"), sealedPassword(t, c, "pw"))
}

func TestPasswordCipherRejectsWrongKey(t *testing.T) {
	c := testCipher(t)
	other, err := NewPasswordCipher(make([]byte, PasswordKeySize))
	require.NoError(t, err)

	_, err = other.Open(sealedPassword(t, c, "pw"))
	assert.Error(t, err)
}

func TestPasswordCipherRejectsTampering(t *testing.T) {
	c := testCipher(t)
	sealed := sealedPassword(t, c, "pw")

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01

	_, err = c.Open(base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)
}

func TestPasswordCipherRejectsShortInput(t *testing.T) {
	c := testCipher(t)

	_, err := c.Open("")
	assert.Error(t, err)

	_, err = c.Open(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestNewPasswordCipherRequiresFullKey(t *testing.T) {
	_, err := NewPasswordCipher([]byte("too short"))
	assert.Error(t, err)
}
