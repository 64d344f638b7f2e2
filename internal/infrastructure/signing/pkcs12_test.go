package signing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emisor/internal/core/apperror"
	"emisor/internal/core/id"
	"emisor/internal/core/tenant"
)

func TestFileBlobStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cert.p12"), []byte("blob"), 0o600))

	store := NewFileBlobStore(dir)

	data, err := store.Get(context.Background(), "cert.p12")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)

	_, err = store.Get(context.Background(), "missing.p12")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestFileBlobStoreRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	store := NewFileBlobStore(dir)

	for _, ref := range []string{"../secret", "..", "/etc/passwd", ".hidden", "a/../../b"} {
		_, err := store.Get(context.Background(), ref)
		assert.ErrorIs(t, err, ErrBlobNotFound, "ref %q", ref)
	}
}

func TestMemoryBlobStore(t *testing.T) {
	store := NewMemoryBlobStore()
	store.Put("ref", []byte("data"))

	data, err := store.Get(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	_, err = store.Get(context.Background(), "other")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func testCipher(t *testing.T) *PasswordCipher {
	t.Helper()
	key := make([]byte, PasswordKeySize)
	copy(key, "0123456789abcdef0123456789abcdef")
	c, err := NewPasswordCipher(key)
	require.NoError(t, err)
	return c
}

func sealedPassword(t *testing.T, c *PasswordCipher, plaintext string) string {
	t.Helper()
	sealed, err := c.Seal(plaintext)
	require.NoError(t, err)
	return sealed
}

func TestPKCS12SourceMissingRef(t *testing.T) {
	src := NewPKCS12Source(NewMemoryBlobStore(), testCipher(t))
	tn := &tenant.Tenant{ID: id.New()}

	_, err := src.Load(context.Background(), tn)
	assert.True(t, apperror.IsCode(err, apperror.CodeCredentialMissing))
}

func TestPKCS12SourceMissingBlob(t *testing.T) {
	src := NewPKCS12Source(NewMemoryBlobStore(), testCipher(t))
	tn := &tenant.Tenant{ID: id.New(), CredentialRef: "cert.p12"}

	_, err := src.Load(context.Background(), tn)
	assert.True(t, apperror.IsCode(err, apperror.CodeCredentialMissing))
}

func TestPKCS12SourceCorruptBlob(t *testing.T) {
	c := testCipher(t)
	blobs := NewMemoryBlobStore()
	blobs.Put("cert.p12", []byte("not a pkcs12 container"))
	src := NewPKCS12Source(blobs, c)
	tn := &tenant.Tenant{
		ID:                 id.New(),
		CredentialRef:      "cert.p12",
		CredentialPassword: sealedPassword(t, c, "pw"),
	}

	_, err := src.Load(context.Background(), tn)
	assert.True(t, apperror.IsCode(err, apperror.CodeCredentialInvalid))
	assert.True(t, apperror.IsCredentialError(err))
}

func TestPKCS12SourceRejectsPlaintextStoredPassword(t *testing.T) {
	blobs := NewMemoryBlobStore()
	blobs.Put("cert.p12", []byte("blob"))
	src := NewPKCS12Source(blobs, testCipher(t))
	tn := &tenant.Tenant{ID: id.New(), CredentialRef: "cert.p12", CredentialPassword: "pw"}

	_, err := src.Load(context.Background(), tn)
	assert.True(t, apperror.IsCode(err, apperror.CodeCredentialInvalid))
}

func TestCredentialWipe(t *testing.T) {
	src := newStaticSource(t)
	cred, err := src.Load(context.Background(), nil)
	require.NoError(t, err)

	cred.Wipe()
	assert.Nil(t, cred.PrivateKey)
	assert.Nil(t, cred.Certificate)
}
