package signing

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"golang.org/x/crypto/pkcs12"

	"emisor/internal/core/apperror"
	coresigning "emisor/internal/core/signing"
	"emisor/internal/core/tenant"
)

// PKCS12Source loads tenant credentials from a blob store and decodes the
// PKCS#12 container with the tenant's password, opened from its at-rest
// encrypted form. Load is just-in-time: password and decoded key live only
// for the call, the latter in the returned Credential, which the signer
// wipes after use. Nothing is cached.
type PKCS12Source struct {
	blobs     BlobStore
	passwords *PasswordCipher
}

// Ensure compile-time interface compliance.
var _ coresigning.CredentialSource = (*PKCS12Source)(nil)

// NewPKCS12Source creates the source.
func NewPKCS12Source(blobs BlobStore, passwords *PasswordCipher) *PKCS12Source {
	return &PKCS12Source{blobs: blobs, passwords: passwords}
}

// Load acquires and decodes the tenant's credential.
func (s *PKCS12Source) Load(ctx context.Context, t *tenant.Tenant) (*coresigning.Credential, error) {
	if t.CredentialRef == "" {
		return nil, apperror.NewCredentialMissing(t.ID.String())
	}

	blob, err := s.blobs.Get(ctx, t.CredentialRef)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, apperror.NewCredentialMissing(t.ID.String())
		}
		return nil, fmt.Errorf("load credential blob: %w", err)
	}

	password, err := s.passwords.Open(t.CredentialPassword)
	if err != nil {
		return nil, apperror.NewCredentialInvalid(t.ID.String(), err)
	}

	key, cert, err := pkcs12.Decode(blob, password)
	if err != nil {
		// Wrong password and corrupt material are indistinguishable here;
		// both require tenant-admin remediation
		return nil, apperror.NewCredentialInvalid(t.ID.String(), err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, apperror.NewCredentialInvalid(t.ID.String(),
			fmt.Errorf("unsupported key type %T", key))
	}

	return &coresigning.Credential{PrivateKey: rsaKey, Certificate: cert}, nil
}
