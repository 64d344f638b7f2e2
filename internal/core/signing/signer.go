// Package signing provides domain contracts for document signing.
// Implementations live in the infrastructure layer.
package signing

import (
	"context"
	"crypto/rsa"
	"crypto/x509"

	"emisor/internal/core/fiscal"
	"emisor/internal/core/tenant"
)

// Credential is a tenant's decoded signing material. It exists only for
// the duration of one signing call: loaded, used, discarded. It is never
// cached and never serialized.
type Credential struct {
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
}

// Wipe zeroes the private key material. Called by signers after use.
func (c *Credential) Wipe() {
	if c.PrivateKey != nil {
		c.PrivateKey.D.SetInt64(0)
		for _, p := range c.PrivateKey.Primes {
			p.SetInt64(0)
		}
		c.PrivateKey = nil
	}
	c.Certificate = nil
}

// CredentialSource acquires a tenant's credential just-in-time.
// Returns apperror CredentialMissing when no certificate is on file and
// CredentialInvalid for a wrong password or corrupt material.
type CredentialSource interface {
	Load(ctx context.Context, t *tenant.Tenant) (*Credential, error)
}

// Result of a successful signing operation.
type Result struct {
	// AccessKey is the 49-digit deterministic public identifier
	AccessKey string

	// Payload is the signed XML ready for submission
	Payload []byte
}

// Signer produces a signed payload and access key from a numbered document.
// Signing the same document twice yields the same access key; failures are
// terminal for the attempt and must not consume a fresh sequence number on
// retry — the already-allocated number is reused.
type Signer interface {
	Sign(ctx context.Context, t *tenant.Tenant, doc *fiscal.Document) (*Result, error)
}
