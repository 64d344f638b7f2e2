// Package tenant provides multi-tenant identity and context propagation.
// All tenants share one PostgreSQL schema; every business row carries a
// tenant_id column and every repository call is scoped by it.
package tenant

import (
	"fmt"
	"time"

	"emisor/internal/core/id"
)

// Status represents tenant lifecycle state.
type Status string

const (
	// StatusActive - tenant can issue documents
	StatusActive Status = "active"

	// StatusSuspended - tenant is temporarily disabled (e.g., payment issues)
	StatusSuspended Status = "suspended"

	// StatusRetired - tenant is soft-retired; rows are kept for audit,
	// no new documents may be issued
	StatusRetired Status = "retired"
)

// Environment selects the tax-authority endpoints and is embedded into
// every access key. A document issued in test can never collide with a
// production one.
type Environment string

const (
	EnvTest       Environment = "test"
	EnvProduction Environment = "production"
)

// Code returns the single-digit environment code used in access keys.
func (e Environment) Code() string {
	if e == EnvProduction {
		return "2"
	}
	return "1"
}

// Valid reports whether the environment is a known value.
func (e Environment) Valid() bool {
	return e == EnvTest || e == EnvProduction
}

// Tenant represents one isolated business unit.
type Tenant struct {
	ID id.ID `db:"id"`

	// FiscalID is the tax registration number (13 digits), part of every
	// access key this tenant produces
	FiscalID string `db:"fiscal_id"`

	LegalName string `db:"legal_name"`

	// CredentialRef points into the credential blob store (certificate .p12)
	CredentialRef string `db:"credential_ref"`

	// CredentialPassword is stored encrypted at rest; it is decrypted
	// just-in-time by the signing layer and never serialized back out
	CredentialPassword string `db:"credential_password" json:"-"`

	Environment Environment `db:"environment"`
	Status      Status      `db:"status"`
	CreatedAt   time.Time   `db:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at"`
}

// IsActive returns true if tenant can issue documents.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// Validate checks the invariants required before a tenant can sign anything.
func (t *Tenant) Validate() error {
	if len(t.FiscalID) != 13 {
		return fmt.Errorf("fiscal id must be 13 digits, got %d", len(t.FiscalID))
	}
	if !t.Environment.Valid() {
		return fmt.Errorf("unknown environment %q", t.Environment)
	}
	return nil
}
