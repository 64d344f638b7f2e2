package tenant

import "errors"

var (
	// ErrTenantNotFound is returned when tenant does not exist.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTenantNotActive is returned when tenant exists but is suspended or retired.
	ErrTenantNotActive = errors.New("tenant is not active")
)
