package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emisor/internal/core/id"
)

func TestWithTenantAndCurrent(t *testing.T) {
	ctx := context.Background()

	_, ok := Current(ctx)
	assert.False(t, ok)

	tn := &Tenant{ID: id.New(), FiscalID: "1790012345001", Environment: EnvTest, Status: StatusActive}
	ctx = WithTenant(ctx, tn)

	got, ok := Current(ctx)
	require.True(t, ok)
	assert.Equal(t, tn.ID, got.ID)

	tid, err := CurrentID(ctx)
	require.NoError(t, err)
	assert.Equal(t, tn.ID.String(), tid)
}

func TestClearRemovesTenant(t *testing.T) {
	tn := &Tenant{ID: id.New()}
	ctx := WithTenant(context.Background(), tn)
	ctx = Clear(ctx)

	_, ok := Current(ctx)
	assert.False(t, ok)

	_, err := CurrentID(ctx)
	assert.ErrorIs(t, err, ErrNoTenantInContext)
}

func TestSystemScope(t *testing.T) {
	ctx := context.Background()
	assert.False(t, IsSystemScope(ctx))
	assert.True(t, IsSystemScope(WithSystemScope(ctx)))

	// Scope and tenant are independent: a system-scope context carries no
	// implicit tenant.
	_, ok := Current(WithSystemScope(ctx))
	assert.False(t, ok)
}

func TestEnvironmentCode(t *testing.T) {
	assert.Equal(t, "1", EnvTest.Code())
	assert.Equal(t, "2", EnvProduction.Code())
}

func TestTenantValidate(t *testing.T) {
	tn := &Tenant{FiscalID: "1790012345001", Environment: EnvTest}
	assert.NoError(t, tn.Validate())

	tn.FiscalID = "123"
	assert.Error(t, tn.Validate())

	tn.FiscalID = "1790012345001"
	tn.Environment = "staging"
	assert.Error(t, tn.Validate())
}

func TestIsActive(t *testing.T) {
	assert.True(t, (&Tenant{Status: StatusActive}).IsActive())
	assert.False(t, (&Tenant{Status: StatusSuspended}).IsActive())
	assert.False(t, (&Tenant{Status: StatusRetired}).IsActive())
}
