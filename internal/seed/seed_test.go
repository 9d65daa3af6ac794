package seed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/mandi/internal/products"
	"github.com/mbd888/mandi/internal/users"
)

func TestLoad_Idempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	us := users.NewMemoryStore()
	ps := products.NewMemoryStore()

	res, err := Load(ctx, us, ps, now)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Users)
	assert.Equal(t, 8, res.Products)

	res, err = Load(ctx, us, ps, now)
	require.NoError(t, err)
	assert.Zero(t, res.Users)
	assert.Zero(t, res.Products)

	vendors, err := us.List(ctx, users.RoleVendor, 10)
	require.NoError(t, err)
	assert.Len(t, vendors, 3)

	p, err := ps.Get(ctx, "prd_demo_grapes_nashik")
	require.NoError(t, err)
	assert.Equal(t, VendorNashik, p.VendorID)
	assert.True(t, p.IsActive)
	assert.Equal(t, now.Add(-24*time.Hour), p.CreatedAt)
}

func TestLoad_ListingsBelongToVendors(t *testing.T) {
	byID := map[string]*users.User{}
	for _, u := range demoUsers() {
		byID[u.ID] = u
	}
	for _, l := range demoListings() {
		v, ok := byID[l.vendor]
		require.True(t, ok, l.id)
		assert.Equal(t, users.RoleVendor, v.Role, l.id)
		assert.True(t, l.category.Valid(), l.id)
		assert.Greater(t, l.price, 0.0)
	}
}
