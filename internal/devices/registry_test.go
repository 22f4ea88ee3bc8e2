package devices

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storynest/storynest/internal/db"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return NewRegistry(sqlDB)
}

func TestRegistry_RegisterAndList(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "u1", "tok-a", PlatformIOS))
	require.NoError(t, r.Register(ctx, "u1", "tok-b", PlatformAndroid))

	tokens, err := r.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, PlatformIOS, tokens[0].Platform)
	assert.True(t, tokens[0].Active)
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "u1", "tok-a", PlatformIOS))
	require.NoError(t, r.Register(ctx, "u1", "tok-a", PlatformIOS))

	tokens, err := r.ListActive(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, tokens, 1)
}

func TestRegistry_ReRegisterTransfersOwnership(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "u1", "tok-shared", PlatformIOS))
	// Same device, new login: the token moves to the new user.
	require.NoError(t, r.Register(ctx, "u2", "tok-shared", PlatformIOS))

	old, err := r.ListActive(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, old)

	next, err := r.ListActive(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "tok-shared", next[0].Token)
}

func TestRegistry_Unregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "u1", "tok-a", PlatformIOS))

	assert.ErrorIs(t, r.Unregister(ctx, "u1", "tok-missing"), ErrNotFound)
	assert.ErrorIs(t, r.Unregister(ctx, "u2", "tok-a"), ErrNotOwned)

	require.NoError(t, r.Unregister(ctx, "u1", "tok-a"))
	tokens, err := r.ListActive(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestRegistry_ReactivateAfterUnregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "u1", "tok-a", PlatformIOS))
	require.NoError(t, r.Unregister(ctx, "u1", "tok-a"))
	require.NoError(t, r.Register(ctx, "u1", "tok-a", PlatformIOS))

	tokens, err := r.ListActive(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, tokens, 1)
}

func TestRegistry_InvalidateMany(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "u1", "tok-a", PlatformIOS))
	require.NoError(t, r.Register(ctx, "u1", "tok-b", PlatformAndroid))
	require.NoError(t, r.Register(ctx, "u1", "tok-c", PlatformAndroid))

	require.NoError(t, r.InvalidateMany(ctx, []string{"tok-a", "tok-c"}))
	require.NoError(t, r.InvalidateMany(ctx, nil)) // no-op

	tokens, err := r.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "tok-b", tokens[0].Token)
}

func TestRegistry_DeleteForOwner(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "u1", "tok-a", PlatformIOS))
	require.NoError(t, r.Register(ctx, "u2", "tok-b", PlatformIOS))

	require.NoError(t, r.DeleteForOwner(ctx, "u1"))

	_, err := r.ListActive(ctx, "u1")
	require.NoError(t, err)
	kept, err := r.ListActive(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestPlatform_Valid(t *testing.T) {
	assert.True(t, PlatformIOS.Valid())
	assert.True(t, PlatformAndroid.Valid())
	assert.False(t, Platform("web").Valid())
}
