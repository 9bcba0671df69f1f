package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, hash, "hunter2")

	assert.True(t, VerifyPassword("hunter2", hash))
	assert.False(t, VerifyPassword("hunter3", hash))
	assert.False(t, VerifyPassword("hunter2", "malformed"))

	// Fresh salt every time.
	other, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)
}

func TestRegisterAndLogin(t *testing.T) {
	m := NewManager(NewMemoryStore(), testSecret)
	ctx := context.Background()

	u, err := m.Register(ctx, "alice", "alice@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.True(t, u.Active)
	assert.NotEmpty(t, u.ID)

	_, err = m.Register(ctx, "alice", "other@example.com", "x")
	assert.ErrorIs(t, err, ErrUserExists)

	token, logged, err := m.Login(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, u.ID, logged.ID)
	assert.NotEmpty(t, token)

	_, _, err = m.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = m.Login(ctx, "bob", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticate(t *testing.T) {
	m := NewManager(NewMemoryStore(), testSecret)
	ctx := context.Background()

	u, err := m.Register(ctx, "alice", "alice@example.com", "hunter2")
	require.NoError(t, err)
	token, _, err := m.Login(ctx, "alice", "hunter2")
	require.NoError(t, err)

	got, err := m.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = m.Authenticate(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidSession)

	// A token signed with a different secret is rejected.
	other := NewManager(NewMemoryStore(), "ffffffffffffffffffffffffffffffff")
	_, err = other.Authenticate(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}
