package userstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUser(id, username string) *User {
	return &User{
		ID:          id,
		Username:    username,
		Email:       username + "@example.com",
		Roles:       []string{"user"},
		Permissions: []string{"read"},
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.True(t, VerifyPassword(hash, "correct horse battery staple"))
	assert.False(t, VerifyPassword(hash, "wrong password"))
	assert.False(t, VerifyPassword("not-a-hash", "anything"))
}

func TestMemoryStore_Lookups(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Add(testUser("u1", "alice")))

	byID, err := s.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)

	byName, err := s.GetByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, "u1", byName.ID)

	byEmail, err := s.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.ID)

	_, err = s.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = s.GetByUsername(ctx, "bob")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = s.GetByEmail(ctx, "bob@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryStore_AddRejectsDuplicates(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.Add(testUser("u1", "alice")))
	assert.ErrorIs(t, s.Add(testUser("u1", "other")), ErrUserExists)
	assert.ErrorIs(t, s.Add(testUser("u2", "Alice")), ErrUserExists)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Add(testUser("u1", "alice")))

	user, err := s.GetByID(ctx, "u1")
	require.NoError(t, err)
	user.Roles[0] = "admin"

	again, err := s.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"user"}, again.Roles)
}

func TestMemoryStore_UpdateLastLogin(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Add(testUser("u1", "alice")))

	now := time.Now()
	require.NoError(t, s.UpdateLastLogin(ctx, "u1", now))

	user, err := s.GetByID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, user.LastLoginAt)
	assert.WithinDuration(t, now, *user.LastLoginAt, time.Millisecond)

	assert.ErrorIs(t, s.UpdateLastLogin(ctx, "missing", now), ErrUserNotFound)
}
