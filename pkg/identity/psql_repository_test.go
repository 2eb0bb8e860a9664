package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDatabase(t *testing.T) (*pgxpool.Pool, func()) {
	ctx := context.Background()

	dbName := "identity_db"
	dbUser := "identity"
	dbPassword := "pwd"

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithInitScripts(filepath.Join("../../migrations", "identity_db.sql")),
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
	)
	require.NoError(t, err)

	connString, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	poolConfig, err := pgxpool.ParseConfig(connString)
	require.NoError(t, err)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return pool, cleanup
}

func TestPostgresUserRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pool, cleanup := setupTestDatabase(t)
	defer cleanup()

	repo := NewPostgresIdentityRepository(pool)

	lockout := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	user := User{
		ID:                 NewUserID(),
		UserName:           "alice",
		NormalizedUserName: "ALICE",
		Email:              "alice@example.com",
		NormalizedEmail:    "ALICE@EXAMPLE.COM",
		EmailConfirmed:     true,
		PasswordHash:       "hash",
		SecurityStamp:      "stamp",
		ConcurrencyStamp:   "cstamp",
		LockoutEnd:         &lockout,
		LockoutEnabled:     true,
		AccessFailedCount:  1,
	}
	require.NoError(t, repo.InsertUser(ctx, user))

	found, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.NormalizedUserName, found.NormalizedUserName)
	assert.Equal(t, user.NormalizedEmail, found.NormalizedEmail)
	assert.True(t, found.LockoutEnabled)
	require.NotNil(t, found.LockoutEnd)
	assert.WithinDuration(t, lockout, *found.LockoutEnd, time.Second)

	byName, err := repo.GetUserByName(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byName.ID)

	exists, err := repo.UserExists(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, repo.DeleteUser(ctx, user.ID))
	_, err = repo.GetUserByID(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresClaimSequenceAndLookup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pool, cleanup := setupTestDatabase(t)
	defer cleanup()

	repo := NewPostgresIdentityRepository(pool)

	user := User{ID: NewUserID(), NormalizedUserName: "ALICE"}
	require.NoError(t, repo.InsertUser(ctx, user))

	first, err := repo.InsertUserClaim(ctx, UserClaim{UserID: user.ID, ClaimType: "role", ClaimValue: "admin"})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	second, err := repo.InsertUserClaim(ctx, UserClaim{UserID: user.ID, ClaimType: "role", ClaimValue: "admin"})
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	matched, err := repo.FindUserClaims(ctx, user.ID, "role", "admin")
	require.NoError(t, err)
	assert.Len(t, matched, 2)

	users, err := repo.ListUsersForClaim(ctx, "role", "admin")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, user.ID, users[0].ID)

	// Cascade on user delete
	require.NoError(t, repo.DeleteUser(ctx, user.ID))
	matched, err = repo.FindUserClaims(ctx, user.ID, "role", "admin")
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestPostgresStoreUnitOfWork(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pool, cleanup := setupTestDatabase(t)
	defer cleanup()

	repo := NewPostgresIdentityRepository(pool)
	store := NewUserStoreWithOptions(repo, UserStoreOptions{AutoFlush: false})
	defer store.Close()

	user := NewUser("alice")
	user.NormalizedUserName = "ALICE"
	result, err := store.CreateUser(ctx, user)
	require.NoError(t, err)
	require.True(t, result.Succeeded)
	require.NoError(t, store.AddClaims(ctx, user, []Claim{{Type: "role", Value: "admin"}}))

	// Pending writes are invisible to a second scope until the flush
	_, err = repo.GetUserByID(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Flush(ctx))

	committed, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "ALICE", committed.NormalizedUserName)

	claims, err := repo.ListUserClaims(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}
