package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeUser(id, normalizedName, normalizedEmail string) *User {
	return &User{
		ID:                 id,
		UserName:           normalizedName,
		NormalizedUserName: normalizedName,
		Email:              normalizedEmail,
		NormalizedEmail:    normalizedEmail,
		SecurityStamp:      "stamp-" + id,
	}
}

func mustCreate(t *testing.T, store *UserStore, user *User) {
	t.Helper()
	result, err := store.CreateUser(context.Background(), user)
	require.NoError(t, err)
	require.True(t, result.Succeeded)
}

func TestCreateAndFindUser(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	user := makeUser("u1", "ALICE", "ALICE@EXAMPLE.COM")
	user.EmailConfirmed = true
	mustCreate(t, store, user)

	byID, err := store.FindUserByID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, *user, *byID)

	byName, err := store.FindUserByName(ctx, "ALICE")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, "u1", byName.ID)

	byEmail, err := store.FindUserByEmail(ctx, "ALICE@EXAMPLE.COM")
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	assert.Equal(t, "u1", byEmail.ID)
}

func TestFindUserAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	user, err := store.FindUserByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, user)

	user, err = store.FindUserByName(ctx, "MISSING")
	require.NoError(t, err)
	assert.Nil(t, user)

	user, err = store.FindUserByEmail(ctx, "MISSING@EXAMPLE.COM")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestCreateUserNilArgument(t *testing.T) {
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	_, err := store.CreateUser(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilUser)
}

func TestUpdateUser(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	user := makeUser("u1", "ALICE", "ALICE@EXAMPLE.COM")
	mustCreate(t, store, user)

	user.Email = "alice@other.example"
	user.NormalizedEmail = "ALICE@OTHER.EXAMPLE"
	user.AccessFailedCount = 2
	result, err := store.UpdateUser(ctx, user)
	require.NoError(t, err)
	assert.True(t, result.Succeeded)

	found, err := store.FindUserByID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "ALICE@OTHER.EXAMPLE", found.NormalizedEmail)
	assert.Equal(t, int32(2), found.AccessFailedCount)
}

func TestUpdateUserNotExist(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	result, err := store.UpdateUser(ctx, makeUser("ghost", "GHOST", ""))
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, CodeUserNotExist, result.Errors[0].Code)

	// The failed update must not have written anything
	found, err := store.FindUserByID(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestDeleteUser(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)

	byName, err := store.FindUserByName(ctx, "ALICE")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, "u1", byName.ID)

	result, err := store.DeleteUser(ctx, user)
	require.NoError(t, err)
	assert.True(t, result.Succeeded)

	found, err := store.FindUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestAddAndGetClaims(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)

	c1 := Claim{Type: "role", Value: "admin"}
	c2 := Claim{Type: "scope", Value: "read"}
	require.NoError(t, store.AddClaims(ctx, user, []Claim{c1, c2}))

	claims, err := store.GetClaims(ctx, user)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Claim{c1, c2}, claims)
}

func TestAddClaimsNilArguments(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)

	assert.ErrorIs(t, store.AddClaims(ctx, nil, []Claim{{Type: "role", Value: "admin"}}), ErrNilUser)
	assert.ErrorIs(t, store.AddClaims(ctx, user, nil), ErrNilClaims)
}

func TestReplaceClaim(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)

	old := Claim{Type: "role", Value: "admin"}
	require.NoError(t, store.AddClaims(ctx, user, []Claim{old}))

	replacement := Claim{Type: "role", Value: "auditor"}
	require.NoError(t, store.ReplaceClaim(ctx, user, old, replacement))

	claims, err := store.GetClaims(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []Claim{replacement}, claims)
}

func TestReplaceClaimNoMatchIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)

	existing := Claim{Type: "role", Value: "admin"}
	require.NoError(t, store.AddClaims(ctx, user, []Claim{existing}))

	err := store.ReplaceClaim(ctx, user,
		Claim{Type: "role", Value: "missing"},
		Claim{Type: "role", Value: "auditor"})
	require.NoError(t, err)

	claims, err := store.GetClaims(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []Claim{existing}, claims)
}

func TestRemoveClaims(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)

	c1 := Claim{Type: "role", Value: "admin"}
	c2 := Claim{Type: "scope", Value: "read"}
	require.NoError(t, store.AddClaims(ctx, user, []Claim{c1, c2}))

	require.NoError(t, store.RemoveClaims(ctx, user, []Claim{c1}))

	claims, err := store.GetClaims(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []Claim{c2}, claims)
}

func TestRemoveClaimsDeletesDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)

	dup := Claim{Type: "role", Value: "admin"}
	require.NoError(t, store.AddClaims(ctx, user, []Claim{dup, dup}))

	claims, err := store.GetClaims(ctx, user)
	require.NoError(t, err)
	require.Len(t, claims, 2)

	// One call removes every row matching the (type, value) pair
	require.NoError(t, store.RemoveClaims(ctx, user, []Claim{dup}))

	claims, err = store.GetClaims(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestGetUsersForClaim(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	alice := makeUser("u1", "ALICE", "")
	bob := makeUser("u2", "BOB", "")
	carol := makeUser("u3", "CAROL", "")
	mustCreate(t, store, alice)
	mustCreate(t, store, bob)
	mustCreate(t, store, carol)

	// Alice holds the shared claim twice; the lookup is a set, so she must
	// still come back once
	shared := Claim{Type: "role", Value: "admin"}
	require.NoError(t, store.AddClaims(ctx, alice, []Claim{shared, shared}))
	require.NoError(t, store.AddClaims(ctx, bob, []Claim{shared}))
	require.NoError(t, store.AddClaims(ctx, carol, []Claim{{Type: "role", Value: "viewer"}}))

	users, err := store.GetUsersForClaim(ctx, shared)
	require.NoError(t, err)
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	assert.ElementsMatch(t, []string{"u1", "u2"}, ids)

	none, err := store.GetUsersForClaim(ctx, Claim{Type: "role", Value: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAddLoginAndResolve(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)

	info := &LoginInfo{LoginProvider: "google", ProviderKey: "g-123", ProviderDisplayName: "Google"}
	require.NoError(t, store.AddLogin(ctx, user, info))

	logins, err := store.GetLogins(ctx, user)
	require.NoError(t, err)
	require.Len(t, logins, 1)
	assert.Equal(t, *info, logins[0])

	// Global resolution: does this external identity already belong to someone
	login, err := store.FindLogin(ctx, "google", "g-123")
	require.NoError(t, err)
	require.NotNil(t, login)
	assert.Equal(t, "u1", login.UserID)

	scoped, err := store.FindLoginForUser(ctx, user, "google", "g-123")
	require.NoError(t, err)
	require.NotNil(t, scoped)
	assert.Equal(t, "u1", scoped.UserID)

	absent, err := store.FindLogin(ctx, "github", "g-123")
	require.NoError(t, err)
	assert.Nil(t, absent)
}

func TestRemoveLoginDoesNotAutoFlush(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryIdentityRepository()
	store := NewUserStore(repo)
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)
	require.NoError(t, store.AddLogin(ctx, user, &LoginInfo{LoginProvider: "google", ProviderKey: "g-123"}))

	require.NoError(t, store.RemoveLogin(ctx, user, "google", "g-123"))

	// The deletion is still pending in the unit of work: the store itself no
	// longer sees the login, but another scope over the same engine does.
	logins, err := store.GetLogins(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, logins)

	other := NewUserStore(repo)
	defer other.Close()
	outside, err := other.GetLogins(ctx, user)
	require.NoError(t, err)
	assert.Len(t, outside, 1)

	require.NoError(t, store.Flush(ctx))

	outside, err = other.GetLogins(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, outside)
}

func TestRemoveLoginMissingIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)

	assert.NoError(t, store.RemoveLogin(ctx, user, "google", "missing"))
}

func TestTokens(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)

	token := &UserToken{UserID: "u1", LoginProvider: "google", Name: "refresh", Value: "secret"}
	require.NoError(t, store.AddToken(ctx, token))

	found, err := store.FindToken(ctx, user, "google", "refresh")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "secret", found.Value)

	require.NoError(t, store.RemoveToken(ctx, token))

	found, err = store.FindToken(ctx, user, "google", "refresh")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestCancelledCreateUserLeavesNoRow(t *testing.T) {
	repo := NewInMemoryIdentityRepository()
	store := NewUserStore(repo)
	defer store.Close()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.CreateUser(cancelled, makeUser("u1", "ALICE", ""))
	assert.ErrorIs(t, err, context.Canceled)

	found, err := store.FindUserByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestClosedStoreFailsFast(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore(NewInMemoryIdentityRepository())

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)

	require.NoError(t, store.Close())

	_, err := store.CreateUser(ctx, makeUser("u2", "BOB", ""))
	assert.ErrorIs(t, err, ErrStoreClosed)

	_, err = store.FindUserByID(ctx, "u1")
	assert.ErrorIs(t, err, ErrStoreClosed)

	assert.ErrorIs(t, store.AddClaims(ctx, user, []Claim{}), ErrStoreClosed)
	assert.ErrorIs(t, store.Flush(ctx), ErrStoreClosed)

	// Close is idempotent
	assert.NoError(t, store.Close())
}

func TestManualFlushBatchesOneTransaction(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryIdentityRepository()
	store := NewUserStoreWithOptions(repo, UserStoreOptions{AutoFlush: false})
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)
	require.NoError(t, store.AddClaims(ctx, user, []Claim{{Type: "role", Value: "admin"}}))

	// Nothing is visible outside the unit of work before the flush
	outside := NewUserStore(repo)
	defer outside.Close()
	found, err := outside.FindUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, found)

	require.NoError(t, store.Flush(ctx))

	found, err = outside.FindUserByID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "u1", found.ID)

	claims, err := outside.GetClaims(ctx, found)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestWriteYourWritesWithinUnitOfWork(t *testing.T) {
	ctx := context.Background()
	store := NewUserStoreWithOptions(NewInMemoryIdentityRepository(), UserStoreOptions{AutoFlush: false})
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)

	// The existence check behind the update observes the uncommitted create
	user.AccessFailedCount = 5
	result, err := store.UpdateUser(ctx, user)
	require.NoError(t, err)
	assert.True(t, result.Succeeded)

	found, err := store.FindUserByID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int32(5), found.AccessFailedCount)
}

func TestClearDiscardsPendingWrites(t *testing.T) {
	ctx := context.Background()
	store := NewUserStoreWithOptions(NewInMemoryIdentityRepository(), UserStoreOptions{AutoFlush: false})
	defer store.Close()

	mustCreate(t, store, makeUser("u1", "ALICE", ""))
	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Flush(ctx))

	found, err := store.FindUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFailedBatchRollsBackWholeUnitOfWork(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryIdentityRepository()
	store := NewUserStore(repo)
	defer store.Close()

	user := makeUser("u1", "ALICE", "")
	mustCreate(t, store, user)

	login := &LoginInfo{LoginProvider: "google", ProviderKey: "g-123"}
	require.NoError(t, store.AddLogin(ctx, user, login))

	// Duplicate (provider, key) violates the login identity; the engine
	// failure must roll back the unit of work, not leave a prefix
	err := store.AddLogin(ctx, user, login)
	require.Error(t, err)

	logins, err := store.GetLogins(ctx, user)
	require.NoError(t, err)
	assert.Len(t, logins, 1)
}
