package identity

import "context"

// IdentityRepository defines the backing persistence contract for identity
// records. Every method takes a context and honors cancellation. Absent rows
// are reported with ErrNotFound, never zero-value returns.
//
// Lookups are named, explicit query methods returning concrete result sets;
// no deferred query objects cross this boundary.
type IdentityRepository interface {
	// User operations
	InsertUser(ctx context.Context, user User) error
	UpdateUser(ctx context.Context, user User) error
	DeleteUser(ctx context.Context, id string) error
	UserExists(ctx context.Context, id string) (bool, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByName(ctx context.Context, normalizedUserName string) (User, error)
	GetUserByEmail(ctx context.Context, normalizedEmail string) (User, error)

	// Claim operations. InsertUserClaim returns the row with the surrogate id
	// assigned by the backing engine's sequence.
	InsertUserClaim(ctx context.Context, claim UserClaim) (UserClaim, error)
	UpdateUserClaim(ctx context.Context, claim UserClaim) error
	DeleteUserClaim(ctx context.Context, id int64) error
	ListUserClaims(ctx context.Context, userID string) ([]UserClaim, error)
	FindUserClaims(ctx context.Context, userID, claimType, claimValue string) ([]UserClaim, error)
	ListUsersForClaim(ctx context.Context, claimType, claimValue string) ([]User, error)

	// Login operations
	InsertUserLogin(ctx context.Context, login UserLogin) error
	DeleteUserLogin(ctx context.Context, userID, loginProvider, providerKey string) error
	ListUserLogins(ctx context.Context, userID string) ([]UserLogin, error)
	GetUserLogin(ctx context.Context, userID, loginProvider, providerKey string) (UserLogin, error)
	FindUserLogin(ctx context.Context, loginProvider, providerKey string) (UserLogin, error)

	// Token operations
	InsertUserToken(ctx context.Context, token UserToken) error
	DeleteUserToken(ctx context.Context, userID, loginProvider, name string) error
	GetUserToken(ctx context.Context, userID, loginProvider, name string) (UserToken, error)

	// Transaction support
	BeginTx(ctx context.Context) (IdentityTx, error)
}

// IdentityTx is a unit-of-work scope over the repository. Writes issued
// through it are visible to reads in the same scope and invisible elsewhere
// until Commit; Rollback discards them with no partial state.
type IdentityTx interface {
	IdentityRepository
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
