// Package identity provides a persistence layer for user identity records:
// users, claims, external logins, and per-provider tokens.
//
// # Overview
//
// The identity package provides:
//   - User CRUD and lookup by id, normalized name, or normalized email
//   - Claim batch add/remove, in-place replace, and cross-user claim queries
//   - External login binding and resolution by (provider, key)
//   - Per-provider token storage keyed by (user, provider, name)
//   - A unit-of-work flush policy with an auto-flush option
//   - Repository pattern for database abstraction
//
// # Basic Usage
//
//	import "github.com/tendant/identity-store/pkg/identity"
//
//	// Create store
//	repo := identity.NewPostgresIdentityRepository(pool)
//	store := identity.NewUserStore(repo)
//	defer store.Close()
//
//	// Create a user
//	user := identity.NewUser("johndoe")
//	user.NormalizedUserName = "JOHNDOE"
//	result, err := store.CreateUser(ctx, user)
//
//	// Attach claims in one batch
//	err = store.AddClaims(ctx, user, []identity.Claim{
//		{Type: "role", Value: "admin"},
//	})
//
// # Unit of Work
//
// Every mutating operation runs inside a unit of work bound to one database
// transaction. With the default AutoFlush option the operation commits and
// clears the tracked scope before returning. With AutoFlush off, writes
// accumulate across calls until Flush is invoked, so several store calls
// share one transaction:
//
//	store := identity.NewUserStoreWithOptions(repo, identity.UserStoreOptions{AutoFlush: false})
//	store.CreateUser(ctx, user)
//	store.AddClaims(ctx, user, claims)
//	err := store.Flush(ctx) // one commit for both calls
//
// A store instance is single-writer: one instance per logical request, each
// bound to its own unit of work.
package identity
