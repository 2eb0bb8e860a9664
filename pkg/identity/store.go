package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// UserStoreOptions contains configuration options for the user store
type UserStoreOptions struct {
	// AutoFlush controls whether every mutating operation commits and clears
	// the unit of work before returning. With AutoFlush off, writes accumulate
	// until the caller invokes Flush explicitly, letting several store calls
	// share one transaction. Fixed at construction time.
	AutoFlush bool
}

// DefaultUserStoreOptions returns the default store options
func DefaultUserStoreOptions() UserStoreOptions {
	return UserStoreOptions{
		AutoFlush: true,
	}
}

// UserStore provides unit-of-work-scoped CRUD and query operations over
// users, claims, external logins, and per-provider tokens.
//
// A UserStore instance is single-writer and not safe for concurrent use;
// concurrent requests must each obtain their own instance bound to its own
// unit of work, typically one per logical request.
type UserStore struct {
	repo    IdentityRepository
	options UserStoreOptions

	// Open unit of work, nil when none. Begun lazily by the first write and
	// torn down on flush, clear, or close.
	tx IdentityTx

	// First-level cache of users fetched by id, emptied on every flush/clear
	// so later reads re-fetch fresh state.
	tracked map[string]User

	closed bool
}

// NewUserStore creates a user store with default options
func NewUserStore(repo IdentityRepository) *UserStore {
	return NewUserStoreWithOptions(repo, DefaultUserStoreOptions())
}

// NewUserStoreWithOptions creates a user store with custom options
func NewUserStoreWithOptions(repo IdentityRepository, options UserStoreOptions) *UserStore {
	return &UserStore{
		repo:    repo,
		options: options,
		tracked: make(map[string]User),
	}
}

// guard rejects calls after teardown and honors cancellation before any I/O
func (s *UserStore) guard(ctx context.Context) error {
	if s.closed {
		return ErrStoreClosed
	}
	return ctx.Err()
}

// reader returns the repository view reads should go through: the open unit
// of work when one exists, so operations observe their own prior writes.
func (s *UserStore) reader() IdentityRepository {
	if s.tx != nil {
		return s.tx
	}
	return s.repo
}

// writer returns the open unit of work, beginning one if necessary
func (s *UserStore) writer(ctx context.Context) (IdentityRepository, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// flushChanges applies the auto-flush policy after a mutating operation
func (s *UserStore) flushChanges(ctx context.Context) error {
	if !s.options.AutoFlush {
		return nil
	}
	return s.Flush(ctx)
}

// discard rolls back the open unit of work after an engine failure so a
// partial batch is never left committed
func (s *UserStore) discard(ctx context.Context) {
	clear(s.tracked)
	if s.tx == nil {
		return
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		slog.Error("Failed to roll back unit of work", "err", err)
	}
}

// Flush commits the pending writes of the unit of work to the backing engine
// and detaches all tracked entities, so subsequent reads hit the engine
// fresh. Callers running with AutoFlush off use this to end a batch.
func (s *UserStore) Flush(ctx context.Context) error {
	if s.closed {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	clear(s.tracked)
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("flush unit of work: %w", err)
	}
	return nil
}

// Clear rolls back any pending writes and detaches all tracked entities
func (s *UserStore) Clear(ctx context.Context) error {
	if s.closed {
		return ErrStoreClosed
	}
	clear(s.tracked)
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(ctx); err != nil {
		return fmt.Errorf("clear unit of work: %w", err)
	}
	return nil
}

// Close tears down the store. Any pending writes are rolled back; every
// operation invoked afterwards fails fast with ErrStoreClosed.
func (s *UserStore) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	clear(s.tracked)
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	return tx.Rollback(context.Background())
}

// CreateUser persists a new user and flushes
func (s *UserStore) CreateUser(ctx context.Context, user *User) (Result, error) {
	if err := s.guard(ctx); err != nil {
		return Result{}, err
	}
	if user == nil {
		return Result{}, ErrNilUser
	}
	repo, err := s.writer(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := repo.InsertUser(ctx, *user); err != nil {
		s.discard(ctx)
		return Result{}, fmt.Errorf("insert user %s: %w", user.ID, err)
	}
	s.tracked[user.ID] = *user
	if err := s.flushChanges(ctx); err != nil {
		return Result{}, err
	}
	return Success(), nil
}

// UpdateUser merges the user's current state into the persisted record and
// flushes. Updating an id that was never created is a domain failure carried
// in the result, not an error.
func (s *UserStore) UpdateUser(ctx context.Context, user *User) (Result, error) {
	if err := s.guard(ctx); err != nil {
		return Result{}, err
	}
	if user == nil {
		return Result{}, ErrNilUser
	}
	exists, err := s.reader().UserExists(ctx, user.ID)
	if err != nil {
		return Result{}, fmt.Errorf("check user %s: %w", user.ID, err)
	}
	if !exists {
		return Failed(UserNotExistError(user.ID)), nil
	}
	repo, err := s.writer(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := repo.UpdateUser(ctx, *user); err != nil {
		s.discard(ctx)
		return Result{}, fmt.Errorf("update user %s: %w", user.ID, err)
	}
	s.tracked[user.ID] = *user
	if err := s.flushChanges(ctx); err != nil {
		return Result{}, err
	}
	return Success(), nil
}

// DeleteUser deletes the user and flushes. Dependent claim, login, and token
// rows are cascaded by the backing engine.
func (s *UserStore) DeleteUser(ctx context.Context, user *User) (Result, error) {
	if err := s.guard(ctx); err != nil {
		return Result{}, err
	}
	if user == nil {
		return Result{}, ErrNilUser
	}
	repo, err := s.writer(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := repo.DeleteUser(ctx, user.ID); err != nil {
		s.discard(ctx)
		return Result{}, fmt.Errorf("delete user %s: %w", user.ID, err)
	}
	delete(s.tracked, user.ID)
	if err := s.flushChanges(ctx); err != nil {
		return Result{}, err
	}
	return Success(), nil
}

// FindUserByID returns the user with the given id, or nil when absent.
// Read-only; never flushes.
func (s *UserStore) FindUserByID(ctx context.Context, id string) (*User, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	if tracked, ok := s.tracked[id]; ok {
		user := tracked
		return &user, nil
	}
	user, err := s.reader().GetUserByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", id, err)
	}
	s.tracked[id] = user
	return &user, nil
}

// FindUserByName returns the user with the given normalized user name, or
// nil when absent
func (s *UserStore) FindUserByName(ctx context.Context, normalizedUserName string) (*User, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	user, err := s.reader().GetUserByName(ctx, normalizedUserName)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by name %s: %w", normalizedUserName, err)
	}
	return &user, nil
}

// FindUserByEmail returns the user with the given normalized email, or nil
// when absent
func (s *UserStore) FindUserByEmail(ctx context.Context, normalizedEmail string) (*User, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	user, err := s.reader().GetUserByEmail(ctx, normalizedEmail)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by email %s: %w", normalizedEmail, err)
	}
	return &user, nil
}

// GetClaims returns all claims for the user projected into (type, value)
// pairs. Read-only; never flushes.
func (s *UserStore) GetClaims(ctx context.Context, user *User) ([]Claim, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNilUser
	}
	rows, err := s.reader().ListUserClaims(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list claims for user %s: %w", user.ID, err)
	}
	claims := make([]Claim, len(rows))
	for i, row := range rows {
		claims[i] = row.ToClaim()
	}
	return claims, nil
}

// AddClaims creates a claim row per input claim bound to the user, then
// flushes once for the whole batch. A failure mid-batch rolls back the
// entire unit of work, never leaving a prefix committed.
func (s *UserStore) AddClaims(ctx context.Context, user *User, claims []Claim) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if user == nil {
		return ErrNilUser
	}
	if claims == nil {
		return ErrNilClaims
	}
	repo, err := s.writer(ctx)
	if err != nil {
		return err
	}
	for _, claim := range claims {
		if _, err := repo.InsertUserClaim(ctx, NewUserClaim(user, claim)); err != nil {
			s.discard(ctx)
			return fmt.Errorf("insert claim %s for user %s: %w", claim.Type, user.ID, err)
		}
	}
	return s.flushChanges(ctx)
}

// ReplaceClaim rewrites every claim row for the user matching the old
// claim's (type, value) to the new claim's (type, value), then flushes once.
// Zero matching rows is a silent no-op.
func (s *UserStore) ReplaceClaim(ctx context.Context, user *User, claim, newClaim Claim) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if user == nil {
		return ErrNilUser
	}
	matched, err := s.reader().FindUserClaims(ctx, user.ID, claim.Type, claim.Value)
	if err != nil {
		return fmt.Errorf("find claims %s for user %s: %w", claim.Type, user.ID, err)
	}
	for _, row := range matched {
		repo, err := s.writer(ctx)
		if err != nil {
			return err
		}
		row.ClaimType = newClaim.Type
		row.ClaimValue = newClaim.Value
		if err := repo.UpdateUserClaim(ctx, row); err != nil {
			s.discard(ctx)
			return fmt.Errorf("update claim %d for user %s: %w", row.ID, user.ID, err)
		}
	}
	return s.flushChanges(ctx)
}

// RemoveClaims deletes, for each input claim, every claim row for the user
// matching its (type, value) — duplicates included — then flushes once for
// the whole batch
func (s *UserStore) RemoveClaims(ctx context.Context, user *User, claims []Claim) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if user == nil {
		return ErrNilUser
	}
	if claims == nil {
		return ErrNilClaims
	}
	for _, claim := range claims {
		matched, err := s.reader().FindUserClaims(ctx, user.ID, claim.Type, claim.Value)
		if err != nil {
			return fmt.Errorf("find claims %s for user %s: %w", claim.Type, user.ID, err)
		}
		for _, row := range matched {
			repo, err := s.writer(ctx)
			if err != nil {
				return err
			}
			if err := repo.DeleteUserClaim(ctx, row.ID); err != nil {
				s.discard(ctx)
				return fmt.Errorf("delete claim %d for user %s: %w", row.ID, user.ID, err)
			}
		}
	}
	return s.flushChanges(ctx)
}

// GetUsersForClaim returns every user holding a claim matching the given
// (type, value), independent of any single user context
func (s *UserStore) GetUsersForClaim(ctx context.Context, claim Claim) ([]User, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	users, err := s.reader().ListUsersForClaim(ctx, claim.Type, claim.Value)
	if err != nil {
		return nil, fmt.Errorf("list users for claim %s: %w", claim.Type, err)
	}
	return users, nil
}

// AddLogin binds an external login to the user and flushes
func (s *UserStore) AddLogin(ctx context.Context, user *User, login *LoginInfo) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if user == nil {
		return ErrNilUser
	}
	if login == nil {
		return ErrNilLogin
	}
	repo, err := s.writer(ctx)
	if err != nil {
		return err
	}
	if err := repo.InsertUserLogin(ctx, NewUserLogin(user, login)); err != nil {
		s.discard(ctx)
		return fmt.Errorf("insert login %s for user %s: %w", login.LoginProvider, user.ID, err)
	}
	return s.flushChanges(ctx)
}

// RemoveLogin deletes the user's login for the given provider and key.
// Missing logins are a no-op.
//
// Unlike the other mutating operations, RemoveLogin does not flush: the
// deletion stays pending in the unit of work until the caller's next
// flushing operation or an explicit Flush.
func (s *UserStore) RemoveLogin(ctx context.Context, user *User, loginProvider, providerKey string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if user == nil {
		return ErrNilUser
	}
	login, err := s.reader().GetUserLogin(ctx, user.ID, loginProvider, providerKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find login %s for user %s: %w", loginProvider, user.ID, err)
	}
	repo, err := s.writer(ctx)
	if err != nil {
		return err
	}
	if err := repo.DeleteUserLogin(ctx, login.UserID, login.LoginProvider, login.ProviderKey); err != nil {
		s.discard(ctx)
		return fmt.Errorf("delete login %s for user %s: %w", loginProvider, user.ID, err)
	}
	return nil
}

// GetLogins returns all logins for the user projected into (provider, key,
// displayName) triples
func (s *UserStore) GetLogins(ctx context.Context, user *User) ([]LoginInfo, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNilUser
	}
	rows, err := s.reader().ListUserLogins(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list logins for user %s: %w", user.ID, err)
	}
	logins := make([]LoginInfo, len(rows))
	for i, row := range rows {
		logins[i] = row.ToLoginInfo()
	}
	return logins, nil
}

// FindLogin resolves an external identity across all users, answering
// whether the (provider, key) pair already belongs to someone. Returns nil
// when absent.
func (s *UserStore) FindLogin(ctx context.Context, loginProvider, providerKey string) (*UserLogin, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	login, err := s.reader().FindUserLogin(ctx, loginProvider, providerKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find login %s: %w", loginProvider, err)
	}
	return &login, nil
}

// FindLoginForUser resolves an external identity scoped to one user.
// Returns nil when absent.
func (s *UserStore) FindLoginForUser(ctx context.Context, user *User, loginProvider, providerKey string) (*UserLogin, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNilUser
	}
	login, err := s.reader().GetUserLogin(ctx, user.ID, loginProvider, providerKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find login %s for user %s: %w", loginProvider, user.ID, err)
	}
	return &login, nil
}

// FindToken returns the user's token for the given provider and name, or
// nil when absent
func (s *UserStore) FindToken(ctx context.Context, user *User, loginProvider, name string) (*UserToken, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNilUser
	}
	token, err := s.reader().GetUserToken(ctx, user.ID, loginProvider, name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find token %s for user %s: %w", name, user.ID, err)
	}
	return &token, nil
}

// AddToken persists a token row and flushes
func (s *UserStore) AddToken(ctx context.Context, token *UserToken) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if token == nil {
		return ErrNilToken
	}
	repo, err := s.writer(ctx)
	if err != nil {
		return err
	}
	if err := repo.InsertUserToken(ctx, *token); err != nil {
		s.discard(ctx)
		return fmt.Errorf("insert token %s for user %s: %w", token.Name, token.UserID, err)
	}
	return s.flushChanges(ctx)
}

// RemoveToken deletes the token row keyed by the token's (user, provider,
// name) triple and flushes
func (s *UserStore) RemoveToken(ctx context.Context, token *UserToken) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if token == nil {
		return ErrNilToken
	}
	repo, err := s.writer(ctx)
	if err != nil {
		return err
	}
	if err := repo.DeleteUserToken(ctx, token.UserID, token.LoginProvider, token.Name); err != nil {
		s.discard(ctx)
		return fmt.Errorf("delete token %s for user %s: %w", token.Name, token.UserID, err)
	}
	return s.flushChanges(ctx)
}
