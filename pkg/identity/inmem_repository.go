package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jinzhu/copier"
)

// ErrTxDone is returned when committing an already-finished in-memory transaction
var ErrTxDone = errors.New("transaction already finished")

type loginKey struct {
	Provider string
	Key      string
}

type tokenKey struct {
	UserID   string
	Provider string
	Name     string
}

// memState holds the whole in-memory data set. Fields are exported so the
// deep copier can reach them when snapshotting for a transaction.
type memState struct {
	Users       map[string]User
	Claims      map[int64]UserClaim
	Logins      map[loginKey]UserLogin
	Tokens      map[tokenKey]UserToken
	NextClaimID int64
}

func newMemState() *memState {
	return &memState{
		Users:       make(map[string]User),
		Claims:      make(map[int64]UserClaim),
		Logins:      make(map[loginKey]UserLogin),
		Tokens:      make(map[tokenKey]UserToken),
		NextClaimID: 1,
	}
}

func (st *memState) clone() (*memState, error) {
	out := newMemState()
	if err := copier.CopyWithOption(out, st, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("failed to snapshot state: %w", err)
	}
	// Copier leaves nil maps nil; keep writes safe on a fresh snapshot
	if out.Users == nil {
		out.Users = make(map[string]User)
	}
	if out.Claims == nil {
		out.Claims = make(map[int64]UserClaim)
	}
	if out.Logins == nil {
		out.Logins = make(map[loginKey]UserLogin)
	}
	if out.Tokens == nil {
		out.Tokens = make(map[tokenKey]UserToken)
	}
	return out, nil
}

func (st *memState) insertUser(user User) error {
	if _, ok := st.Users[user.ID]; ok {
		return fmt.Errorf("user already exists: %s", user.ID)
	}
	st.Users[user.ID] = user
	return nil
}

func (st *memState) updateUser(user User) error {
	if _, ok := st.Users[user.ID]; !ok {
		// Mirrors an UPDATE matching zero rows: not an engine failure
		return nil
	}
	st.Users[user.ID] = user
	return nil
}

func (st *memState) deleteUser(id string) error {
	delete(st.Users, id)
	// Cascade like the schema's ON DELETE CASCADE
	for claimID, claim := range st.Claims {
		if claim.UserID == id {
			delete(st.Claims, claimID)
		}
	}
	for key, login := range st.Logins {
		if login.UserID == id {
			delete(st.Logins, key)
		}
	}
	for key, token := range st.Tokens {
		if token.UserID == id {
			delete(st.Tokens, key)
		}
	}
	return nil
}

func (st *memState) getUserByID(id string) (User, error) {
	user, ok := st.Users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (st *memState) getUserByName(normalizedUserName string) (User, error) {
	for _, user := range st.Users {
		if user.NormalizedUserName == normalizedUserName {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (st *memState) getUserByEmail(normalizedEmail string) (User, error) {
	for _, user := range st.Users {
		if user.NormalizedEmail == normalizedEmail {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (st *memState) insertUserClaim(claim UserClaim) (UserClaim, error) {
	claim.ID = st.NextClaimID
	st.NextClaimID++
	st.Claims[claim.ID] = claim
	return claim, nil
}

func (st *memState) updateUserClaim(claim UserClaim) error {
	if _, ok := st.Claims[claim.ID]; !ok {
		return nil
	}
	st.Claims[claim.ID] = claim
	return nil
}

func (st *memState) deleteUserClaim(id int64) error {
	delete(st.Claims, id)
	return nil
}

func (st *memState) listUserClaims(userID string) ([]UserClaim, error) {
	var claims []UserClaim
	for _, claim := range st.Claims {
		if claim.UserID == userID {
			claims = append(claims, claim)
		}
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].ID < claims[j].ID })
	return claims, nil
}

func (st *memState) findUserClaims(userID, claimType, claimValue string) ([]UserClaim, error) {
	var claims []UserClaim
	for _, claim := range st.Claims {
		if claim.UserID == userID && claim.ClaimType == claimType && claim.ClaimValue == claimValue {
			claims = append(claims, claim)
		}
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].ID < claims[j].ID })
	return claims, nil
}

func (st *memState) listUsersForClaim(claimType, claimValue string) ([]User, error) {
	seen := make(map[string]bool)
	var users []User
	for _, claim := range st.Claims {
		if claim.ClaimType != claimType || claim.ClaimValue != claimValue || seen[claim.UserID] {
			continue
		}
		seen[claim.UserID] = true
		if user, ok := st.Users[claim.UserID]; ok {
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (st *memState) insertUserLogin(login UserLogin) error {
	key := loginKey{Provider: login.LoginProvider, Key: login.ProviderKey}
	if _, ok := st.Logins[key]; ok {
		return fmt.Errorf("login already exists: %s/%s", login.LoginProvider, login.ProviderKey)
	}
	st.Logins[key] = login
	return nil
}

func (st *memState) deleteUserLogin(userID, loginProvider, providerKey string) error {
	key := loginKey{Provider: loginProvider, Key: providerKey}
	if login, ok := st.Logins[key]; ok && login.UserID == userID {
		delete(st.Logins, key)
	}
	return nil
}

func (st *memState) listUserLogins(userID string) ([]UserLogin, error) {
	var logins []UserLogin
	for _, login := range st.Logins {
		if login.UserID == userID {
			logins = append(logins, login)
		}
	}
	sort.Slice(logins, func(i, j int) bool {
		if logins[i].LoginProvider != logins[j].LoginProvider {
			return logins[i].LoginProvider < logins[j].LoginProvider
		}
		return logins[i].ProviderKey < logins[j].ProviderKey
	})
	return logins, nil
}

func (st *memState) getUserLogin(userID, loginProvider, providerKey string) (UserLogin, error) {
	login, ok := st.Logins[loginKey{Provider: loginProvider, Key: providerKey}]
	if !ok || login.UserID != userID {
		return UserLogin{}, ErrNotFound
	}
	return login, nil
}

func (st *memState) findUserLogin(loginProvider, providerKey string) (UserLogin, error) {
	login, ok := st.Logins[loginKey{Provider: loginProvider, Key: providerKey}]
	if !ok {
		return UserLogin{}, ErrNotFound
	}
	return login, nil
}

func (st *memState) insertUserToken(token UserToken) error {
	key := tokenKey{UserID: token.UserID, Provider: token.LoginProvider, Name: token.Name}
	if _, ok := st.Tokens[key]; ok {
		return fmt.Errorf("token already exists: %s/%s/%s", token.UserID, token.LoginProvider, token.Name)
	}
	st.Tokens[key] = token
	return nil
}

func (st *memState) deleteUserToken(userID, loginProvider, name string) error {
	delete(st.Tokens, tokenKey{UserID: userID, Provider: loginProvider, Name: name})
	return nil
}

func (st *memState) getUserToken(userID, loginProvider, name string) (UserToken, error) {
	token, ok := st.Tokens[tokenKey{UserID: userID, Provider: loginProvider, Name: name}]
	if !ok {
		return UserToken{}, ErrNotFound
	}
	return token, nil
}

// InMemoryIdentityRepository implements IdentityRepository using in-memory
// storage. Used by unit tests and local demos.
type InMemoryIdentityRepository struct {
	mu    sync.RWMutex
	state *memState
}

// NewInMemoryIdentityRepository creates a new in-memory identity repository
func NewInMemoryIdentityRepository() *InMemoryIdentityRepository {
	return &InMemoryIdentityRepository{
		state: newMemState(),
	}
}

func (r *InMemoryIdentityRepository) write(fn func(*memState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.state)
}

func (r *InMemoryIdentityRepository) InsertUser(ctx context.Context, user User) error {
	return r.write(func(st *memState) error { return st.insertUser(user) })
}

func (r *InMemoryIdentityRepository) UpdateUser(ctx context.Context, user User) error {
	return r.write(func(st *memState) error { return st.updateUser(user) })
}

func (r *InMemoryIdentityRepository) DeleteUser(ctx context.Context, id string) error {
	return r.write(func(st *memState) error { return st.deleteUser(id) })
}

func (r *InMemoryIdentityRepository) UserExists(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.state.Users[id]
	return ok, nil
}

func (r *InMemoryIdentityRepository) GetUserByID(ctx context.Context, id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getUserByID(id)
}

func (r *InMemoryIdentityRepository) GetUserByName(ctx context.Context, normalizedUserName string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getUserByName(normalizedUserName)
}

func (r *InMemoryIdentityRepository) GetUserByEmail(ctx context.Context, normalizedEmail string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getUserByEmail(normalizedEmail)
}

func (r *InMemoryIdentityRepository) InsertUserClaim(ctx context.Context, claim UserClaim) (UserClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.insertUserClaim(claim)
}

func (r *InMemoryIdentityRepository) UpdateUserClaim(ctx context.Context, claim UserClaim) error {
	return r.write(func(st *memState) error { return st.updateUserClaim(claim) })
}

func (r *InMemoryIdentityRepository) DeleteUserClaim(ctx context.Context, id int64) error {
	return r.write(func(st *memState) error { return st.deleteUserClaim(id) })
}

func (r *InMemoryIdentityRepository) ListUserClaims(ctx context.Context, userID string) ([]UserClaim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.listUserClaims(userID)
}

func (r *InMemoryIdentityRepository) FindUserClaims(ctx context.Context, userID, claimType, claimValue string) ([]UserClaim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.findUserClaims(userID, claimType, claimValue)
}

func (r *InMemoryIdentityRepository) ListUsersForClaim(ctx context.Context, claimType, claimValue string) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.listUsersForClaim(claimType, claimValue)
}

func (r *InMemoryIdentityRepository) InsertUserLogin(ctx context.Context, login UserLogin) error {
	return r.write(func(st *memState) error { return st.insertUserLogin(login) })
}

func (r *InMemoryIdentityRepository) DeleteUserLogin(ctx context.Context, userID, loginProvider, providerKey string) error {
	return r.write(func(st *memState) error { return st.deleteUserLogin(userID, loginProvider, providerKey) })
}

func (r *InMemoryIdentityRepository) ListUserLogins(ctx context.Context, userID string) ([]UserLogin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.listUserLogins(userID)
}

func (r *InMemoryIdentityRepository) GetUserLogin(ctx context.Context, userID, loginProvider, providerKey string) (UserLogin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getUserLogin(userID, loginProvider, providerKey)
}

func (r *InMemoryIdentityRepository) FindUserLogin(ctx context.Context, loginProvider, providerKey string) (UserLogin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.findUserLogin(loginProvider, providerKey)
}

func (r *InMemoryIdentityRepository) InsertUserToken(ctx context.Context, token UserToken) error {
	return r.write(func(st *memState) error { return st.insertUserToken(token) })
}

func (r *InMemoryIdentityRepository) DeleteUserToken(ctx context.Context, userID, loginProvider, name string) error {
	return r.write(func(st *memState) error { return st.deleteUserToken(userID, loginProvider, name) })
}

func (r *InMemoryIdentityRepository) GetUserToken(ctx context.Context, userID, loginProvider, name string) (UserToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getUserToken(userID, loginProvider, name)
}

// BeginTx snapshots the current state; the transaction works on the copy and
// Commit swaps it back in, so uncommitted writes are never visible outside
// the transaction
func (r *InMemoryIdentityRepository) BeginTx(ctx context.Context) (IdentityTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	snapshot, err := r.state.clone()
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return &inMemoryTx{parent: r, state: snapshot}, nil
}

func (r *InMemoryIdentityRepository) swapState(st *memState) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
}

type stateSwapper interface {
	swapState(*memState)
}

// inMemoryTx is a snapshot-scoped repository view. It is single-writer, like
// the unit of work it backs, and takes no locks of its own.
type inMemoryTx struct {
	parent stateSwapper
	state  *memState
	done   bool
}

func (t *inMemoryTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.parent.swapState(t.state)
	return nil
}

func (t *inMemoryTx) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}

func (t *inMemoryTx) swapState(st *memState) {
	t.state = st
}

func (t *inMemoryTx) BeginTx(ctx context.Context) (IdentityTx, error) {
	snapshot, err := t.state.clone()
	if err != nil {
		return nil, err
	}
	return &inMemoryTx{parent: t, state: snapshot}, nil
}

func (t *inMemoryTx) InsertUser(ctx context.Context, user User) error {
	return t.state.insertUser(user)
}

func (t *inMemoryTx) UpdateUser(ctx context.Context, user User) error {
	return t.state.updateUser(user)
}

func (t *inMemoryTx) DeleteUser(ctx context.Context, id string) error {
	return t.state.deleteUser(id)
}

func (t *inMemoryTx) UserExists(ctx context.Context, id string) (bool, error) {
	_, ok := t.state.Users[id]
	return ok, nil
}

func (t *inMemoryTx) GetUserByID(ctx context.Context, id string) (User, error) {
	return t.state.getUserByID(id)
}

func (t *inMemoryTx) GetUserByName(ctx context.Context, normalizedUserName string) (User, error) {
	return t.state.getUserByName(normalizedUserName)
}

func (t *inMemoryTx) GetUserByEmail(ctx context.Context, normalizedEmail string) (User, error) {
	return t.state.getUserByEmail(normalizedEmail)
}

func (t *inMemoryTx) InsertUserClaim(ctx context.Context, claim UserClaim) (UserClaim, error) {
	return t.state.insertUserClaim(claim)
}

func (t *inMemoryTx) UpdateUserClaim(ctx context.Context, claim UserClaim) error {
	return t.state.updateUserClaim(claim)
}

func (t *inMemoryTx) DeleteUserClaim(ctx context.Context, id int64) error {
	return t.state.deleteUserClaim(id)
}

func (t *inMemoryTx) ListUserClaims(ctx context.Context, userID string) ([]UserClaim, error) {
	return t.state.listUserClaims(userID)
}

func (t *inMemoryTx) FindUserClaims(ctx context.Context, userID, claimType, claimValue string) ([]UserClaim, error) {
	return t.state.findUserClaims(userID, claimType, claimValue)
}

func (t *inMemoryTx) ListUsersForClaim(ctx context.Context, claimType, claimValue string) ([]User, error) {
	return t.state.listUsersForClaim(claimType, claimValue)
}

func (t *inMemoryTx) InsertUserLogin(ctx context.Context, login UserLogin) error {
	return t.state.insertUserLogin(login)
}

func (t *inMemoryTx) DeleteUserLogin(ctx context.Context, userID, loginProvider, providerKey string) error {
	return t.state.deleteUserLogin(userID, loginProvider, providerKey)
}

func (t *inMemoryTx) ListUserLogins(ctx context.Context, userID string) ([]UserLogin, error) {
	return t.state.listUserLogins(userID)
}

func (t *inMemoryTx) GetUserLogin(ctx context.Context, userID, loginProvider, providerKey string) (UserLogin, error) {
	return t.state.getUserLogin(userID, loginProvider, providerKey)
}

func (t *inMemoryTx) FindUserLogin(ctx context.Context, loginProvider, providerKey string) (UserLogin, error) {
	return t.state.findUserLogin(loginProvider, providerKey)
}

func (t *inMemoryTx) InsertUserToken(ctx context.Context, token UserToken) error {
	return t.state.insertUserToken(token)
}

func (t *inMemoryTx) DeleteUserToken(ctx context.Context, userID, loginProvider, name string) error {
	return t.state.deleteUserToken(userID, loginProvider, name)
}

func (t *inMemoryTx) GetUserToken(ctx context.Context, userID, loginProvider, name string) (UserToken, error) {
	return t.state.getUserToken(userID, loginProvider, name)
}
