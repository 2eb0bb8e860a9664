package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is an interface that allows us to use either a connection pool or a
// transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresIdentityRepository implements IdentityRepository using PostgreSQL
type PostgresIdentityRepository struct {
	db   DBTX
	pool *pgxpool.Pool
}

// NewPostgresIdentityRepository creates a new PostgreSQL identity repository
// backed by the given connection pool
func NewPostgresIdentityRepository(pool *pgxpool.Pool) *PostgresIdentityRepository {
	return &PostgresIdentityRepository{
		db:   pool,
		pool: pool,
	}
}

const userColumns = `id, user_name, normalized_user_name, email, normalized_email, email_confirmed,
	password_hash, security_stamp, concurrency_stamp, phone_number, phone_number_confirmed,
	two_factor_enabled, lockout_end, lockout_enabled, access_failed_count`

type userRow interface {
	Scan(dest ...interface{}) error
}

func scanUser(row userRow) (User, error) {
	var user User
	var lockoutEnd pgtype.Timestamptz
	err := row.Scan(
		&user.ID,
		&user.UserName,
		&user.NormalizedUserName,
		&user.Email,
		&user.NormalizedEmail,
		&user.EmailConfirmed,
		&user.PasswordHash,
		&user.SecurityStamp,
		&user.ConcurrencyStamp,
		&user.PhoneNumber,
		&user.PhoneNumberConfirmed,
		&user.TwoFactorEnabled,
		&lockoutEnd,
		&user.LockoutEnabled,
		&user.AccessFailedCount,
	)
	if err != nil {
		return User{}, err
	}
	if lockoutEnd.Valid {
		t := lockoutEnd.Time
		user.LockoutEnd = &t
	}
	return user, nil
}

func userArgs(user User) []interface{} {
	return []interface{}{
		user.ID,
		user.UserName,
		user.NormalizedUserName,
		user.Email,
		user.NormalizedEmail,
		user.EmailConfirmed,
		user.PasswordHash,
		user.SecurityStamp,
		user.ConcurrencyStamp,
		user.PhoneNumber,
		user.PhoneNumberConfirmed,
		user.TwoFactorEnabled,
		user.LockoutEnd,
		user.LockoutEnabled,
		user.AccessFailedCount,
	}
}

// InsertUser creates a new user row
func (r *PostgresIdentityRepository) InsertUser(ctx context.Context, user User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.db.Exec(ctx, query, userArgs(user)...)
	return err
}

// UpdateUser writes the user's current state over the persisted row
func (r *PostgresIdentityRepository) UpdateUser(ctx context.Context, user User) error {
	query := `
		UPDATE users SET
			user_name = $2, normalized_user_name = $3, email = $4, normalized_email = $5,
			email_confirmed = $6, password_hash = $7, security_stamp = $8, concurrency_stamp = $9,
			phone_number = $10, phone_number_confirmed = $11, two_factor_enabled = $12,
			lockout_end = $13, lockout_enabled = $14, access_failed_count = $15
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, userArgs(user)...)
	return err
}

// DeleteUser deletes the user row; dependent claim, login, and token rows
// cascade at the schema level
func (r *PostgresIdentityRepository) DeleteUser(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}

// UserExists reports whether a user row with the given id exists
func (r *PostgresIdentityRepository) UserExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

// GetUserByID retrieves a user by id
func (r *PostgresIdentityRepository) GetUserByID(ctx context.Context, id string) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to get user by id: %w", err)
	}
	return user, nil
}

// GetUserByName retrieves a user by normalized user name
func (r *PostgresIdentityRepository) GetUserByName(ctx context.Context, normalizedUserName string) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE normalized_user_name = $1 LIMIT 1`
	user, err := scanUser(r.db.QueryRow(ctx, query, normalizedUserName))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to get user by name: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by normalized email
func (r *PostgresIdentityRepository) GetUserByEmail(ctx context.Context, normalizedEmail string) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE normalized_email = $1 LIMIT 1`
	user, err := scanUser(r.db.QueryRow(ctx, query, normalizedEmail))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, nil
}

// InsertUserClaim creates a claim row and returns it with the sequence-assigned id
func (r *PostgresIdentityRepository) InsertUserClaim(ctx context.Context, claim UserClaim) (UserClaim, error) {
	query := `
		INSERT INTO user_claims (user_id, claim_type, claim_value)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	err := r.db.QueryRow(ctx, query, claim.UserID, claim.ClaimType, claim.ClaimValue).Scan(&claim.ID)
	if err != nil {
		return UserClaim{}, fmt.Errorf("failed to insert user claim: %w", err)
	}
	return claim, nil
}

// UpdateUserClaim rewrites the claim row's type and value in place
func (r *PostgresIdentityRepository) UpdateUserClaim(ctx context.Context, claim UserClaim) error {
	query := `UPDATE user_claims SET claim_type = $2, claim_value = $3 WHERE id = $1`
	_, err := r.db.Exec(ctx, query, claim.ID, claim.ClaimType, claim.ClaimValue)
	return err
}

// DeleteUserClaim deletes a claim row by surrogate id
func (r *PostgresIdentityRepository) DeleteUserClaim(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM user_claims WHERE id = $1`, id)
	return err
}

// ListUserClaims retrieves all claim rows for the user
func (r *PostgresIdentityRepository) ListUserClaims(ctx context.Context, userID string) ([]UserClaim, error) {
	query := `
		SELECT id, user_id, claim_type, claim_value
		FROM user_claims
		WHERE user_id = $1
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user claims: %w", err)
	}
	defer rows.Close()
	return collectClaims(rows)
}

// FindUserClaims retrieves all claim rows for the user matching the
// (type, value) natural key
func (r *PostgresIdentityRepository) FindUserClaims(ctx context.Context, userID, claimType, claimValue string) ([]UserClaim, error) {
	query := `
		SELECT id, user_id, claim_type, claim_value
		FROM user_claims
		WHERE user_id = $1 AND claim_type = $2 AND claim_value = $3
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, userID, claimType, claimValue)
	if err != nil {
		return nil, fmt.Errorf("failed to find user claims: %w", err)
	}
	defer rows.Close()
	return collectClaims(rows)
}

func collectClaims(rows pgx.Rows) ([]UserClaim, error) {
	var claims []UserClaim
	for rows.Next() {
		var claim UserClaim
		if err := rows.Scan(&claim.ID, &claim.UserID, &claim.ClaimType, &claim.ClaimValue); err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// ListUsersForClaim retrieves every user joined through user_claims where
// the (type, value) natural key matches
func (r *PostgresIdentityRepository) ListUsersForClaim(ctx context.Context, claimType, claimValue string) ([]User, error) {
	query := `
		SELECT DISTINCT ` + qualifyUserColumns("u") + `
		FROM users u
		JOIN user_claims uc ON uc.user_id = u.id
		WHERE uc.claim_type = $1 AND uc.claim_value = $2
		ORDER BY u.id
	`
	rows, err := r.db.Query(ctx, query, claimType, claimValue)
	if err != nil {
		return nil, fmt.Errorf("failed to list users for claim: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func qualifyUserColumns(alias string) string {
	return alias + `.id, ` + alias + `.user_name, ` + alias + `.normalized_user_name, ` +
		alias + `.email, ` + alias + `.normalized_email, ` + alias + `.email_confirmed, ` +
		alias + `.password_hash, ` + alias + `.security_stamp, ` + alias + `.concurrency_stamp, ` +
		alias + `.phone_number, ` + alias + `.phone_number_confirmed, ` + alias + `.two_factor_enabled, ` +
		alias + `.lockout_end, ` + alias + `.lockout_enabled, ` + alias + `.access_failed_count`
}

// InsertUserLogin creates an external login row
func (r *PostgresIdentityRepository) InsertUserLogin(ctx context.Context, login UserLogin) error {
	query := `
		INSERT INTO user_logins (login_provider, provider_key, provider_display_name, user_id)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.Exec(ctx, query, login.LoginProvider, login.ProviderKey, login.ProviderDisplayName, login.UserID)
	return err
}

// DeleteUserLogin deletes the login row for the user keyed by provider and key
func (r *PostgresIdentityRepository) DeleteUserLogin(ctx context.Context, userID, loginProvider, providerKey string) error {
	query := `DELETE FROM user_logins WHERE user_id = $1 AND login_provider = $2 AND provider_key = $3`
	_, err := r.db.Exec(ctx, query, userID, loginProvider, providerKey)
	return err
}

// ListUserLogins retrieves all login rows for the user
func (r *PostgresIdentityRepository) ListUserLogins(ctx context.Context, userID string) ([]UserLogin, error) {
	query := `
		SELECT login_provider, provider_key, provider_display_name, user_id
		FROM user_logins
		WHERE user_id = $1
		ORDER BY login_provider, provider_key
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user logins: %w", err)
	}
	defer rows.Close()

	var logins []UserLogin
	for rows.Next() {
		var login UserLogin
		if err := rows.Scan(&login.LoginProvider, &login.ProviderKey, &login.ProviderDisplayName, &login.UserID); err != nil {
			return nil, err
		}
		logins = append(logins, login)
	}
	return logins, rows.Err()
}

// GetUserLogin retrieves the login row scoped to the user
func (r *PostgresIdentityRepository) GetUserLogin(ctx context.Context, userID, loginProvider, providerKey string) (UserLogin, error) {
	query := `
		SELECT login_provider, provider_key, provider_display_name, user_id
		FROM user_logins
		WHERE user_id = $1 AND login_provider = $2 AND provider_key = $3
	`
	var login UserLogin
	err := r.db.QueryRow(ctx, query, userID, loginProvider, providerKey).
		Scan(&login.LoginProvider, &login.ProviderKey, &login.ProviderDisplayName, &login.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserLogin{}, ErrNotFound
	}
	if err != nil {
		return UserLogin{}, fmt.Errorf("failed to get user login: %w", err)
	}
	return login, nil
}

// FindUserLogin retrieves the login row for the provider and key across all users
func (r *PostgresIdentityRepository) FindUserLogin(ctx context.Context, loginProvider, providerKey string) (UserLogin, error) {
	query := `
		SELECT login_provider, provider_key, provider_display_name, user_id
		FROM user_logins
		WHERE login_provider = $1 AND provider_key = $2
	`
	var login UserLogin
	err := r.db.QueryRow(ctx, query, loginProvider, providerKey).
		Scan(&login.LoginProvider, &login.ProviderKey, &login.ProviderDisplayName, &login.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserLogin{}, ErrNotFound
	}
	if err != nil {
		return UserLogin{}, fmt.Errorf("failed to find user login: %w", err)
	}
	return login, nil
}

// InsertUserToken creates a token row
func (r *PostgresIdentityRepository) InsertUserToken(ctx context.Context, token UserToken) error {
	query := `
		INSERT INTO user_tokens (user_id, login_provider, name, value)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.Exec(ctx, query, token.UserID, token.LoginProvider, token.Name, token.Value)
	return err
}

// DeleteUserToken deletes the token row keyed by the (user, provider, name) triple
func (r *PostgresIdentityRepository) DeleteUserToken(ctx context.Context, userID, loginProvider, name string) error {
	query := `DELETE FROM user_tokens WHERE user_id = $1 AND login_provider = $2 AND name = $3`
	_, err := r.db.Exec(ctx, query, userID, loginProvider, name)
	return err
}

// GetUserToken retrieves the token row keyed by the (user, provider, name) triple
func (r *PostgresIdentityRepository) GetUserToken(ctx context.Context, userID, loginProvider, name string) (UserToken, error) {
	query := `
		SELECT user_id, login_provider, name, value
		FROM user_tokens
		WHERE user_id = $1 AND login_provider = $2 AND name = $3
	`
	var token UserToken
	err := r.db.QueryRow(ctx, query, userID, loginProvider, name).
		Scan(&token.UserID, &token.LoginProvider, &token.Name, &token.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserToken{}, ErrNotFound
	}
	if err != nil {
		return UserToken{}, fmt.Errorf("failed to get user token: %w", err)
	}
	return token, nil
}

// BeginTx opens a database transaction and returns a repository view bound
// to it
func (r *PostgresIdentityRepository) BeginTx(ctx context.Context) (IdentityTx, error) {
	if r.pool == nil {
		return nil, errors.New("repository is not pool-backed")
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &postgresIdentityTx{
		PostgresIdentityRepository: PostgresIdentityRepository{db: tx},
		tx:                         tx,
	}, nil
}

// postgresIdentityTx is a transaction-bound repository view
type postgresIdentityTx struct {
	PostgresIdentityRepository
	tx pgx.Tx
}

// BeginTx opens a nested transaction (savepoint) within this one
func (t *postgresIdentityTx) BeginTx(ctx context.Context) (IdentityTx, error) {
	inner, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin nested transaction: %w", err)
	}
	return &postgresIdentityTx{
		PostgresIdentityRepository: PostgresIdentityRepository{db: inner},
		tx:                         inner,
	}, nil
}

// Commit commits the transaction
func (t *postgresIdentityTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

// Rollback rolls back the transaction
func (t *postgresIdentityTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
