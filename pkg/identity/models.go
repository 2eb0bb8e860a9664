package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Column widths enforced by the backing schema
const (
	MaxUserIDLength     = 32
	MaxClaimTypeLength  = 1024
	MaxClaimValueLength = 1024
)

// User represents a user account record in the domain model
type User struct {
	ID                   string
	UserName             string
	NormalizedUserName   string
	Email                string
	NormalizedEmail      string
	EmailConfirmed       bool
	PasswordHash         string
	SecurityStamp        string
	ConcurrencyStamp     string
	PhoneNumber          string
	PhoneNumberConfirmed bool
	TwoFactorEnabled     bool
	LockoutEnd           *time.Time
	LockoutEnabled       bool
	AccessFailedCount    int32
}

// NewUser creates a user with a generated id and fresh security/concurrency stamps
func NewUser(userName string) *User {
	return &User{
		ID:               NewUserID(),
		UserName:         userName,
		SecurityStamp:    NewUserID(),
		ConcurrencyStamp: uuid.New().String(),
	}
}

// NewUserID generates a 32-character user id that fits the schema's id column
func NewUserID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Claim is the caller-facing (type, value) representation of a user claim
type Claim struct {
	Type  string
	Value string
}

// UserClaim represents a persisted claim row bound to a user.
// The surrogate ID is assigned by the backing engine's sequence, never by callers.
type UserClaim struct {
	ID         int64
	UserID     string
	ClaimType  string
	ClaimValue string
}

// ToClaim projects the row into the caller's claim representation
func (c UserClaim) ToClaim() Claim {
	return Claim{Type: c.ClaimType, Value: c.ClaimValue}
}

// NewUserClaim creates a claim row bound to the given user
func NewUserClaim(user *User, claim Claim) UserClaim {
	return UserClaim{
		UserID:     user.ID,
		ClaimType:  claim.Type,
		ClaimValue: claim.Value,
	}
}

// LoginInfo is the caller-facing projection of an external login
type LoginInfo struct {
	LoginProvider       string
	ProviderKey         string
	ProviderDisplayName string
}

// UserLogin represents an external login record. Identity is the
// (LoginProvider, ProviderKey) pair; one login binds to exactly one user.
type UserLogin struct {
	LoginProvider       string
	ProviderKey         string
	ProviderDisplayName string
	UserID              string
}

// ToLoginInfo projects the row into the caller's login representation
func (l UserLogin) ToLoginInfo() LoginInfo {
	return LoginInfo{
		LoginProvider:       l.LoginProvider,
		ProviderKey:         l.ProviderKey,
		ProviderDisplayName: l.ProviderDisplayName,
	}
}

// NewUserLogin creates a login row binding the given external login to the user
func NewUserLogin(user *User, login *LoginInfo) UserLogin {
	return UserLogin{
		LoginProvider:       login.LoginProvider,
		ProviderKey:         login.ProviderKey,
		ProviderDisplayName: login.ProviderDisplayName,
		UserID:              user.ID,
	}
}

// UserToken represents a per-provider token record. Identity is the
// (UserID, LoginProvider, Name) triple; one value per triple.
type UserToken struct {
	UserID        string
	LoginProvider string
	Name          string
	Value         string
}
