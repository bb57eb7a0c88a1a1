package user

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ontoserve/authcore/internal"
	"github.com/ontoserve/authcore/internal/role"
)

// GlobalScope is the distinguished scope key for roles that apply to the
// whole system rather than a single database.
var GlobalScope = uuid.MustParse("11f1f8d6-3b5c-4f6d-9df9-67d1f8b6a0c4")

// AnonymousID identifies the synthetic read-only user handed out when
// anonymous read access is enabled and no credentials were presented.
var AnonymousID = uuid.MustParse("6f1cf0ec-5a2f-48d5-9c66-0e9e3f5a7d21")

// PasswordResult reports the outcome of a credential check. The entity
// itself stays side-effect free; the store translates these results into
// failure-counter updates.
type PasswordResult int

const (
	PasswordMatch PasswordResult = iota
	PasswordMismatch
	PasswordDisabled
	PasswordUnset
)

// User is a single identity record. All fields serialize into the snapshot
// file; hashes are stored, never plaintext credentials.
type User struct {
	ID          uuid.UUID `json:"id"`
	UserName    string    `json:"user_name,omitempty"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`

	// Roles maps a scope key (GlobalScope or a database id) to a closed
	// role set. Closure is maintained on every write, never on read.
	Roles map[uuid.UUID]role.Set `json:"roles"`

	Enabled             bool   `json:"enabled"`
	CredentialHash      string `json:"credential_hash,omitempty"`
	ServiceTokenHash    string `json:"service_token_hash,omitempty"`
	SessionEpoch        int    `json:"session_epoch"`
	PasswordInitialized bool   `json:"password_initialized"`
	LicenseAccepted     bool   `json:"license_accepted"`
}

// New creates an enabled user with closed role sets per scope.
func New(id uuid.UUID, userName, displayName string, globalRoles role.Set, scopedRoles map[uuid.UUID]role.Set) *User {
	u := &User{
		ID:          id,
		UserName:    userName,
		DisplayName: displayName,
		Roles:       make(map[uuid.UUID]role.Set, len(scopedRoles)+1),
		Enabled:     true,
	}
	if globalRoles == nil {
		globalRoles = role.NewSet()
	}
	u.Roles[GlobalScope] = role.Close(globalRoles)
	for scope, roles := range scopedRoles {
		u.Roles[scope] = role.Close(roles)
	}
	return u
}

// NewAnonymous returns the fixed read-only identity used when anonymous
// access is allowed.
func NewAnonymous() *User {
	return New(AnonymousID, "ReadOnly", "Read Only", role.NewSet(role.Read), nil)
}

// GlobalRoles returns a copy of the roles valid for every scope.
func (u *User) GlobalRoles() role.Set {
	if s, ok := u.Roles[GlobalScope]; ok {
		return s.Clone()
	}
	return role.NewSet()
}

// ScopeRoles returns a copy of the extra roles granted for one scope, not
// including the global roles.
func (u *User) ScopeRoles(scope uuid.UUID) role.Set {
	if scope == GlobalScope {
		return role.NewSet()
	}
	if s, ok := u.Roles[scope]; ok {
		return s.Clone()
	}
	return role.NewSet()
}

// SetRoles replaces the role set for one scope with its closure.
func (u *User) SetRoles(scope uuid.UUID, roles role.Set) {
	if u.Roles == nil {
		u.Roles = make(map[uuid.UUID]role.Set, 1)
	}
	u.Roles[scope] = role.Close(roles)
}

// RemoveScopeRoles drops every role granted for the given scope. The global
// scope cannot be removed, only replaced.
func (u *User) RemoveScopeRoles(scope uuid.UUID) {
	if scope == GlobalScope {
		return
	}
	delete(u.Roles, scope)
}

// SetPassword stores a salted hash of the plaintext. A failure of the
// hashing primitive is fatal to the operation; no fallback is stored.
func (u *User) SetPassword(plaintext string, cost int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return internal.NewCryptoError("failed to hash password", err)
	}
	u.CredentialHash = string(hash)
	return nil
}

// CheckPassword compares the candidate against the stored hash. The result
// distinguishes match, mismatch, disabled account and absent credential so
// the store can do failure accounting; the entity itself mutates nothing.
func (u *User) CheckPassword(plaintext string) PasswordResult {
	if !u.Enabled {
		return PasswordDisabled
	}
	if u.CredentialHash == "" {
		return PasswordUnset
	}
	// any compare error, including a corrupted hash, counts as a mismatch
	if err := bcrypt.CompareHashAndPassword([]byte(u.CredentialHash), []byte(plaintext)); err != nil {
		return PasswordMismatch
	}
	return PasswordMatch
}

// AssignServiceToken replaces any existing service token with a fresh
// random one and returns the plaintext. The plaintext is never retrievable
// again; only its hash is kept.
func (u *User) AssignServiceToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", internal.NewCryptoError("failed to generate service token", err)
	}
	token := hex.EncodeToString(raw)
	if err := u.SetServiceToken(token); err != nil {
		return "", err
	}
	return token, nil
}

// SetServiceToken stores the hash of a caller-supplied token value. An
// empty value clears the token.
func (u *User) SetServiceToken(plaintext string) error {
	if plaintext == "" {
		u.ServiceTokenHash = ""
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return internal.NewCryptoError("failed to hash service token", err)
	}
	u.ServiceTokenHash = string(hash)
	return nil
}

// RemoveServiceToken leaves the account without service-token auth.
func (u *User) RemoveServiceToken() {
	u.ServiceTokenHash = ""
}

func (u *User) HasServiceToken() bool {
	return u.ServiceTokenHash != ""
}

// CheckServiceToken validates a candidate bearer token. Disabled accounts
// and accounts without a token always fail.
func (u *User) CheckServiceToken(candidate string) bool {
	if !u.Enabled || u.ServiceTokenHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.ServiceTokenHash), []byte(candidate)) == nil
}

// Logout invalidates every previously issued session token by bumping the
// session epoch.
func (u *User) Logout() {
	u.SessionEpoch++
}

// Clone returns an independent deep copy. Every record handed out of the
// store is a clone, so outside mutation never reaches the stored state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.Roles = make(map[uuid.UUID]role.Set, len(u.Roles))
	for scope, roles := range u.Roles {
		out.Roles[scope] = roles.Clone()
	}
	return &out
}
