package model

import "time"

// Status is the lifecycle state of an identity. Identities are never hard
// deleted; deactivation is a status transition.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// Identity represents a platform account as stored in the `users` table.
//
// Fields:
//
//	ID                    – primary key identifier.
//	Email                 – unique, normalized (lower-case) email address.
//	Name                  – display name.
//	PasswordHash          – bcrypt hash.
//	Status                – active | inactive | suspended.
//	Roles                 – non-empty role set; coerced from the column once.
//	TOTPSecret            – base32 TOTP secret, nil until two-factor setup.
//	TwoFactorEnabled      – true once the owner confirmed a TOTP code.
//	RecoveryCodes         – sha256 hashes of unused single-use recovery codes.
//	RecoveryEmail         – secondary address for account recovery.
//	RecoveryEmailVerified – whether RecoveryEmail was confirmed.
type Identity struct {
	ID                    uint64     // users.id
	Email                 string     // users.email
	Name                  string     // users.name
	PasswordHash          string     // users.password_hash
	Status                Status     // users.status
	Roles                 RoleSet    // users.roles
	TOTPSecret            *string    // users.totp_secret (nullable)
	TwoFactorEnabled      bool       // users.two_factor_enabled
	RecoveryCodes         []string   // users.recovery_codes (json array)
	RecoveryEmail         *string    // users.recovery_email (nullable)
	RecoveryEmailVerified bool       // users.recovery_email_verified
	CreatedAt             time.Time  // users.created_at
	UpdatedAt             time.Time  // users.updated_at
}

// Active reports whether the identity may authenticate.
func (i Identity) Active() bool { return i.Status == StatusActive }

// Snapshot is the subset of an identity embedded in issued credentials. It
// is informational only; authorization always uses live identity state.
type Snapshot struct {
	ID    uint64  `json:"id"`
	Email string  `json:"email"`
	Name  string  `json:"name"`
	Roles RoleSet `json:"roles"`
}

// Snapshot captures the claims-relevant fields of i.
func (i Identity) Snapshot() Snapshot {
	return Snapshot{ID: i.ID, Email: i.Email, Name: i.Name, Roles: i.Roles}
}

// RefreshToken models an entry in the `refresh_tokens` table. The plain
// token is never stored, only its SHA-256 hash.
//
// Fields:
//
//	ID         – primary key identifier.
//	IdentityID – owner of the token.
//	SessionID  – session the token was issued for.
//	TokenHash  – SHA-256 hex digest of the token value.
//	ExpiresAt  – expiration timestamp.
//	RevokedAt  – when the token was revoked (nil if still usable).
type RefreshToken struct {
	ID         uint64     // refresh_tokens.id
	IdentityID uint64     // refresh_tokens.user_id
	SessionID  string     // refresh_tokens.session_id
	TokenHash  string     // refresh_tokens.token_hash
	ExpiresAt  time.Time  // refresh_tokens.expires_at
	RevokedAt  *time.Time // refresh_tokens.revoked_at (nullable)
	CreatedAt  time.Time  // refresh_tokens.created_at
}
