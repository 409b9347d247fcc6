package model

import "time"

// EventType enumerates authentication-relevant occurrences.
type EventType string

const (
	EventLoginSuccess       EventType = "login-success"
	EventLoginFailure       EventType = "login-failure"
	EventLogout             EventType = "logout"
	EventTokenInvalid       EventType = "token-invalid"
	EventTokenExpired       EventType = "token-expired"
	EventRoleDenied         EventType = "role-denied"
	EventAccountBlocked     EventType = "account-blocked"
	EventIPBlocked          EventType = "ip-blocked"
	EventTwoFactorChallenge EventType = "two-factor-challenge"
	EventTwoFactorFailure   EventType = "two-factor-failure"
	EventAccessDenied       EventType = "access-denied"
	EventUnblocked          EventType = "unblocked"
	EventRolesChanged       EventType = "roles-changed"
	EventStatusChanged      EventType = "status-changed"
)

// Severity classifies an event for dashboards and notification routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is an immutable audit record. IdentityID is nil for
// failures that happen before an identity is known.
type SecurityEvent struct {
	ID         uint64         `json:"id"`
	IdentityID *uint64        `json:"identity_id,omitempty"`
	Type       EventType      `json:"type"`
	Severity   Severity       `json:"severity"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
