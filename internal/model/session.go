package model

import "time"

// Session is one authenticated device or browser instance of an identity.
//
// Active flips to false on logout, supersession or remote termination.
// Blocked is a standing restriction set by an administrator or an automated
// policy; it does not imply Active=false.
type Session struct {
	ID         string     `json:"id"`                 // sessions.id (uuid)
	IdentityID uint64     `json:"identity_id"`        // sessions.user_id
	IP         string     `json:"ip"`                 // sessions.ip
	Device     string     `json:"device"`             // sessions.device
	UserAgent  string     `json:"user_agent"`         // sessions.user_agent
	StartedAt  time.Time  `json:"started_at"`         // sessions.started_at
	EndedAt    *time.Time `json:"ended_at,omitempty"` // sessions.ended_at (nullable)
	Active     bool       `json:"active"`             // sessions.is_active
	Blocked    bool       `json:"blocked"`            // sessions.is_blocked
}
