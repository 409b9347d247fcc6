// Package queue defines message payloads exchanged over the message broker.
package queue

import "time"

// NotificationQueue is the durable queue security notifications go to.
const NotificationQueue = "security.notifications"

// SecurityNotification is published for critical security events and for
// logins from a previously unseen device. It carries enough context for a
// downstream notifier to alert the account owner or an operator without
// querying the primary database.
type SecurityNotification struct {
	EventID    uint64         `json:"event_id,omitempty"`
	EventType  string         `json:"event_type"`
	Severity   string         `json:"severity"`
	IdentityID *uint64        `json:"identity_id,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
