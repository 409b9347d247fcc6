package model

import "time"

// BlockScope names what a block targets.
type BlockScope string

const (
	ScopeAccount BlockScope = "account"
	ScopeIP      BlockScope = "ip"
)

// BlockType distinguishes administrator blocks from policy-applied ones.
type BlockType string

const (
	BlockManual    BlockType = "manual"
	BlockAutomatic BlockType = "automatic"
)

// Block is a standing restriction on an identity or an IP address.
//
// Fields:
//
//	Target      – identity id (decimal) for account scope, IP for ip scope.
//	InitiatedBy – admin identity id; nil when the system applied the block.
//	ExpiresAt   – nil means the block never lapses on its own.
//	UnblockedAt – set when an administrator lifts the block.
type Block struct {
	ID          uint64     `json:"id"`
	Scope       BlockScope `json:"scope"`
	Target      string     `json:"target"`
	Reason      string     `json:"reason"`
	Type        BlockType  `json:"block_type"`
	InitiatedBy *uint64    `json:"initiated_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Active      bool       `json:"active"`
	UnblockedAt *time.Time `json:"unblocked_at,omitempty"`
	UnblockedBy *uint64    `json:"unblocked_by,omitempty"`
}

// InEffect is the only definition of "currently blocked". It must be
// evaluated against the current clock on every read.
func (b Block) InEffect(now time.Time) bool {
	if !b.Active || b.UnblockedAt != nil {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}
