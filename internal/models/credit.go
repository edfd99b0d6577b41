package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Ledger entry statuses. An entry is created reserved and moves exactly once
// to completed or refunded.
const (
	LedgerStatusReserved  = "reserved"
	LedgerStatusCompleted = "completed"
	LedgerStatusRefunded  = "refunded"
)

// LedgerActionGrant labels top-up entries written outside of a generation.
const LedgerActionGrant = "grant"

type CreditAccount struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

type LedgerEntry struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	RequestID   string          `json:"request_id"`
	Action      string          `json:"action"`
	Amount      int64           `json:"amount"`
	Status      string          `json:"status"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinalizedAt *time.Time      `json:"finalized_at,omitempty"`
}
