package models

import "time"

// Machine statuses. A machine is never deleted; it moves between these
// states for its whole lifetime.
const (
	StatusIdle         = "idle"
	StatusLocked       = "locked"
	StatusDispatchSent = "dispatch_sent"
	StatusUnavailable  = "unavailable"
	StatusOffline      = "offline"
)

// Lock statuses.
const (
	LockStatusLocked   = "locked"
	LockStatusConsumed = "consumed"
)

// Payment statuses on a Transaction.
const (
	PaymentPaid      = "paid"
	PaymentCompleted = "completed"
)

// Machine is the core domain object representing one physical dispensing unit.
// Shared between the reservation service and the storage layer.
type Machine struct {
	ID                   string    `json:"id"`
	Credential           string    `json:"credential"`
	Status               string    `json:"status"`
	CurrentStock         int       `json:"current_stock"`
	DisplayCode          string    `json:"display_code"`
	DisplayCodeExpiresAt time.Time `json:"display_code_expires_at"`
	LastSeenAt           time.Time `json:"last_seen_at"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Lock records exclusive, time-boxed access to a machine. At most one lock
// row exists per machine; a consumed lock is kept for history until the next
// cycle clears it.
type Lock struct {
	MachineID      string    `json:"machine_id"`
	LockedBy       string    `json:"locked_by"`
	AccessCodeHash string    `json:"access_code_hash"`
	Status         string    `json:"status"`
	LockedAt       time.Time `json:"locked_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Active reports whether the lock is held and unexpired at the given instant.
func (l *Lock) Active(now time.Time) bool {
	return l != nil && l.Status == LockStatusLocked && now.Before(l.ExpiresAt)
}

// Transaction records one paid dispense cycle. ID is the internal key derived
// from the caller-supplied external transaction id.
type Transaction struct {
	ID            string    `json:"id"`
	ExternalID    string    `json:"external_id"`
	MachineID     string    `json:"machine_id"`
	ClientID      string    `json:"client_id"`
	Quantity      int       `json:"quantity"`
	Amount        int64     `json:"amount"`
	PaymentStatus string    `json:"payment_status"`
	Dispensed     int       `json:"dispensed"`
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
}
