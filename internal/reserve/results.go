package reserve

import "time"

// Outcome is the stable, machine-readable code a thin client branches on.
// Every operation returns a closed set of these; transport failures travel
// separately as errors.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeBusy           Outcome = "busy"
	OutcomeCodeNotFound   Outcome = "code_not_found"
	OutcomeNoLock         Outcome = "no_lock"
	OutcomeNotOwner       Outcome = "not_owner"
	OutcomeExpired        Outcome = "expired"
	OutcomeAccessMismatch Outcome = "access_mismatch"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeTxNotFound     Outcome = "tx_not_found"
	OutcomeNotFound       Outcome = "not_found"
)

// ClaimResult is the outcome of a claim attempt.
// On OutcomeOK, MachineID and ExpiresAt are set.
// On OutcomeBusy, LockedUntil reports when the current hold lapses.
type ClaimResult struct {
	Outcome     Outcome
	MachineID   string
	ExpiresAt   time.Time
	LockedUntil time.Time
}

// ReleaseResult is the outcome of a manual unlock.
type ReleaseResult struct {
	Outcome        Outcome
	NewDisplayCode string
}

// DispenseResult is the outcome of a dispense trigger.
type DispenseResult struct {
	Outcome Outcome
}

// ConfirmResult is the outcome of a machine's dispense confirmation.
type ConfirmResult struct {
	Outcome        Outcome
	NewDisplayCode string
	Stock          int
}

// SweepResult reports a reclaimed lock. Reclaimed is false when the machine
// had no expired lock to collect.
type SweepResult struct {
	Reclaimed      bool
	NewDisplayCode string
	ExpiresAt      time.Time
}

// CodeResult carries the current (possibly freshly rotated) display code.
type CodeResult struct {
	Code      string
	ExpiresAt time.Time
}

// PublicStatus is the client-facing machine view. LockedBy is only revealed
// to the holder that owns the lock.
type PublicStatus struct {
	MachineID            string     `json:"machine_id"`
	Status               string     `json:"status"`
	CurrentStock         int        `json:"current_stock"`
	DisplayCodeExpiresAt time.Time  `json:"display_code_expires_at"`
	Locked               bool       `json:"locked"`
	LockedBy             string     `json:"locked_by,omitempty"`
	LockExpiresAt        *time.Time `json:"lock_expires_at,omitempty"`
}

// DeviceStatus is the machine-facing view returned to an authenticated
// device poll.
type DeviceStatus struct {
	MachineID            string     `json:"machine_id"`
	Status               string     `json:"status"`
	CurrentStock         int        `json:"current_stock"`
	DisplayCode          string     `json:"display_code"`
	DisplayCodeExpiresAt time.Time  `json:"display_code_expires_at"`
	Locked               bool       `json:"locked"`
	LockedBy             string     `json:"locked_by,omitempty"`
	LockExpiresAt        *time.Time `json:"lock_expires_at,omitempty"`
}
