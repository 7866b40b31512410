package models

import "time"

// AccountStatus is the admission state of an account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountLimited   AccountStatus = "limited"
	AccountSuspended AccountStatus = "suspended"
	AccountError     AccountStatus = "error"
)

// Health bounds and thresholds used by the health engine.
const (
	MaxHealth          = 100
	MinHealth          = 0
	SuspendBelowHealth = 30
	DefaultMinHealth   = 70
)

// Account is an identity with its own quota and reliability score.
type Account struct {
	ID              string        `json:"id"`
	Identity        string        `json:"identity"`
	Status          AccountStatus `json:"status"`
	HealthScore     int           `json:"health_score"`
	DailyCount      int           `json:"daily_count"`
	DailyLimit      int           `json:"daily_limit"`
	LastUsedAt      *time.Time    `json:"last_used_at,omitempty"`
	ResourceBinding string        `json:"resource_binding"`
	ReservedBy      *string       `json:"reserved_by,omitempty"`
	ReservedUntil   *time.Time    `json:"reserved_until,omitempty"`
	RemovedAt       *time.Time    `json:"removed_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Reserved reports whether a live reservation exists at now.
func (a Account) Reserved(now time.Time) bool {
	return a.ReservedBy != nil && a.ReservedUntil != nil && a.ReservedUntil.After(now)
}

// ClampHealth keeps the score inside [MinHealth, MaxHealth].
func ClampHealth(v int) int {
	if v > MaxHealth {
		return MaxHealth
	}
	if v < MinHealth {
		return MinHealth
	}
	return v
}

// RecomputeStatus derives the automatic status from health and quota. Error is sticky
// until an operator reactivates the account.
func (a *Account) RecomputeStatus() {
	if a.Status == AccountError {
		return
	}
	switch {
	case a.HealthScore < SuspendBelowHealth:
		a.Status = AccountSuspended
	case a.DailyCount >= a.DailyLimit:
		a.Status = AccountLimited
	default:
		a.Status = AccountActive
	}
}

// AccountCriteria restricts SelectEligible.
type AccountCriteria struct {
	MinHealth  int
	ExcludeIDs []string
	Now        time.Time
}

// Eligible reports whether a satisfies the admission rules, ignoring binding resolution.
func (c AccountCriteria) Eligible(a Account) bool {
	if a.RemovedAt != nil || a.Status != AccountActive {
		return false
	}
	if a.DailyCount >= a.DailyLimit || a.HealthScore < c.MinHealth {
		return false
	}
	if a.ResourceBinding == "" || a.Reserved(c.Now) {
		return false
	}
	for _, id := range c.ExcludeIDs {
		if id == a.ID {
			return false
		}
	}
	return true
}

// AccountFilter narrows List queries.
type AccountFilter struct {
	Statuses       []AccountStatus
	IncludeRemoved bool
}

// Matches reports whether a satisfies the filter.
func (f AccountFilter) Matches(a Account) bool {
	if a.RemovedAt != nil && !f.IncludeRemoved {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if a.Status == s {
			return true
		}
	}
	return false
}

// AccountPatch carries the operator-editable fields of an account.
type AccountPatch struct {
	Identity        *string `json:"identity,omitempty"`
	DailyLimit      *int    `json:"daily_limit,omitempty"`
	ResourceBinding *string `json:"resource_binding,omitempty"`
}

// AccountStats summarizes the registry.
type AccountStats struct {
	Total         int64                   `json:"total"`
	ByStatus      map[AccountStatus]int64 `json:"by_status"`
	Reserved      int64                   `json:"reserved"`
	AverageHealth float64                 `json:"average_health"`
	UsedToday     int64                   `json:"used_today"`
}

// Outcome is the result of one execution as seen by the health engine.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeFailure       Outcome = "failure"
	OutcomeQuotaExceeded Outcome = "quota_exceeded"
	OutcomeBanned        Outcome = "banned"
)
