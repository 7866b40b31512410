package models

import "testing"

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     TaskStatus
		to       TaskStatus
		expected bool
	}{
		{name: "Valid: pending to queued", from: StatusPending, to: StatusQueued, expected: true},
		{name: "Valid: queued to active", from: StatusQueued, to: StatusActive, expected: true},
		{name: "Valid: active to paused", from: StatusActive, to: StatusPaused, expected: true},
		{name: "Valid: paused to queued", from: StatusPaused, to: StatusQueued, expected: true},
		{name: "Valid: failed to pending", from: StatusFailed, to: StatusPending, expected: true},
		{name: "Valid: active to cancelled", from: StatusActive, to: StatusCancelled, expected: true},
		{name: "Invalid: pending to active", from: StatusPending, to: StatusActive, expected: false},
		{name: "Invalid: completed to pending", from: StatusCompleted, to: StatusPending, expected: false},
		{name: "Invalid: cancelled to queued", from: StatusCancelled, to: StatusQueued, expected: false},
		{name: "Invalid: failed to cancelled", from: StatusFailed, to: StatusCancelled, expected: false},
		{name: "Invalid: paused to active", from: StatusPaused, to: StatusActive, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidTransition(tt.from, tt.to); got != tt.expected {
				t.Errorf("IsValidTransition() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRecomputeStatus(t *testing.T) {
	tests := []struct {
		name    string
		account Account
		want    AccountStatus
	}{
		{name: "healthy under quota", account: Account{Status: AccountLimited, HealthScore: 80, DailyCount: 1, DailyLimit: 10}, want: AccountActive},
		{name: "quota reached", account: Account{Status: AccountActive, HealthScore: 80, DailyCount: 10, DailyLimit: 10}, want: AccountLimited},
		{name: "low health wins over quota", account: Account{Status: AccountActive, HealthScore: 20, DailyCount: 10, DailyLimit: 10}, want: AccountSuspended},
		{name: "error is sticky", account: Account{Status: AccountError, HealthScore: 100, DailyLimit: 10}, want: AccountError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.account
			a.RecomputeStatus()
			if a.Status != tt.want {
				t.Errorf("RecomputeStatus() = %v, want %v", a.Status, tt.want)
			}
		})
	}
}
