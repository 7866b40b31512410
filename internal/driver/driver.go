// Package driver defines the contract with the automation that performs a task inside a
// browser session, and ships an HTTP adapter for an automation sidecar.
package driver

import (
	"context"

	"upload-dispatcher/internal/models"
)

// Outcome is how the automation judged its own run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Result codes the automation may attach to a failed run.
const (
	CodeQuotaExceeded = "quota_exceeded"
	CodeAccountBanned = "account_banned"
	CodeRateLimited   = "rate_limited"
)

// Result is the report of one driver run.
type Result struct {
	Outcome    Outcome `json:"outcome"`
	Detail     string  `json:"detail,omitempty"`
	ExternalID string  `json:"external_id,omitempty"`
	Code       string  `json:"code,omitempty"`
}

// TaskResult converts r into the form stored on a task.
func (r Result) TaskResult() models.TaskResult {
	return models.TaskResult{Outcome: string(r.Outcome), Detail: r.Detail, ExternalID: r.ExternalID}
}

// Progress receives intermediate stages of a run.
type Progress func(stage string, percent int)

// Driver runs one task against the browser session reachable at endpoint. Implementations
// must return when ctx is done; the caller abandons the run on timeout.
type Driver interface {
	Run(ctx context.Context, endpoint string, payload models.Payload, onProgress Progress) (Result, error)
}

// Func adapts a plain function to Driver.
type Func func(ctx context.Context, endpoint string, payload models.Payload, onProgress Progress) (Result, error)

func (f Func) Run(ctx context.Context, endpoint string, payload models.Payload, onProgress Progress) (Result, error) {
	return f(ctx, endpoint, payload, onProgress)
}
