package models

// Transition is one permitted edge of the task state machine.
type Transition struct {
	From TaskStatus
	To   TaskStatus
}

// ValidTransitions lists every edge the lifecycle manager and the worker may take.
var ValidTransitions = []Transition{
	{From: StatusPending, To: StatusQueued},
	{From: StatusPending, To: StatusCancelled},
	{From: StatusQueued, To: StatusActive},
	{From: StatusQueued, To: StatusPaused},
	{From: StatusQueued, To: StatusCancelled},
	{From: StatusActive, To: StatusPaused},
	{From: StatusActive, To: StatusCompleted},
	{From: StatusActive, To: StatusFailed},
	{From: StatusActive, To: StatusCancelled},
	{From: StatusPaused, To: StatusQueued},
	{From: StatusPaused, To: StatusCancelled},
	{From: StatusFailed, To: StatusPending},
}

func IsValidTransition(from, to TaskStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
