package models

import "time"

// InstanceStatus is the pool state of a browser instance.
type InstanceStatus string

const (
	InstanceIdle  InstanceStatus = "idle"
	InstanceBusy  InstanceStatus = "busy"
	InstanceError InstanceStatus = "error"
)

// BrowserInstance is a pooled remote automation session bound to a browser profile.
type BrowserInstance struct {
	PoolID          string         `json:"pool_id"`
	ResourceBinding string         `json:"resource_binding"`
	Endpoint        string         `json:"endpoint"`
	Status          InstanceStatus `json:"status"`
	LastActivityAt  time.Time      `json:"last_activity_at"`
	ErrorCount      int            `json:"error_count"`
	UsageCount      int            `json:"usage_count"`
	AcquiredBy      *string        `json:"acquired_by,omitempty"`
	IdleSince       *time.Time     `json:"idle_since,omitempty"`
	Persistent      bool           `json:"persistent"`
	Owner           string         `json:"owner"`
	CreatedAt       time.Time      `json:"created_at"`
}

// PoolSnapshot is a point-in-time view of one pool node.
type PoolSnapshot struct {
	Owner     string            `json:"owner"`
	Size      int               `json:"size"`
	Busy      int               `json:"busy"`
	Idle      int               `json:"idle"`
	Errored   int               `json:"errored"`
	Max       int               `json:"max"`
	Instances []BrowserInstance `json:"instances"`
}
