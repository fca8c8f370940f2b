package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditConfigSet     AuditEventType = "config_set"
	AuditConfigPatch   AuditEventType = "config_patch"
	AuditChannelStart  AuditEventType = "channel_start"
	AuditChannelStop   AuditEventType = "channel_stop"
	AuditAccessDenied  AuditEventType = "access_denied"
	AuditPluginsLoaded AuditEventType = "plugins_loaded"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail"`

	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditFilter narrows an audit query.
type AuditFilter struct {
	Type  AuditEventType
	Since time.Time
	Limit int
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}

// AuditReader queries a persistent audit log.
type AuditReader interface {
	Query(ctx context.Context, f AuditFilter) ([]AuditEvent, error)
}
