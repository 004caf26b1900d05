package model

import "time"

// AuditLogEntry is the persisted form of an emitted audit event.
type AuditLogEntry struct {
	FlowId     string         `json:"flowId"`
	Domain     string         `json:"domain"`
	Type       string         `json:"type"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
