package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog records administrative actions against the engine.
type AuditLog struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID    string         `gorm:"index:idx_audit_trace;size:36;not null" json:"trace_id"`
	GuildID    string         `gorm:"index:idx_audit_guild;size:32" json:"guild_id"`
	Action     string         `gorm:"size:64;not null" json:"action"`
	Target     string         `gorm:"size:128" json:"target"`
	Request    datatypes.JSON `json:"request"`
	Response   datatypes.JSON `json:"response"`
	Error      string         `gorm:"type:text" json:"error"`
	IP         string         `gorm:"size:45" json:"ip"`
	DurationMs int            `json:"duration_ms"`
	CreatedAt  time.Time      `gorm:"index:idx_audit_created;autoCreateTime:milli" json:"created_at"`
}
