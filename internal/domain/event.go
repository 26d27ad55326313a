package domain

import "time"

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is the payload of alert broadcasts.
type Alert struct {
	ID          string        `json:"id"`
	Severity    AlertSeverity `json:"severity"`
	Title       string        `json:"title"`
	Message     string        `json:"message"`
	WorkspaceID string        `json:"workspace_id,omitempty"`
	TaskID      string        `json:"task_id,omitempty"`
	ExecutionID string        `json:"execution_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// SystemHealth is the payload of system_health broadcasts.
type SystemHealth struct {
	Status      string    `json:"status"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryPct   float64   `json:"memory_percent"`
	MemoryMB    float64   `json:"memory_used_mb"`
	Goroutines  int       `json:"goroutines"`
	Connections int       `json:"connections"`
	Uptime      string    `json:"uptime"`
	CheckedAt   time.Time `json:"checked_at"`
}
