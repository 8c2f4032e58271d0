// Package health provides relay health monitoring and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the relay or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// QueueHealth describes the durable queue.
type QueueHealth struct {
	Status    SystemStatus `json:"status"`
	Pending   int          `json:"pending"`
	Submitted int          `json:"submitted"`
	Failed    int          `json:"failed"`
	Error     string       `json:"error,omitempty"`
}

// ChainHealth describes the observed chain.
type ChainHealth struct {
	Status    SystemStatus `json:"status"`
	Head      uint64       `json:"head"`
	Watermark uint64       `json:"watermark"`
	Lag       uint64       `json:"lag"`
	Error     string       `json:"error,omitempty"`
}

// SubmitterHealth describes delivery progress.
type SubmitterHealth struct {
	Status         SystemStatus `json:"status"`
	LastSubmission *time.Time   `json:"last_submission,omitempty"`
	Stale          bool         `json:"stale"`
}

// HealthReport contains the full relay health report.
type HealthReport struct {
	SystemStatus SystemStatus    `json:"system_status"`
	Queue        QueueHealth     `json:"queue"`
	Chain        ChainHealth     `json:"chain"`
	Submitter    SubmitterHealth `json:"submitter"`
	CheckedAt    time.Time       `json:"checked_at"`
}

func worst(statuses ...SystemStatus) SystemStatus {
	out := StatusHealthy
	for _, s := range statuses {
		switch s {
		case StatusCritical:
			return StatusCritical
		case StatusDegraded:
			out = StatusDegraded
		}
	}
	return out
}
