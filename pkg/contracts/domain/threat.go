package domain

import "time"

// AssessRequest represents POST /api/threat/assess
type AssessRequest struct {
	CPUPercent       float64 `json:"cpu_percent" validate:"min=0,max=100"`
	MemoryPercent    float64 `json:"memory_percent" validate:"min=0,max=100"`
	NetworkBytesSent uint64  `json:"network_bytes_sent"`
	NetworkBytesRecv uint64  `json:"network_bytes_recv"`
	ProcessCount     int     `json:"process_count" validate:"min=0"`
	RequestRate      float64 `json:"request_rate" validate:"min=0"`
	Context          string  `json:"context,omitempty" validate:"omitempty,max=1024"`
}

// AssessResponse is the classifier verdict and whether traps went out.
type AssessResponse struct {
	Level         float64   `json:"threat_level"`
	Type          string    `json:"threat_type"`
	Action        string    `json:"recommended_action"`
	Confidence    float64   `json:"confidence"`
	Remote        bool      `json:"remote"`
	Threat        bool      `json:"threat"`
	TrapsDeployed bool      `json:"traps_deployed"`
	AssessedAt    time.Time `json:"assessed_at"`
}
