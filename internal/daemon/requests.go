package daemon

import "time"

// CreateSessionRequest is the body of POST /sessions. SessionID is optional;
// a fresh id is generated when absent.
type CreateSessionRequest struct {
	SessionID string `json:"session_id"`
	Adapter   string `json:"adapter"`
	Cwd       string `json:"cwd" binding:"required"`
}

// SessionResponse describes one session in API responses.
type SessionResponse struct {
	ID        string    `json:"id"`
	Adapter   string    `json:"adapter"`
	Phase     string    `json:"phase"`
	Status    string    `json:"status"`
	Cwd       string    `json:"cwd,omitempty"`
	Model     string    `json:"model,omitempty"`
	Archived  bool      `json:"archived"`
	Consumers int       `json:"consumers"`
	PID       int       `json:"pid,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// SessionListResponse is the body of GET /sessions.
type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

// HealthResponse is the body of GET /health. Uptime is in milliseconds.
type HealthResponse struct {
	Status   string `json:"status"`
	Uptime   int64  `json:"uptime"`
	Sessions int    `json:"sessions"`
}
