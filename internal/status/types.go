package status

import (
	"github.com/fyrsmithlabs/gyre/internal/quality"
	"github.com/fyrsmithlabs/gyre/internal/session"
)

// HealthResponse is the body for GET /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	Quarantined bool   `json:"quarantined"`
}

// SessionsResponse is the body for GET /api/v1/sessions.
type SessionsResponse struct {
	Count    int                         `json:"count"`
	Sessions []session.SessionStatistics `json:"sessions"`
}

// SessionDetailResponse is the body for GET /api/v1/sessions/:agent.
type SessionDetailResponse struct {
	Statistics session.SessionStatistics `json:"statistics"`
	Actions    []session.AgentAction     `json:"actions"`
}

// ThreadsResponse is the body for GET /api/v1/threads. Statistics cover
// the whole thread population even when a path filter narrows Threads.
type ThreadsResponse struct {
	Count      int                      `json:"count"`
	Threads    []quality.FileThread     `json:"threads"`
	Statistics quality.ThreadStatistics `json:"statistics"`
}
