// Package api holds the JSON shapes and request helpers shared by the HTTP
// handlers.
package api

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details []ValidationError `json:"details,omitempty"`
}

type HealthResponse struct {
	Status           string            `json:"status"`
	Checks           map[string]string `json:"checks,omitempty"`
	AlertQueueLength int64             `json:"alert_queue_length"`
}
