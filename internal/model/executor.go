package model

import "time"

// ExecutorRecord is the run-time status of one deployment: created
// alongside its Deployment, and finished-set by interpreter completion, an
// explicit stop, or watcher timeout.
type ExecutorRecord struct {
	ExecutorID   string    `json:"executor_id"`
	ExperimentID string    `json:"experiment_id"`
	NodeName     string    `json:"node_name"`
	Connector    string    `json:"connector"`
	Finished     bool      `json:"finished"`
	Error        string    `json:"error,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// StopRequest identifies one executor a stop_executors call should target.
type StopRequest struct {
	ExecutorID string `json:"executor_id"`
	NodeName   string `json:"node_name"`
}
