package model

import "time"

// ExperimentStatus is the experiment's position in the state machine of
// SPEC_FULL.md §4.3: UNKNOWN → PREPARING → READY → RUNNING → FINISHED.
type ExperimentStatus int

const (
	StatusUnknown ExperimentStatus = iota
	StatusPreparing
	StatusReady
	StatusRunning
	StatusFinished
)

func (s ExperimentStatus) String() string {
	switch s {
	case StatusPreparing:
		return "PREPARING"
	case StatusReady:
		return "READY"
	case StatusRunning:
		return "RUNNING"
	case StatusFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Experiment is the unit a user submits and names.
type Experiment struct {
	ExperimentID     string           `json:"experiment_id"`
	Username         string           `json:"username"`
	ExperimentName   string           `json:"experiment_name"`
	Status           ExperimentStatus `json:"status"`
	Error            string           `json:"error,omitempty"`
	CreationTime     time.Time        `json:"creation_time"`
	StartTime        time.Time        `json:"start_time,omitempty"`
	Deployments      []Deployment     `json:"deployments"`
	KeepAliveTimeout time.Duration    `json:"keep_alive_timeout"`
	CleanedUp        bool             `json:"cleaned_up"`
	Results          map[string]Result `json:"results,omitempty"`
}

// ExperimentResult is the status-plus-optional-payload shape returned by
// GET /experiment/{name}.
type ExperimentResult struct {
	Status     ExperimentStatus   `json:"status"`
	Experiment *Experiment        `json:"experiment,omitempty"`
	Results    map[string]Result  `json:"results,omitempty"`
}
