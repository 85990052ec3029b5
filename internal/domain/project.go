package domain

import "time"

// Project is a registered codebase the dashboard manages. Control
// settings describe how to reach the agent supervisor for this project.
type Project struct {
	Name string

	ControlURL     string
	ControlSecret  string // HMAC secret
	ControlTimeout time.Duration

	Disabled bool
}
