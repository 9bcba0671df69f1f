package core

import "encoding/json"

// Service identifies an external service reachable through a per-user
// OAuth2 grant.
type Service string

const (
	ServiceSlack  Service = "slack"
	ServiceJira   Service = "jira"
	ServiceGitHub Service = "github"
	ServiceS3     Service = "aws_s3"
)

// Params is an opaque request payload forwarded to a service adapter.
type Params map[string]interface{}

// JSON serializes params for persistence.
func (p Params) JSON() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// PlanStep is one resolved action inside a plan: which service, which
// operation, and the adapter-specific parameters.
type PlanStep struct {
	Service   Service `json:"service"`
	Operation string  `json:"operation"`
	Params    Params  `json:"params"`
}

// Plan is the ordered sequence of actions produced by the command
// interpreter. The engine consumes plans but never builds them.
type Plan struct {
	Command string     `json:"command,omitempty"` // original user command, kept for audit
	Steps   []PlanStep `json:"steps"`
}
