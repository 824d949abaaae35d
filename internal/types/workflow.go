package types

import (
	"fmt"
	"strings"
)

// Workflow identifies one of the exchange's market variants
type Workflow string

const (
	WorkflowSaleable   Workflow = "saleable"
	WorkflowSlum       Workflow = "slum"
	WorkflowSubsidized Workflow = "subsidized"
	WorkflowClearland  Workflow = "clearland"
)

// Valid reports whether w is one of the known workflows
func (w Workflow) Valid() bool {
	switch w {
	case WorkflowSaleable, WorkflowSlum, WorkflowSubsidized, WorkflowClearland:
		return true
	default:
		return false
	}
}

func (w Workflow) String() string {
	return string(w)
}

// ParseWorkflow validates and normalises a workflow name taken from a request
func ParseWorkflow(s string) (Workflow, error) {
	w := Workflow(strings.ToLower(strings.TrimSpace(s)))
	if !w.Valid() {
		return "", Invalid(fmt.Sprintf("unknown workflow %q", s))
	}
	return w, nil
}

// Scope addresses a single round of a project within a workflow
type Scope struct {
	Workflow  Workflow `json:"workflow"`
	ProjectID string   `json:"project_id"`
	T         int      `json:"t"`
}

// Validate rejects malformed scopes before any storage access
func (s Scope) Validate() error {
	if !s.Workflow.Valid() {
		return Invalid(fmt.Sprintf("unknown workflow %q", s.Workflow))
	}
	if strings.TrimSpace(s.ProjectID) == "" {
		return Invalid("project_id is required")
	}
	if s.T < 0 {
		return Invalid("round index t must be >= 0")
	}
	return nil
}

// Key is the lock key serializing every write for the (workflow, project) pair
func (s Scope) Key() string {
	return ProjectKey(s.Workflow, s.ProjectID)
}

// ProjectKey builds the (workflow, project) lock key
func ProjectKey(w Workflow, projectID string) string {
	return "scope:" + string(w) + ":" + projectID
}
