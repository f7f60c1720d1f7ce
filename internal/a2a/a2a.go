// Package a2a defines the agent-to-agent protocol types and the client
// abstraction the core uses to reach remote agents. The wire transport is
// NATS request/reply; a loopback implementation serves single-node setups
// and tests.
package a2a

import (
	"context"
	"encoding/json"
)

// TaskState values a peer may report for a request.
const (
	StateCompleted     = "completed"
	StateFailed        = "failed"
	StateInputRequired = "input-required"
)

// ArtifactTriageResult is the artifact name carrying structured triage
// output in sysadmin responses.
const ArtifactTriageResult = "triage-result"

// DataPart is an opaque tagged data attachment on a message or artifact.
type DataPart struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data"`
}

// Message is the outbound payload of one A2A request.
type Message struct {
	Text      string     `json:"text"`
	DataParts []DataPart `json:"dataParts,omitempty"`
}

// Artifact is a named output attached to a peer's response.
type Artifact struct {
	Name  string     `json:"name"`
	Parts []DataPart `json:"parts,omitempty"`
}

// TriageResult is the structured payload of a triage-result artifact.
type TriageResult struct {
	Level                 string   `json:"level"` // GREEN, YELLOW, RED
	Action                string   `json:"action"`
	Reasoning             string   `json:"reasoning"`
	RiskFactors           []string `json:"riskFactors,omitempty"`
	RequiresHumanApproval bool     `json:"requiresHumanApproval"`
}

// SendResult is the peer's settlement of one A2A request.
type SendResult struct {
	TaskID    string     `json:"taskId"`
	State     string     `json:"state"` // completed, failed, input-required
	Response  string     `json:"response,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Triage extracts a triage-result artifact from the response, if present.
func (r *SendResult) Triage() (*TriageResult, bool) {
	for _, artifact := range r.Artifacts {
		if artifact.Name != ArtifactTriageResult {
			continue
		}
		for _, part := range artifact.Parts {
			raw, err := json.Marshal(part.Data)
			if err != nil {
				continue
			}
			var triage TriageResult
			if err := json.Unmarshal(raw, &triage); err != nil {
				continue
			}
			return &triage, true
		}
	}
	return nil, false
}

// Request is the wire shape of one inbound A2A call.
type Request struct {
	FromAgentID string  `json:"fromAgentId"`
	Message     Message `json:"message"`
}

// Handler processes an inbound A2A request on behalf of a local agent.
type Handler func(ctx context.Context, req Request) (*SendResult, error)

// Client sends A2A requests to agents by identifier.
type Client interface {
	Send(ctx context.Context, toAgentID string, req Request) (*SendResult, error)
}
