// Package launch implements the remote step launcher protocol: the message
// shapes, the transports they travel over, the orchestrator-side state
// machine, and the worker-side runner that executes launched steps and
// streams their events back.
package launch

import "encoding/json"

// MessageType discriminates protocol envelopes.
type MessageType string

const (
	MessageHello  MessageType = "HELLO"
	MessageLaunch MessageType = "LAUNCH"
	MessageEvent  MessageType = "EVENT"
	MessageResult MessageType = "RESULT"
	MessageCancel MessageType = "CANCEL"
)

// Envelope is the single wire shape exchanged in both directions. Exactly one
// body field is set, matching Type. Unknown fields are ignored on decode so a
// newer peer can talk to an older one.
type Envelope struct {
	Type   MessageType        `json:"type"`
	Hello  *Hello             `json:"hello,omitempty"`
	Launch *LaunchStepRequest `json:"launch,omitempty"`
	Event  *StepEvent         `json:"event,omitempty"`
	Result *StepResult        `json:"result,omitempty"`
}

// Hello opens a session in each direction and carries the sender's protocol
// revision for the compatibility check.
type Hello struct {
	ProtocolVersion string `json:"protocol_version"`
}

// LaunchStepRequest asks a worker to execute one step attempt. Config and
// Resources are opaque blobs the worker hands through to the reconstructed
// step context.
type LaunchStepRequest struct {
	RunID        string          `json:"run_id"`
	StepKey      string          `json:"step_key"`
	RetryNumber  int             `json:"retry_number"`
	OutputNames  []string        `json:"output_names,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	Resources    json.RawMessage `json:"resources,omitempty"`
	PartitionKey string          `json:"partition_key,omitempty"`
}

// StepEvent wraps one registry-encoded event, streamed in the order the
// worker's context produced it.
type StepEvent struct {
	Data json.RawMessage `json:"data"`
}

// ResultStatus is the terminal status a worker reports.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailure ResultStatus = "FAILURE"
)

// StepResult is the exactly-once terminal message of an attempt. Event holds
// the registry-encoded terminal event (success with aggregated output
// metadata, or failure); the worker drains its context fully before sending
// it. Error duplicates the failure summary for peers that cannot decode the
// event blob.
type StepResult struct {
	Status ResultStatus    `json:"status"`
	Event  json.RawMessage `json:"event,omitempty"`
	Error  *ResultError    `json:"error,omitempty"`
}

// ResultError describes a failure and whether the attempt may be retried.
type ResultError struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
