// Package runtime defines the contract between the query pipeline and the
// agent execution engine. The pipeline never imports SDK types directly;
// everything crosses this boundary as runtime events.
package runtime

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/agentgate/agentgate/internal/apperr"
)

// EventKind identifies one element of the runtime event stream.
type EventKind string

const (
	// KindInit opens a run and carries the runtime-assigned session id.
	KindInit EventKind = "init"
	// KindMessage carries assistant text. Partial marks streamed deltas.
	KindMessage EventKind = "message"
	// KindToolUse reports a tool invocation the agent decided on.
	KindToolUse EventKind = "tool_use"
	// KindToolResult reports the outcome of a tool invocation.
	KindToolResult EventKind = "tool_result"
	// KindResult closes a run with turn and cost accounting.
	KindResult EventKind = "result"
	// KindError reports a run-level failure. The stream stays readable.
	KindError EventKind = "error"
	// KindDone is always the final event on a stream.
	KindDone EventKind = "done"
)

// Event is one element of a run's event stream. Unused fields stay zero.
type Event struct {
	Kind      EventKind       `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Text      string          `json:"text,omitempty"`
	Partial   bool            `json:"partial,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Result    *Result         `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Result is the run summary carried by the result event.
type Result struct {
	SessionID  string          `json:"session_id"`
	Subtype    string          `json:"subtype,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	NumTurns   int             `json:"num_turns"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Text       string          `json:"text,omitempty"`
}

// Request carries the full run parameter set. Every field is explicit; the
// runtime never inspects the request for optional extras.
type Request struct {
	Prompt         string
	SystemPrompt   string
	SessionID      string // resume an existing runtime session when set
	Model          string
	MaxTurns       int
	PermissionMode string
}

// Runtime executes agent runs. The returned channel is closed after the done
// event. Cancelling ctx stops the run.
type Runtime interface {
	Query(ctx context.Context, req Request) (<-chan Event, error)
}

// Unconfigured is the runtime used when no agent binding was set up. It
// refuses every query rather than falling back to a mock.
type Unconfigured struct{}

func (Unconfigured) Query(context.Context, Request) (<-chan Event, error) {
	return nil, apperr.New(apperr.KindRuntimeUnavailable, "agent runtime is not configured")
}
