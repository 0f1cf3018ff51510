package runtime

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	agent "github.com/armatrix/claude-agent-sdk-go"
	"github.com/armatrix/claude-agent-sdk-go/permission"
	"github.com/rs/zerolog"

	"github.com/agentgate/agentgate/internal/log"
)

// sdkEventBuffer decouples SDK reads from consumer reads so a slow consumer
// never stalls the agent loop's sink.
const sdkEventBuffer = 64

// SDKConfig sets the binding-level defaults. Request fields override them
// per run.
type SDKConfig struct {
	Model    string
	MaxTurns int
}

// SDKRuntime runs queries through the claude-agent-sdk agent loop.
type SDKRuntime struct {
	cfg    SDKConfig
	logger zerolog.Logger
}

// NewSDKRuntime builds the production runtime binding. The SDK reads
// ANTHROPIC_API_KEY from the environment.
func NewSDKRuntime(cfg SDKConfig, logger zerolog.Logger) *SDKRuntime {
	return &SDKRuntime{
		cfg:    cfg,
		logger: logger.With().Str(log.FieldComponent, "runtime").Logger(),
	}
}

// Query starts one agent run and translates SDK events into the runtime
// vocabulary. The returned channel closes after the done event.
func (r *SDKRuntime) Query(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = r.cfg.Model
	}
	maxTurns := req.MaxTurns
	if maxTurns == 0 {
		maxTurns = r.cfg.MaxTurns
	}

	opts := []agent.AgentOption{}
	if model != "" {
		opts = append(opts, agent.WithModel(anthropic.Model(model)))
	}
	if maxTurns > 0 {
		opts = append(opts, agent.WithMaxTurns(maxTurns))
	}
	if req.SystemPrompt != "" {
		opts = append(opts, agent.WithSystemPrompt(req.SystemPrompt))
	}
	if mode, ok := permissionMode(req.PermissionMode); ok {
		opts = append(opts, agent.WithPermissionMode(mode))
	}

	a := agent.NewAgent(opts...)

	sess := agent.NewSession()
	if req.SessionID != "" {
		sess.ID = req.SessionID
	}
	stream := a.RunWithSession(ctx, sess, req.Prompt)

	out := make(chan Event, sdkEventBuffer)
	go func() {
		defer close(out)
		for stream.Next() {
			for _, ev := range translate(stream.Current()) {
				if !send(ctx, out, ev) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			r.logger.Error().Err(err).Msg("agent stream failed")
			if !send(ctx, out, Event{Kind: KindError, Error: "agent run failed"}) {
				return
			}
		}
		send(ctx, out, Event{Kind: KindDone})
	}()
	return out, nil
}

// send delivers one event unless the run's context is already gone. Every
// write to the event channel goes through here so an abandoned consumer can
// never strand the reader goroutine.
func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// translate maps one SDK event onto zero or more runtime events.
func translate(ev agent.Event) []Event {
	switch e := ev.(type) {
	case *agent.SystemEvent:
		return []Event{{
			Kind:      KindInit,
			SessionID: e.SessionID,
			Model:     string(e.Model),
		}}
	case *agent.StreamEvent:
		return []Event{{Kind: KindMessage, Text: e.Delta, Partial: true}}
	case *agent.AssistantEvent:
		return translateAssistant(e.Message)
	case *agent.ResultEvent:
		return []Event{{
			Kind:      KindResult,
			SessionID: e.SessionID,
			Result: &Result{
				SessionID:  e.SessionID,
				Subtype:    e.Subtype,
				IsError:    e.IsError,
				NumTurns:   e.NumTurns,
				TotalCost:  e.TotalCost,
				DurationMs: e.DurationMs,
				Text:       e.Result,
			},
		}}
	default:
		return nil
	}
}

func translateAssistant(msg anthropic.Message) []Event {
	var out []Event
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				out = append(out, Event{Kind: KindMessage, Text: block.Text})
			}
		case "tool_use":
			tu := block.AsToolUse()
			out = append(out, Event{
				Kind:      KindToolUse,
				ToolName:  tu.Name,
				ToolInput: json.RawMessage(tu.Input),
			})
		}
	}
	return out
}

func permissionMode(name string) (permission.Mode, bool) {
	switch name {
	case "accept_edits":
		return permission.ModeAcceptEdits, true
	case "bypass":
		return permission.ModeBypassPermissions, true
	case "plan":
		return permission.ModePlan, true
	case "default":
		return permission.ModeDefault, true
	}
	return permission.ModeDefault, false
}
