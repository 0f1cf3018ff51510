// Package orchestrator drives the query pipeline shared by the single-shot
// and streaming endpoints: resolve the session, inject memory context, run
// the agent, fan events out, then persist and extract exactly once.
package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/agentgate/agentgate/internal/apperr"
	"github.com/agentgate/agentgate/internal/fingerprint"
	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/memory"
	"github.com/agentgate/agentgate/internal/metrics"
	"github.com/agentgate/agentgate/internal/runtime"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/session/manager"
)

// memoryDownNotice is appended verbatim to the system prompt when the memory
// service cannot be reached during injection.
const memoryDownNotice = "Note: memory context is currently unavailable."

// runtimeSessionKey is the metadata key linking a gateway session to the
// runtime's own session id.
const runtimeSessionKey = "runtime_session_id"

// Config tunes the pipeline. Zero values take the defaults below.
type Config struct {
	// EventDepth bounds the stream fan-out channel. A consumer that stops
	// reading stalls the runtime reader instead of growing memory.
	EventDepth int
	// MemoryInjectTimeout bounds the pre-run memory search.
	MemoryInjectTimeout time.Duration
	// PersistGrace bounds best-effort persistence after cancellation.
	PersistGrace time.Duration
	// MemoryTopK is the number of memories injected per query.
	MemoryTopK int
}

func (c Config) withDefaults() Config {
	if c.EventDepth <= 0 {
		c.EventDepth = 256
	}
	if c.MemoryInjectTimeout <= 0 {
		c.MemoryInjectTimeout = 3 * time.Second
	}
	if c.PersistGrace <= 0 {
		c.PersistGrace = 5 * time.Second
	}
	if c.MemoryTopK <= 0 {
		c.MemoryTopK = 5
	}
	return c
}

// Orchestrator wires the session manager, the memory adapter and the agent
// runtime into one pipeline. The memory adapter may be nil when the memory
// service is disabled.
type Orchestrator struct {
	sessions *manager.Manager
	memory   *memory.Adapter
	runtime  runtime.Runtime
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// New wires the orchestrator.
func New(sessions *manager.Manager, mem *memory.Adapter, rt runtime.Runtime, cfg Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		memory:   mem,
		runtime:  rt,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str(log.FieldComponent, "orchestrator").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Request is one query against a new or existing session.
type Request struct {
	Prompt         string
	SessionID      *uuid.UUID // resume when set; otherwise a new session
	Mode           session.Mode
	Model          string
	SystemPrompt   string
	PermissionMode string
	MaxTurns       int
	ProjectID      string
	EnableGraph    bool
}

// SingleResponse is the buffered outcome of a single-shot query.
type SingleResponse struct {
	SessionID  uuid.UUID       `json:"session_id"`
	Text       string          `json:"text"`
	NumTurns   int             `json:"num_turns"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	// MemoryExtractionError is set when the post-run extraction failed.
	// The query itself still succeeded.
	MemoryExtractionError string `json:"memory_extraction_error,omitempty"`
}

// Single runs the query to completion and returns the buffered result.
func (o *Orchestrator) Single(ctx context.Context, caller fingerprint.Fingerprint, req Request) (*SingleResponse, error) {
	start := time.Now()
	st, err := o.run(ctx, caller, req, nil)
	metrics.IncQuery("single", err == nil)
	metrics.ObserveQueryDuration("single", time.Since(start))
	if err != nil {
		return nil, err
	}

	resp := &SingleResponse{
		SessionID: st.rec.ID,
		Text:      st.text(),
		NumTurns:  int(st.rec.TotalTurns),
		TotalCost: st.rec.TotalCost,
	}
	if st.result != nil {
		resp.NumTurns = st.result.NumTurns
		resp.TotalCost = st.result.TotalCost
		resp.DurationMs = st.result.DurationMs
	}
	if st.extractErr != nil {
		resp.MemoryExtractionError = "memory extraction failed"
	}
	return resp, nil
}

// Stream runs the query and emits events on the returned channel. Setup
// failures are returned synchronously; after that every outcome, including
// persistence or extraction failures, arrives as events, and the channel
// always closes after a done event.
func (o *Orchestrator) Stream(ctx context.Context, caller fingerprint.Fingerprint, req Request) (<-chan runtime.Event, error) {
	out := make(chan runtime.Event, o.cfg.EventDepth)

	st, events, err := o.prepare(ctx, caller, req)
	if err != nil {
		metrics.IncQuery("stream", false)
		return nil, err
	}

	start := time.Now()
	go func() {
		defer close(out)
		emit := func(ev runtime.Event) bool {
			metrics.StreamEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		err := o.consume(ctx, caller, req, st, events, emit)
		metrics.IncQuery("stream", err == nil)
		metrics.ObserveQueryDuration("stream", time.Since(start))
	}()
	return out, nil
}

// runState accumulates the pipeline's view of one run. rec only seeds a
// first-time insert; the run's accounting reaches the store as a delta folded
// into freshly read state, so mutations landing mid-run survive the commit.
type runState struct {
	rec        *session.Session
	runtimeID  string // runtime-assigned session id from the init event
	model      string // model reported by the init event
	messages   []string
	toolUses   []session.TranscriptEntry
	result     *runtime.Result
	runtimeErr bool
	extractErr error
}

func (st *runState) text() string {
	return strings.Join(st.messages, "")
}

// run is the buffered pipeline used by Single.
func (o *Orchestrator) run(ctx context.Context, caller fingerprint.Fingerprint, req Request, emit func(runtime.Event) bool) (*runState, error) {
	st, events, err := o.prepare(ctx, caller, req)
	if err != nil {
		return nil, err
	}
	if err := o.consume(ctx, caller, req, st, events, emit); err != nil {
		return nil, err
	}
	return st, nil
}

// prepare resolves the session, injects memory context and starts the
// runtime. All failures here happen before any event is produced.
func (o *Orchestrator) prepare(ctx context.Context, caller fingerprint.Fingerprint, req Request) (*runState, <-chan runtime.Event, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, nil, apperr.New(apperr.KindValidation, "prompt must not be empty")
	}

	st := &runState{}
	rtReq := runtime.Request{
		Prompt:         req.Prompt,
		SystemPrompt:   req.SystemPrompt,
		Model:          req.Model,
		MaxTurns:       req.MaxTurns,
		PermissionMode: req.PermissionMode,
	}

	if req.SessionID != nil {
		rec, err := o.sessions.Get(ctx, caller, *req.SessionID)
		if err != nil {
			return nil, nil, err
		}
		if rec.Status.Terminal() {
			return nil, nil, apperr.Newf(apperr.KindTerminal, "session %s is %s", rec.ID, rec.Status)
		}
		st.rec = rec.Clone()
		if rid, ok := rec.Metadata[runtimeSessionKey].(string); ok {
			rtReq.SessionID = rid
		}
		if rtReq.Model == "" {
			rtReq.Model = rec.Model
		}
	} else {
		mode := req.Mode
		if mode == "" {
			mode = session.ModeBrainstorm
		}
		if !mode.Valid() {
			return nil, nil, apperr.Newf(apperr.KindValidation, "invalid mode %q", mode)
		}
		now := o.now()
		st.rec = &session.Session{
			ID:        uuid.New(),
			Mode:      mode,
			Status:    session.StatusActive,
			Owner:     caller,
			ProjectID: req.ProjectID,
			Model:     req.Model,
			TotalCost: decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	rtReq.SystemPrompt = o.injectMemory(ctx, caller, req, rtReq.SystemPrompt)

	events, err := o.runtime.Query(ctx, rtReq)
	if err != nil {
		return nil, nil, err
	}
	return st, events, nil
}

// injectMemory prepends relevant memories to the system prompt. A transport
// failure degrades to a verbatim notice; any other failure skips injection.
func (o *Orchestrator) injectMemory(ctx context.Context, caller fingerprint.Fingerprint, req Request, systemPrompt string) string {
	if o.memory == nil || caller.IsZero() {
		return systemPrompt
	}

	mctx, cancel := context.WithTimeout(ctx, o.cfg.MemoryInjectTimeout)
	defer cancel()

	recs, err := o.memory.Search(mctx, caller, req.Prompt, o.cfg.MemoryTopK, req.EnableGraph)
	if err != nil {
		if memory.IsTransient(err) || mctx.Err() != nil {
			o.logger.Warn().Err(err).
				Str(log.FieldCallerFP, caller.Hex()).
				Msg("memory injection unavailable, degrading")
			return appendBlock(systemPrompt, memoryDownNotice)
		}
		o.logger.Warn().Err(err).
			Str(log.FieldCallerFP, caller.Hex()).
			Msg("memory injection failed, skipping")
		return systemPrompt
	}
	return appendBlock(systemPrompt, memory.ContextPrompt(recs))
}

func appendBlock(prompt, block string) string {
	if block == "" {
		return prompt
	}
	if prompt == "" {
		return block
	}
	return prompt + "\n\n" + block
}

// consume drains the runtime stream, then persists and extracts. When emit is
// non-nil every event is forwarded; the terminal done event is emitted last,
// after persistence and extraction have reported their own events.
func (o *Orchestrator) consume(ctx context.Context, caller fingerprint.Fingerprint, req Request, st *runState, events <-chan runtime.Event, emit func(runtime.Event) bool) error {
	logger := o.logger.With().Str(log.FieldSessionID, st.rec.ID.String()).Logger()

	cancelled := false
loop:
	for {
		select {
		case <-ctx.Done():
			cancelled = true
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch ev.Kind {
			case runtime.KindInit:
				if ev.SessionID == "" {
					logger.Error().
						Str(log.FieldErrorID, apperr.ErrIDInitParseFailed).
						Msg("init event missing runtime session id")
					if emit != nil && !emit(runtime.Event{Kind: runtime.KindError, Error: "runtime init could not be parsed"}) {
						cancelled = true
						break loop
					}
					continue
				}
				st.runtimeID = ev.SessionID
				st.model = ev.Model
			case runtime.KindMessage:
				if !ev.Partial && ev.Text != "" {
					st.messages = append(st.messages, ev.Text)
				}
			case runtime.KindToolUse:
				content, _ := json.Marshal(map[string]any{
					"tool":  ev.ToolName,
					"input": ev.ToolInput,
				})
				st.toolUses = append(st.toolUses, session.TranscriptEntry{
					Role:      session.RoleTool,
					Content:   content,
					CreatedAt: o.now(),
				})
			case runtime.KindResult:
				if ev.Result == nil {
					logger.Error().
						Str(log.FieldErrorID, apperr.ErrIDResultParseFailed).
						Msg("result event missing payload")
					continue
				}
				st.result = ev.Result
			case runtime.KindError:
				st.runtimeErr = true
			case runtime.KindDone:
				// Done is re-emitted by us after persistence, once.
				break loop
			}
			if emit != nil && ev.Kind != runtime.KindDone {
				if !emit(ev) {
					cancelled = true
					break loop
				}
			}
		}
	}

	if cancelled {
		o.persistCancelled(ctx, st, req)
		return apperr.Wrap(apperr.KindUnavailable, "query cancelled", ctx.Err())
	}

	if err := o.persist(ctx, st, req); err != nil {
		if emit != nil {
			emit(runtime.Event{Kind: runtime.KindError, Error: "failed to persist query result"})
			emit(runtime.Event{Kind: runtime.KindDone})
		}
		return err
	}

	// A run that failed without producing a result must not read as success.
	// The session is already persisted with status error at this point.
	if st.runtimeErr && st.result == nil {
		if emit != nil {
			emit(runtime.Event{Kind: runtime.KindDone})
		}
		return apperr.New(apperr.KindInternal, "agent run failed")
	}

	st.extractErr = o.extract(ctx, caller, st, req)
	if st.extractErr != nil && emit != nil {
		emit(runtime.Event{
			Kind:  runtime.KindError,
			Error: string(apperr.KindMemoryExtractionFailed),
		})
	}

	if emit != nil {
		emit(runtime.Event{Kind: runtime.KindDone})
	}
	return nil
}

// persist commits the run's delta with the new transcript entries and adopts
// the committed record.
func (o *Orchestrator) persist(ctx context.Context, st *runState, req Request) error {
	committed, err := o.sessions.CommitResult(ctx, st.rec, o.delta(st), o.entries(st, req))
	if err != nil {
		return err
	}
	st.rec = committed
	return nil
}

// persistCancelled is the best-effort bounded flush after cancellation.
// Failures are logged, never returned; extraction is skipped entirely.
func (o *Orchestrator) persistCancelled(ctx context.Context, st *runState, req Request) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistGrace)
	defer cancel()

	if _, err := o.sessions.CommitResult(pctx, st.rec, o.delta(st), o.entries(st, req)); err != nil {
		o.logger.Warn().Err(err).
			Str(log.FieldSessionID, st.rec.ID.String()).
			Msg("post-cancellation persistence failed")
	}
}

func (o *Orchestrator) delta(st *runState) manager.RunDelta {
	d := manager.RunDelta{Model: st.model, Failed: st.runtimeErr}
	if st.result != nil {
		d.Turns = uint32(st.result.NumTurns)
		d.Cost = st.result.TotalCost
		if st.result.IsError {
			d.Failed = true
		}
	}
	if st.runtimeID != "" {
		d.Metadata = map[string]any{runtimeSessionKey: st.runtimeID}
	}
	return d
}

func (o *Orchestrator) entries(st *runState, req Request) []session.TranscriptEntry {
	now := o.now()
	prompt, _ := json.Marshal(req.Prompt)
	out := []session.TranscriptEntry{{
		Role:      session.RoleUser,
		Content:   prompt,
		CreatedAt: now,
	}}
	out = append(out, st.toolUses...)
	if text := st.text(); text != "" {
		content, _ := json.Marshal(text)
		out = append(out, session.TranscriptEntry{
			Role:      session.RoleAssistant,
			Content:   content,
			CreatedAt: now,
		})
	}
	return out
}

// extract submits the completed exchange for memory extraction. Never called
// after cancellation.
func (o *Orchestrator) extract(ctx context.Context, caller fingerprint.Fingerprint, st *runState, req Request) error {
	if o.memory == nil || caller.IsZero() {
		return nil
	}
	text := st.text()
	if text == "" {
		return nil
	}

	_, err := o.memory.Add(ctx, caller, []memory.Message{
		{Role: "user", Content: req.Prompt},
		{Role: "assistant", Content: text},
	}, map[string]any{"session_id": st.rec.ID.String()})
	if err != nil {
		o.logger.Error().Err(err).
			Str(log.FieldSessionID, st.rec.ID.String()).
			Str(log.FieldErrorID, apperr.ErrIDMemoryExtractFailed).
			Msg("memory extraction failed")
		return apperr.Wrap(apperr.KindMemoryExtractionFailed, "memory extraction failed", err)
	}
	return nil
}
