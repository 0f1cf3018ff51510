package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentgate/agentgate/internal/apperr"
	"github.com/agentgate/agentgate/internal/fingerprint"
	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/metrics"
)

// Adapter is the tenant-scoped façade over the memory client. Every call
// carries the caller fingerprint as the memory user; the remote service is
// never trusted for ownership decisions on delete.
type Adapter struct {
	client *Client
	logger zerolog.Logger
}

// NewAdapter wires the adapter.
func NewAdapter(client *Client, logger zerolog.Logger) *Adapter {
	return &Adapter{
		client: client,
		logger: logger.With().Str(log.FieldComponent, "memory").Logger(),
	}
}

// Add extracts memories from the given turns for the caller.
func (a *Adapter) Add(ctx context.Context, fp fingerprint.Fingerprint, msgs []Message, metadata map[string]any) ([]Record, error) {
	recs, err := a.client.Add(ctx, fp.Hex(), msgs, metadata)
	metrics.IncMemoryCall("add", err == nil)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Search returns up to limit memories relevant to query for the caller.
func (a *Adapter) Search(ctx context.Context, fp fingerprint.Fingerprint, query string, limit int, enableGraph bool) ([]Record, error) {
	if limit <= 0 {
		limit = 5
	}
	recs, err := a.client.Search(ctx, fp.Hex(), query, limit, enableGraph)
	metrics.IncMemoryCall("search", err == nil)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Delete removes one memory after re-checking ownership locally: the record
// is fetched and its stored user id compared against the caller fingerprint.
// A mismatch or an unknown id both read as NOT_FOUND, so the memory id space
// leaks nothing across tenants.
func (a *Adapter) Delete(ctx context.Context, fp fingerprint.Fingerprint, id string) error {
	rec, err := a.client.Get(ctx, id)
	if err != nil {
		metrics.IncMemoryCall("delete", false)
		return a.classify(err, "memory lookup failed")
	}
	if rec == nil || rec.UserID != fp.Hex() {
		metrics.IncMemoryCall("delete", false)
		return apperr.New(apperr.KindNotFound, "memory not found")
	}

	if err := a.client.Delete(ctx, id); err != nil {
		metrics.IncMemoryCall("delete", false)
		return a.classify(err, "memory delete failed")
	}
	metrics.IncMemoryCall("delete", true)
	a.logger.Info().
		Str(log.FieldMemoryID, id).
		Str(log.FieldCallerFP, fp.Hex()).
		Msg("memory deleted")
	return nil
}

func (a *Adapter) classify(err error, msg string) error {
	if IsTransient(err) {
		return apperr.Wrap(apperr.KindUnavailable, msg, err)
	}
	return apperr.Wrap(apperr.KindInternal, msg, err)
}

// ContextPrompt renders search hits as a system-prompt block. Empty input
// yields the empty string.
func ContextPrompt(recs []Record) string {
	if len(recs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant context from previous conversations:\n")
	for _, r := range recs {
		fmt.Fprintf(&b, "- %s\n", r.Memory)
	}
	return b.String()
}
