// Package memory assembles bounded conversational context for one request:
// a recency window plus relevance-ranked recall, both scoped to the
// resolved (tenant, conversation) through the sandboxed lane.
package memory

import (
	"context"

	"github.com/google/uuid"
	"log/slog"

	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/engine"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/store"
)

// Default window sizes.
const (
	DefaultRecencyLimit   = 20
	DefaultRelevanceLimit = 5
)

// Context is the assembled conversational context.
type Context struct {
	// Chronological holds the most recent messages, oldest first.
	Chronological []store.Message

	// Relevant holds additional historical messages ranked by embedding
	// similarity to the current text, not overlapping Chronological.
	Relevant []store.Message
}

// Assembler builds Context values.
type Assembler struct {
	embedder engine.Embedder
	logger   *slog.Logger
}

// NewAssembler creates an assembler. embedder may be nil; relevance recall
// is then skipped entirely.
func NewAssembler(embedder engine.Embedder, logger *slog.Logger) *Assembler {
	return &Assembler{
		embedder: embedder,
		logger:   logger.With("component", "memory"),
	}
}

// Assemble builds the context for the current text. Chronological context
// is never blocked by embedding failure: if the embedder errors, Relevant
// degrades to empty.
func (a *Assembler) Assemble(ctx context.Context, lane *store.SandboxLane, conversationID, currentText string, recencyLimit, relevanceLimit int) (*Context, error) {
	if recencyLimit <= 0 {
		recencyLimit = DefaultRecencyLimit
	}
	if relevanceLimit < 0 {
		relevanceLimit = DefaultRelevanceLimit
	}

	recent, err := lane.RecentMessages(ctx, conversationID, recencyLimit)
	if err != nil {
		return nil, err
	}

	out := &Context{Chronological: recent}

	if a.embedder == nil || relevanceLimit == 0 || currentText == "" {
		return out, nil
	}

	queryVec, err := a.embedder.Embed(ctx, currentText)
	if err != nil {
		a.logger.Warn("embedding unavailable, relevance recall skipped",
			"conversation_id", conversationID,
			"error", err,
		)
		return out, nil
	}

	seen := make(map[uuid.UUID]bool, len(recent))
	for _, m := range recent {
		seen[m.ID] = true
	}

	relevant, err := lane.SearchSimilarMessages(ctx, conversationID, queryVec, relevanceLimit, seen)
	if err != nil {
		a.logger.Warn("relevance search failed, continuing with recency only",
			"conversation_id", conversationID,
			"error", err,
		)
		return out, nil
	}
	out.Relevant = relevant
	return out, nil
}
