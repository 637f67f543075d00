package recall

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyon-chat/halcyon/internal/session"
)

// indexBatchSize is the number of messages embedded per pass.
const indexBatchSize = 32

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// MessageSource supplies messages awaiting indexing.
type MessageSource interface {
	UnembeddedMessages(ctx context.Context, limit int) ([]session.Message, error)
	MarkEmbedded(ctx context.Context, ids []uuid.UUID) error
}

// Indexer periodically embeds new conversation turns into the store.
type Indexer struct {
	store    *Store
	embedder Embedder
	source   MessageSource
	interval time.Duration
	logger   *zap.Logger
}

// NewIndexer creates an Indexer.
func NewIndexer(store *Store, embedder Embedder, source MessageSource, interval time.Duration, logger *zap.Logger) *Indexer {
	return &Indexer{
		store:    store,
		embedder: embedder,
		source:   source,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the indexing loop until ctx is cancelled. One pass runs
// immediately so a restart catches up without waiting a full interval.
func (ix *Indexer) Start(ctx context.Context) {
	ix.runOnce(ctx)

	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ix.runOnce(ctx)
		}
	}
}

// runOnce embeds one batch of pending messages. Messages are marked
// embedded only after the index write succeeds, so a failed pass is
// retried on the next tick.
func (ix *Indexer) runOnce(ctx context.Context) {
	msgs, err := ix.source.UnembeddedMessages(ctx, indexBatchSize)
	if err != nil {
		ix.logger.Warn("recall: list unembedded messages", zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		return
	}

	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Content
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		ix.logger.Warn("recall: embed batch", zap.Error(err))
		return
	}

	entries := make([]Entry, len(msgs))
	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		entries[i] = Entry{
			MessageID: m.ID,
			SessionID: m.SessionID,
			Role:      m.Role,
			Text:      m.Content,
			Vector:    vectors[i],
			CreatedAt: m.CreatedAt,
		}
		ids[i] = m.ID
	}

	if err := ix.store.Add(entries...); err != nil {
		ix.logger.Warn("recall: persist index", zap.Error(err))
		return
	}
	if err := ix.source.MarkEmbedded(ctx, ids); err != nil {
		ix.logger.Warn("recall: mark embedded", zap.Error(err))
		return
	}
	ix.logger.Debug("recall: indexed batch", zap.Int("messages", len(msgs)))
}
