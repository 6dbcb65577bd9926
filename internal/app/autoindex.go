package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/ent0n29/shopkeeper/internal/knowledge"
)

const startupIndexTimeout = 2 * time.Minute

// maybeIndexOnStartup builds the knowledge index in the background when the
// backend holds no documents, so a fresh deployment can answer right away.
func maybeIndexOnStartup(ctx context.Context, store *knowledge.Store, ix *knowledge.Indexer, logger *slog.Logger) {
	n, err := store.Count(ctx, nil)
	if err != nil {
		logger.Warn("knowledge count failed, skipping startup index", "error", err)
		return
	}
	if n > 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), startupIndexTimeout)
		defer cancel()
		report, err := ix.ReindexAll(ctx)
		if err != nil {
			logger.Error("startup index failed", "error", err)
			return
		}
		logger.Info("startup index built",
			"products", report.Products,
			"categories", report.Categories,
			"platform", report.Platform,
			"failed", report.Failed,
		)
	}()
}
