package spool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ongoingai/agenttrace/trace"
	"golang.org/x/sync/errgroup"
)

// DataSender delivers one trace document.
type DataSender interface {
	SendData(ctx context.Context, data trace.TraceData) error
}

// ReplayOptions configures Replay.
type ReplayOptions struct {
	// Concurrency bounds parallel sends. Defaults to 4.
	Concurrency int
	// Limit caps how many entries are read. Zero replays everything.
	Limit int
	// MaxAttempts discards an entry once it failed this many replays.
	// Zero never discards.
	MaxAttempts int
	DryRun      bool
	Logger      *slog.Logger
}

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Listed    int
	Delivered int
	Failed    int
	Discarded int
}

// Replay re-sends spooled traces. Delivered and non-retryable entries past
// MaxAttempts are deleted; other failures stay spooled with their attempt
// counter raised. Only store errors abort the pass.
func Replay(ctx context.Context, store Store, sender DataSender, opts ReplayOptions) (ReplayResult, error) {
	if store == nil || sender == nil {
		return ReplayResult{}, errors.New("replay requires a store and a sender")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := store.List(ctx, opts.Limit)
	if err != nil {
		return ReplayResult{}, err
	}
	result := ReplayResult{Listed: len(entries)}
	if opts.DryRun || len(entries) == 0 {
		return result, nil
	}

	var delivered, failed, discarded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, entry := range entries {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			sendErr := sender.SendData(gctx, entry.Data)
			if sendErr == nil {
				if err := store.Delete(gctx, entry.TraceID); err != nil {
					return fmt.Errorf("delete replayed trace %q: %w", entry.TraceID, err)
				}
				delivered.Add(1)
				logger.Debug("spooled trace replayed", "trace_id", entry.TraceID)
				return nil
			}

			attempts := entry.Attempts + 1
			if opts.MaxAttempts > 0 && attempts >= opts.MaxAttempts && !trace.IsRetryable(sendErr) {
				if err := store.Delete(gctx, entry.TraceID); err != nil {
					return fmt.Errorf("discard spooled trace %q: %w", entry.TraceID, err)
				}
				discarded.Add(1)
				logger.Warn("spooled trace discarded", "trace_id", entry.TraceID, "attempts", attempts, "error_class", trace.ClassifyError(sendErr), "error", sendErr)
				return nil
			}

			if err := store.RecordAttempt(gctx, entry.TraceID, sendErr.Error()); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("record replay attempt for %q: %w", entry.TraceID, err)
			}
			failed.Add(1)
			logger.Warn("spooled trace replay failed", "trace_id", entry.TraceID, "attempts", attempts, "error_class", trace.ClassifyError(sendErr), "error", sendErr)
			return nil
		})
	}
	err = g.Wait()

	result.Delivered = int(delivered.Load())
	result.Failed = int(failed.Load())
	result.Discarded = int(discarded.Load())
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return result, err
}
