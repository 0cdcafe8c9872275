// Package worker provides async batch processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opencivic/speedguard/internal/detect"
	"github.com/opencivic/speedguard/internal/domain"
)

// Worker processes violation batches asynchronously from the EventBus.
// Upstream feed adapters publish batches on TopicBatchIngested; the
// worker runs them through the detection pipeline and periodically
// sweeps overdue enforcement notices.
type Worker struct {
	bus domain.EventBus
	svc *detect.Service

	sweeper       Sweeper
	sweepInterval time.Duration

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Sweeper advances overdue notices. Satisfied by lifecycle.Manager.
type Sweeper interface {
	SweepDue(ctx context.Context) (int, error)
}

// Config holds worker configuration.
type Config struct {
	// SweepInterval is how often overdue notices are advanced.
	// Zero disables the periodic sweep.
	SweepInterval time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, svc *detect.Service, sweeper Sweeper) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		svc:     svc,
		sweeper: sweeper,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the batch topic and, when configured, launches the
// periodic notice sweep.
func (w *Worker) Start(cfg Config) error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicBatchIngested, w.handleBatch)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.sweepInterval = cfg.SweepInterval
	if w.sweeper != nil && w.sweepInterval > 0 {
		w.wg.Add(1)
		go w.sweepLoop()
	}

	slog.Info("worker started",
		"topic", domain.TopicBatchIngested,
		"sweep_interval", w.sweepInterval,
	)

	return nil
}

// BatchMessage is the message payload for batch processing.
type BatchMessage struct {
	BatchID string          `json:"batchId,omitempty"`
	TraceID string          `json:"traceId,omitempty"`
	Rows    []domain.RawRow `json:"rows"`
}

// handleBatch runs one published batch through the detection pipeline.
func (w *Worker) handleBatch(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var batch BatchMessage
	if err := json.Unmarshal(msg.Payload, &batch); err != nil {
		slog.Error("failed to parse batch message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if len(batch.Rows) == 0 {
		slog.Warn("empty batch message", "message_id", msg.ID)
		return nil
	}

	result, err := w.svc.IngestBatch(ctx, batch.Rows)
	if err != nil {
		slog.Error("batch processing failed",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	crossings := 0
	for _, res := range result.Deltas {
		crossings += len(res.NewCrossings)
	}

	slog.Info("batch processed from bus",
		"message_id", msg.ID,
		"batch_id", result.Report.BatchID,
		"received", result.Report.Received,
		"accepted", result.Report.Accepted,
		"new_crossings", crossings,
		"alerts_opened", len(result.Alerts),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// sweepLoop advances overdue notices on a fixed interval until Stop.
func (w *Worker) sweepLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			advanced, err := w.sweeper.SweepDue(w.ctx)
			if err != nil {
				slog.Error("notice sweep failed", "error", err)
				continue
			}
			if advanced > 0 {
				slog.Info("overdue notices advanced", "count", advanced)
			}
		}
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
