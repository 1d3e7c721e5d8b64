// Package worker evaluates transactions asynchronously off the event bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Worker subscribes to transaction-created events, evaluates each
// transaction through the engine, and publishes the outcome.
type Worker struct {
	bus    domain.EventBus
	engine *engine.Engine

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// New creates a worker. Call Start to begin consuming.
func New(bus domain.EventBus, eng *engine.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the transaction-created topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionCreated, w.handleTransactionCreated)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started", "topic", domain.TopicTransactionCreated)
	return nil
}

// handleTransactionCreated evaluates one transaction and publishes the
// result. A failed evaluation is an error, never a default ALLOW: the
// message handler reports it and no completion event is published.
func (w *Worker) handleTransactionCreated(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var event domain.TransactionCreatedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse transaction event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	result, err := w.engine.EvaluateTransaction(ctx, event.TransactionID)
	if err != nil {
		metrics.RecordEvaluationError()
		slog.Error("async evaluation failed",
			"tx_id", event.TransactionID,
			"error", err,
		)
		return err
	}
	metrics.RecordEvaluation(result, time.Since(start))

	payload, _ := json.Marshal(result)
	if err := w.bus.Publish(ctx, domain.TopicEvaluationCompleted, payload); err != nil {
		slog.Error("failed to publish evaluation result",
			"tx_id", event.TransactionID,
			"error", err,
		)
	}

	if result.Decision != domain.DecisionAllow {
		if err := w.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert",
				"tx_id", event.TransactionID,
				"error", err,
			)
		}
	}

	slog.Info("transaction evaluated",
		"tx_id", event.TransactionID,
		"decision", result.Decision,
		"risk_score", result.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}
