// Package scheduler drains booked sends when their fire time arrives. The
// worker re-quotes and re-authorizes at fire time, hands the batch to the
// message sender, and settles the token for the recipients that actually
// went out. Claims are atomic, so multiple worker replicas can share a queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/narau/billing/internal/metrics"
	"github.com/narau/billing/pkg/billing"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultBatchSize    = 50
	defaultParallelism  = 4
	defaultClaimTimeout = 5 * time.Minute

	outcomeSent         = "sent"
	outcomeFailed       = "failed"
	outcomeInsufficient = "insufficient_balance"
	outcomeLostClaim    = "lost_claim"
)

// Store is the scheduled-send persistence the worker drives.
type Store interface {
	DueScheduledSends(ctx context.Context, nowUnixUTC int64, limit int) ([]billing.ScheduledSend, error)
	ClaimScheduledSend(ctx context.Context, sendID string, nowUnixUTC int64) (bool, error)
	MarkScheduledSendSent(ctx context.Context, sendID string, usageEventID string, nowUnixUTC int64) error
	MarkScheduledSendFailed(ctx context.Context, sendID string, reason string) error
	RequeueStuckScheduledSends(ctx context.Context, claimedBeforeUnixUTC int64) (int64, error)
}

// Biller authorizes and settles the spend of one send.
type Biller interface {
	QuoteAndAuthorize(ctx context.Context, accountID billing.AccountID, pool billing.Pool, channel billing.Channel, conditions billing.Conditions, recipientCount int) (billing.Authorization, billing.Quote, error)
	Settle(ctx context.Context, tokenID string, successfulCount int) (billing.SettleResult, error)
}

// Sender delivers one batch and reports how many recipients received it.
type Sender interface {
	Send(ctx context.Context, send billing.ScheduledSend) (int, error)
}

// Config tunes the worker loop. Zero fields fall back to defaults.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Parallelism  int
	// ClaimTimeout is how long a processing claim may sit before the
	// reaper hands it back to the queue.
	ClaimTimeout time.Duration
}

func (config Config) withDefaults() Config {
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.Parallelism <= 0 {
		config.Parallelism = defaultParallelism
	}
	if config.ClaimTimeout <= 0 {
		config.ClaimTimeout = defaultClaimTimeout
	}
	return config
}

// Worker polls for due sends and processes them.
type Worker struct {
	store  Store
	biller Biller
	sender Sender
	logger *zap.Logger
	config Config
	nowFn  func() int64
}

// New wires a Worker.
func New(store Store, biller Biller, sender Sender, logger *zap.Logger, config Config) (*Worker, error) {
	if store == nil || biller == nil || sender == nil {
		return nil, errors.New("scheduler: store, biller and sender are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:  store,
		biller: biller,
		sender: sender,
		logger: logger,
		config: config.withDefaults(),
		nowFn:  func() int64 { return time.Now().UTC().Unix() },
	}, nil
}

// WithClock replaces the worker clock. Tests only.
func (worker *Worker) WithClock(now func() int64) *Worker {
	worker.nowFn = now
	return worker
}

// Run polls until the context ends.
func (worker *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(worker.config.PollInterval)
	defer ticker.Stop()
	for {
		if err := worker.RunOnce(ctx); err != nil {
			worker.logger.Warn("scheduler pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single pass: reap stuck claims, then drain one batch of
// due sends with bounded parallelism.
func (worker *Worker) RunOnce(ctx context.Context) error {
	now := worker.nowFn()

	requeued, err := worker.store.RequeueStuckScheduledSends(ctx, now-int64(worker.config.ClaimTimeout.Seconds()))
	if err != nil {
		return fmt.Errorf("requeue stuck sends: %w", err)
	}
	if requeued > 0 {
		metrics.ScheduledSendsRequeued.Add(float64(requeued))
		worker.logger.Info("requeued stuck sends", zap.Int64("count", requeued))
	}

	due, err := worker.store.DueScheduledSends(ctx, now, worker.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list due sends: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(worker.config.Parallelism)
	for _, send := range due {
		send := send
		group.Go(func() error {
			worker.processSend(groupCtx, send)
			return nil
		})
	}
	return group.Wait()
}

func (worker *Worker) processSend(ctx context.Context, send billing.ScheduledSend) {
	now := worker.nowFn()
	won, err := worker.store.ClaimScheduledSend(ctx, send.ID, now)
	if err != nil {
		worker.logger.Warn("claim failed", zap.String("send_id", send.ID), zap.Error(err))
		return
	}
	if !won {
		metrics.ScheduledSendsProcessed.WithLabelValues(outcomeLostClaim).Inc()
		return
	}

	accountID, err := billing.NewAccountID(send.AccountID)
	if err != nil {
		worker.failSend(ctx, send, fmt.Sprintf("invalid account: %v", err), outcomeFailed)
		return
	}

	authorization, _, err := worker.biller.QuoteAndAuthorize(ctx, accountID, send.Pool, send.Channel, send.Conditions, send.RecipientCount)
	if errors.Is(err, billing.ErrInsufficientBalance) {
		worker.failSend(ctx, send, "insufficient balance at fire time", outcomeInsufficient)
		return
	}
	if err != nil {
		worker.failSend(ctx, send, fmt.Sprintf("authorize: %v", err), outcomeFailed)
		return
	}

	successfulCount, sendErr := worker.sender.Send(ctx, send)
	if sendErr != nil {
		worker.logger.Warn("send failed",
			zap.String("send_id", send.ID),
			zap.String("channel", send.Channel.String()),
			zap.Int("successful", successfulCount),
			zap.Error(sendErr))
	}
	if successfulCount < 0 {
		successfulCount = 0
	}
	if successfulCount > send.RecipientCount {
		successfulCount = send.RecipientCount
	}

	// The token is consumed even when nothing went out, so a retry of the
	// booking never double-debits.
	result, err := worker.biller.Settle(ctx, authorization.TokenID, successfulCount)
	if err != nil {
		worker.failSend(ctx, send, fmt.Sprintf("settle: %v", err), outcomeFailed)
		return
	}

	if sendErr != nil && successfulCount == 0 {
		worker.failSend(ctx, send, fmt.Sprintf("delivery failed: %v", sendErr), outcomeFailed)
		return
	}

	usageEventID := ""
	if result.Event != nil {
		usageEventID = result.Event.EventID
	}
	if err := worker.store.MarkScheduledSendSent(ctx, send.ID, usageEventID, worker.nowFn()); err != nil {
		worker.logger.Warn("mark sent failed", zap.String("send_id", send.ID), zap.Error(err))
		return
	}
	metrics.ScheduledSendsProcessed.WithLabelValues(outcomeSent).Inc()
	worker.logger.Info("scheduled send settled",
		zap.String("send_id", send.ID),
		zap.String("account_id", send.AccountID),
		zap.String("channel", send.Channel.String()),
		zap.Int("successful", successfulCount),
		zap.Int64("debited", result.Debited.Int64()))
}

func (worker *Worker) failSend(ctx context.Context, send billing.ScheduledSend, reason string, outcome string) {
	if err := worker.store.MarkScheduledSendFailed(ctx, send.ID, reason); err != nil {
		worker.logger.Warn("mark failed errored", zap.String("send_id", send.ID), zap.Error(err))
		return
	}
	metrics.ScheduledSendsProcessed.WithLabelValues(outcome).Inc()
	worker.logger.Info("scheduled send failed",
		zap.String("send_id", send.ID),
		zap.String("account_id", send.AccountID),
		zap.String("reason", reason))
}
