package billing

import (
	"context"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing billing operation.
type OperationLog struct {
	Operation   string
	AccountID   string
	Pool        Pool
	Channel     Channel
	Amount      Amount
	ExternalRef string
	TokenID     string
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithTokenTTL overrides the authorization token validity window.
func WithTokenTTL(seconds int64) ServiceOption {
	return func(service *Service) {
		if seconds > 0 {
			service.tokenTTLSeconds = seconds
		}
	}
}

// WithRewardPolicy enables referral reward payouts on settled usage.
func WithRewardPolicy(policy RewardPolicy) ServiceOption {
	return func(service *Service) {
		service.rewardPolicy = policy
	}
}

// ZapOperationLogger adapts a zap logger to the OperationLogger interface.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wires the adapter.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation emits one structured record per operation.
func (adapter *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	if adapter.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID),
		zap.String("status", entry.Status),
	}
	if entry.Pool != "" {
		fields = append(fields, zap.String("pool", entry.Pool.String()))
	}
	if entry.Channel != "" {
		fields = append(fields, zap.String("channel", entry.Channel.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.ExternalRef != "" {
		fields = append(fields, zap.String("external_ref", entry.ExternalRef))
	}
	if entry.TokenID != "" {
		fields = append(fields, zap.String("token_id", entry.TokenID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("billing operation failed", fields...)
		return
	}
	adapter.logger.Info("billing operation", fields...)
}
