package billing

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the billing domain logic over a Store.
type Service struct {
	store           Store
	nowFn           func() int64
	logger          OperationLogger
	tokenTTLSeconds int64
	rewardPolicy    RewardPolicy
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		nowFn:           now,
		tokenTTLSeconds: int64(defaultTokenTTL.Seconds()),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance folds the completed event stream of one pool.
func (service *Service) Balance(ctx context.Context, accountID AccountID, pool Pool) (Amount, error) {
	return service.store.SumPool(ctx, accountID.String(), pool)
}

// Balances reports both pool balances of one account.
func (service *Service) Balances(ctx context.Context, accountID AccountID) (BalanceReport, error) {
	advertising, err := service.store.SumPool(ctx, accountID.String(), PoolAdvertising)
	if err != nil {
		return BalanceReport{}, err
	}
	reward, err := service.store.SumPool(ctx, accountID.String(), PoolReward)
	if err != nil {
		return BalanceReport{}, err
	}
	return BalanceReport{Advertising: advertising, Reward: reward}, nil
}

// History lists events for statements and reporting, newest first.
func (service *Service) History(ctx context.Context, accountID AccountID, filter EventFilter) ([]TransactionEvent, error) {
	return service.store.ListEvents(ctx, accountID.String(), filter)
}

// ChargeResult reports the outcome of an idempotent charge admission.
type ChargeResult struct {
	Applied    bool
	Event      TransactionEvent
	NewBalance Amount
}

// AdmitCharge credits a pool for a confirmed payment or grant. Retried
// gateway callbacks with the same external ref return the original event with
// Applied=false and no balance effect.
func (service *Service) AdmitCharge(ctx context.Context, accountID AccountID, pool Pool, amount Amount, externalRef ExternalRef, channel Channel, metadata MetadataJSON) (ChargeResult, error) {
	result, operationError := service.admitCharge(ctx, chargeRequest{
		accountID:   accountID.String(),
		pool:        pool,
		channel:     channel,
		amount:      amount,
		externalRef: externalRef.String(),
		metadata:    metadata.String(),
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationAdmitCharge,
		AccountID:   accountID.String(),
		Pool:        pool,
		Channel:     channel,
		Amount:      amount,
		ExternalRef: externalRef.String(),
		Error:       operationError,
	})
	return result, operationError
}

type chargeRequest struct {
	accountID   string
	pool        Pool
	channel     Channel
	amount      Amount
	externalRef string
	metadata    string
}

func (service *Service) admitCharge(ctx context.Context, request chargeRequest) (ChargeResult, error) {
	var result ChargeResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockAccount(ctx, request.accountID); err != nil {
			return err
		}
		existing, found, err := transactionStore.FindEventByExternalRef(ctx, request.accountID, KindCharge, request.externalRef)
		if err != nil {
			return err
		}
		if found {
			result.Applied = false
			result.Event = existing
			result.NewBalance, err = transactionStore.SumPool(ctx, request.accountID, request.pool)
			return err
		}
		event, err := transactionStore.InsertEvent(ctx, EventInput{
			AccountID:      request.accountID,
			Kind:           KindCharge,
			Amount:         request.amount,
			Pool:           request.pool,
			Channel:        request.channel,
			ExternalRef:    request.externalRef,
			Status:         StatusCompleted,
			MetadataJSON:   request.metadata,
			CreatedUnixUTC: service.nowFn(),
		})
		if errors.Is(err, ErrDuplicateExternalRef) {
			// Lost the check-and-insert race to a concurrent callback.
			existing, _, lookupErr := transactionStore.FindEventByExternalRef(ctx, request.accountID, KindCharge, request.externalRef)
			if lookupErr != nil {
				return lookupErr
			}
			result.Applied = false
			result.Event = existing
			result.NewBalance, lookupErr = transactionStore.SumPool(ctx, request.accountID, request.pool)
			return lookupErr
		}
		if err != nil {
			return err
		}
		result.Applied = true
		result.Event = event
		result.NewBalance, err = transactionStore.SumPool(ctx, request.accountID, request.pool)
		return err
	})
	if operationError != nil {
		return ChargeResult{}, operationError
	}
	return result, nil
}

// Grant credits a pool on behalf of an administrative actor.
func (service *Service) Grant(ctx context.Context, accountID AccountID, pool Pool, amount Amount, externalRef ExternalRef, metadata MetadataJSON) (ChargeResult, error) {
	result, operationError := service.admitCharge(ctx, chargeRequest{
		accountID:   accountID.String(),
		pool:        pool,
		channel:     ChannelAdminGrant,
		amount:      amount,
		externalRef: externalRef.String(),
		metadata:    metadata.String(),
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationGrant,
		AccountID:   accountID.String(),
		Pool:        pool,
		Channel:     ChannelAdminGrant,
		Amount:      amount,
		ExternalRef: externalRef.String(),
		Error:       operationError,
	})
	return result, operationError
}

// Refund appends a correcting credit. The original event is never mutated.
func (service *Service) Refund(ctx context.Context, accountID AccountID, pool Pool, amount Amount, externalRef ExternalRef, metadata MetadataJSON) (TransactionEvent, error) {
	return service.appendAdjustment(ctx, operationRefund, KindRefund, accountID, pool, amount, externalRef, metadata)
}

// Penalty appends an administrative debit.
func (service *Service) Penalty(ctx context.Context, accountID AccountID, pool Pool, amount Amount, externalRef ExternalRef, metadata MetadataJSON) (TransactionEvent, error) {
	return service.appendAdjustment(ctx, operationPenalty, KindPenalty, accountID, pool, amount, externalRef, metadata)
}

func (service *Service) appendAdjustment(ctx context.Context, operation string, kind EventKind, accountID AccountID, pool Pool, amount Amount, externalRef ExternalRef, metadata MetadataJSON) (TransactionEvent, error) {
	var event TransactionEvent
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockAccount(ctx, accountID.String()); err != nil {
			return err
		}
		var err error
		event, err = transactionStore.InsertEvent(ctx, EventInput{
			AccountID:      accountID.String(),
			Kind:           kind,
			Amount:         amount,
			Pool:           pool,
			Channel:        ChannelAdminAdjustment,
			ExternalRef:    externalRef.String(),
			Status:         StatusCompleted,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operation,
		AccountID:   accountID.String(),
		Pool:        pool,
		Channel:     ChannelAdminAdjustment,
		Amount:      amount,
		ExternalRef: externalRef.String(),
		Error:       operationError,
	})
	if operationError != nil {
		return TransactionEvent{}, operationError
	}
	return event, nil
}

// Reconcile compares the event fold against the running per-pool counters.
// Divergence is surfaced to the caller as an alarm; nothing is overwritten.
func (service *Service) Reconcile(ctx context.Context, accountID AccountID) (ReconcileReport, error) {
	fold, err := service.Balances(ctx, accountID)
	if err != nil {
		return ReconcileReport{}, err
	}
	counters, err := service.store.PoolCounters(ctx, accountID.String())
	if err != nil {
		return ReconcileReport{}, err
	}
	return ReconcileReport{
		Fold:      fold,
		Counters:  counters,
		Divergent: fold != counters,
	}, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
