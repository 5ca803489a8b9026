package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// QuoteSend resolves the unit and total cost of sending to recipientCount
// recipients on a channel under the current active ruleset.
func (service *Service) QuoteSend(ctx context.Context, channel Channel, conditions Conditions, recipientCount int) (Quote, error) {
	if recipientCount <= 0 {
		return Quote{}, fmt.Errorf("%w: %d", ErrInvalidRecipientCount, recipientCount)
	}
	rules, err := service.store.ListActivePricingRules(ctx, channel)
	if err != nil {
		return Quote{}, err
	}
	unitCost, applied, err := ResolveUnitCost(rules, conditions)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Channel:        channel,
		UnitCost:       unitCost,
		RecipientCount: recipientCount,
		TotalCost:      unitCost * Amount(recipientCount),
		AppliedRuleIDs: applied,
	}, nil
}

// Authorize reserves quote.TotalCost against one pool. The balance re-read
// and the token insert share a transaction under the account lock, so two
// concurrent authorizations against a nearly exhausted balance cannot both
// succeed. No ledger event is written: an abandoned token simply expires.
func (service *Service) Authorize(ctx context.Context, accountID AccountID, pool Pool, quote Quote) (Authorization, error) {
	var authorization Authorization
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockAccount(ctx, accountID.String()); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		balance, err := transactionStore.SumPool(ctx, accountID.String(), pool)
		if err != nil {
			return err
		}
		held, err := transactionStore.SumActiveAuthorizations(ctx, accountID.String(), pool, nowUnixUTC)
		if err != nil {
			return err
		}
		available := balance - held
		if available < quote.TotalCost {
			return &InsufficientBalanceError{
				Pool:      pool,
				Requested: quote.TotalCost,
				Available: available,
			}
		}
		authorization = Authorization{
			TokenID:          uuid.NewString(),
			AccountID:        accountID.String(),
			Pool:             pool,
			Channel:          quote.Channel,
			UnitCost:         quote.UnitCost,
			TotalCost:        quote.TotalCost,
			RecipientCount:   quote.RecipientCount,
			Status:           AuthorizationActive,
			QuoteJSON:        quote.MetadataJSON(),
			ExpiresAtUnixUTC: nowUnixUTC + service.tokenTTLSeconds,
			CreatedUnixUTC:   nowUnixUTC,
		}
		return transactionStore.CreateAuthorization(ctx, authorization)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAuthorize,
		AccountID: accountID.String(),
		Pool:      pool,
		Channel:   quote.Channel,
		Amount:    quote.TotalCost,
		TokenID:   authorization.TokenID,
		Error:     operationError,
	})
	if operationError != nil {
		return Authorization{}, operationError
	}
	return authorization, nil
}

// QuoteAndAuthorize is the combined check used by the send endpoints and the
// settlement worker.
func (service *Service) QuoteAndAuthorize(ctx context.Context, accountID AccountID, pool Pool, channel Channel, conditions Conditions, recipientCount int) (Authorization, Quote, error) {
	quote, err := service.QuoteSend(ctx, channel, conditions, recipientCount)
	if err != nil {
		return Authorization{}, Quote{}, err
	}
	authorization, err := service.Authorize(ctx, accountID, pool, quote)
	if err != nil {
		return Authorization{}, quote, err
	}
	return authorization, quote, nil
}

// SettleResult reports the ledger effect of one settlement.
type SettleResult struct {
	Debited Amount
	Event   *TransactionEvent
}

// Settle redeems a token after the external send finished, debiting only the
// recipients that actually received the message. Zero successes settle the
// token without any ledger write. Settlement is idempotent: the atomic
// active->settled transition admits exactly one debit per token, and expired
// tokens are rejected without effect.
func (service *Service) Settle(ctx context.Context, tokenID string, successfulCount int) (SettleResult, error) {
	var result SettleResult
	var settled Authorization
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		authorization, err := transactionStore.GetAuthorization(ctx, tokenID)
		if err != nil {
			return err
		}
		if authorization.Status == AuthorizationSettled {
			return ErrTokenAlreadySettled
		}
		if service.nowFn() > authorization.ExpiresAtUnixUTC {
			return ErrStaleToken
		}
		if successfulCount < 0 || successfulCount > authorization.RecipientCount {
			return fmt.Errorf("%w: %d of %d", ErrInvalidRecipientCount, successfulCount, authorization.RecipientCount)
		}
		won, err := transactionStore.TransitionAuthorization(ctx, tokenID, AuthorizationActive, AuthorizationSettled)
		if err != nil {
			return err
		}
		if !won {
			return ErrTokenAlreadySettled
		}
		settled = authorization
		if successfulCount == 0 {
			return nil
		}
		if err := transactionStore.LockAccount(ctx, authorization.AccountID); err != nil {
			return err
		}
		actualCost := authorization.UnitCost * Amount(successfulCount)
		metadata := fmt.Sprintf(
			`{"token_id":%q,"successful_count":%d,"authorized_count":%d,"unit_cost":%d,"quote":%s}`,
			tokenID, successfulCount, authorization.RecipientCount,
			authorization.UnitCost.Int64(), quoteJSONOrEmpty(authorization.QuoteJSON),
		)
		event, err := transactionStore.InsertEvent(ctx, EventInput{
			AccountID:      authorization.AccountID,
			Kind:           KindUsage,
			Amount:         actualCost,
			Pool:           authorization.Pool,
			Channel:        authorization.Channel,
			ExternalRef:    tokenID,
			Status:         StatusCompleted,
			MetadataJSON:   metadata,
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		result.Debited = actualCost
		result.Event = &event
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSettle,
		AccountID: settled.AccountID,
		Pool:      settled.Pool,
		Channel:   settled.Channel,
		Amount:    result.Debited,
		TokenID:   tokenID,
		Error:     operationError,
	})
	if operationError != nil {
		return SettleResult{}, operationError
	}
	if result.Event != nil {
		service.payReferralRewards(ctx, settled.AccountID, result.Debited, tokenID)
	}
	return result, nil
}

func quoteJSONOrEmpty(raw string) string {
	if raw == "" {
		return "{}"
	}
	return raw
}
