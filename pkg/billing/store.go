package billing

import "context"

// Store is the persistence contract used by Service. All balance-affecting
// reads and writes of one logical operation happen inside a single WithTx
// unit of work; LockAccount is the per-account serialization point, so
// operations on different accounts never contend.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// LockAccount creates the account row if needed and acquires the
	// per-account write lock for the remainder of the transaction.
	LockAccount(ctx context.Context, accountID string) error

	// InsertEvent appends an immutable event. A unique-constraint hit on
	// (account_id, kind, external_ref) is reported as ErrDuplicateExternalRef.
	InsertEvent(ctx context.Context, input EventInput) (TransactionEvent, error)

	FindEventByExternalRef(ctx context.Context, accountID string, kind EventKind, externalRef string) (TransactionEvent, bool, error)

	// SumPool folds completed events of one pool into a balance.
	SumPool(ctx context.Context, accountID string, pool Pool) (Amount, error)

	// PoolCounters reads the running per-pool counters maintained alongside
	// each insert. Reconciliation only; never an input to a debit decision.
	PoolCounters(ctx context.Context, accountID string) (BalanceReport, error)

	ListEvents(ctx context.Context, accountID string, filter EventFilter) ([]TransactionEvent, error)

	CreateAuthorization(ctx context.Context, authorization Authorization) error
	GetAuthorization(ctx context.Context, tokenID string) (Authorization, error)

	// TransitionAuthorization performs an atomic conditional status update and
	// reports whether this caller won the transition.
	TransitionAuthorization(ctx context.Context, tokenID string, from, to AuthorizationStatus) (bool, error)

	// SumActiveAuthorizations totals active, unexpired holds against a pool.
	SumActiveAuthorizations(ctx context.Context, accountID string, pool Pool, nowUnixUTC int64) (Amount, error)

	ListActivePricingRules(ctx context.Context, channel Channel) ([]PricingRule, error)

	// ReferrerChain walks the referral graph upward from an account,
	// outermost referrer last, up to maxDepth links.
	ReferrerChain(ctx context.Context, accountID string, maxDepth int) ([]string, error)
}
