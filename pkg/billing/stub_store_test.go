package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// stubState is the shared in-memory ledger behind the test stores.
type stubState struct {
	accounts       map[string]bool
	events         []TransactionEvent
	authorizations map[string]Authorization
	rules          map[Channel][]PricingRule
	referrers      map[string]string
	counters       map[string]*BalanceReport
	nextEventID    int
}

// stubStore serializes every unit of work on one mutex, a coarse stand-in
// for the per-account lock the real store takes. WithTx hands out an
// unlocked view so operations inside the transaction reuse the held lock.
type stubStore struct {
	mu    sync.Mutex
	state *stubState
}

// stubTx is the in-transaction view.
type stubTx struct {
	state *stubState
}

func newStubStore() *stubStore {
	return &stubStore{state: &stubState{
		accounts:       map[string]bool{},
		authorizations: map[string]Authorization{},
		rules:          map[Channel][]PricingRule{},
		referrers:      map[string]string{},
		counters:       map[string]*BalanceReport{},
	}}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, &stubTx{state: store.state})
}

func (tx *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (state *stubState) lockAccount(accountID string) error {
	state.accounts[accountID] = true
	if state.counters[accountID] == nil {
		state.counters[accountID] = &BalanceReport{}
	}
	return nil
}

func (state *stubState) insertEvent(input EventInput) (TransactionEvent, error) {
	if input.ExternalRef != "" {
		for _, event := range state.events {
			if event.AccountID == input.AccountID && event.Kind == input.Kind && event.ExternalRef == input.ExternalRef {
				return TransactionEvent{}, ErrDuplicateExternalRef
			}
		}
	}
	state.nextEventID++
	event := TransactionEvent{
		EventID:        fmt.Sprintf("event-%d", state.nextEventID),
		AccountID:      input.AccountID,
		Kind:           input.Kind,
		Amount:         input.Amount,
		Pool:           input.Pool,
		Channel:        input.Channel,
		ExternalRef:    input.ExternalRef,
		Status:         input.Status,
		MetadataJSON:   input.MetadataJSON,
		CreatedUnixUTC: input.CreatedUnixUTC,
	}
	state.events = append(state.events, event)
	if event.Status == StatusCompleted {
		counters := state.counters[event.AccountID]
		if counters == nil {
			counters = &BalanceReport{}
			state.counters[event.AccountID] = counters
		}
		delta := Amount(event.SignedAmount())
		if event.Pool == PoolAdvertising {
			counters.Advertising += delta
		} else {
			counters.Reward += delta
		}
	}
	return event, nil
}

func (state *stubState) findEventByExternalRef(accountID string, kind EventKind, externalRef string) (TransactionEvent, bool, error) {
	for _, event := range state.events {
		if event.AccountID == accountID && event.Kind == kind && event.ExternalRef == externalRef {
			return event, true, nil
		}
	}
	return TransactionEvent{}, false, nil
}

func (state *stubState) sumPool(accountID string, pool Pool) (Amount, error) {
	var total int64
	for _, event := range state.events {
		if event.AccountID != accountID || event.Pool != pool || event.Status != StatusCompleted {
			continue
		}
		total += event.SignedAmount()
	}
	return Amount(total), nil
}

func (state *stubState) poolCounters(accountID string) (BalanceReport, error) {
	counters := state.counters[accountID]
	if counters == nil {
		return BalanceReport{}, nil
	}
	return *counters, nil
}

func (state *stubState) listEvents(accountID string, filter EventFilter) ([]TransactionEvent, error) {
	var events []TransactionEvent
	for index := len(state.events) - 1; index >= 0; index-- {
		event := state.events[index]
		if event.AccountID != accountID {
			continue
		}
		if filter.Pool != "" && event.Pool != filter.Pool {
			continue
		}
		if filter.Kind != "" && event.Kind != filter.Kind {
			continue
		}
		if filter.BeforeUnixUTC != 0 && event.CreatedUnixUTC >= filter.BeforeUnixUTC {
			continue
		}
		events = append(events, event)
		if filter.Limit > 0 && len(events) == filter.Limit {
			break
		}
	}
	return events, nil
}

func (state *stubState) createAuthorization(authorization Authorization) error {
	state.authorizations[authorization.TokenID] = authorization
	return nil
}

func (state *stubState) getAuthorization(tokenID string) (Authorization, error) {
	authorization, found := state.authorizations[tokenID]
	if !found {
		return Authorization{}, ErrUnknownToken
	}
	return authorization, nil
}

func (state *stubState) transitionAuthorization(tokenID string, from, to AuthorizationStatus) (bool, error) {
	authorization, found := state.authorizations[tokenID]
	if !found || authorization.Status != from {
		return false, nil
	}
	authorization.Status = to
	state.authorizations[tokenID] = authorization
	return true, nil
}

func (state *stubState) sumActiveAuthorizations(accountID string, pool Pool, nowUnixUTC int64) (Amount, error) {
	var total Amount
	for _, authorization := range state.authorizations {
		if authorization.AccountID != accountID || authorization.Pool != pool {
			continue
		}
		if authorization.Status != AuthorizationActive || authorization.ExpiresAtUnixUTC < nowUnixUTC {
			continue
		}
		total += authorization.TotalCost
	}
	return total, nil
}

func (state *stubState) listActivePricingRules(channel Channel) ([]PricingRule, error) {
	var active []PricingRule
	for _, rule := range state.rules[channel] {
		if rule.Active {
			active = append(active, rule)
		}
	}
	return active, nil
}

func (state *stubState) referrerChain(accountID string, maxDepth int) ([]string, error) {
	var chain []string
	current := accountID
	for depth := 0; depth < maxDepth; depth++ {
		referrer, found := state.referrers[current]
		if !found {
			break
		}
		chain = append(chain, referrer)
		current = referrer
	}
	return chain, nil
}

// Locked (outside-transaction) implementations.

func (store *stubStore) LockAccount(_ context.Context, accountID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.lockAccount(accountID)
}

func (store *stubStore) InsertEvent(_ context.Context, input EventInput) (TransactionEvent, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.insertEvent(input)
}

func (store *stubStore) FindEventByExternalRef(_ context.Context, accountID string, kind EventKind, externalRef string) (TransactionEvent, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.findEventByExternalRef(accountID, kind, externalRef)
}

func (store *stubStore) SumPool(_ context.Context, accountID string, pool Pool) (Amount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.sumPool(accountID, pool)
}

func (store *stubStore) PoolCounters(_ context.Context, accountID string) (BalanceReport, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.poolCounters(accountID)
}

func (store *stubStore) ListEvents(_ context.Context, accountID string, filter EventFilter) ([]TransactionEvent, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.listEvents(accountID, filter)
}

func (store *stubStore) CreateAuthorization(_ context.Context, authorization Authorization) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.createAuthorization(authorization)
}

func (store *stubStore) GetAuthorization(_ context.Context, tokenID string) (Authorization, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getAuthorization(tokenID)
}

func (store *stubStore) TransitionAuthorization(_ context.Context, tokenID string, from, to AuthorizationStatus) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.transitionAuthorization(tokenID, from, to)
}

func (store *stubStore) SumActiveAuthorizations(_ context.Context, accountID string, pool Pool, nowUnixUTC int64) (Amount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.sumActiveAuthorizations(accountID, pool, nowUnixUTC)
}

func (store *stubStore) ListActivePricingRules(_ context.Context, channel Channel) ([]PricingRule, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.listActivePricingRules(channel)
}

func (store *stubStore) ReferrerChain(_ context.Context, accountID string, maxDepth int) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.referrerChain(accountID, maxDepth)
}

// Unlocked (in-transaction) implementations.

func (tx *stubTx) LockAccount(_ context.Context, accountID string) error {
	return tx.state.lockAccount(accountID)
}

func (tx *stubTx) InsertEvent(_ context.Context, input EventInput) (TransactionEvent, error) {
	return tx.state.insertEvent(input)
}

func (tx *stubTx) FindEventByExternalRef(_ context.Context, accountID string, kind EventKind, externalRef string) (TransactionEvent, bool, error) {
	return tx.state.findEventByExternalRef(accountID, kind, externalRef)
}

func (tx *stubTx) SumPool(_ context.Context, accountID string, pool Pool) (Amount, error) {
	return tx.state.sumPool(accountID, pool)
}

func (tx *stubTx) PoolCounters(_ context.Context, accountID string) (BalanceReport, error) {
	return tx.state.poolCounters(accountID)
}

func (tx *stubTx) ListEvents(_ context.Context, accountID string, filter EventFilter) ([]TransactionEvent, error) {
	return tx.state.listEvents(accountID, filter)
}

func (tx *stubTx) CreateAuthorization(_ context.Context, authorization Authorization) error {
	return tx.state.createAuthorization(authorization)
}

func (tx *stubTx) GetAuthorization(_ context.Context, tokenID string) (Authorization, error) {
	return tx.state.getAuthorization(tokenID)
}

func (tx *stubTx) TransitionAuthorization(_ context.Context, tokenID string, from, to AuthorizationStatus) (bool, error) {
	return tx.state.transitionAuthorization(tokenID, from, to)
}

func (tx *stubTx) SumActiveAuthorizations(_ context.Context, accountID string, pool Pool, nowUnixUTC int64) (Amount, error) {
	return tx.state.sumActiveAuthorizations(accountID, pool, nowUnixUTC)
}

func (tx *stubTx) ListActivePricingRules(_ context.Context, channel Channel) ([]PricingRule, error) {
	return tx.state.listActivePricingRules(channel)
}

func (tx *stubTx) ReferrerChain(_ context.Context, accountID string, maxDepth int) ([]string, error) {
	return tx.state.referrerChain(accountID, maxDepth)
}

// Test seeding helpers.

func (store *stubStore) seedCharge(test *testing.T, accountID string, pool Pool, amount int64) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	_ = store.state.lockAccount(accountID)
	if _, err := store.state.insertEvent(EventInput{
		AccountID:      accountID,
		Kind:           KindCharge,
		Amount:         Amount(amount),
		Pool:           pool,
		Channel:        ChannelCreditPurchase,
		Status:         StatusCompleted,
		MetadataJSON:   "{}",
		CreatedUnixUTC: time.Now().Unix(),
	}); err != nil {
		test.Fatalf("seed charge: %v", err)
	}
}

func (store *stubStore) seedRules(channel Channel, basePrice int64, conditionPrices map[string]int64) {
	store.mu.Lock()
	defer store.mu.Unlock()
	id := int64(len(store.state.rules[channel]) + 1)
	store.state.rules[channel] = append(store.state.rules[channel], PricingRule{
		ID: id, Category: RuleBase, Channel: channel, ConditionType: "base", UnitPrice: Amount(basePrice), Active: true,
	})
	for conditionType, price := range conditionPrices {
		id++
		store.state.rules[channel] = append(store.state.rules[channel], PricingRule{
			ID: id, Category: RuleCustomer, Channel: channel, ConditionType: conditionType, UnitPrice: Amount(price), Active: true,
		})
	}
}

func (store *stubStore) setReferrer(accountID string, referrerID string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.state.referrers[accountID] = referrerID
}

func (store *stubStore) eventsOfKind(accountID string, kind EventKind) []TransactionEvent {
	store.mu.Lock()
	defer store.mu.Unlock()
	var matched []TransactionEvent
	for _, event := range store.state.events {
		if event.AccountID == accountID && event.Kind == kind {
			matched = append(matched, event)
		}
	}
	return matched
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return time.Now().UTC().Unix() }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustExternalRef(test *testing.T, raw string) ExternalRef {
	test.Helper()
	ref, err := NewExternalRef(raw)
	if err != nil {
		test.Fatalf("external ref: %v", err)
	}
	return ref
}

func mustAmount(test *testing.T, raw int64) Amount {
	test.Helper()
	amount, err := NewAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
