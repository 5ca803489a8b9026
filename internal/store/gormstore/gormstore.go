package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/narau/billing/pkg/billing"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	postgresDialectName   = "postgres"

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectEvent       = "event"
	errorSubjectToken       = "authorization"
	errorSubjectRule        = "pricing_rule"
	errorSubjectReferral    = "referral"
	errorSubjectScheduled   = "scheduled_send"
	errorCodeCreate         = "create"
	errorCodeClaim          = "claim"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeMark           = "mark"
	errorCodeRequeue        = "requeue"
	errorCodeSumActiveHolds = "sum_active_holds"
	errorCodeSumPool        = "sum_pool"
	errorCodeUpdateCounter  = "update_counter"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements billing.Store using GORM, plus the scheduled-send and
// administrative persistence used by the worker and the HTTP surface.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates every table. Intended for sqlite and dev
// databases; production postgres schemas are managed externally.
func (store *Store) AutoMigrate() error {
	return store.db.AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockAccount creates the account row if needed and, on postgres, takes its
// row lock for the remainder of the transaction. sqlite serializes writers on
// its own, and FOR UPDATE is not in its grammar.
func (store *Store) LockAccount(ctx context.Context, accountID string) error {
	var account Account
	err := store.db.WithContext(ctx).
		Where(Account{AccountID: accountID}).
		FirstOrCreate(&account, Account{AccountID: accountID}).Error
	if err != nil && !isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	if store.db.Dialector.Name() != postgresDialectName {
		return nil
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		Take(&account).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

func (store *Store) InsertEvent(ctx context.Context, input billing.EventInput) (billing.TransactionEvent, error) {
	var externalRef *string
	if input.ExternalRef != "" {
		value := input.ExternalRef
		externalRef = &value
	}
	createdAt := time.Unix(input.CreatedUnixUTC, 0).UTC()
	if input.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	row := TransactionEvent{
		AccountID:   input.AccountID,
		Kind:        input.Kind.String(),
		Amount:      input.Amount.Int64(),
		Pool:        input.Pool.String(),
		Channel:     input.Channel.String(),
		ExternalRef: externalRef,
		Status:      input.Status.String(),
		Metadata:    datatypesJSON(input.MetadataJSON),
		CreatedAt:   createdAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return billing.TransactionEvent{}, wrapStoreError(errorSubjectEvent, errorCodeDuplicate, billing.ErrDuplicateExternalRef)
	}
	if err != nil {
		return billing.TransactionEvent{}, wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	if input.Status == billing.StatusCompleted {
		if err := store.bumpPoolCounter(ctx, input); err != nil {
			return billing.TransactionEvent{}, err
		}
	}
	return mapEvent(row), nil
}

func (store *Store) bumpPoolCounter(ctx context.Context, input billing.EventInput) error {
	column := "advertising_counter"
	if input.Pool == billing.PoolReward {
		column = "reward_counter"
	}
	delta := input.Kind.Sign() * input.Amount.Int64()
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", input.AccountID).
		UpdateColumn(column, gorm.Expr(column+" + ?", delta)).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateCounter, err)
	}
	return nil
}

func (store *Store) FindEventByExternalRef(ctx context.Context, accountID string, kind billing.EventKind, externalRef string) (billing.TransactionEvent, bool, error) {
	var row TransactionEvent
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND kind = ? AND external_ref = ?", accountID, kind.String(), externalRef).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.TransactionEvent{}, false, nil
	}
	if err != nil {
		return billing.TransactionEvent{}, false, wrapStoreError(errorSubjectEvent, errorCodeGet, err)
	}
	return mapEvent(row), true, nil
}

func (store *Store) SumPool(ctx context.Context, accountID string, pool billing.Pool) (billing.Amount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&TransactionEvent{}).
		Select("coalesce(sum(case when kind in ('charge','refund') then amount else -amount end),0) as total").
		Where("account_id = ? AND pool = ? AND status = ?", accountID, pool.String(), billing.StatusCompleted.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumPool, err)
	}
	return billing.Amount(sum.Total), nil
}

func (store *Store) PoolCounters(ctx context.Context, accountID string) (billing.BalanceReport, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.BalanceReport{}, nil
	}
	if err != nil {
		return billing.BalanceReport{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return billing.BalanceReport{
		Advertising: billing.Amount(account.AdvertisingCounter),
		Reward:      billing.Amount(account.RewardCounter),
	}, nil
}

func (store *Store) ListEvents(ctx context.Context, accountID string, filter billing.EventFilter) ([]billing.TransactionEvent, error) {
	before := time.Unix(filter.BeforeUnixUTC, 0).UTC()
	if filter.BeforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	query := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before)
	if filter.Pool != "" {
		query = query.Where("pool = ?", filter.Pool.String())
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind.String())
	}
	var rows []TransactionEvent
	err := query.Order("created_at DESC").Limit(filter.Limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	events := make([]billing.TransactionEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, mapEvent(row))
	}
	return events, nil
}

func (store *Store) CreateAuthorization(ctx context.Context, authorization billing.Authorization) error {
	row := Authorization{
		TokenID:        authorization.TokenID,
		AccountID:      authorization.AccountID,
		Pool:           authorization.Pool.String(),
		Channel:        authorization.Channel.String(),
		UnitCost:       authorization.UnitCost.Int64(),
		TotalCost:      authorization.TotalCost.Int64(),
		RecipientCount: authorization.RecipientCount,
		Status:         authorization.Status.String(),
		Quote:          authorization.QuoteJSON,
		ExpiresAt:      time.Unix(authorization.ExpiresAtUnixUTC, 0).UTC(),
		CreatedAt:      time.Unix(authorization.CreatedUnixUTC, 0).UTC(),
	}
	if row.Quote == "" {
		row.Quote = defaultMetadataJSON
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectToken, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAuthorization(ctx context.Context, tokenID string) (billing.Authorization, error) {
	var row Authorization
	err := store.db.WithContext(ctx).
		Where("token_id = ?", tokenID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Authorization{}, wrapStoreError(errorSubjectToken, errorCodeGet, billing.ErrUnknownToken)
	}
	if err != nil {
		return billing.Authorization{}, wrapStoreError(errorSubjectToken, errorCodeGet, err)
	}
	return mapAuthorization(row), nil
}

func (store *Store) TransitionAuthorization(ctx context.Context, tokenID string, from, to billing.AuthorizationStatus) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Authorization{}).
		Where("token_id = ? AND status = ?", tokenID, from.String()).
		Updates(map[string]interface{}{"status": to.String(), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectToken, errorCodeUpdateStatus, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) SumActiveAuthorizations(ctx context.Context, accountID string, pool billing.Pool, nowUnixUTC int64) (billing.Amount, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Authorization{}).
		Select("coalesce(sum(total_cost),0) as total").
		Where("account_id = ? AND pool = ? AND status = ? AND expires_at > ?",
			accountID, pool.String(), billing.AuthorizationActive.String(), now).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumActiveHolds, err)
	}
	return billing.Amount(sum.Total), nil
}

func (store *Store) ListActivePricingRules(ctx context.Context, channel billing.Channel) ([]billing.PricingRule, error) {
	var rows []PricingRule
	err := store.db.WithContext(ctx).
		Where("channel = ? AND active = ?", channel.String(), true).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRule, errorCodeList, err)
	}
	rules := make([]billing.PricingRule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, mapPricingRule(row))
	}
	return rules, nil
}

func (store *Store) ReferrerChain(ctx context.Context, accountID string, maxDepth int) ([]string, error) {
	chain := make([]string, 0, maxDepth)
	current := accountID
	for depth := 0; depth < maxDepth; depth++ {
		var link Referral
		err := store.db.WithContext(ctx).
			Where("referred_account_id = ? AND status = ?", current, "active").
			Take(&link).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			break
		}
		if err != nil {
			return nil, wrapStoreError(errorSubjectReferral, errorCodeGet, err)
		}
		chain = append(chain, link.ReferrerAccountID)
		current = link.ReferrerAccountID
	}
	return chain, nil
}

// SetReferrer records or replaces the upward referral link of an account.
func (store *Store) SetReferrer(ctx context.Context, referredAccountID, referrerAccountID string) error {
	row := Referral{
		ReferredAccountID: referredAccountID,
		ReferrerAccountID: referrerAccountID,
		Status:            "active",
		CreatedAt:         time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "referred_account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"referrer_account_id", "status"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectReferral, errorCodeCreate, err)
	}
	return nil
}

// CreatePricingRule appends a pricing rule and returns it with its id.
func (store *Store) CreatePricingRule(ctx context.Context, rule billing.PricingRule) (billing.PricingRule, error) {
	row := PricingRule{
		Category:      string(rule.Category),
		Channel:       rule.Channel.String(),
		ConditionType: rule.ConditionType,
		UnitPrice:     rule.UnitPrice.Int64(),
		Active:        rule.Active,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		return billing.PricingRule{}, wrapStoreError(errorSubjectRule, errorCodeCreate, err)
	}
	return mapPricingRule(row), nil
}

// ListPricingRules returns every rule of a channel, retired ones included.
func (store *Store) ListPricingRules(ctx context.Context, channel billing.Channel) ([]billing.PricingRule, error) {
	var rows []PricingRule
	err := store.db.WithContext(ctx).
		Where("channel = ?", channel.String()).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRule, errorCodeList, err)
	}
	rules := make([]billing.PricingRule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, mapPricingRule(row))
	}
	return rules, nil
}

// RetirePricingRule clears the active flag. Rows are never deleted so stored
// quote audit trails keep resolving.
func (store *Store) RetirePricingRule(ctx context.Context, ruleID int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&PricingRule{}).
		Where("id = ? AND active = ?", ruleID, true).
		Update("active", false)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectRule, errorCodeUpdateStatus, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CreateScheduledSend books a deferred send.
func (store *Store) CreateScheduledSend(ctx context.Context, send billing.ScheduledSend) (billing.ScheduledSend, error) {
	conditions, err := json.Marshal(send.Conditions)
	if err != nil {
		return billing.ScheduledSend{}, wrapStoreError(errorSubjectScheduled, errorCodeInvalid, err)
	}
	row := ScheduledSend{
		ID:             send.ID,
		AccountID:      send.AccountID,
		Pool:           send.Pool.String(),
		Channel:        send.Channel.String(),
		RecipientCount: send.RecipientCount,
		Conditions:     datatypes.JSON(conditions),
		ScheduledAt:    time.Unix(send.ScheduledAtUnixUTC, 0).UTC(),
		Status:         billing.ScheduledPending.String(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return billing.ScheduledSend{}, wrapStoreError(errorSubjectScheduled, errorCodeCreate, err)
	}
	return mapScheduledSend(row)
}

// ListScheduledSends returns an account's bookings, newest first.
func (store *Store) ListScheduledSends(ctx context.Context, accountID string, limit int) ([]billing.ScheduledSend, error) {
	var rows []ScheduledSend
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("scheduled_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectScheduled, errorCodeList, err)
	}
	sends := make([]billing.ScheduledSend, 0, len(rows))
	for _, row := range rows {
		send, err := mapScheduledSend(row)
		if err != nil {
			return nil, err
		}
		sends = append(sends, send)
	}
	return sends, nil
}

// DueScheduledSends returns pending sends whose fire time has passed.
func (store *Store) DueScheduledSends(ctx context.Context, nowUnixUTC int64, limit int) ([]billing.ScheduledSend, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	var rows []ScheduledSend
	err := store.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", billing.ScheduledPending.String(), now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectScheduled, errorCodeList, err)
	}
	sends := make([]billing.ScheduledSend, 0, len(rows))
	for _, row := range rows {
		send, err := mapScheduledSend(row)
		if err != nil {
			return nil, err
		}
		sends = append(sends, send)
	}
	return sends, nil
}

// ClaimScheduledSend atomically moves a send from pending to processing and
// reports whether this worker won the claim.
func (store *Store) ClaimScheduledSend(ctx context.Context, sendID string, nowUnixUTC int64) (bool, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&ScheduledSend{}).
		Where("id = ? AND status = ?", sendID, billing.ScheduledPending.String()).
		Updates(map[string]interface{}{
			"status":     billing.ScheduledProcessing.String(),
			"claimed_at": now,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectScheduled, errorCodeClaim, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkScheduledSendSent finalizes a processed send with its usage event.
func (store *Store) MarkScheduledSendSent(ctx context.Context, sendID string, usageEventID string, nowUnixUTC int64) error {
	now := time.Unix(nowUnixUTC, 0).UTC()
	updates := map[string]interface{}{
		"status":     billing.ScheduledSent.String(),
		"sent_at":    now,
		"updated_at": now,
	}
	if usageEventID != "" {
		updates["usage_event_id"] = usageEventID
	}
	result := store.db.WithContext(ctx).
		Model(&ScheduledSend{}).
		Where("id = ? AND status = ?", sendID, billing.ScheduledProcessing.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectScheduled, errorCodeMark, result.Error)
	}
	return nil
}

// MarkScheduledSendFailed finalizes a send that could not be billed or sent.
func (store *Store) MarkScheduledSendFailed(ctx context.Context, sendID string, reason string) error {
	result := store.db.WithContext(ctx).
		Model(&ScheduledSend{}).
		Where("id = ? AND status = ?", sendID, billing.ScheduledProcessing.String()).
		Updates(map[string]interface{}{
			"status":         billing.ScheduledFailed.String(),
			"failure_reason": reason,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectScheduled, errorCodeMark, result.Error)
	}
	return nil
}

// RequeueStuckScheduledSends returns to pending any send claimed before the
// cutoff that never finished, so a crashed worker cannot strand work.
func (store *Store) RequeueStuckScheduledSends(ctx context.Context, claimedBeforeUnixUTC int64) (int64, error) {
	cutoff := time.Unix(claimedBeforeUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&ScheduledSend{}).
		Where("status = ? AND claimed_at < ?", billing.ScheduledProcessing.String(), cutoff).
		Updates(map[string]interface{}{
			"status":     billing.ScheduledPending.String(),
			"claimed_at": nil,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectScheduled, errorCodeRequeue, result.Error)
	}
	return result.RowsAffected, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapEvent(row TransactionEvent) billing.TransactionEvent {
	externalRef := ""
	if row.ExternalRef != nil {
		externalRef = *row.ExternalRef
	}
	return billing.TransactionEvent{
		EventID:        row.EventID,
		AccountID:      row.AccountID,
		Kind:           billing.EventKind(row.Kind),
		Amount:         billing.Amount(row.Amount),
		Pool:           billing.Pool(row.Pool),
		Channel:        billing.Channel(row.Channel),
		ExternalRef:    externalRef,
		Status:         billing.EventStatus(row.Status),
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func mapAuthorization(row Authorization) billing.Authorization {
	return billing.Authorization{
		TokenID:          row.TokenID,
		AccountID:        row.AccountID,
		Pool:             billing.Pool(row.Pool),
		Channel:          billing.Channel(row.Channel),
		UnitCost:         billing.Amount(row.UnitCost),
		TotalCost:        billing.Amount(row.TotalCost),
		RecipientCount:   row.RecipientCount,
		Status:           billing.AuthorizationStatus(row.Status),
		QuoteJSON:        row.Quote,
		ExpiresAtUnixUTC: row.ExpiresAt.Unix(),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}
}

func mapPricingRule(row PricingRule) billing.PricingRule {
	return billing.PricingRule{
		ID:            row.ID,
		Category:      billing.RuleCategory(row.Category),
		Channel:       billing.Channel(row.Channel),
		ConditionType: row.ConditionType,
		UnitPrice:     billing.Amount(row.UnitPrice),
		Active:        row.Active,
	}
}

func mapScheduledSend(row ScheduledSend) (billing.ScheduledSend, error) {
	var conditions billing.Conditions
	if len(row.Conditions) > 0 {
		if err := json.Unmarshal(row.Conditions, &conditions); err != nil {
			return billing.ScheduledSend{}, wrapStoreError(errorSubjectScheduled, errorCodeInvalid, err)
		}
	}
	usageEventID := ""
	if row.UsageEventID != nil {
		usageEventID = *row.UsageEventID
	}
	var sentAt int64
	if row.SentAt != nil {
		sentAt = row.SentAt.Unix()
	}
	return billing.ScheduledSend{
		ID:                 row.ID,
		AccountID:          row.AccountID,
		Pool:               billing.Pool(row.Pool),
		Channel:            billing.Channel(row.Channel),
		RecipientCount:     row.RecipientCount,
		Conditions:         conditions,
		ScheduledAtUnixUTC: row.ScheduledAt.Unix(),
		Status:             billing.ScheduledSendStatus(row.Status),
		FailureReason:      row.FailureReason,
		UsageEventID:       usageEventID,
		SentAtUnixUTC:      sentAt,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
