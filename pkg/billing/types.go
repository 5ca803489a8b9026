package billing

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Amount is an integer amount in minor currency units. Magnitudes stored on
// events are always non-negative; direction is implied by the event kind.
type Amount int64

// Int64 returns the raw amount.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// NewAmount validates an operation amount and ensures it is strictly positive.
func NewAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Pool is an isolated sub-balance within one account.
type Pool string

const (
	PoolAdvertising Pool = "advertising"
	PoolReward      Pool = "reward"
)

// ParsePool validates a pool tag.
func ParsePool(raw string) (Pool, error) {
	switch Pool(raw) {
	case PoolAdvertising, PoolReward:
		return Pool(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPool, raw)
}

// String returns the pool tag.
func (pool Pool) String() string {
	return string(pool)
}

// EventKind enumerates ledger event kinds.
type EventKind string

const (
	KindCharge  EventKind = "charge"
	KindUsage   EventKind = "usage"
	KindRefund  EventKind = "refund"
	KindPenalty EventKind = "penalty"
)

// ParseEventKind validates an event kind.
func ParseEventKind(raw string) (EventKind, error) {
	switch EventKind(raw) {
	case KindCharge, KindUsage, KindRefund, KindPenalty:
		return EventKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEventKind, raw)
}

// String returns the kind tag.
func (kind EventKind) String() string {
	return string(kind)
}

// Sign returns +1 for kinds that increase a pool and -1 for kinds that
// decrease it.
func (kind EventKind) Sign() int64 {
	switch kind {
	case KindCharge, KindRefund:
		return 1
	default:
		return -1
	}
}

// EventStatus is the lifecycle status of an event. Only completed events
// count toward a balance.
type EventStatus string

const (
	StatusCompleted EventStatus = "completed"
	StatusFailed    EventStatus = "failed"
	StatusReversed  EventStatus = "reversed"
)

// String returns the status tag.
func (status EventStatus) String() string {
	return string(status)
}

// Channel identifies what consumed or produced an event.
type Channel string

const (
	ChannelSMS        Channel = "SMS"
	ChannelLMS        Channel = "LMS"
	ChannelMMS        Channel = "MMS"
	ChannelAlimTalk   Channel = "ALIMTALK"
	ChannelFriendTalk Channel = "FRIENDTALK"
	ChannelNaverTalk  Channel = "NAVERTALK"

	// Ledger-only tags for non-send events.
	ChannelCreditPurchase  Channel = "CREDIT_PURCHASE"
	ChannelAdminGrant      Channel = "POINT_ADMIN_GRANT"
	ChannelReferralReward  Channel = "REFERRAL_REWARD"
	ChannelAdminAdjustment Channel = "ADMIN_ADJUSTMENT"
)

// ParseSendChannel validates a channel that messages can be sent on.
func ParseSendChannel(raw string) (Channel, error) {
	switch Channel(raw) {
	case ChannelSMS, ChannelLMS, ChannelMMS, ChannelAlimTalk, ChannelFriendTalk, ChannelNaverTalk:
		return Channel(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChannel, raw)
}

// String returns the channel tag.
func (channel Channel) String() string {
	return string(channel)
}

// AccountID identifies an account owner. The auth boundary resolves it; the
// core trusts it as given but rejects blanks.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// ExternalRef is a caller-supplied idempotency key (payment-gateway
// transaction id, provider batch id, settlement token).
type ExternalRef struct {
	value string
}

// NewExternalRef validates and normalizes an external reference.
func NewExternalRef(raw string) (ExternalRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalRef{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	return ExternalRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref ExternalRef) String() string {
	return ref.value
}

// MetadataJSON stores structured, informational event metadata. It is never
// load-bearing for balance math.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata blob (defaulting to "{}" when empty).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// TransactionEvent is a single immutable line in the ledger. Corrections are
// new refund/penalty events, never mutations.
type TransactionEvent struct {
	EventID        string
	AccountID      string
	Kind           EventKind
	Amount         Amount
	Pool           Pool
	Channel        Channel
	ExternalRef    string
	Status         EventStatus
	MetadataJSON   string
	CreatedUnixUTC int64
}

// SignedAmount returns the amount with the direction implied by the kind.
func (event TransactionEvent) SignedAmount() int64 {
	return event.Kind.Sign() * event.Amount.Int64()
}

// EventInput describes an event to append.
type EventInput struct {
	AccountID      string
	Kind           EventKind
	Amount         Amount
	Pool           Pool
	Channel        Channel
	ExternalRef    string
	Status         EventStatus
	MetadataJSON   string
	CreatedUnixUTC int64
}

// EventFilter narrows a history listing.
type EventFilter struct {
	Pool          Pool
	Kind          EventKind
	BeforeUnixUTC int64
	Limit         int
}

// AuthorizationStatus is the lifecycle of an authorization token.
type AuthorizationStatus string

const (
	AuthorizationActive  AuthorizationStatus = "active"
	AuthorizationSettled AuthorizationStatus = "settled"
)

// String returns the status tag.
func (status AuthorizationStatus) String() string {
	return string(status)
}

// Authorization is a short-lived capability proving a balance check passed,
// redeemable exactly once via Settle. It is not a ledger event: active
// unexpired rows count against the available balance, expired rows are inert
// and need no cleanup.
type Authorization struct {
	TokenID          string
	AccountID        string
	Pool             Pool
	Channel          Channel
	UnitCost         Amount
	TotalCost        Amount
	RecipientCount   int
	Status           AuthorizationStatus
	QuoteJSON        string
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
}

// BalanceReport pairs both pool balances of one account.
type BalanceReport struct {
	Advertising Amount
	Reward      Amount
}

// ReconcileReport compares the event fold against the running per-pool
// counters maintained by the store. A divergence is an alarm, never a value
// to overwrite.
type ReconcileReport struct {
	Fold      BalanceReport
	Counters  BalanceReport
	Divergent bool
}

// ScheduledSendStatus is the lifecycle of a deferred send.
type ScheduledSendStatus string

const (
	ScheduledPending    ScheduledSendStatus = "pending"
	ScheduledProcessing ScheduledSendStatus = "processing"
	ScheduledSent       ScheduledSendStatus = "sent"
	ScheduledFailed     ScheduledSendStatus = "failed"
)

// String returns the status tag.
func (status ScheduledSendStatus) String() string {
	return string(status)
}

// ScheduledSend is a send deferred to a future time. Authorization is
// re-checked at fire time, not at booking time.
type ScheduledSend struct {
	ID                 string
	AccountID          string
	Pool               Pool
	Channel            Channel
	RecipientCount     int
	Conditions         Conditions
	ScheduledAtUnixUTC int64
	Status             ScheduledSendStatus
	FailureReason      string
	UsageEventID       string
	SentAtUnixUTC      int64
}
