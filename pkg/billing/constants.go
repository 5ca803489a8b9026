package billing

import "time"

const (
	operationBalance     = "balance"
	operationAdmitCharge = "admit_charge"
	operationGrant       = "grant"
	operationRefund      = "refund"
	operationPenalty     = "penalty"
	operationAuthorize   = "authorize"
	operationSettle      = "settle"
	operationReward      = "reward"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	rewardRefDelimiter = ":reward:"

	defaultTokenTTL = 5 * time.Minute
)
