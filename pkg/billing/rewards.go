package billing

import (
	"context"
	"fmt"
)

// RewardPolicy configures referral commissions paid out of settled usage.
// The first-level referrer receives a flat percentage; each deeper level
// receives the remainder divided by denominator^(level-1). Payouts below the
// minimum are skipped and end the chain.
type RewardPolicy struct {
	FirstLevelPercent int64
	LevelDenominator  int64
	MinimumPayout     Amount
	MaxDepth          int
}

// Enabled reports whether the policy pays anything at all.
func (policy RewardPolicy) Enabled() bool {
	return policy.FirstLevelPercent > 0 && policy.LevelDenominator > 1 && policy.MaxDepth > 0
}

// Commission is one referral payout.
type Commission struct {
	Level  int
	Amount Amount
}

// Commissions computes the per-level payouts for a settled usage amount.
func (policy RewardPolicy) Commissions(usage Amount) []Commission {
	if !policy.Enabled() || usage <= 0 {
		return nil
	}
	var commissions []Commission
	firstLevel := Amount(usage.Int64() * policy.FirstLevelPercent / 100)
	if firstLevel >= policy.MinimumPayout {
		commissions = append(commissions, Commission{Level: 1, Amount: firstLevel})
	}
	remaining := usage.Int64() * (100 - policy.FirstLevelPercent) / 100
	denominator := policy.LevelDenominator
	for level := 2; level <= policy.MaxDepth; level++ {
		payout := Amount(remaining / denominator)
		if payout < policy.MinimumPayout {
			break
		}
		commissions = append(commissions, Commission{Level: level, Amount: payout})
		if denominator > remaining {
			break
		}
		denominator *= policy.LevelDenominator
	}
	return commissions
}

// payReferralRewards credits referral commissions for one settled usage. Each
// level uses a derived external ref, so retries after a partial failure are
// idempotent per level. Failures are reported through the operation logger
// and never unwind the settled usage.
func (service *Service) payReferralRewards(ctx context.Context, spenderAccountID string, usage Amount, baseRef string) {
	if !service.rewardPolicy.Enabled() {
		return
	}
	commissions := service.rewardPolicy.Commissions(usage)
	if len(commissions) == 0 {
		return
	}
	chain, err := service.store.ReferrerChain(ctx, spenderAccountID, service.rewardPolicy.MaxDepth)
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationReward,
			AccountID: spenderAccountID,
			Error:     err,
		})
		return
	}
	for _, commission := range commissions {
		if commission.Level > len(chain) {
			break
		}
		referrerID := chain[commission.Level-1]
		rewardRef := fmt.Sprintf("%s%s%d", baseRef, rewardRefDelimiter, commission.Level)
		metadata := fmt.Sprintf(
			`{"reward_level":%d,"origin_account_id":%q,"origin_ref":%q,"origin_amount":%d}`,
			commission.Level, spenderAccountID, baseRef, usage.Int64(),
		)
		_, err := service.admitCharge(ctx, chargeRequest{
			accountID:   referrerID,
			pool:        PoolReward,
			channel:     ChannelReferralReward,
			amount:      commission.Amount,
			externalRef: rewardRef,
			metadata:    metadata,
		})
		service.logOperation(ctx, OperationLog{
			Operation:   operationReward,
			AccountID:   referrerID,
			Pool:        PoolReward,
			Channel:     ChannelReferralReward,
			Amount:      commission.Amount,
			ExternalRef: rewardRef,
			Error:       err,
		})
	}
}
