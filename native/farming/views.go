package farming

import (
	"github.com/holiman/uint256"

	"yieldfarm/native/common"
)

// FarmView is the external representation of a farm. Times are seconds and
// amounts are base-10 strings.
type FarmView struct {
	FarmID              uint64   `json:"farm_id"`
	StakingToken        string   `json:"staking_token"`
	RewardTokens        []string `json:"reward_tokens"`
	RewardPerSession    []string `json:"reward_per_session"`
	SessionIntervalSec  uint64   `json:"session_interval_sec"`
	StartAtSec          uint64   `json:"start_at_sec"`
	LastDistributionSec uint64   `json:"last_distribution_sec"`
	TotalStaked         string   `json:"total_staked"`
	RewardPerShare      []string `json:"reward_per_share"`
	LockupPeriodSec     uint64   `json:"lockup_period_sec"`
}

// StakeView is the external representation of a stake.
type StakeView struct {
	FarmID         uint64   `json:"farm_id"`
	Account        string   `json:"account_id"`
	Amount         string   `json:"amount"`
	LockupEndSec   uint64   `json:"lockup_end_sec"`
	RewardDebt     []string `json:"reward_debt"`
	AccruedRewards []string `json:"accrued_rewards"`
}

func formatAmounts(values []*uint256.Int) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = common.FormatAmount(v)
	}
	return out
}

// NewFarmView converts a stored farm into its external representation.
func NewFarmView(farm *Farm) *FarmView {
	if farm == nil {
		return nil
	}
	return &FarmView{
		FarmID:              farm.ID,
		StakingToken:        farm.StakingAsset,
		RewardTokens:        append([]string(nil), farm.RewardAssets...),
		RewardPerSession:    formatAmounts(farm.RewardPerSession),
		SessionIntervalSec:  farm.SessionInterval / NanosPerSecond,
		StartAtSec:          farm.StartTime / NanosPerSecond,
		LastDistributionSec: farm.LastCheckpoint / NanosPerSecond,
		TotalStaked:         common.FormatAmount(farm.TotalStaked),
		RewardPerShare:      formatAmounts(farm.RewardPerShare),
		LockupPeriodSec:     farm.LockupDuration / NanosPerSecond,
	}
}

// NewStakeView converts a stored stake into its external representation.
func NewStakeView(stake *Stake) *StakeView {
	if stake == nil {
		return nil
	}
	return &StakeView{
		FarmID:         stake.FarmID,
		Account:        stake.Account,
		Amount:         common.FormatAmount(stake.Amount),
		LockupEndSec:   stake.LockupUntil / NanosPerSecond,
		RewardDebt:     formatAmounts(stake.RewardDebt),
		AccruedRewards: formatAmounts(stake.Accrued),
	}
}

// GetFarm returns the external view of a farm, if it exists.
func (e *Engine) GetFarm(farmID uint64) (*FarmView, bool, error) {
	farm, ok, err := e.Farm(farmID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return NewFarmView(farm), true, nil
}

// ListFarms returns farms with ids in [from, from+limit) that exist.
func (e *Engine) ListFarms(from, limit uint64) ([]*FarmView, error) {
	out := make([]*FarmView, 0)
	err := e.view("list_farms", func(tx StateTx) error {
		count, err := tx.FarmCount()
		if err != nil {
			return err
		}
		end := min(count, addSaturating(from, limit))
		for id := from; id < end; id++ {
			farm, ok, err := tx.FarmGet(id)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, NewFarmView(farm))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetStake returns the external view of account's stake in a farm.
func (e *Engine) GetStake(account string, farmID uint64) (*StakeView, bool, error) {
	var (
		stake *Stake
		ok    bool
	)
	err := e.view("get_stake", func(tx StateTx) error {
		var err error
		stake, ok, err = tx.StakeGet(normalizeID(account), farmID)
		return err
	})
	if err != nil || !ok {
		return nil, ok, err
	}
	return NewStakeView(stake), true, nil
}

// ListStakesByAccount returns up to limit of account's stakes, in farm id
// order, after skipping the first from entries.
func (e *Engine) ListStakesByAccount(account string, from, limit uint64) ([]*StakeView, error) {
	out := make([]*StakeView, 0)
	err := e.view("list_stakes_by_account", func(tx StateTx) error {
		stakes, err := tx.StakesByAccount(normalizeID(account))
		if err != nil {
			return err
		}
		for i, stake := range stakes {
			if uint64(i) < from {
				continue
			}
			if uint64(len(out)) >= limit {
				break
			}
			out = append(out, NewStakeView(stake))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PendingRewards previews what a claim would pay right now: the stake's
// accrued balance plus everything earned since its last settlement. Nothing
// is persisted.
func (e *Engine) PendingRewards(account string, farmID uint64) ([]string, error) {
	const op = "pending_rewards"
	var pending []*uint256.Int
	err := e.view(op, func(tx StateTx) error {
		farm, err := getFarm(tx, op, farmID)
		if err != nil {
			return err
		}
		stake, err := getStake(tx, op, normalizeID(account), farmID)
		if err != nil {
			return err
		}
		farm, stake = farm.Clone(), stake.Clone()
		accrue(farm, e.now())
		Settle(stake, farm)
		pending = stake.Accrued
		return nil
	})
	if err != nil {
		return nil, err
	}
	return formatAmounts(pending), nil
}
