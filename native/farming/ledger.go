package farming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/holiman/uint256"

	"yieldfarm/native/common"
	"yieldfarm/native/storagerent"
)

var errStakeCapacity = errors.New("farming engine: stake would exceed the farm's total staked ceiling")

// Settle realizes the reward earned by stake since its last settlement:
// amount*(rewardPerShare-debt) is added to accrued and the debt is moved
// up to the farm's current reward-per-share. It must run before any change
// to the stake amount.
func Settle(stake *Stake, farm *Farm) {
	slots := len(farm.RewardAssets)
	farm.RewardPerShare = alignSlots(farm.RewardPerShare, slots)
	stake.RewardDebt = alignSlots(stake.RewardDebt, slots)
	stake.Accrued = alignSlots(stake.Accrued, slots)
	for i := 0; i < slots; i++ {
		delta := common.SaturatingSub(farm.RewardPerShare[i], stake.RewardDebt[i])
		pending := common.SaturatingMul(stake.Amount, delta)
		stake.Accrued[i] = common.SaturatingAdd(stake.Accrued[i], pending)
		stake.RewardDebt[i] = common.CopyAmount(farm.RewardPerShare[i])
	}
}

func addSaturating(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func hasPositive(values []*uint256.Int) bool {
	for _, v := range values {
		if isPositive(v) {
			return true
		}
	}
	return false
}

func getStake(tx StateTx, op, account string, farmID uint64) (*Stake, error) {
	stake, ok, err := tx.StakeGet(account, farmID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, validationErr(op, fmt.Errorf("%w: %s in farm %d", ErrStakeNotFound, account, farmID))
	}
	return stake, nil
}

// stake credits amount of asset from account into the farm. The farm is
// brought current and the existing position settled before the amount
// changes; the lockup is extended but never shortened.
func (e *Engine) stake(tx StateTx, fx *effects, op, account, asset string, farmID uint64, amount *uint256.Int, now uint64) error {
	if !isPositive(amount) {
		return validationErr(op, ErrInvalidAmount)
	}
	farm, err := getFarm(tx, op, farmID)
	if err != nil {
		return err
	}
	if farm.StakingAsset != asset {
		return policyErr(op, fmt.Errorf("%w: got %s, farm %d stakes %s", ErrStakingAssetMismatch, asset, farmID, farm.StakingAsset))
	}
	stake, exists, err := tx.StakeGet(account, farmID)
	if err != nil {
		return err
	}
	if !exists {
		if err := e.rent.Require(tx, account, storagerent.StakeRecordBytes(len(farm.RewardAssets))); err != nil {
			return classify(op, err)
		}
		stake = newStake(account, farmID, len(farm.RewardAssets))
	}
	if _, ok := common.CheckedAdd(farm.TotalStaked, amount); !ok {
		return validationErr(op, errStakeCapacity)
	}

	advance(farm, now, fx)
	Settle(stake, farm)
	stake.Amount = common.SaturatingAdd(stake.Amount, amount)
	farm.TotalStaked = common.SaturatingAdd(farm.TotalStaked, amount)
	if lockup := addSaturating(now, farm.LockupDuration); lockup > stake.LockupUntil {
		stake.LockupUntil = lockup
	}

	if err := tx.StakePut(stake); err != nil {
		return err
	}
	if err := tx.FarmPut(farm); err != nil {
		return err
	}
	fx.event(StakedEvent(farmID, account, amount, farm.TotalStaked, stake.LockupUntil))
	return nil
}

// addReward accepts a reward top-up for one of the farm's reward assets.
// Emission is driven by the farm's schedule, so the amount is recorded in
// the event log only and does not change any balance.
func (e *Engine) addReward(tx StateTx, fx *effects, op, sender, asset string, farmID uint64, amount *uint256.Int) error {
	farm, err := getFarm(tx, op, farmID)
	if err != nil {
		return err
	}
	if farm.RewardSlot(asset) < 0 {
		return policyErr(op, fmt.Errorf("%w: %s in farm %d", ErrRewardAssetMismatch, asset, farmID))
	}
	fx.event(RewardAddedEvent(farmID, sender, asset, amount))
	return nil
}

// ClaimRewards settles the caller's stake and requests one outbound
// transfer per reward asset with a positive balance. Accrued balances are
// cleared when the call commits, before delivery is known.
func (e *Engine) ClaimRewards(ctx context.Context, account string, farmID uint64) ([]TransferRequest, error) {
	const op = "claim_rewards"
	account = normalizeID(account)
	if account == "" {
		return nil, validationErr(op, ErrAccountRequired)
	}
	unlock := e.lockFarm(farmID)
	defer unlock()

	transfers, err := e.commit(ctx, op, func(tx StateTx, fx *effects) error {
		farm, err := getFarm(tx, op, farmID)
		if err != nil {
			return err
		}
		stake, err := getStake(tx, op, account, farmID)
		if err != nil {
			return err
		}
		advance(farm, e.now(), fx)
		Settle(stake, farm)
		for i, accrued := range stake.Accrued {
			if !isPositive(accrued) {
				continue
			}
			fx.transfer(TransferRequest{
				Asset:    farm.RewardAssets[i],
				Receiver: account,
				Amount:   common.CopyAmount(accrued),
				Reason:   TransferReasonClaim,
				FarmID:   farmID,
			})
			fx.event(RewardsClaimedEvent(farmID, account, farm.RewardAssets[i], accrued))
			stake.Accrued[i] = common.ZeroAmount()
		}
		if err := tx.StakePut(stake); err != nil {
			return err
		}
		return tx.FarmPut(farm)
	})
	if err != nil {
		return nil, err
	}
	e.log().Info("rewards claimed",
		slog.Uint64("farm_id", farmID),
		slog.String("account", account),
		slog.Int("transfers", len(transfers)))
	return transfers, nil
}

// Withdraw returns amount of staked principal once the lockup has passed.
// A stake reduced to zero is deleted.
func (e *Engine) Withdraw(ctx context.Context, account string, farmID uint64, amount *uint256.Int) (TransferRequest, error) {
	const op = "withdraw"
	account = normalizeID(account)
	if account == "" {
		return TransferRequest{}, validationErr(op, ErrAccountRequired)
	}
	if !isPositive(amount) {
		return TransferRequest{}, validationErr(op, ErrInvalidAmount)
	}
	unlock := e.lockFarm(farmID)
	defer unlock()

	transfers, err := e.commit(ctx, op, func(tx StateTx, fx *effects) error {
		farm, err := getFarm(tx, op, farmID)
		if err != nil {
			return err
		}
		stake, err := getStake(tx, op, account, farmID)
		if err != nil {
			return err
		}
		now := e.now()
		if now < stake.LockupUntil {
			return policyErr(op, fmt.Errorf("%w until %d", ErrLockupActive, stake.LockupUntil/NanosPerSecond))
		}
		if stake.Amount.Lt(amount) {
			return shortfallErr(op, ErrInsufficientStake, common.SaturatingSub(amount, stake.Amount))
		}

		advance(farm, now, fx)
		Settle(stake, farm)
		stake.Amount = common.SaturatingSub(stake.Amount, amount)
		farm.TotalStaked = common.SaturatingSub(farm.TotalStaked, amount)

		if stake.Amount.IsZero() {
			if unclaimed := joinAmounts(stake.Accrued); hasPositive(stake.Accrued) {
				e.log().Warn("closing stake with unclaimed rewards",
					slog.Uint64("farm_id", farmID),
					slog.String("account", account),
					slog.String("accrued", unclaimed))
			}
			if err := tx.StakeDelete(account, farmID); err != nil {
				return err
			}
		} else if err := tx.StakePut(stake); err != nil {
			return err
		}
		if err := tx.FarmPut(farm); err != nil {
			return err
		}
		fx.transfer(TransferRequest{
			Asset:    farm.StakingAsset,
			Receiver: account,
			Amount:   common.CopyAmount(amount),
			Reason:   TransferReasonWithdraw,
			FarmID:   farmID,
		})
		fx.event(WithdrawnEvent(farmID, account, amount, stake.Amount))
		return nil
	})
	if err != nil {
		return TransferRequest{}, err
	}
	e.log().Info("stake withdrawn",
		slog.Uint64("farm_id", farmID),
		slog.String("account", account),
		slog.String("amount", amount.Dec()))
	return transfers[0], nil
}
