package farming

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"yieldfarm/native/common"
	"yieldfarm/native/storagerent"
)

func secondsToNanos(sec uint64) (uint64, error) {
	if sec > math.MaxUint64/NanosPerSecond {
		return 0, fmt.Errorf("%w: %d seconds", ErrDurationOutOfRange, sec)
	}
	return sec * NanosPerSecond, nil
}

func validateFarmInput(in FarmInput) error {
	if normalizeID(in.StakingAsset) == "" {
		return ErrStakingAssetRequired
	}
	if len(in.RewardAssets) == 0 || len(in.RewardAssets) != len(in.RewardPerSession) {
		return ErrRewardAssetsMismatch
	}
	seen := make(map[string]struct{}, len(in.RewardAssets))
	for _, asset := range normalizeIDs(in.RewardAssets) {
		if asset == "" {
			return ErrRewardAssetRequired
		}
		if _, dup := seen[asset]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRewardAsset, asset)
		}
		seen[asset] = struct{}{}
	}
	for _, amount := range in.RewardPerSession {
		if amount != nil && amount.Gt(common.MaxAmount) {
			return common.ErrAmountTooLarge
		}
	}
	if in.SessionInterval == 0 {
		return ErrZeroSessionInterval
	}
	return nil
}

// newFarm builds the initial farm record. A zero StartAt starts the farm at
// now; otherwise both the start time and the first checkpoint are the
// requested start.
func newFarm(id uint64, creator string, in FarmInput, now uint64) (*Farm, error) {
	interval, err := secondsToNanos(in.SessionInterval)
	if err != nil {
		return nil, err
	}
	lockup, err := secondsToNanos(in.LockupDuration)
	if err != nil {
		return nil, err
	}
	start := now
	if in.StartAt != 0 {
		if start, err = secondsToNanos(in.StartAt); err != nil {
			return nil, err
		}
	}
	slots := len(in.RewardAssets)
	return &Farm{
		ID:               id,
		Creator:          creator,
		StakingAsset:     normalizeID(in.StakingAsset),
		RewardAssets:     normalizeIDs(in.RewardAssets),
		RewardPerSession: alignSlots(cloneAmounts(in.RewardPerSession), slots),
		SessionInterval:  interval,
		StartTime:        start,
		LastCheckpoint:   start,
		TotalStaked:      common.ZeroAmount(),
		RewardPerShare:   zeroAmounts(slots),
		LockupDuration:   lockup,
		CreatedAt:        now,
	}, nil
}

// CreateFarm validates the schedule, checks the creator's storage credit
// for the farm record and registers the farm under the next sequential id.
func (e *Engine) CreateFarm(ctx context.Context, creator string, in FarmInput) (uint64, error) {
	const op = "create_farm"
	creator = normalizeID(creator)
	if creator == "" {
		return 0, validationErr(op, ErrAccountRequired)
	}
	if err := validateFarmInput(in); err != nil {
		return 0, validationErr(op, err)
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()
	unlock := e.lockAccount(creator)
	defer unlock()

	var farmID uint64
	_, err := e.commit(ctx, op, func(tx StateTx, fx *effects) error {
		if err := e.rent.Require(tx, creator, storagerent.FarmRecordBytes(len(in.RewardAssets))); err != nil {
			return classify(op, err)
		}
		count, err := tx.FarmCount()
		if err != nil {
			return err
		}
		farm, err := newFarm(count, creator, in, e.now())
		if err != nil {
			return validationErr(op, err)
		}
		if err := tx.FarmPut(farm); err != nil {
			return err
		}
		if err := tx.FarmCountPut(count + 1); err != nil {
			return err
		}
		farmID = farm.ID
		fx.event(FarmCreatedEvent(farm))
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.log().Info("farm created",
		slog.Uint64("farm_id", farmID),
		slog.String("creator", creator),
		slog.Uint64("session_interval_sec", in.SessionInterval),
		slog.Int("reward_slots", len(in.RewardAssets)))
	return farmID, nil
}

// accrue brings farm's reward-per-share up to now in place.
func accrue(farm *Farm, now uint64) Accrual {
	staked := isPositive(farm.TotalStaked)
	tick := AdvanceClock(now, farm.StartTime, farm.LastCheckpoint, farm.SessionInterval, staked)
	farm.RewardPerShare = alignSlots(farm.RewardPerShare, len(farm.RewardAssets))
	accrual := Accumulate(farm.RewardPerShare, farm.RewardPerSession, tick.Sessions, farm.TotalStaked)
	farm.LastCheckpoint = tick.Checkpoint
	return accrual
}

func getFarm(tx StateTx, op string, farmID uint64) (*Farm, error) {
	farm, ok, err := tx.FarmGet(farmID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, validationErr(op, fmt.Errorf("%w: %d", ErrFarmNotFound, farmID))
	}
	return farm, nil
}

// advance runs the accrual clock and accumulator on farm and records an
// event when sessions were credited. The caller persists the farm.
func advance(farm *Farm, now uint64, fx *effects) {
	accrual := accrue(farm, now)
	if accrual.Sessions > 0 && isPositive(farm.TotalStaked) {
		fx.event(FarmAccruedEvent(farm, accrual))
	}
}

// loadUpdatedFarm loads the farm and brings its accumulator current.
func loadUpdatedFarm(tx StateTx, op string, farmID, now uint64, fx *effects) (*Farm, error) {
	farm, err := getFarm(tx, op, farmID)
	if err != nil {
		return nil, err
	}
	advance(farm, now, fx)
	return farm, nil
}

// UpdateFarm credits any whole sessions elapsed since the farm's last
// checkpoint. Calling it again with no elapsed time changes nothing.
func (e *Engine) UpdateFarm(ctx context.Context, farmID uint64) error {
	const op = "update_farm"
	unlock := e.lockFarm(farmID)
	defer unlock()
	_, err := e.commit(ctx, op, func(tx StateTx, fx *effects) error {
		farm, err := loadUpdatedFarm(tx, op, farmID, e.now(), fx)
		if err != nil {
			return err
		}
		return tx.FarmPut(farm)
	})
	return err
}

// Farm returns the stored farm record without advancing it.
func (e *Engine) Farm(farmID uint64) (*Farm, bool, error) {
	var (
		farm *Farm
		ok   bool
	)
	err := e.view("get_farm", func(tx StateTx) error {
		var err error
		farm, ok, err = tx.FarmGet(farmID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return farm, ok, nil
}

// FarmCount returns the number of farms ever created.
func (e *Engine) FarmCount() (uint64, error) {
	var count uint64
	err := e.view("farm_count", func(tx StateTx) error {
		var err error
		count, err = tx.FarmCount()
		return err
	})
	return count, err
}
