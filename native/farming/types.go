package farming

import (
	"github.com/holiman/uint256"

	"yieldfarm/native/common"
)

// NanosPerSecond converts the external second-based durations into the
// nanosecond resolution tracked by the engine.
const NanosPerSecond uint64 = 1_000_000_000

// FarmInput describes a farm schedule as submitted by its creator. Durations
// are expressed in seconds. StartAt of zero starts accrual at creation time.
type FarmInput struct {
	StakingAsset     string         `json:"stakingAsset"`
	RewardAssets     []string       `json:"rewardAssets"`
	RewardPerSession []*uint256.Int `json:"rewardPerSession"`
	SessionInterval  uint64         `json:"sessionIntervalSec"`
	LockupDuration   uint64         `json:"lockupPeriodSec"`
	StartAt          uint64         `json:"startAtSec"`
}

// Farm is a staking pool pairing one staking asset with an ordered set of
// reward assets. Slot i of RewardAssets, RewardPerSession and RewardPerShare
// refer to the same reward asset. All times are nanoseconds.
type Farm struct {
	ID               uint64         `json:"id"`
	Creator          string         `json:"creator"`
	StakingAsset     string         `json:"stakingAsset"`
	RewardAssets     []string       `json:"rewardAssets"`
	RewardPerSession []*uint256.Int `json:"rewardPerSession"`
	SessionInterval  uint64         `json:"sessionInterval"`
	StartTime        uint64         `json:"startTime"`
	LastCheckpoint   uint64         `json:"lastCheckpoint"`
	TotalStaked      *uint256.Int   `json:"totalStaked"`
	RewardPerShare   []*uint256.Int `json:"rewardPerShare"`
	LockupDuration   uint64         `json:"lockupDuration"`
	CreatedAt        uint64         `json:"createdAt"`
}

// RewardSlot returns the slot index for asset or -1 when the asset is not a
// reward of this farm.
func (f *Farm) RewardSlot(asset string) int {
	if f == nil {
		return -1
	}
	for i, candidate := range f.RewardAssets {
		if candidate == asset {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the farm.
func (f *Farm) Clone() *Farm {
	if f == nil {
		return nil
	}
	clone := *f
	clone.RewardAssets = append([]string(nil), f.RewardAssets...)
	clone.RewardPerSession = cloneAmounts(f.RewardPerSession)
	clone.RewardPerShare = cloneAmounts(f.RewardPerShare)
	clone.TotalStaked = common.CopyAmount(f.TotalStaked)
	return &clone
}

// Stake records one account's position in one farm. A stake with zero
// amount is never persisted.
type Stake struct {
	Account     string         `json:"account"`
	FarmID      uint64         `json:"farmId"`
	Amount      *uint256.Int   `json:"amount"`
	LockupUntil uint64         `json:"lockupUntil"`
	RewardDebt  []*uint256.Int `json:"rewardDebt"`
	Accrued     []*uint256.Int `json:"accrued"`
}

func newStake(account string, farmID uint64, slots int) *Stake {
	return &Stake{
		Account:    account,
		FarmID:     farmID,
		Amount:     common.ZeroAmount(),
		RewardDebt: zeroAmounts(slots),
		Accrued:    zeroAmounts(slots),
	}
}

// Clone returns a deep copy of the stake.
func (s *Stake) Clone() *Stake {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Amount = common.CopyAmount(s.Amount)
	clone.RewardDebt = cloneAmounts(s.RewardDebt)
	clone.Accrued = cloneAmounts(s.Accrued)
	return &clone
}

// TransferRequest is an outbound asset movement handed to the transfer
// gateway after the triggering call has committed.
type TransferRequest struct {
	// ID is assigned by the engine before the request reaches the gateway
	// and identifies the transfer to status lookups.
	ID       string       `json:"id"`
	Asset    string       `json:"asset"`
	Receiver string       `json:"receiver"`
	Amount   *uint256.Int `json:"amount"`
	Reason   string       `json:"reason"`
	FarmID   uint64       `json:"farmId"`
}

const (
	TransferReasonClaim           = "claim"
	TransferReasonWithdraw        = "withdraw"
	TransferReasonStorageWithdraw = "storage_withdraw"
)

func cloneAmounts(values []*uint256.Int) []*uint256.Int {
	if values == nil {
		return nil
	}
	out := make([]*uint256.Int, len(values))
	for i, v := range values {
		out[i] = common.CopyAmount(v)
	}
	return out
}

func zeroAmounts(n int) []*uint256.Int {
	out := make([]*uint256.Int, n)
	for i := range out {
		out[i] = common.ZeroAmount()
	}
	return out
}

// alignSlots pads values with zeros so that it has exactly n entries.
func alignSlots(values []*uint256.Int, n int) []*uint256.Int {
	if len(values) == n {
		return values
	}
	out := zeroAmounts(n)
	copy(out, values)
	for i := range out {
		if out[i] == nil {
			out[i] = common.ZeroAmount()
		}
	}
	return out
}
