package farmstore

import (
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"

	"yieldfarm/native/common"
	"yieldfarm/native/farming"
)

var (
	farmCountKey    = []byte("farming/farm-count")
	stakePrefix     = []byte("farming/stake/")
	farmKeyFormat   = "farming/farm/%020d"
	stakeKeyFormat  = "farming/stake/%s/%020d"
	creditKeyFormat = "farming/credit/%s"
)

func farmKey(id uint64) []byte { return []byte(fmt.Sprintf(farmKeyFormat, id)) }

// Account ids are hex encoded so one account's prefix can never match
// another account's keys.
func accountSegment(account string) string { return hex.EncodeToString([]byte(account)) }

func stakeKey(account string, farmID uint64) []byte {
	return []byte(fmt.Sprintf(stakeKeyFormat, accountSegment(account), farmID))
}

func accountStakePrefix(account string) []byte {
	return append(append([]byte(nil), stakePrefix...), accountSegment(account)+"/"...)
}

func creditKey(account string) []byte {
	return []byte(fmt.Sprintf(creditKeyFormat, accountSegment(account)))
}

type farmRecord struct {
	ID               uint64   `json:"id"`
	Creator          string   `json:"creator"`
	StakingAsset     string   `json:"stakingAsset"`
	RewardAssets     []string `json:"rewardAssets"`
	RewardPerSession []string `json:"rewardPerSession"`
	SessionInterval  uint64   `json:"sessionInterval"`
	StartTime        uint64   `json:"startTime"`
	LastCheckpoint   uint64   `json:"lastCheckpoint"`
	TotalStaked      string   `json:"totalStaked"`
	RewardPerShare   []string `json:"rewardPerShare"`
	LockupDuration   uint64   `json:"lockupDuration"`
	CreatedAt        uint64   `json:"createdAt"`
}

type stakeRecord struct {
	Account     string   `json:"account"`
	FarmID      uint64   `json:"farmId"`
	Amount      string   `json:"amount"`
	LockupUntil uint64   `json:"lockupUntil"`
	RewardDebt  []string `json:"rewardDebt"`
	Accrued     []string `json:"accrued"`
}

func formatAll(values []*uint256.Int) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = common.FormatAmount(v)
	}
	return out
}

func parseAll(values []string) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, len(values))
	for i, raw := range values {
		v, err := common.ParseAmount(raw)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func newFarmRecord(farm *farming.Farm) farmRecord {
	return farmRecord{
		ID:               farm.ID,
		Creator:          farm.Creator,
		StakingAsset:     farm.StakingAsset,
		RewardAssets:     append([]string(nil), farm.RewardAssets...),
		RewardPerSession: formatAll(farm.RewardPerSession),
		SessionInterval:  farm.SessionInterval,
		StartTime:        farm.StartTime,
		LastCheckpoint:   farm.LastCheckpoint,
		TotalStaked:      common.FormatAmount(farm.TotalStaked),
		RewardPerShare:   formatAll(farm.RewardPerShare),
		LockupDuration:   farm.LockupDuration,
		CreatedAt:        farm.CreatedAt,
	}
}

func (r farmRecord) farm() (*farming.Farm, error) {
	perSession, err := parseAll(r.RewardPerSession)
	if err != nil {
		return nil, fmt.Errorf("farm %d reward per session: %w", r.ID, err)
	}
	perShare, err := parseAll(r.RewardPerShare)
	if err != nil {
		return nil, fmt.Errorf("farm %d reward per share: %w", r.ID, err)
	}
	total, err := common.ParseAmount(r.TotalStaked)
	if err != nil {
		return nil, fmt.Errorf("farm %d total staked: %w", r.ID, err)
	}
	return &farming.Farm{
		ID:               r.ID,
		Creator:          r.Creator,
		StakingAsset:     r.StakingAsset,
		RewardAssets:     r.RewardAssets,
		RewardPerSession: perSession,
		SessionInterval:  r.SessionInterval,
		StartTime:        r.StartTime,
		LastCheckpoint:   r.LastCheckpoint,
		TotalStaked:      total,
		RewardPerShare:   perShare,
		LockupDuration:   r.LockupDuration,
		CreatedAt:        r.CreatedAt,
	}, nil
}

func newStakeRecord(stake *farming.Stake) stakeRecord {
	return stakeRecord{
		Account:     stake.Account,
		FarmID:      stake.FarmID,
		Amount:      common.FormatAmount(stake.Amount),
		LockupUntil: stake.LockupUntil,
		RewardDebt:  formatAll(stake.RewardDebt),
		Accrued:     formatAll(stake.Accrued),
	}
}

func (r stakeRecord) stake() (*farming.Stake, error) {
	amount, err := common.ParseAmount(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("stake %s/%d amount: %w", r.Account, r.FarmID, err)
	}
	debt, err := parseAll(r.RewardDebt)
	if err != nil {
		return nil, fmt.Errorf("stake %s/%d reward debt: %w", r.Account, r.FarmID, err)
	}
	accrued, err := parseAll(r.Accrued)
	if err != nil {
		return nil, fmt.Errorf("stake %s/%d accrued: %w", r.Account, r.FarmID, err)
	}
	return &farming.Stake{
		Account:     r.Account,
		FarmID:      r.FarmID,
		Amount:      amount,
		LockupUntil: r.LockupUntil,
		RewardDebt:  debt,
		Accrued:     accrued,
	}, nil
}
