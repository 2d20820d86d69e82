package farming

import (
	"github.com/holiman/uint256"

	"yieldfarm/native/common"
)

// Accrual reports the per-slot growth applied to a farm's reward-per-share
// accumulator by one update. Dust is the emission that truncating division
// left unassigned and which is permanently unclaimable.
type Accrual struct {
	Sessions   uint64
	Increments []*uint256.Int
	Dust       []*uint256.Int
}

// Accumulate credits sessions worth of emission to rewardPerShare in place.
// Each slot grows by (sessions*rewardPerSession[i])/totalStaked. Nothing is
// applied when sessions or totalStaked is zero.
func Accumulate(rewardPerShare, rewardPerSession []*uint256.Int, sessions uint64, totalStaked *uint256.Int) Accrual {
	result := Accrual{Sessions: sessions}
	if sessions == 0 || totalStaked == nil || totalStaked.IsZero() {
		return result
	}
	count := uint256.NewInt(sessions)
	result.Increments = make([]*uint256.Int, len(rewardPerShare))
	result.Dust = make([]*uint256.Int, len(rewardPerShare))
	for i := range rewardPerShare {
		var perSession *uint256.Int
		if i < len(rewardPerSession) {
			perSession = rewardPerSession[i]
		}
		emitted := common.SaturatingMul(count, perSession)
		inc, rem := common.QuoRem(emitted, totalStaked)
		rewardPerShare[i] = common.SaturatingAdd(rewardPerShare[i], inc)
		result.Increments[i] = inc
		result.Dust[i] = rem
	}
	return result
}
