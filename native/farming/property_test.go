package farming

import (
	"context"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// TestRandomOperationsPreserveAccounting drives a farm through a seeded mix
// of stakes, claims, withdrawals and clock moves and checks the ledger after
// every step.
func TestRandomOperationsPreserveAccounting(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 1337} {
		seed := seed
		t.Run("", func(t *testing.T) {
			runRandomOperations(t, rand.New(rand.NewSource(seed)))
		})
	}
}

func runRandomOperations(t *testing.T, rng *rand.Rand) {
	h := newHarness(t)
	in := FarmInput{
		StakingAsset:     stakingAsset,
		RewardAssets:     []string{"gold", "silver"},
		RewardPerSession: amounts(997, 13),
		SessionInterval:  3,
		LockupDuration:   5,
	}
	farmID := h.createFarm(t, in)
	accounts := []string{"alice", "bob", "carol", "dave"}
	for _, account := range accounts {
		h.fund(t, account, 10_000)
	}

	ctx := context.Background()
	var (
		now     uint64
		lastRPS = amounts(0, 0)
	)
	for step := 0; step < 400; step++ {
		account := accounts[rng.Intn(len(accounts))]
		switch rng.Intn(4) {
		case 0:
			amount := uint256.NewInt(uint64(rng.Intn(500) + 1))
			_, err := h.engine.OnAssetReceived(ctx, stakingAsset, account, amount, "STAKE:0")
			require.NoError(t, err)
		case 1:
			_, err := h.engine.ClaimRewards(ctx, account, farmID)
			if err != nil {
				require.ErrorIs(t, err, ErrStakeNotFound)
			}
		case 2:
			amount := uint256.NewInt(uint64(rng.Intn(300) + 1))
			_, err := h.engine.Withdraw(ctx, account, farmID, amount)
			if err != nil {
				require.Contains(t, []Kind{KindValidation, KindPolicyViolation, KindInsufficientResource}, KindOf(err))
			}
		case 3:
			now += uint64(rng.Intn(20))
			h.clock.set(now)
			require.NoError(t, h.engine.UpdateFarm(ctx, farmID))
		}

		farm := h.farm(t, farmID)
		sum := new(uint256.Int)
		for _, stake := range h.state.allStakes() {
			require.False(t, stake.Amount.IsZero(), "zero stake record kept for %s", stake.Account)
			sum.Add(sum, stake.Amount)
		}
		require.True(t, sum.Eq(farm.TotalStaked), "step %d: stakes sum %s, total %s", step, sum.Dec(), farm.TotalStaked.Dec())
		for i, rps := range farm.RewardPerShare {
			require.False(t, rps.Lt(lastRPS[i]), "step %d: reward per share decreased in slot %d", step, i)
			lastRPS[i] = rps
		}
		if nowNanos := now * NanosPerSecond; nowNanos >= farm.StartTime {
			require.LessOrEqual(t, farm.LastCheckpoint, nowNanos)
		}
	}
}
