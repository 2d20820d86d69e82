package farming

import (
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"yieldfarm/core/events"
	"yieldfarm/core/types"
	"yieldfarm/native/common"
)

const (
	// EventTypeFarmCreated is emitted when a new farm is registered.
	EventTypeFarmCreated = "farm.created"
	// EventTypeFarmAccrued is emitted when an update credits whole sessions.
	EventTypeFarmAccrued = "farm.accrued"
	// EventTypeStaked is emitted when an inbound transfer is staked.
	EventTypeStaked = "farm.staked"
	// EventTypeRewardAdded is emitted when a reward top-up is accepted.
	EventTypeRewardAdded = "farm.rewardAdded"
	// EventTypeRewardsClaimed is emitted once per claimed reward slot.
	EventTypeRewardsClaimed = "farm.rewardsClaimed"
	// EventTypeWithdrawn is emitted when principal leaves a farm.
	EventTypeWithdrawn = "farm.withdrawn"
	// EventTypeTransferRefused is emitted when an inbound transfer is refunded.
	EventTypeTransferRefused = "farm.transferRefused"
	// EventTypeTransferFailed is emitted when the gateway refuses an outbound transfer.
	EventTypeTransferFailed = "farm.transferFailed"
	// EventTypeStorageDeposited is emitted when storage credit is topped up.
	EventTypeStorageDeposited = "storage.deposited"
	// EventTypeStorageWithdrawn is emitted when storage credit is released.
	EventTypeStorageWithdrawn = "storage.withdrawn"
)

type eventEnvelope struct {
	evt *types.Event
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return eventEnvelope{evt: evt} }

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

func joinAmounts(values []*uint256.Int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = common.FormatAmount(v)
	}
	return strings.Join(parts, ",")
}

// FarmCreatedEvent describes a newly registered farm.
func FarmCreatedEvent(farm *Farm) *types.Event {
	return &types.Event{
		Type: EventTypeFarmCreated,
		Attributes: map[string]string{
			"farmId":           formatID(farm.ID),
			"creator":          farm.Creator,
			"stakingAsset":     farm.StakingAsset,
			"rewardAssets":     strings.Join(farm.RewardAssets, ","),
			"rewardPerSession": joinAmounts(farm.RewardPerSession),
			"startTime":        strconv.FormatUint(farm.StartTime/NanosPerSecond, 10),
		},
	}
}

// FarmAccruedEvent describes the growth applied by one accumulator update.
func FarmAccruedEvent(farm *Farm, accrual Accrual) *types.Event {
	return &types.Event{
		Type: EventTypeFarmAccrued,
		Attributes: map[string]string{
			"farmId":       formatID(farm.ID),
			"rewardAssets": strings.Join(farm.RewardAssets, ","),
			"sessions":     strconv.FormatUint(accrual.Sessions, 10),
			"increments":   joinAmounts(accrual.Increments),
			"dust":         joinAmounts(accrual.Dust),
			"checkpoint":   strconv.FormatUint(farm.LastCheckpoint, 10),
		},
	}
}

// StakedEvent describes an accepted stake.
func StakedEvent(farmID uint64, account string, amount, total *uint256.Int, lockupUntil uint64) *types.Event {
	return &types.Event{
		Type: EventTypeStaked,
		Attributes: map[string]string{
			"farmId":      formatID(farmID),
			"account":     account,
			"amount":      common.FormatAmount(amount),
			"totalStaked": common.FormatAmount(total),
			"lockupEnd":   strconv.FormatUint(lockupUntil/NanosPerSecond, 10),
		},
	}
}

// RewardAddedEvent describes an accepted reward top-up.
func RewardAddedEvent(farmID uint64, sender, asset string, amount *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeRewardAdded,
		Attributes: map[string]string{
			"farmId": formatID(farmID),
			"sender": sender,
			"asset":  asset,
			"amount": common.FormatAmount(amount),
		},
	}
}

// RewardsClaimedEvent describes one reward slot paid out on claim.
func RewardsClaimedEvent(farmID uint64, account, asset string, amount *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeRewardsClaimed,
		Attributes: map[string]string{
			"farmId":  formatID(farmID),
			"account": account,
			"asset":   asset,
			"amount":  common.FormatAmount(amount),
		},
	}
}

// WithdrawnEvent describes principal leaving a farm.
func WithdrawnEvent(farmID uint64, account string, amount, remaining *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeWithdrawn,
		Attributes: map[string]string{
			"farmId":    formatID(farmID),
			"account":   account,
			"amount":    common.FormatAmount(amount),
			"remaining": common.FormatAmount(remaining),
		},
	}
}

// TransferRefusedEvent describes an inbound transfer that was returned.
func TransferRefusedEvent(sender, asset string, amount *uint256.Int, directive string) *types.Event {
	return &types.Event{
		Type: EventTypeTransferRefused,
		Attributes: map[string]string{
			"sender":    sender,
			"asset":     asset,
			"amount":    common.FormatAmount(amount),
			"directive": directive,
		},
	}
}

// StorageDepositedEvent describes a storage credit top-up.
func StorageDepositedEvent(account string, amount, balance *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeStorageDeposited,
		Attributes: map[string]string{
			"account": account,
			"amount":  common.FormatAmount(amount),
			"balance": common.FormatAmount(balance),
		},
	}
}

// StorageWithdrawnEvent describes storage credit released to its owner.
func StorageWithdrawnEvent(account string, amount *uint256.Int) *types.Event {
	return &types.Event{
		Type: EventTypeStorageWithdrawn,
		Attributes: map[string]string{
			"account": account,
			"amount":  common.FormatAmount(amount),
		},
	}
}

// TransferFailedEvent describes an outbound transfer the gateway refused.
func TransferFailedEvent(req TransferRequest, err error) *types.Event {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return &types.Event{
		Type: EventTypeTransferFailed,
		Attributes: map[string]string{
			"transferId": req.ID,
			"farmId":     formatID(req.FarmID),
			"asset":      req.Asset,
			"receiver":   req.Receiver,
			"amount":     common.FormatAmount(req.Amount),
			"reason":     req.Reason,
			"error":      reason,
		},
	}
}
