package farming

import (
	"context"
	"log/slog"

	"github.com/holiman/uint256"

	"yieldfarm/native/common"
)

// OnAssetReceived handles a verified inbound transfer of amount of asset
// from sender carrying directive msg. It returns the portion to refund to
// the sender: the full amount when the directive names no known action or
// when the call fails, zero when the transfer was absorbed.
func (e *Engine) OnAssetReceived(ctx context.Context, asset, sender string, amount *uint256.Int, msg string) (*uint256.Int, error) {
	const op = "on_asset_received"
	refund := common.CopyAmount(amount)
	asset = normalizeID(asset)
	sender = normalizeID(sender)
	if sender == "" {
		return refund, validationErr(op, ErrAccountRequired)
	}
	if amount != nil && amount.Gt(common.MaxAmount) {
		return refund, validationErr(op, common.ErrAmountTooLarge)
	}

	directive, known, err := ParseDirective(msg)
	if err != nil {
		return refund, validationErr(op, err)
	}
	if !known {
		e.log().Info("inbound transfer refused",
			slog.String("sender", sender),
			slog.String("asset", asset),
			slog.String("amount", common.FormatAmount(amount)),
			slog.String("directive", msg))
		e.emit(TransferRefusedEvent(sender, asset, amount, msg))
		return refund, nil
	}

	unlock := e.lockFarm(directive.FarmID)
	defer unlock()

	switch directive.Action {
	case ActionStake:
		unlockAccount := e.lockAccount(sender)
		defer unlockAccount()
		_, err = e.commit(ctx, "stake", func(tx StateTx, fx *effects) error {
			return e.stake(tx, fx, "stake", sender, asset, directive.FarmID, amount, e.now())
		})
		if err != nil {
			return refund, err
		}
		e.log().Info("stake accepted",
			slog.Uint64("farm_id", directive.FarmID),
			slog.String("account", sender),
			slog.String("asset", asset),
			slog.String("amount", common.FormatAmount(amount)))
	case ActionAddReward:
		_, err = e.commit(ctx, "add_reward", func(tx StateTx, fx *effects) error {
			return e.addReward(tx, fx, "add_reward", sender, asset, directive.FarmID, amount)
		})
		if err != nil {
			return refund, err
		}
		e.log().Info("reward added",
			slog.Uint64("farm_id", directive.FarmID),
			slog.String("sender", sender),
			slog.String("asset", asset),
			slog.String("amount", common.FormatAmount(amount)))
	}
	return common.ZeroAmount(), nil
}

// DepositStorage credits amount of prepaid storage to account and returns
// the new balance.
func (e *Engine) DepositStorage(ctx context.Context, account string, amount *uint256.Int) (*uint256.Int, error) {
	const op = "storage_deposit"
	account = normalizeID(account)
	unlock := e.lockAccount(account)
	defer unlock()

	var balance *uint256.Int
	_, err := e.commit(ctx, op, func(tx StateTx, fx *effects) error {
		var err error
		balance, err = e.rent.Deposit(tx, account, amount)
		if err != nil {
			return classify(op, err)
		}
		fx.event(StorageDepositedEvent(account, amount, balance))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// WithdrawStorage releases prepaid storage credit back to account. A nil
// amount withdraws the whole balance. The refund is requested through the
// transfer gateway in the configured storage asset.
func (e *Engine) WithdrawStorage(ctx context.Context, account string, amount *uint256.Int) (TransferRequest, error) {
	const op = "storage_withdraw"
	account = normalizeID(account)
	unlock := e.lockAccount(account)
	defer unlock()

	var withdrawn *uint256.Int
	transfers, err := e.commit(ctx, op, func(tx StateTx, fx *effects) error {
		var err error
		withdrawn, err = e.rent.Withdraw(tx, account, amount)
		if err != nil {
			return classify(op, err)
		}
		fx.event(StorageWithdrawnEvent(account, withdrawn))
		if withdrawn.IsZero() {
			return nil
		}
		fx.transfer(TransferRequest{
			Asset:    e.storageAsset,
			Receiver: account,
			Amount:   common.CopyAmount(withdrawn),
			Reason:   TransferReasonStorageWithdraw,
		})
		return nil
	})
	if err != nil {
		return TransferRequest{}, err
	}
	if len(transfers) == 1 {
		return transfers[0], nil
	}
	return TransferRequest{
		Asset:    e.storageAsset,
		Receiver: account,
		Amount:   withdrawn,
		Reason:   TransferReasonStorageWithdraw,
	}, nil
}

// StorageBalance returns the prepaid storage credit held by account.
func (e *Engine) StorageBalance(account string) (*uint256.Int, error) {
	var balance *uint256.Int
	err := e.view("storage_balance", func(tx StateTx) error {
		var err error
		balance, err = e.rent.Balance(tx, normalizeID(account))
		return err
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}
