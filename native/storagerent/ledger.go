package storagerent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"yieldfarm/native/common"
)

// DefaultByteCost is the credit charged per byte of persisted record
// (10^19 base units, matching the host chain's storage staking price).
var DefaultByteCost = uint256.NewInt(10_000_000_000_000_000_000)

var (
	ErrAccountRequired    = errors.New("storage rent: account required")
	ErrInvalidAmount      = errors.New("storage rent: amount must be positive")
	ErrWithdrawExceedsBal = errors.New("storage rent: not enough storage credit to withdraw")
)

// InsufficientCreditError reports how much more credit an account must
// deposit before the requested record can be created.
type InsufficientCreditError struct {
	Account   string
	Required  *uint256.Int
	Available *uint256.Int
	Shortfall *uint256.Int
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("storage rent: insufficient storage, need %s more", common.FormatAmount(e.Shortfall))
}

// CreditState is the persistence surface the ledger reads and writes. It is
// normally the same transaction the caller mutates its own records through.
type CreditState interface {
	StorageCreditGet(account string) (*uint256.Int, error)
	StorageCreditPut(account string, amount *uint256.Int) error
}

// Ledger prices record storage and tracks prepaid credit per account. The
// credit is a sufficiency gate only; creating records does not consume it.
type Ledger struct {
	byteCost *uint256.Int
}

// NewLedger constructs a ledger charging byteCost per byte. A nil cost falls
// back to DefaultByteCost.
func NewLedger(byteCost *uint256.Int) *Ledger {
	if byteCost == nil {
		byteCost = DefaultByteCost
	}
	return &Ledger{byteCost: common.CopyAmount(byteCost)}
}

// ByteCost returns the configured per-byte price.
func (l *Ledger) ByteCost() *uint256.Int {
	if l == nil {
		return common.CopyAmount(DefaultByteCost)
	}
	return common.CopyAmount(l.byteCost)
}

// Cost returns the credit required to hold bytes of storage.
func (l *Ledger) Cost(bytes uint64) *uint256.Int {
	return common.SaturatingMul(uint256.NewInt(bytes), l.ByteCost())
}

// Require verifies the account holds enough credit for bytes of storage.
func (l *Ledger) Require(st CreditState, account string, bytes uint64) error {
	account = strings.TrimSpace(account)
	if account == "" {
		return ErrAccountRequired
	}
	balance, err := st.StorageCreditGet(account)
	if err != nil {
		return err
	}
	balance = common.CopyAmount(balance)
	cost := l.Cost(bytes)
	if balance.Lt(cost) {
		return &InsufficientCreditError{
			Account:   account,
			Required:  cost,
			Available: balance,
			Shortfall: common.SaturatingSub(cost, balance),
		}
	}
	return nil
}

// Balance returns the prepaid credit held by account.
func (l *Ledger) Balance(st CreditState, account string) (*uint256.Int, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, ErrAccountRequired
	}
	balance, err := st.StorageCreditGet(account)
	if err != nil {
		return nil, err
	}
	return common.CopyAmount(balance), nil
}

// Deposit adds amount to the account's credit and returns the new balance.
func (l *Ledger) Deposit(st CreditState, account string, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	balance, err := l.Balance(st, account)
	if err != nil {
		return nil, err
	}
	updated := common.SaturatingAdd(balance, amount)
	if err := st.StorageCreditPut(strings.TrimSpace(account), updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Withdraw removes amount from the account's credit. A nil amount withdraws
// the full balance. It returns the amount actually withdrawn.
func (l *Ledger) Withdraw(st CreditState, account string, amount *uint256.Int) (*uint256.Int, error) {
	balance, err := l.Balance(st, account)
	if err != nil {
		return nil, err
	}
	toWithdraw := balance
	if amount != nil {
		toWithdraw = common.CopyAmount(amount)
	}
	if toWithdraw.Gt(balance) {
		return nil, ErrWithdrawExceedsBal
	}
	if err := st.StorageCreditPut(strings.TrimSpace(account), common.SaturatingSub(balance, toWithdraw)); err != nil {
		return nil, err
	}
	return toWithdraw, nil
}
