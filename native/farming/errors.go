package farming

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"yieldfarm/native/common"
	"yieldfarm/native/storagerent"
)

// Kind classifies why an engine call was refused.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation covers malformed input and unknown farms or stakes.
	KindValidation
	// KindInsufficientResource covers storage credit and staked balance shortfalls.
	KindInsufficientResource
	// KindPolicyViolation covers active lockups and wrong assets.
	KindPolicyViolation
	// KindCollaboratorFailure covers outbound transfer failures. These are
	// logged by the engine and never returned from a committed call.
	KindCollaboratorFailure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInsufficientResource:
		return "insufficient_resource"
	case KindPolicyViolation:
		return "policy_violation"
	case KindCollaboratorFailure:
		return "collaborator_failure"
	default:
		return "unknown"
	}
}

var (
	errNilState = errors.New("farming engine: state not configured")

	ErrAccountRequired       = errors.New("farming engine: account required")
	ErrStakingAssetRequired  = errors.New("farming engine: staking asset required")
	ErrRewardAssetsMismatch  = errors.New("farming engine: reward assets and reward per session must be non-empty and of equal length")
	ErrDuplicateRewardAsset  = errors.New("farming engine: duplicate reward asset")
	ErrRewardAssetRequired   = errors.New("farming engine: reward asset required")
	ErrZeroSessionInterval   = errors.New("farming engine: session interval must be positive")
	ErrInvalidAmount         = errors.New("farming engine: amount must be positive")
	ErrInvalidDirective      = errors.New("farming engine: malformed directive")
	ErrFarmNotFound          = errors.New("farming engine: farm not found")
	ErrStakeNotFound         = errors.New("farming engine: stake not found")
	ErrInsufficientStake     = errors.New("farming engine: insufficient staked balance")
	ErrInsufficientStorage   = errors.New("farming engine: insufficient storage credit")
	ErrLockupActive          = errors.New("farming engine: stake is still locked")
	ErrStakingAssetMismatch  = errors.New("farming engine: asset is not the farm's staking asset")
	ErrRewardAssetMismatch   = errors.New("farming engine: asset is not a reward asset of the farm")
	ErrDurationOutOfRange    = errors.New("farming engine: duration out of range")
	ErrTransferGatewayNotSet = errors.New("farming engine: transfer gateway not configured")
)

// Error is returned by every refused engine call. It names the operation,
// carries the classification and, for resource shortfalls, the missing
// amount.
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	Shortfall *uint256.Int
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.Shortfall != nil {
		msg += fmt.Sprintf(" (need %s more)", common.FormatAmount(e.Shortfall))
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the classification attached to err, or KindUnknown.
func KindOf(err error) Kind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindUnknown
}

// ShortfallOf returns the missing amount reported with err, if any.
func ShortfallOf(err error) (*uint256.Int, bool) {
	var engineErr *Error
	if errors.As(err, &engineErr) && engineErr.Shortfall != nil {
		return common.CopyAmount(engineErr.Shortfall), true
	}
	return nil, false
}

func validationErr(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func policyErr(op string, err error) error {
	return &Error{Kind: KindPolicyViolation, Op: op, Err: err}
}

func shortfallErr(op string, err error, shortfall *uint256.Int) error {
	return &Error{Kind: KindInsufficientResource, Op: op, Err: err, Shortfall: shortfall}
}

// classify attaches a kind to errors raised by collaborators. Errors that
// already carry a kind pass through; storage and persistence failures are
// left unclassified.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return err
	}
	var credit *storagerent.InsufficientCreditError
	if errors.As(err, &credit) {
		return shortfallErr(op, fmt.Errorf("%w: %w", ErrInsufficientStorage, err), credit.Shortfall)
	}
	switch {
	case errors.Is(err, storagerent.ErrWithdrawExceedsBal):
		return &Error{Kind: KindInsufficientResource, Op: op, Err: err}
	case errors.Is(err, storagerent.ErrInvalidAmount):
		return validationErr(op, fmt.Errorf("%w: %w", ErrInvalidAmount, err))
	case errors.Is(err, storagerent.ErrAccountRequired):
		return validationErr(op, fmt.Errorf("%w: %w", ErrAccountRequired, err))
	}
	return &Error{Kind: KindUnknown, Op: op, Err: err}
}
