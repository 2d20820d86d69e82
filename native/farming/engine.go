package farming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"yieldfarm/core/events"
	"yieldfarm/core/types"
	"yieldfarm/native/common"
	"yieldfarm/native/storagerent"
	"yieldfarm/observability/metrics"
)

var tracer = otel.Tracer("yieldfarm/native/farming")

// StateTx exposes the farming records read and written by one engine call.
// Writes become visible to other calls only when the enclosing Update
// returns nil.
type StateTx interface {
	storagerent.CreditState
	FarmGet(id uint64) (*Farm, bool, error)
	FarmPut(farm *Farm) error
	FarmCount() (uint64, error)
	FarmCountPut(count uint64) error
	StakeGet(account string, farmID uint64) (*Stake, bool, error)
	StakePut(stake *Stake) error
	StakeDelete(account string, farmID uint64) error
	StakesByAccount(account string) ([]*Stake, error)
}

type engineState interface {
	Update(fn func(tx StateTx) error) error
	View(fn func(tx StateTx) error) error
}

// TransferGateway accepts outbound transfer requests. Delivery is
// asynchronous; a nil error only means the request was accepted.
type TransferGateway interface {
	RequestTransfer(ctx context.Context, req TransferRequest) error
}

// Engine wires the farm accrual logic with persistence, storage rent,
// event emission and the outbound transfer gateway.
type Engine struct {
	state        engineState
	emitter      events.Emitter
	gateway      TransferGateway
	rent         *storagerent.Ledger
	logger       *slog.Logger
	nowFn        func() uint64
	admin        string
	storageAsset string

	createMu     sync.Mutex
	farmLocks    *xsync.Map[uint64, *sync.Mutex]
	accountLocks *xsync.Map[string, *sync.Mutex]
}

// NewEngine constructs a farming engine with default dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter:      events.NoopEmitter{},
		rent:         storagerent.NewLedger(nil),
		logger:       slog.Default(),
		nowFn:        wallClockNanos,
		farmLocks:    xsync.NewMap[uint64, *sync.Mutex](),
		accountLocks: xsync.NewMap[string, *sync.Mutex](),
	}
}

func wallClockNanos() uint64 { return uint64(time.Now().UnixNano()) }

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetTransferGateway configures where outbound transfers are requested.
func (e *Engine) SetTransferGateway(gateway TransferGateway) { e.gateway = gateway }

// SetRentLedger overrides the storage rent pricing.
func (e *Engine) SetRentLedger(ledger *storagerent.Ledger) {
	if ledger == nil {
		ledger = storagerent.NewLedger(nil)
	}
	e.rent = ledger
}

// SetLogger configures the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNowFunc overrides the nanosecond time source used for deterministic
// testing.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = wallClockNanos
		return
	}
	e.nowFn = now
}

// SetAdmin records the configured owner account. It has no runtime effect.
func (e *Engine) SetAdmin(account string) { e.admin = account }

// Admin returns the configured owner account.
func (e *Engine) Admin() string { return e.admin }

// SetStorageAsset configures the asset in which storage credit is refunded.
func (e *Engine) SetStorageAsset(asset string) { e.storageAsset = asset }

// RentLedger returns the storage rent pricing in use.
func (e *Engine) RentLedger() *storagerent.Ledger { return e.rent }

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return wallClockNanos()
	}
	return e.nowFn()
}

func (e *Engine) log() *slog.Logger {
	if e == nil || e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || evt == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(WrapEvent(evt))
}

func lockKey[K comparable](table *xsync.Map[K, *sync.Mutex], key K) func() {
	mu, _ := table.LoadOrCompute(key, func() (*sync.Mutex, bool) {
		return &sync.Mutex{}, false
	})
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) lockFarm(id uint64) func() { return lockKey(e.farmLocks, id) }

func (e *Engine) lockAccount(account string) func() { return lockKey(e.accountLocks, account) }

// effects collects what a call publishes once its state changes commit.
type effects struct {
	events    []*types.Event
	transfers []TransferRequest
}

func (fx *effects) event(evt *types.Event) { fx.events = append(fx.events, evt) }

func (fx *effects) transfer(req TransferRequest) { fx.transfers = append(fx.transfers, req) }

// commit runs fn in one state transaction and, only if it succeeds, emits
// the collected events and hands the collected transfers to the gateway.
func (e *Engine) commit(ctx context.Context, op string, fn func(tx StateTx, fx *effects) error) ([]TransferRequest, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ctx, span := tracer.Start(ctx, "farming."+op, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	fx := &effects{}
	err := e.state.Update(func(tx StateTx) error {
		return fn(tx, fx)
	})
	if err != nil {
		err = classify(op, err)
		metrics.Farming().ObserveOperation(op, KindOf(err).String())
		span.SetAttributes(attribute.String("farming.error_kind", KindOf(err).String()))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	metrics.Farming().ObserveOperation(op, "ok")
	span.SetAttributes(
		attribute.Int("farming.events", len(fx.events)),
		attribute.Int("farming.transfers", len(fx.transfers)),
	)
	for _, evt := range fx.events {
		e.emit(evt)
	}
	e.dispatch(ctx, fx.transfers)
	return fx.transfers, nil
}

func (e *Engine) view(op string, fn func(tx StateTx) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.state.View(fn); err != nil {
		return classify(op, err)
	}
	return nil
}

// dispatch assigns each transfer its id and requests it independently.
// The state change is already committed, so the caller's cancellation must
// not reach the gateway. Failures are logged and reported as events; the
// committed call is not affected.
func (e *Engine) dispatch(ctx context.Context, transfers []TransferRequest) {
	ctx = context.WithoutCancel(ctx)
	for i := range transfers {
		if transfers[i].ID == "" {
			transfers[i].ID = uuid.NewString()
		}
		req := transfers[i]
		var err error
		if e.gateway == nil {
			err = ErrTransferGatewayNotSet
		} else {
			err = e.gateway.RequestTransfer(ctx, req)
		}
		if err == nil {
			continue
		}
		e.log().Warn("outbound transfer request failed",
			slog.String("kind", KindCollaboratorFailure.String()),
			slog.String("transfer_id", req.ID),
			slog.String("asset", req.Asset),
			slog.String("receiver", req.Receiver),
			slog.String("amount", common.FormatAmount(req.Amount)),
			slog.String("reason", req.Reason),
			slog.Any("error", err))
		e.emit(TransferFailedEvent(req, err))
	}
}

func isPositive(v *uint256.Int) bool { return v != nil && !v.IsZero() }
