package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"yieldfarm/native/farming"
	"yieldfarm/observability/metrics"
	"yieldfarm/services/farmingd/retry"
)

var tracer = otel.Tracer("yieldfarm/services/farmingd/outbox")

var (
	meterOnce      sync.Once
	sharedDelivery *deliveryMetrics
)

// deliveryMetrics are exported over OTLP next to the prometheus series.
type deliveryMetrics struct {
	deliveries metric.Int64Counter
	duration   metric.Float64Histogram
}

func outboxMetrics() *deliveryMetrics {
	meterOnce.Do(func() {
		const scope = "yieldfarm/services/farmingd/outbox"
		meter := otel.GetMeterProvider().Meter(scope)
		fallback := noop.NewMeterProvider().Meter(scope)
		deliveries, err := meter.Int64Counter("farming.outbox.deliveries",
			metric.WithDescription("Transfer delivery attempts by outcome."))
		if err != nil {
			deliveries, _ = fallback.Int64Counter("farming.outbox.deliveries")
		}
		duration, err := meter.Float64Histogram("farming.outbox.delivery.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Time spent delivering one transfer, retries included."))
		if err != nil {
			duration, _ = fallback.Float64Histogram("farming.outbox.delivery.duration")
		}
		sharedDelivery = &deliveryMetrics{deliveries: deliveries, duration: duration}
	})
	return sharedDelivery
}

func (m *deliveryMetrics) record(ctx context.Context, reason, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason), attribute.String("outcome", outcome))
	m.deliveries.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// Sender hands one transfer to the token endpoint.
type Sender interface {
	Send(ctx context.Context, transfer Transfer) error
}

type transferPayload struct {
	ID       string `json:"id"`
	Asset    string `json:"asset"`
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
	Reason   string `json:"reason"`
	FarmID   uint64 `json:"farmId"`
}

// HTTPSender posts transfers as JSON to a token endpoint.
type HTTPSender struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSender builds a sender with a traced client bounded by timeout.
func NewHTTPSender(endpoint string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		endpoint: strings.TrimSpace(endpoint),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Send posts transfer. 4xx responses other than 408 and 429 are permanent.
func (s *HTTPSender) Send(ctx context.Context, transfer Transfer) error {
	body, err := json.Marshal(transferPayload{
		ID:       transfer.ID.String(),
		Asset:    transfer.Asset,
		Receiver: transfer.Receiver,
		Amount:   transfer.Amount,
		Reason:   transfer.Reason,
		FarmID:   transfer.FarmID,
	})
	if err != nil {
		return &retry.Permanent{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return &retry.Permanent{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", transfer.ID.String())
	req.Header.Set("X-Transfer-Digest", transfer.Fingerprint)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("token endpoint returned %s", resp.Status)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return &retry.Permanent{Err: statusErr}
	}
	return statusErr
}

// LogSender accepts every transfer and only logs it. It stands in for the
// token endpoint in local deployments.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, transfer Transfer) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("transfer accepted without endpoint",
		slog.String("transfer_id", transfer.ID.String()),
		slog.String("asset", transfer.Asset),
		slog.String("account", transfer.Receiver),
		slog.String("amount", transfer.Amount))
	return nil
}

// DispatcherConfig bundles the dispatcher's collaborators.
type DispatcherConfig struct {
	Store       *Store
	Sender      Sender
	Logger      *slog.Logger
	Workers     int
	QueueSize   int
	MaxAttempts int
	BatchSize   int
	Retry       retry.Config
}

// Dispatcher drains due transfers through a bounded worker pool.
type Dispatcher struct {
	store       *Store
	sender      Sender
	logger      *slog.Logger
	pool        pond.Pool
	maxAttempts int
	batchSize   int
	retry       retry.Config
	inflight    *xsync.Map[uuid.UUID, struct{}]
	kick        chan struct{}
}

// NewDispatcher validates cfg and starts the worker pool.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Sender == nil {
		return nil, errors.New("outbox: dispatcher requires a store and a sender")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.QueueSize
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Dispatcher{
		store:       cfg.Store,
		sender:      cfg.Sender,
		logger:      cfg.Logger,
		pool:        pond.NewPool(cfg.Workers, pond.WithQueueSize(cfg.QueueSize)),
		maxAttempts: cfg.MaxAttempts,
		batchSize:   cfg.BatchSize,
		retry:       cfg.Retry,
		inflight:    xsync.NewMap[uuid.UUID, struct{}](),
		kick:        make(chan struct{}, 1),
	}, nil
}

// Kick asks the run loop to dispatch soon. It never blocks.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run dispatches whenever kicked until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
			if _, err := d.DispatchDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Warn("outbox dispatch failed", slog.Any("error", err))
			}
		}
	}
}

// DispatchDue sends every due transfer not already in flight and returns
// how many were attempted.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	rows, err := d.store.Due(ctx, d.maxAttempts, d.batchSize)
	if err != nil {
		return 0, err
	}
	group := d.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	attempted := 0
	for _, row := range rows {
		if _, busy := d.inflight.LoadOrStore(row.ID, struct{}{}); busy {
			continue
		}
		attempted++
		transfer := row
		group.Submit(func() {
			defer d.inflight.Delete(transfer.ID)
			if err := groupCtx.Err(); err != nil {
				return
			}
			d.deliver(groupCtx, transfer)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		d.logger.Warn("outbox group ended with error", slog.Any("error", err))
	}
	d.refreshPending(ctx)
	return attempted, nil
}

func (d *Dispatcher) deliver(ctx context.Context, transfer Transfer) {
	ctx, span := tracer.Start(ctx, "outbox.deliver",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("transfer.id", transfer.ID.String()),
			attribute.String("transfer.reason", transfer.Reason),
			attribute.Int("transfer.attempts", transfer.Attempts),
		))
	defer span.End()

	op := "deliver transfer " + transfer.ID.String()
	started := time.Now()
	err := retry.WithBackoff(ctx, d.retry, d.logger, op, func() error {
		return d.sender.Send(ctx, transfer)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		outboxMetrics().record(ctx, transfer.Reason, "failed", time.Since(started))
		metrics.Farming().ObserveTransfer(transfer.Reason, "failed")
		d.logger.Warn("transfer delivery failed",
			slog.String("transfer_id", transfer.ID.String()),
			slog.String("asset", transfer.Asset),
			slog.String("account", transfer.Receiver),
			slog.Int("attempts", transfer.Attempts+1),
			slog.Any("error", err))
		if markErr := d.store.MarkFailed(context.WithoutCancel(ctx), transfer.ID, err); markErr != nil {
			d.logger.Error("record transfer failure", slog.Any("error", markErr))
		}
		return
	}
	outboxMetrics().record(ctx, transfer.Reason, "sent", time.Since(started))
	metrics.Farming().ObserveTransfer(transfer.Reason, "sent")
	if err := d.store.MarkSent(context.WithoutCancel(ctx), transfer.ID); err != nil {
		d.logger.Error("record transfer hand-off", slog.Any("error", err))
	}
}

func (d *Dispatcher) refreshPending(ctx context.Context) {
	if n, err := d.store.CountOpen(ctx); err == nil {
		metrics.Farming().SetOutboxPending(int(n))
	}
}

// Stop waits for in-flight deliveries and releases the pool.
func (d *Dispatcher) Stop() {
	d.pool.StopAndWait()
}

// Gateway implements farming.TransferGateway on top of the outbox: a
// request is durable once RequestTransfer returns nil. The insert runs
// detached from ctx cancellation since the originating call has already
// committed.
type Gateway struct {
	store      *Store
	dispatcher *Dispatcher
}

func NewGateway(store *Store, dispatcher *Dispatcher) *Gateway {
	return &Gateway{store: store, dispatcher: dispatcher}
}

func (g *Gateway) RequestTransfer(ctx context.Context, req farming.TransferRequest) error {
	if _, err := g.store.Enqueue(context.WithoutCancel(ctx), req); err != nil {
		return err
	}
	if g.dispatcher != nil {
		g.dispatcher.Kick()
	}
	return nil
}
