package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gorm.io/gorm"

	"yieldfarm/native/farming"
	"yieldfarm/native/storagerent"
	"yieldfarm/services/farmingd/retry"
	"yieldfarm/state/farmstore"
	"yieldfarm/storage"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(setupTestDB(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func claimRequest(amount uint64) farming.TransferRequest {
	return farming.TransferRequest{
		Asset:    "gold",
		Receiver: "alice",
		Amount:   uint256.NewInt(amount),
		Reason:   farming.TransferReasonClaim,
		FarmID:   7,
	}
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestEnqueueRecordsPendingTransfer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	transfer, err := store.Enqueue(ctx, claimRequest(150))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if transfer.Status != StatusPending || transfer.Amount != "150" {
		t.Fatalf("unexpected transfer: %+v", transfer)
	}
	if transfer.Fingerprint != Fingerprint(transfer.ID, claimRequest(150)) {
		t.Fatalf("fingerprint mismatch")
	}
	loaded, err := store.Get(ctx, transfer.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Receiver != "alice" || loaded.FarmID != 7 {
		t.Fatalf("unexpected loaded row: %+v", loaded)
	}
	if _, err := store.Get(ctx, uuid.New()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnqueueKeepsAssignedID(t *testing.T) {
	store := newTestStore(t)
	req := claimRequest(9)
	req.ID = uuid.NewString()

	transfer, err := store.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if transfer.ID.String() != req.ID {
		t.Fatalf("expected id %s, got %s", req.ID, transfer.ID)
	}

	req.ID = "not-a-uuid"
	if _, err := store.Enqueue(context.Background(), req); err == nil {
		t.Fatalf("expected malformed id to be rejected")
	}
}

func TestClaimPersistsTransferAfterCallerCancels(t *testing.T) {
	store := newTestStore(t)
	var now atomic.Uint64

	engine := farming.NewEngine()
	engine.SetState(farmstore.New(storage.NewMemDB()))
	engine.SetRentLedger(storagerent.NewLedger(uint256.NewInt(1)))
	engine.SetStorageAsset("native")
	engine.SetNowFunc(now.Load)
	engine.SetTransferGateway(NewGateway(store, nil))

	ctx := context.Background()
	for _, account := range []string{"creator", "alice"} {
		if _, err := engine.DepositStorage(ctx, account, uint256.NewInt(1_000_000)); err != nil {
			t.Fatalf("deposit for %s: %v", account, err)
		}
	}
	farmID, err := engine.CreateFarm(ctx, "creator", farming.FarmInput{
		StakingAsset:     "stake",
		RewardAssets:     []string{"gold"},
		RewardPerSession: []*uint256.Int{uint256.NewInt(100)},
		SessionInterval:  10,
	})
	if err != nil {
		t.Fatalf("create farm: %v", err)
	}
	if _, err := engine.OnAssetReceived(ctx, "stake", "alice", uint256.NewInt(100), fmt.Sprintf("STAKE:%d", farmID)); err != nil {
		t.Fatalf("stake: %v", err)
	}

	now.Store(25 * farming.NanosPerSecond)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	transfers, err := engine.ClaimRewards(cancelled, "alice", farmID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(transfers) != 1 || transfers[0].Amount.Uint64() != 200 {
		t.Fatalf("expected one transfer of 200, got %+v", transfers)
	}

	id, err := uuid.Parse(transfers[0].ID)
	if err != nil {
		t.Fatalf("claim did not return a transfer id: %q", transfers[0].ID)
	}
	row, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("transfer not persisted: %v", err)
	}
	if row.Status != StatusPending || row.Amount != "200" || row.Receiver != "alice" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if open, _ := store.CountOpen(ctx); open != 1 {
		t.Fatalf("expected one open transfer, got %d", open)
	}
}

func TestEnqueueRejectsEmptyRequests(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Enqueue(ctx, claimRequest(0)); err == nil {
		t.Fatalf("expected zero amount to be rejected")
	}
	req := claimRequest(5)
	req.Receiver = " "
	if _, err := store.Enqueue(ctx, req); err == nil {
		t.Fatalf("expected missing receiver to be rejected")
	}
}

func TestFingerprintCoversAmount(t *testing.T) {
	id := uuid.New()
	if Fingerprint(id, claimRequest(1)) == Fingerprint(id, claimRequest(2)) {
		t.Fatalf("fingerprint must change with the amount")
	}
}

func TestCompleteRequiresSentTransfer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	transfer, err := store.Enqueue(ctx, claimRequest(10))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Complete(ctx, transfer.ID, true, ""); err == nil {
		t.Fatalf("pending transfer must not complete")
	}
	if err := store.MarkSent(ctx, transfer.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	done, err := store.Complete(ctx, transfer.ID, true, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil || done.Attempts != 1 {
		t.Fatalf("unexpected completed row: %+v", done)
	}
	if _, err := store.Complete(ctx, uuid.New(), true, ""); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteFailureMakesTransferDueAgain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	transfer, _ := store.Enqueue(ctx, claimRequest(10))
	if err := store.MarkSent(ctx, transfer.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := store.Complete(ctx, transfer.ID, false, "receiver not registered"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	due, err := store.Due(ctx, 5, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].LastError != "receiver not registered" {
		t.Fatalf("expected failed transfer to be due, got %+v", due)
	}
	if due, _ := store.Due(ctx, 1, 10); len(due) != 0 {
		t.Fatalf("attempt cap should exclude the row, got %d", len(due))
	}
}

func TestPruneRemovesOnlyOldCompletedRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	old, _ := store.Enqueue(ctx, claimRequest(1))
	_ = store.MarkSent(ctx, old.ID)
	if _, err := store.Complete(ctx, old.ID, true, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	open, _ := store.Enqueue(ctx, claimRequest(2))

	removed, err := store.Prune(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one pruned row, got %d", removed)
	}
	if _, err := store.Get(ctx, open.ID); err != nil {
		t.Fatalf("open transfer should survive: %v", err)
	}
	if n, _ := store.CountOpen(ctx); n != 1 {
		t.Fatalf("expected one open transfer, got %d", n)
	}
}

func TestDispatcherDeliversToEndpoint(t *testing.T) {
	var (
		mu       sync.Mutex
		received []transferPayload
		keys     []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload transferPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, payload)
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := newTestStore(t)
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Store:  store,
		Sender: NewHTTPSender(srv.URL, time.Second),
		Logger: quietLogger(),
		Retry:  fastRetry(),
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer dispatcher.Stop()

	ctx := context.Background()
	gateway := NewGateway(store, nil)
	if err := gateway.RequestTransfer(ctx, claimRequest(42)); err != nil {
		t.Fatalf("request transfer: %v", err)
	}
	attempted, err := dispatcher.DispatchDue(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if attempted != 1 {
		t.Fatalf("expected one attempt, got %d", attempted)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Amount != "42" || received[0].Receiver != "alice" {
		t.Fatalf("unexpected payloads: %+v", received)
	}
	id, err := uuid.Parse(keys[0])
	if err != nil {
		t.Fatalf("idempotency key is not a transfer id: %q", keys[0])
	}
	row, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != StatusSent || row.SentAt == nil {
		t.Fatalf("expected sent row, got %+v", row)
	}
	if again, _ := dispatcher.DispatchDue(ctx); again != 0 {
		t.Fatalf("sent rows must not be redelivered, got %d", again)
	}
}

func TestDispatcherRecordsRejectedTransfer(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown asset", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	store := newTestStore(t)
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Store:  store,
		Sender: NewHTTPSender(srv.URL, time.Second),
		Logger: quietLogger(),
		Retry:  fastRetry(),
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer dispatcher.Stop()

	ctx := context.Background()
	transfer, _ := store.Enqueue(ctx, claimRequest(9))
	if _, err := dispatcher.DispatchDue(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not be retried inline, got %d calls", calls.Load())
	}
	row, _ := store.Get(ctx, transfer.ID)
	if row.Status != StatusFailed || row.Attempts != 1 || row.LastError == "" {
		t.Fatalf("expected failed row, got %+v", row)
	}
}

func TestDispatcherRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newTestStore(t)
	dispatcher, _ := NewDispatcher(DispatcherConfig{
		Store:  store,
		Sender: NewHTTPSender(srv.URL, time.Second),
		Logger: quietLogger(),
		Retry:  fastRetry(),
	})
	defer dispatcher.Stop()

	ctx := context.Background()
	transfer, _ := store.Enqueue(ctx, claimRequest(3))
	if _, err := dispatcher.DispatchDue(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	row, _ := store.Get(ctx, transfer.ID)
	if row.Status != StatusSent || calls.Load() != 2 {
		t.Fatalf("expected delivery on second call, status=%s calls=%d", row.Status, calls.Load())
	}
}

func TestLogSenderAcceptsEverything(t *testing.T) {
	store := newTestStore(t)
	dispatcher, _ := NewDispatcher(DispatcherConfig{
		Store:  store,
		Sender: LogSender{Logger: quietLogger()},
		Logger: quietLogger(),
	})
	defer dispatcher.Stop()

	ctx := context.Background()
	transfer, _ := store.Enqueue(ctx, claimRequest(5))
	if _, err := dispatcher.DispatchDue(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	row, _ := store.Get(ctx, transfer.ID)
	if row.Status != StatusSent {
		t.Fatalf("expected sent, got %s", row.Status)
	}
}

func TestDeliveryIsTracedAndMetered(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	store := newTestStore(t)
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Store:  store,
		Sender: LogSender{Logger: quietLogger()},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer dispatcher.Stop()

	ctx := context.Background()
	transfer, err := store.Enqueue(ctx, claimRequest(5))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := dispatcher.DispatchDue(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	var traced bool
	for _, span := range spans.Ended() {
		if span.Name() != "outbox.deliver" {
			continue
		}
		for _, kv := range span.Attributes() {
			if kv.Key == "transfer.id" && kv.Value.AsString() == transfer.ID.String() {
				traced = true
			}
		}
	}
	if !traced {
		t.Fatalf("expected an outbox.deliver span for %s", transfer.ID)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var sent int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "farming.outbox.deliveries" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				if outcome, _ := dp.Attributes.Value("outcome"); outcome.AsString() == "sent" {
					sent += dp.Value
				}
			}
		}
	}
	if sent != 1 {
		t.Fatalf("expected one sent delivery recorded, got %d", sent)
	}
}
