package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"yieldfarm/native/farming"
	"yieldfarm/native/storagerent"
	"yieldfarm/services/farmingd/outbox"
	"yieldfarm/state/farmstore"
	"yieldfarm/storage"
)

const (
	testSecret   = "test-secret"
	testNotifier = "notifier-token"
)

type harness struct {
	t       *testing.T
	srv     *httptest.Server
	engine  *farming.Engine
	store   *outbox.Store
	now     *uint64
	tokens  map[string]string
	limiter *RateLimiter
}

func newHarness(t *testing.T, limit RateLimit) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	store, err := outbox.NewStore(db)
	require.NoError(t, err)

	now := 100 * farming.NanosPerSecond
	engine := farming.NewEngine()
	engine.SetState(farmstore.New(storage.NewMemDB()))
	engine.SetRentLedger(storagerent.NewLedger(uint256.NewInt(1)))
	engine.SetTransferGateway(outbox.NewGateway(store, nil))
	engine.SetStorageAsset("native")
	engine.SetLogger(logger)
	engine.SetNowFunc(func() uint64 { return now })

	auth, err := NewAuthenticator(AuthConfig{JWTSecret: testSecret, NotifierTokens: []string{testNotifier}})
	require.NoError(t, err)
	limiter := NewRateLimiter(limit, logger)
	srv, err := New(Config{
		Engine:      engine,
		Transfers:   store,
		DB:          db,
		Auth:        auth,
		RateLimiter: limiter,
		Logger:      logger,
	})
	require.NoError(t, err)

	h := &harness{t: t, engine: engine, store: store, now: &now, tokens: map[string]string{}, limiter: limiter}
	h.srv = httptest.NewServer(srv.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) token(account string) string {
	if tok, ok := h.tokens[account]; ok {
		return tok
	}
	tok, err := IssueToken(testSecret, account, "", time.Hour)
	require.NoError(h.t, err)
	h.tokens[account] = tok
	return tok
}

type call struct {
	method   string
	path     string
	body     any
	account  string
	notifier bool
	idemKey  string
}

func (h *harness) do(c call) (*http.Response, map[string]any) {
	h.t.Helper()
	var body io.Reader
	if c.body != nil {
		data, err := json.Marshal(c.body)
		require.NoError(h.t, err)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(c.method, h.srv.URL+c.path, body)
	require.NoError(h.t, err)
	if c.account != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(c.account))
	}
	if c.notifier {
		req.Header.Set(NotifierTokenHeader, testNotifier)
	}
	if c.idemKey != "" {
		req.Header.Set(idempotencyHeader, c.idemKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(h.t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func (h *harness) deposit(account, amount string) {
	resp, _ := h.do(call{method: http.MethodPost, path: "/v1/storage/deposit", notifier: true,
		body: map[string]string{"account": account, "amount": amount}})
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
}

func (h *harness) createFarm(lockup uint64) uint64 {
	h.deposit("creator", "1000")
	resp, body := h.do(call{method: http.MethodPost, path: "/v1/farms", account: "creator", body: map[string]any{
		"staking_token":        "stake.token",
		"reward_tokens":        []string{"gold"},
		"reward_per_session":   []string{"100"},
		"session_interval_sec": 10,
		"lockup_period_sec":    lockup,
	}})
	require.Equal(h.t, http.StatusCreated, resp.StatusCode, body)
	return uint64(body["farm_id"].(float64))
}

func (h *harness) stake(account, amount string, farmID uint64) map[string]any {
	resp, body := h.do(call{method: http.MethodPost, path: "/v1/notifications/transfer", notifier: true, body: map[string]string{
		"asset": "stake.token", "sender": account, "amount": amount, "msg": fmt.Sprintf("STAKE:%d", farmID),
	}})
	require.Equal(h.t, http.StatusOK, resp.StatusCode, body)
	return body
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, RateLimit{})
	resp, body := h.do(call{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	resp, _ = h.do(call{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStakeClaimAndWithdrawFlow(t *testing.T) {
	h := newHarness(t, RateLimit{})
	farmID := h.createFarm(5)
	h.deposit("alice", "1000")
	body := h.stake("alice", "50", farmID)
	require.Equal(t, "0", body["refund"])

	*h.now += 20 * farming.NanosPerSecond

	resp, pending := h.do(call{method: http.MethodGet, path: fmt.Sprintf("/v1/accounts/alice/stakes/%d/pending", farmID)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []any{"200"}, pending["pending"])

	resp, claim := h.do(call{method: http.MethodPost, path: fmt.Sprintf("/v1/farms/%d/claim", farmID), account: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode, claim)
	transfers := claim["transfers"].([]any)
	require.Len(t, transfers, 1)
	first := transfers[0].(map[string]any)
	require.Equal(t, "gold", first["asset"])
	require.Equal(t, "200", first["amount"])

	resp, withdraw := h.do(call{method: http.MethodPost, path: fmt.Sprintf("/v1/farms/%d/withdraw", farmID), account: "alice",
		body: map[string]string{"amount": "50"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, withdraw)
	require.Equal(t, "stake.token", withdraw["transfer"].(map[string]any)["asset"])

	resp, _ = h.do(call{method: http.MethodGet, path: fmt.Sprintf("/v1/accounts/alice/stakes/%d", farmID)})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	open, err := h.store.CountOpen(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), open, "claim and withdraw transfers are queued")
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, RateLimit{})

	resp, body := h.do(call{method: http.MethodPost, path: "/v1/farms", account: "poor", body: map[string]any{
		"staking_token": "s", "reward_tokens": []string{"r"}, "reward_per_session": []string{"1"}, "session_interval_sec": 1,
	}})
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.Equal(t, "insufficient_resource", body["kind"])
	require.Equal(t, "184", body["shortfall"])

	farmID := h.createFarm(60)
	h.deposit("alice", "1000")
	h.stake("alice", "10", farmID)

	resp, body = h.do(call{method: http.MethodPost, path: fmt.Sprintf("/v1/farms/%d/withdraw", farmID), account: "alice",
		body: map[string]string{"amount": "5"}})
	require.Equal(t, http.StatusLocked, resp.StatusCode)
	require.Equal(t, "policy_violation", body["kind"])

	*h.now += 60 * farming.NanosPerSecond
	resp, body = h.do(call{method: http.MethodPost, path: fmt.Sprintf("/v1/farms/%d/withdraw", farmID), account: "alice",
		body: map[string]string{"amount": "40"}})
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.Equal(t, "30", body["shortfall"])

	resp, _ = h.do(call{method: http.MethodPost, path: "/v1/farms/99/claim", account: "alice"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = h.do(call{method: http.MethodPost, path: "/v1/notifications/transfer", notifier: true, body: map[string]string{
		"asset": "other.token", "sender": "alice", "amount": "7", "msg": fmt.Sprintf("STAKE:%d", farmID),
	}})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "7", body["refund"])

	resp, _ = h.do(call{method: http.MethodPost, path: "/v1/notifications/transfer", notifier: true, body: map[string]string{
		"asset": "stake.token", "sender": "alice", "amount": "7", "msg": "STAKE:abc",
	}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownDirectiveIsRefunded(t *testing.T) {
	h := newHarness(t, RateLimit{})
	resp, body := h.do(call{method: http.MethodPost, path: "/v1/notifications/transfer", notifier: true, body: map[string]string{
		"asset": "stake.token", "sender": "alice", "amount": "12", "msg": "hello",
	}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "12", body["refund"])
}

func TestAuthenticationRequired(t *testing.T) {
	h := newHarness(t, RateLimit{})
	resp, _ := h.do(call{method: http.MethodPost, path: "/v1/farms/0/claim"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(call{method: http.MethodPost, path: "/v1/storage/deposit", account: "alice",
		body: map[string]string{"account": "alice", "amount": "5"}})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "users cannot credit storage")

	forged, err := IssueToken("wrong-secret", "alice", "", time.Hour)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/v1/farms/0/claim", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestStorageDepositAndWithdraw(t *testing.T) {
	h := newHarness(t, RateLimit{})
	h.deposit("alice", "500")
	resp, body := h.do(call{method: http.MethodGet, path: "/v1/storage/alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "500", body["balance"])

	resp, body = h.do(call{method: http.MethodPost, path: "/v1/storage/withdraw", account: "alice",
		body: map[string]string{"amount": "600"}})
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode, body)

	resp, body = h.do(call{method: http.MethodPost, path: "/v1/storage/withdraw", account: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	transfer := body["transfer"].(map[string]any)
	require.Equal(t, "500", transfer["amount"])
	require.Equal(t, "native", transfer["asset"])
	resp, status := h.do(call{method: http.MethodGet, path: "/v1/transfers/" + transfer["id"].(string), account: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode, status)
	require.Equal(t, "500", status["amount"])

	resp, body = h.do(call{method: http.MethodGet, path: "/v1/storage/alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "0", body["balance"])
}

func TestIdempotentClaimIsNotRepeated(t *testing.T) {
	h := newHarness(t, RateLimit{})
	farmID := h.createFarm(0)
	h.deposit("alice", "1000")
	h.stake("alice", "10", farmID)
	*h.now += 10 * farming.NanosPerSecond

	path := fmt.Sprintf("/v1/farms/%d/claim", farmID)
	resp, first := h.do(call{method: http.MethodPost, path: path, account: "alice", idemKey: "claim-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	*h.now += 10 * farming.NanosPerSecond
	resp, second := h.do(call{method: http.MethodPost, path: path, account: "alice", idemKey: "claim-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "true", resp.Header.Get("Idempotent-Replay"))
	require.Equal(t, first, second)

	open, err := h.store.CountOpen(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), open)

	resp, _ = h.do(call{method: http.MethodPost, path: path, account: "bob", idemKey: "claim-1"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "keys are scoped per caller")
}

func TestTransferCompletionLifecycle(t *testing.T) {
	h := newHarness(t, RateLimit{})
	ctx := context.Background()
	transfer, err := h.store.Enqueue(ctx, farming.TransferRequest{
		Asset: "gold", Receiver: "alice", Amount: uint256.NewInt(9), Reason: farming.TransferReasonClaim,
	})
	require.NoError(t, err)
	path := "/v1/transfers/" + transfer.ID.String()

	resp, _ := h.do(call{method: http.MethodGet, path: path, account: "bob"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "only the receiver may read a transfer")

	resp, _ = h.do(call{method: http.MethodPost, path: path + "/complete", notifier: true, body: map[string]any{"success": true}})
	require.Equal(t, http.StatusConflict, resp.StatusCode, "pending transfers cannot complete")

	require.NoError(t, h.store.MarkSent(ctx, transfer.ID))
	resp, body := h.do(call{method: http.MethodPost, path: path + "/complete", notifier: true, body: map[string]any{"success": true}})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, "completed", body["status"])

	resp, body = h.do(call{method: http.MethodGet, path: path, account: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "completed", body["status"])

	resp, _ = h.do(call{method: http.MethodGet, path: "/v1/transfers/not-a-uuid", account: "alice"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClaimReturnsTransferIDForStatusLookup(t *testing.T) {
	h := newHarness(t, RateLimit{})
	farmID := h.createFarm(0)
	h.deposit("alice", "1000")
	h.stake("alice", "100", farmID)
	*h.now += 25 * farming.NanosPerSecond

	resp, claim := h.do(call{method: http.MethodPost, path: fmt.Sprintf("/v1/farms/%d/claim", farmID), account: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode, claim)
	transfers := claim["transfers"].([]any)
	require.Len(t, transfers, 1)
	id, _ := transfers[0].(map[string]any)["id"].(string)
	_, err := uuid.Parse(id)
	require.NoError(t, err, "claim response carries the outbox id")

	resp, status := h.do(call{method: http.MethodGet, path: "/v1/transfers/" + id, account: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode, status)
	require.Equal(t, id, status["id"])
	require.Equal(t, "pending", status["status"])
	require.Equal(t, "200", status["amount"])

	resp, withdraw := h.do(call{method: http.MethodPost, path: fmt.Sprintf("/v1/farms/%d/withdraw", farmID), account: "alice",
		body: map[string]string{"amount": "40"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, withdraw)
	id, _ = withdraw["transfer"].(map[string]any)["id"].(string)
	resp, status = h.do(call{method: http.MethodGet, path: "/v1/transfers/" + id, account: "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode, status)
	require.Equal(t, "withdraw", status["reason"])
}

func TestListFarmsPagination(t *testing.T) {
	h := newHarness(t, RateLimit{})
	for i := 0; i < 3; i++ {
		h.createFarm(0)
	}
	resp, err := http.Get(h.srv.URL + "/v1/farms?from=1&limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	var farms []farming.FarmView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&farms))
	require.Len(t, farms, 2)
	require.Equal(t, uint64(1), farms[0].FarmID)

	bad, _ := h.do(call{method: http.MethodGet, path: "/v1/farms?limit=-1"})
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestRateLimitPerCaller(t *testing.T) {
	h := newHarness(t, RateLimit{RequestsPerMinute: 1, Burst: 2})
	for i := 0; i < 2; i++ {
		resp, _ := h.do(call{method: http.MethodGet, path: "/v1/storage/alice"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := h.do(call{method: http.MethodGet, path: "/v1/storage/alice"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = h.do(call{method: http.MethodPost, path: "/v1/storage/withdraw", account: "carol"})
	require.NotEqual(t, http.StatusTooManyRequests, resp.StatusCode, "authenticated callers have their own bucket")
}
