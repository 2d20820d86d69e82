package farming

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/holiman/uint256"

	"yieldfarm/core/events"
	"yieldfarm/native/storagerent"
)

type memState struct {
	farms  map[uint64]*Farm
	stakes map[string]*Stake
	count  uint64
	credit map[string]*uint256.Int

	failFarmPut error
}

func stakeKey(account string, farmID uint64) string {
	return fmt.Sprintf("%s|%020d", account, farmID)
}

func (m *memState) clone() *memState {
	next := &memState{
		farms:       make(map[uint64]*Farm, len(m.farms)),
		stakes:      make(map[string]*Stake, len(m.stakes)),
		count:       m.count,
		credit:      make(map[string]*uint256.Int, len(m.credit)),
		failFarmPut: m.failFarmPut,
	}
	for id, farm := range m.farms {
		next.farms[id] = farm.Clone()
	}
	for key, stake := range m.stakes {
		next.stakes[key] = stake.Clone()
	}
	for account, amount := range m.credit {
		next.credit[account] = new(uint256.Int).Set(amount)
	}
	return next
}

func (m *memState) FarmGet(id uint64) (*Farm, bool, error) {
	farm, ok := m.farms[id]
	if !ok {
		return nil, false, nil
	}
	return farm.Clone(), true, nil
}

func (m *memState) FarmPut(farm *Farm) error {
	if m.failFarmPut != nil {
		return m.failFarmPut
	}
	m.farms[farm.ID] = farm.Clone()
	return nil
}

func (m *memState) FarmCount() (uint64, error) { return m.count, nil }

func (m *memState) FarmCountPut(count uint64) error {
	m.count = count
	return nil
}

func (m *memState) StakeGet(account string, farmID uint64) (*Stake, bool, error) {
	stake, ok := m.stakes[stakeKey(account, farmID)]
	if !ok {
		return nil, false, nil
	}
	return stake.Clone(), true, nil
}

func (m *memState) StakePut(stake *Stake) error {
	m.stakes[stakeKey(stake.Account, stake.FarmID)] = stake.Clone()
	return nil
}

func (m *memState) StakeDelete(account string, farmID uint64) error {
	delete(m.stakes, stakeKey(account, farmID))
	return nil
}

func (m *memState) StakesByAccount(account string) ([]*Stake, error) {
	var out []*Stake
	for _, stake := range m.stakes {
		if stake.Account == account {
			out = append(out, stake.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FarmID < out[j].FarmID })
	return out, nil
}

func (m *memState) StorageCreditGet(account string) (*uint256.Int, error) {
	if v, ok := m.credit[account]; ok {
		return new(uint256.Int).Set(v), nil
	}
	return new(uint256.Int), nil
}

func (m *memState) StorageCreditPut(account string, amount *uint256.Int) error {
	m.credit[account] = new(uint256.Int).Set(amount)
	return nil
}

// mockState applies each Update to a copy and swaps it in only on success.
type mockState struct {
	mu  sync.Mutex
	cur *memState
}

func newMockState() *mockState {
	return &mockState{cur: &memState{
		farms:  make(map[uint64]*Farm),
		stakes: make(map[string]*Stake),
		credit: make(map[string]*uint256.Int),
	}}
}

func (s *mockState) Update(fn func(tx StateTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur.clone()
	if err := fn(next); err != nil {
		return err
	}
	s.cur = next
	return nil
}

func (s *mockState) View(fn func(tx StateTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.cur.clone())
}

func (s *mockState) allStakes() []*Stake {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Stake, 0, len(s.cur.stakes))
	for _, stake := range s.cur.stakes {
		out = append(out, stake.Clone())
	}
	return out
}

type mockGateway struct {
	mu       sync.Mutex
	requests []TransferRequest
	ctxErrs  []error
	failFor  map[string]error
}

func (g *mockGateway) RequestTransfer(ctx context.Context, req TransferRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctxErrs = append(g.ctxErrs, ctx.Err())
	if err, ok := g.failFor[req.Asset]; ok {
		return err
	}
	g.requests = append(g.requests, req)
	return nil
}

func (g *mockGateway) sent() []TransferRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]TransferRequest(nil), g.requests...)
}

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.EventType()
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now uint64
}

func (c *testClock) set(sec uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = sec * NanosPerSecond
}

func (c *testClock) read() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type harness struct {
	engine  *Engine
	state   *mockState
	gateway *mockGateway
	emitter *captureEmitter
	clock   *testClock
}

const (
	stakingAsset = "staking.token"
	rewardAsset  = "reward.token"
	storageAsset = "native"
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		engine:  NewEngine(),
		state:   newMockState(),
		gateway: &mockGateway{failFor: map[string]error{}},
		emitter: &captureEmitter{},
		clock:   &testClock{},
	}
	h.engine.SetState(h.state)
	h.engine.SetTransferGateway(h.gateway)
	h.engine.SetEmitter(h.emitter)
	h.engine.SetNowFunc(h.clock.read)
	h.engine.SetRentLedger(storagerent.NewLedger(uint256.NewInt(1)))
	h.engine.SetStorageAsset(storageAsset)
	return h
}

func (h *harness) fund(t *testing.T, account string, amount uint64) {
	t.Helper()
	if _, err := h.engine.DepositStorage(context.Background(), account, uint256.NewInt(amount)); err != nil {
		t.Fatalf("deposit storage for %s: %v", account, err)
	}
}

func (h *harness) createFarm(t *testing.T, in FarmInput) uint64 {
	t.Helper()
	h.fund(t, "creator", 1_000_000)
	id, err := h.engine.CreateFarm(context.Background(), "creator", in)
	if err != nil {
		t.Fatalf("create farm: %v", err)
	}
	return id
}

func (h *harness) stake(t *testing.T, account string, farmID uint64, amount uint64) {
	t.Helper()
	refund, err := h.engine.OnAssetReceived(context.Background(), stakingAsset, account, uint256.NewInt(amount), fmt.Sprintf("STAKE:%d", farmID))
	if err != nil {
		t.Fatalf("stake %d for %s: %v", amount, account, err)
	}
	if !refund.IsZero() {
		t.Fatalf("expected no refund, got %s", refund.Dec())
	}
}

func (h *harness) farm(t *testing.T, id uint64) *Farm {
	t.Helper()
	farm, ok, err := h.engine.Farm(id)
	if err != nil || !ok {
		t.Fatalf("load farm %d: ok=%v err=%v", id, ok, err)
	}
	return farm
}

func singleRewardInput(interval, lockup uint64, perSession uint64) FarmInput {
	return FarmInput{
		StakingAsset:     stakingAsset,
		RewardAssets:     []string{rewardAsset},
		RewardPerSession: []*uint256.Int{uint256.NewInt(perSession)},
		SessionInterval:  interval,
		LockupDuration:   lockup,
	}
}

func expectKind(t *testing.T, err error, kind Kind, target error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, got, err)
	}
	if target != nil && !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
