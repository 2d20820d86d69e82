// Package farmstore persists farming engine records in a key-value
// database. Each engine call runs against a write overlay that is flushed
// as one atomic batch when the call succeeds.
package farmstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"yieldfarm/native/common"
	"yieldfarm/native/farming"
	"yieldfarm/storage"
)

var errReadOnly = errors.New("farmstore: write in read-only transaction")

// Store serialises writers and lets readers share the committed view.
type Store struct {
	mu sync.RWMutex
	db storage.Database
}

// New wraps db.
func New(db storage.Database) *Store {
	return &Store{db: db}
}

// Update runs fn against a fresh overlay and commits its writes only when
// fn returns nil.
func (s *Store) Update(fn func(tx farming.StateTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := newTx(s.db, false)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// View runs fn against the committed state.
func (s *Store) View(fn func(tx farming.StateTx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newTx(s.db, true))
}

// AllStakes returns every stake record ordered by account then farm id.
func (s *Store) AllStakes() ([]*farming.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		out     []*farming.Stake
		iterErr error
	)
	err := s.db.Iterate(stakePrefix, func(_, value []byte) bool {
		stake, err := decodeStake(value)
		if err != nil {
			iterErr = err
			return false
		}
		out = append(out, stake)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, iterErr
}

type tx struct {
	db       storage.Database
	readOnly bool
	writes   map[string][]byte
	deletes  map[string]struct{}
}

func newTx(db storage.Database, readOnly bool) *tx {
	return &tx{
		db:       db,
		readOnly: readOnly,
		writes:   make(map[string][]byte),
		deletes:  make(map[string]struct{}),
	}
}

func (t *tx) get(key []byte) ([]byte, bool, error) {
	k := string(key)
	if _, gone := t.deletes[k]; gone {
		return nil, false, nil
	}
	if value, ok := t.writes[k]; ok {
		return value, true, nil
	}
	value, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (t *tx) put(key, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	k := string(key)
	delete(t.deletes, k)
	t.writes[k] = value
	return nil
}

func (t *tx) del(key []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = struct{}{}
	return nil
}

func (t *tx) putJSON(key []byte, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.put(key, encoded)
}

func (t *tx) commit() error {
	if len(t.writes) == 0 && len(t.deletes) == 0 {
		return nil
	}
	batch := storage.NewBatch()
	for k := range t.deletes {
		batch.Delete([]byte(k))
	}
	for k, v := range t.writes {
		batch.Put([]byte(k), v)
	}
	return t.db.Write(batch)
}

func (t *tx) FarmGet(id uint64) (*farming.Farm, bool, error) {
	value, ok, err := t.get(farmKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec farmRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, false, fmt.Errorf("farmstore: decode farm %d: %w", id, err)
	}
	farm, err := rec.farm()
	if err != nil {
		return nil, false, err
	}
	return farm, true, nil
}

func (t *tx) FarmPut(farm *farming.Farm) error {
	if farm == nil {
		return errors.New("farmstore: nil farm")
	}
	return t.putJSON(farmKey(farm.ID), newFarmRecord(farm))
}

func (t *tx) FarmCount() (uint64, error) {
	value, ok, err := t.get(farmCountKey)
	if err != nil || !ok {
		return 0, err
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("farmstore: corrupt farm counter of %d bytes", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

func (t *tx) FarmCountPut(count uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], count)
	return t.put(farmCountKey, buf[:])
}

func (t *tx) StakeGet(account string, farmID uint64) (*farming.Stake, bool, error) {
	value, ok, err := t.get(stakeKey(account, farmID))
	if err != nil || !ok {
		return nil, false, err
	}
	stake, err := decodeStake(value)
	if err != nil {
		return nil, false, err
	}
	return stake, true, nil
}

func (t *tx) StakePut(stake *farming.Stake) error {
	if stake == nil {
		return errors.New("farmstore: nil stake")
	}
	return t.putJSON(stakeKey(stake.Account, stake.FarmID), newStakeRecord(stake))
}

func (t *tx) StakeDelete(account string, farmID uint64) error {
	return t.del(stakeKey(account, farmID))
}

// StakesByAccount merges committed records with this transaction's pending
// writes, ordered by farm id.
func (t *tx) StakesByAccount(account string) ([]*farming.Stake, error) {
	prefix := accountStakePrefix(account)
	merged := make(map[string][]byte)
	err := t.db.Iterate(prefix, func(key, value []byte) bool {
		merged[string(key)] = value
		return true
	})
	if err != nil {
		return nil, err
	}
	for k, v := range t.writes {
		if bytes.HasPrefix([]byte(k), prefix) {
			merged[k] = v
		}
	}
	for k := range t.deletes {
		delete(merged, k)
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	// Farm ids are zero padded, so key order is farm order.
	sort.Strings(keys)
	out := make([]*farming.Stake, 0, len(keys))
	for _, k := range keys {
		stake, err := decodeStake(merged[k])
		if err != nil {
			return nil, err
		}
		out = append(out, stake)
	}
	return out, nil
}

func (t *tx) StorageCreditGet(account string) (*uint256.Int, error) {
	value, ok, err := t.get(creditKey(account))
	if err != nil {
		return nil, err
	}
	if !ok {
		return common.ZeroAmount(), nil
	}
	return common.ParseAmount(string(value))
}

func (t *tx) StorageCreditPut(account string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return t.del(creditKey(account))
	}
	return t.put(creditKey(account), []byte(amount.Dec()))
}

func decodeStake(value []byte) (*farming.Stake, error) {
	var rec stakeRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("farmstore: decode stake: %w", err)
	}
	return rec.stake()
}
