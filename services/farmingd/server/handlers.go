package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"yieldfarm/native/common"
	"yieldfarm/native/farming"
	"yieldfarm/services/farmingd/outbox"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	maxBodyBytes     = 1 << 20
)

type createFarmRequest struct {
	StakingToken       string   `json:"staking_token"`
	RewardTokens       []string `json:"reward_tokens"`
	RewardPerSession   []string `json:"reward_per_session"`
	SessionIntervalSec uint64   `json:"session_interval_sec"`
	LockupPeriodSec    uint64   `json:"lockup_period_sec"`
	StartAtSec         uint64   `json:"start_at_sec"`
}

type notifyTransferRequest struct {
	Asset  string `json:"asset"`
	Sender string `json:"sender"`
	Amount string `json:"amount"`
	Msg    string `json:"msg"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type depositRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type completeTransferRequest struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// TransferView is the external form of a requested outbound transfer.
type TransferView struct {
	ID       string `json:"id"`
	Asset    string `json:"asset"`
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
	Reason   string `json:"reason"`
	FarmID   uint64 `json:"farm_id"`
}

func newTransferView(req farming.TransferRequest) TransferView {
	return TransferView{
		ID:       req.ID,
		Asset:    req.Asset,
		Receiver: req.Receiver,
		Amount:   common.FormatAmount(req.Amount),
		Reason:   req.Reason,
		FarmID:   req.FarmID,
	}
}

// TransferStatusView is the external form of an outbox row.
type TransferStatusView struct {
	ID          string     `json:"id"`
	Asset       string     `json:"asset"`
	Receiver    string     `json:"receiver"`
	Amount      string     `json:"amount"`
	Reason      string     `json:"reason"`
	FarmID      uint64     `json:"farm_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func newTransferStatusView(t *outbox.Transfer) TransferStatusView {
	return TransferStatusView{
		ID:          t.ID.String(),
		Asset:       t.Asset,
		Receiver:    t.Receiver,
		Amount:      t.Amount,
		Reason:      t.Reason,
		FarmID:      t.FarmID,
		Status:      string(t.Status),
		Attempts:    t.Attempts,
		LastError:   t.LastError,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func farmIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid farm id")
		return 0, false
	}
	return id, true
}

func pageParams(w http.ResponseWriter, r *http.Request) (uint64, uint64, bool) {
	query := r.URL.Query()
	from, limit := uint64(0), uint64(defaultPageLimit)
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from")
			return 0, 0, false
		}
		from = v
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return 0, 0, false
		}
		limit = min(v, maxPageLimit)
	}
	return from, limit, true
}

func parseAmount(w http.ResponseWriter, raw string) (*uint256.Int, bool) {
	amount, err := common.ParseAmount(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return amount, true
}

func callerAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	account, ok := AccountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return "", false
	}
	return account, true
}

// engineStatus maps an engine error onto an HTTP status.
func engineStatus(err error) int {
	switch farming.KindOf(err) {
	case farming.KindValidation:
		if errors.Is(err, farming.ErrFarmNotFound) || errors.Is(err, farming.ErrStakeNotFound) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case farming.KindInsufficientResource:
		return http.StatusPaymentRequired
	case farming.KindPolicyViolation:
		if errors.Is(err, farming.ErrLockupActive) {
			return http.StatusLocked
		}
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, refund *uint256.Int) {
	status := engineStatus(err)
	resp := errorResponse{Error: err.Error(), Kind: farming.KindOf(err).String()}
	if status == http.StatusInternalServerError {
		s.logger.Error("engine call failed", "error", err)
		resp.Error = "internal error"
	}
	if shortfall, ok := farming.ShortfallOf(err); ok {
		resp.Shortfall = common.FormatAmount(shortfall)
	}
	if refund != nil {
		resp.Refund = common.FormatAmount(refund)
	}
	writeJSON(w, status, resp)
}

func (s *Server) CreateFarm(w http.ResponseWriter, r *http.Request) {
	creator, ok := callerAccount(w, r)
	if !ok {
		return
	}
	var req createFarmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	perSession := make([]*uint256.Int, len(req.RewardPerSession))
	for i, raw := range req.RewardPerSession {
		amount, err := common.ParseAmount(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("reward_per_session[%d]: %v", i, err))
			return
		}
		perSession[i] = amount
	}
	id, err := s.engine.CreateFarm(r.Context(), creator, farming.FarmInput{
		StakingAsset:     req.StakingToken,
		RewardAssets:     req.RewardTokens,
		RewardPerSession: perSession,
		SessionInterval:  req.SessionIntervalSec,
		LockupDuration:   req.LockupPeriodSec,
		StartAt:          req.StartAtSec,
	})
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"farm_id": id})
}

func (s *Server) ListFarms(w http.ResponseWriter, r *http.Request) {
	from, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	farms, err := s.engine.ListFarms(from, limit)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, farms)
}

func (s *Server) GetFarm(w http.ResponseWriter, r *http.Request) {
	id, ok := farmIDParam(w, r)
	if !ok {
		return
	}
	farm, found, err := s.engine.GetFarm(id)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "farm not found")
		return
	}
	writeJSON(w, http.StatusOK, farm)
}

func (s *Server) UpdateFarm(w http.ResponseWriter, r *http.Request) {
	id, ok := farmIDParam(w, r)
	if !ok {
		return
	}
	if err := s.engine.UpdateFarm(r.Context(), id); err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	farm, _, err := s.engine.GetFarm(id)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, farm)
}

func (s *Server) NotifyTransfer(w http.ResponseWriter, r *http.Request) {
	var req notifyTransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	refund, err := s.engine.OnAssetReceived(r.Context(), req.Asset, req.Sender, amount, req.Msg)
	if err != nil {
		s.writeEngineError(w, err, refund)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"refund": common.FormatAmount(refund)})
}

func (s *Server) Claim(w http.ResponseWriter, r *http.Request) {
	account, ok := callerAccount(w, r)
	if !ok {
		return
	}
	id, ok := farmIDParam(w, r)
	if !ok {
		return
	}
	transfers, err := s.engine.ClaimRewards(r.Context(), account, id)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	views := make([]TransferView, 0, len(transfers))
	for _, t := range transfers {
		views = append(views, newTransferView(t))
	}
	writeJSON(w, http.StatusOK, map[string][]TransferView{"transfers": views})
}

func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	account, ok := callerAccount(w, r)
	if !ok {
		return
	}
	id, ok := farmIDParam(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	transfer, err := s.engine.Withdraw(r.Context(), account, id, amount)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]TransferView{"transfer": newTransferView(transfer)})
}

func (s *Server) ListStakes(w http.ResponseWriter, r *http.Request) {
	from, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	stakes, err := s.engine.ListStakesByAccount(chi.URLParam(r, "account"), from, limit)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stakes)
}

func (s *Server) GetStake(w http.ResponseWriter, r *http.Request) {
	id, ok := farmIDParam(w, r)
	if !ok {
		return
	}
	stake, found, err := s.engine.GetStake(chi.URLParam(r, "account"), id)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "stake not found")
		return
	}
	writeJSON(w, http.StatusOK, stake)
}

func (s *Server) PendingRewards(w http.ResponseWriter, r *http.Request) {
	id, ok := farmIDParam(w, r)
	if !ok {
		return
	}
	pending, err := s.engine.PendingRewards(chi.URLParam(r, "account"), id)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"pending": pending})
}

func (s *Server) DepositStorage(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount)
	if !ok {
		return
	}
	balance, err := s.engine.DepositStorage(r.Context(), req.Account, amount)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": strings.TrimSpace(req.Account),
		"balance": common.FormatAmount(balance),
	})
}

func (s *Server) WithdrawStorage(w http.ResponseWriter, r *http.Request) {
	account, ok := callerAccount(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	var amount *uint256.Int
	if strings.TrimSpace(req.Amount) != "" {
		if amount, ok = parseAmount(w, req.Amount); !ok {
			return
		}
	}
	transfer, err := s.engine.WithdrawStorage(r.Context(), account, amount)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]TransferView{"transfer": newTransferView(transfer)})
}

func (s *Server) StorageBalance(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(chi.URLParam(r, "account"))
	balance, err := s.engine.StorageBalance(account)
	if err != nil {
		s.writeEngineError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account, "balance": common.FormatAmount(balance)})
}

func (s *Server) transferID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if s.transfers == nil {
		writeError(w, http.StatusServiceUnavailable, "transfer outbox not configured")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transfer id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) GetTransfer(w http.ResponseWriter, r *http.Request) {
	account, ok := callerAccount(w, r)
	if !ok {
		return
	}
	id, ok := s.transferID(w, r)
	if !ok {
		return
	}
	transfer, err := s.transfers.Get(r.Context(), id)
	if errors.Is(err, outbox.ErrNotFound) || (err == nil && transfer.Receiver != account) {
		writeError(w, http.StatusNotFound, "transfer not found")
		return
	}
	if err != nil {
		s.logger.Error("load transfer", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, newTransferStatusView(transfer))
}

func (s *Server) CompleteTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.transferID(w, r)
	if !ok {
		return
	}
	var req completeTransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	transfer, err := s.transfers.Complete(r.Context(), id, req.Success, req.Error)
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		writeError(w, http.StatusNotFound, "transfer not found")
		return
	case errors.Is(err, outbox.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("complete transfer", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !req.Success {
		s.logger.Warn("transfer reported failed",
			"transfer_id", transfer.ID.String(),
			"account", transfer.Receiver,
			"asset", transfer.Asset,
			"error", transfer.LastError)
	}
	writeJSON(w, http.StatusOK, newTransferStatusView(transfer))
}
