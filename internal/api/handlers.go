package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/leafsii/leafsii-farming/internal/engine"
	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/host"
	"github.com/leafsii/leafsii-farming/internal/locking"
	"github.com/leafsii/leafsii-farming/internal/vault"
	"github.com/leafsii/leafsii-farming/internal/ws"
	"go.uber.org/zap"
)

// MetricsInterface defines the interface for metrics recording
type MetricsInterface interface {
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration)
}

// EventHistory serves the recent committed events.
type EventHistory interface {
	Recent(ctx context.Context, n int64) ([]json.RawMessage, error)
}

// UserEventSource pages through the persisted events of one principal.
type UserEventSource interface {
	EventsFor(ctx context.Context, address string, limit int, cursor string) ([]engine.Event, string, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Handler struct {
	engine     *engine.Engine
	quotes     *engine.QuoteService
	history    EventHistory
	userEvents UserEventSource
	wsHub      *ws.Hub
	sseHandler *ws.SSEHandler
	readiness  []ReadinessCheck
	logger     *zap.SugaredLogger
}

type HandlerOption func(*Handler)

// WithUserEvents enables /v1/users/{address}/events. It needs persistence.
func WithUserEvents(src UserEventSource) HandlerOption {
	return func(h *Handler) { h.userEvents = src }
}

func WithReadinessChecks(checks ...ReadinessCheck) HandlerOption {
	return func(h *Handler) { h.readiness = append(h.readiness, checks...) }
}

func WithLiveUpdates(hub *ws.Hub, sse *ws.SSEHandler) HandlerOption {
	return func(h *Handler) {
		h.wsHub = hub
		h.sseHandler = sse
	}
}

func NewHandler(eng *engine.Engine, quotes *engine.QuoteService, history EventHistory, logger *zap.SugaredLogger, opts ...HandlerOption) *Handler {
	h := &Handler{
		engine:  eng,
		quotes:  quotes,
		history: history,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Pool endpoints

func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools := h.engine.Pools()
	items := make([]PoolDTO, len(pools))
	for i, p := range pools {
		items[i] = toPoolDTO(p)
	}
	h.writeJSON(w, http.StatusOK, items)
}

func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Pool(chi.URLParam(r, "poolID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPoolDTO(p))
}

func (h *Handler) GetPoolQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.quotes.PoolQuote(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, q)
}

func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.engine.CreatePool(r.Context(), principal(r), farming.NewPoolParams{
		ID:           req.ID,
		Admin:        host.NormalizePrincipal(req.Admin),
		StakingAsset: req.StakingAsset,
		RewardAssets: req.RewardAssets,
		Duration:     req.Duration,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toPoolDTO(p))
}

func (h *Handler) FundPool(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := parseAmount("amountA", req.AmountA)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	b, err := parseOptionalAmount("amountB", req.AmountB)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.respond(w, r, h.engine.Fund(r.Context(), principal(r), chi.URLParam(r, "poolID"), a, b))
}

func (h *Handler) PausePool(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.engine.Pause(r.Context(), principal(r), chi.URLParam(r, "poolID")))
}

func (h *Handler) UnpausePool(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.engine.Unpause(r.Context(), principal(r), chi.URLParam(r, "poolID")))
}

func (h *Handler) AuthorizeFunder(w http.ResponseWriter, r *http.Request) {
	var req FunderRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, h.engine.AuthorizeFunder(r.Context(), principal(r), chi.URLParam(r, "poolID"), host.NormalizePrincipal(req.Funder)))
}

func (h *Handler) DeauthorizeFunder(w http.ResponseWriter, r *http.Request) {
	funder := host.NormalizePrincipal(chi.URLParam(r, "funder"))
	h.respond(w, r, h.engine.DeauthorizeFunder(r.Context(), principal(r), chi.URLParam(r, "poolID"), funder))
}

func (h *Handler) WithdrawExtraToken(w http.ResponseWriter, r *http.Request) {
	var req RecipientRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.engine.WithdrawExtraToken(r.Context(), principal(r), chi.URLParam(r, "poolID"), recipient(r, req.To))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AmountResponse{Amount: u64String(n)})
}

func (h *Handler) ClosePool(w http.ResponseWriter, r *http.Request) {
	var req RecipientRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, h.engine.ClosePool(r.Context(), principal(r), chi.URLParam(r, "poolID"), recipient(r, req.To)))
}

// recipient falls back to the signer when the body names nobody.
func recipient(r *http.Request, to string) string {
	if to == "" {
		return principal(r)
	}
	return host.NormalizePrincipal(to)
}

// Position endpoints

func (h *Handler) GetUserPosition(w http.ResponseWriter, r *http.Request) {
	owner := host.NormalizePrincipal(chi.URLParam(r, "owner"))
	u, claimable, err := h.engine.User(chi.URLParam(r, "poolID"), owner)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toUserPositionDTO(u, claimable))
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.engine.CreateUser(r.Context(), principal(r), chi.URLParam(r, "poolID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toUserPositionDTO(u, nil))
}

func (h *Handler) CloseUser(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.engine.CloseUser(r.Context(), principal(r), chi.URLParam(r, "poolID")))
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !h.decode(w, r, &req) {
		return
	}
	poolID := chi.URLParam(r, "poolID")
	if req.Full {
		n, err := h.engine.DepositFull(r.Context(), principal(r), poolID)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, AmountResponse{Amount: u64String(n)})
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if err := h.engine.Deposit(r.Context(), principal(r), poolID, amount); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AmountResponse{Amount: u64String(amount)})
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.respond(w, r, h.engine.Withdraw(r.Context(), principal(r), chi.URLParam(r, "poolID"), amount))
}

func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	claimed, err := h.engine.Claim(r.Context(), principal(r), chi.URLParam(r, "poolID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AmountsResponse{Amounts: u64Strings(claimed)})
}

// Vault endpoints

func (h *Handler) ListVaults(w http.ResponseWriter, r *http.Request) {
	now := h.engine.Now()
	vaults := h.engine.Vaults()
	items := make([]VaultDTO, len(vaults))
	for i, v := range vaults {
		items[i] = toVaultDTO(v, now)
	}
	h.writeJSON(w, http.StatusOK, items)
}

func (h *Handler) GetVault(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.Vault(chi.URLParam(r, "vaultID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toVaultDTO(v, h.engine.Now()))
}

func (h *Handler) GetVaultQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.quotes.VaultQuote(r.Context(), chi.URLParam(r, "vaultID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, q)
}

func (h *Handler) GetReceipts(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.Vault(chi.URLParam(r, "vaultID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	owner := host.NormalizePrincipal(chi.URLParam(r, "owner"))
	h.writeJSON(w, http.StatusOK, ReceiptDTO{Vault: v.ID, Owner: owner, Receipts: u64String(v.Receipts[owner])})
}

func (h *Handler) CreateVault(w http.ResponseWriter, r *http.Request) {
	var req CreateVaultRequest
	if !h.decode(w, r, &req) {
		return
	}
	v, err := h.engine.CreateVault(r.Context(), principal(r), vault.NewVaultParams{
		ID:     req.ID,
		Asset:  req.Asset,
		Admin:  host.NormalizePrincipal(req.Admin),
		Funder: host.NormalizePrincipal(req.Funder),
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toVaultDTO(v, h.engine.Now()))
}

func (h *Handler) VaultStake(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	minted, err := h.engine.VaultStake(r.Context(), principal(r), chi.URLParam(r, "vaultID"), amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AmountResponse{Amount: u64String(minted)})
}

func (h *Handler) VaultUnstake(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	receipts, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	payout, err := h.engine.VaultUnstake(r.Context(), principal(r), chi.URLParam(r, "vaultID"), receipts)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AmountResponse{Amount: u64String(payout)})
}

func (h *Handler) VaultReward(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.respond(w, r, h.engine.VaultReward(r.Context(), principal(r), chi.URLParam(r, "vaultID"), amount))
}

func (h *Handler) UpdateDegradation(w http.ResponseWriter, r *http.Request) {
	var req DegradationRequest
	if !h.decode(w, r, &req) {
		return
	}
	degradation, err := parseAmount("degradation", req.Degradation)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.respond(w, r, h.engine.UpdateDegradation(r.Context(), principal(r), chi.URLParam(r, "vaultID"), degradation))
}

func (h *Handler) ChangeFunder(w http.ResponseWriter, r *http.Request) {
	var req FunderRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, h.engine.ChangeFunder(r.Context(), principal(r), chi.URLParam(r, "vaultID"), host.NormalizePrincipal(req.Funder)))
}

func (h *Handler) TransferAdmin(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, h.engine.TransferAdmin(r.Context(), principal(r), chi.URLParam(r, "vaultID"), host.NormalizePrincipal(req.Admin)))
}

// Locker endpoints

func (h *Handler) ListLockers(w http.ResponseWriter, r *http.Request) {
	now := h.engine.Now()
	lockers := h.engine.Lockers()
	items := make([]LockerDTO, len(lockers))
	for i, l := range lockers {
		items[i] = toLockerDTO(l, now)
	}
	h.writeJSON(w, http.StatusOK, items)
}

func (h *Handler) GetLocker(w http.ResponseWriter, r *http.Request) {
	l, err := h.engine.Locker(chi.URLParam(r, "lockerID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toLockerDTO(l, h.engine.Now()))
}

func (h *Handler) GetLockReceipts(w http.ResponseWriter, r *http.Request) {
	l, err := h.engine.Locker(chi.URLParam(r, "lockerID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	owner := host.NormalizePrincipal(chi.URLParam(r, "owner"))
	h.writeJSON(w, http.StatusOK, LockReceiptDTO{Locker: l.ID, Owner: owner, Receipts: u64String(l.Receipts[owner])})
}

func (h *Handler) CreateLocker(w http.ResponseWriter, r *http.Request) {
	var req CreateLockerRequest
	if !h.decode(w, r, &req) {
		return
	}
	l, err := h.engine.CreateLocker(r.Context(), principal(r), locking.NewLockerParams{
		ID:    req.ID,
		Asset: req.Asset,
		Admin: host.NormalizePrincipal(req.Admin),
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toLockerDTO(l, h.engine.Now()))
}

func (h *Handler) SetReleaseDate(w http.ResponseWriter, r *http.Request) {
	var req ReleaseDateRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, h.engine.SetReleaseDate(r.Context(), principal(r), chi.URLParam(r, "lockerID"), req.ReleaseDate))
}

func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.respond(w, r, h.engine.Lock(r.Context(), principal(r), chi.URLParam(r, "lockerID"), amount))
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.respond(w, r, h.engine.Unlock(r.Context(), principal(r), chi.URLParam(r, "lockerID"), amount))
}

// Ledger endpoints

func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if strings.HasPrefix(account, "0x") {
		account = host.NormalizePrincipal(account)
	}
	balances, err := h.engine.Balances(r.Context(), account)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dto := BalancesDTO{Account: account, Balances: make(map[string]string, len(balances))}
	for asset, n := range balances {
		dto.Balances[asset] = u64String(n)
	}
	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) Mint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	account := req.Account
	if strings.HasPrefix(account, "0x") {
		account = host.NormalizePrincipal(account)
	}
	h.respond(w, r, h.engine.Mint(r.Context(), principal(r), req.Asset, account, amount))
}

// Event endpoints

func (h *Handler) GetRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50, 200)
	events, err := h.history.Recent(r.Context(), int64(limit))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "EVENTS_ERROR", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

func (h *Handler) GetUserEvents(w http.ResponseWriter, r *http.Request) {
	if h.userEvents == nil {
		h.writeError(w, http.StatusNotImplemented, "PERSISTENCE_DISABLED", "event history requires persistence")
		return
	}
	addr := host.NormalizePrincipal(chi.URLParam(r, "address"))
	events, next, err := h.userEvents.EventsFor(r.Context(), addr, queryLimit(r, 50, 200), r.URL.Query().Get("cursor"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "EVENTS_ERROR", err.Error())
		return
	}
	if events == nil {
		events = []engine.Event{}
	}
	h.writeJSON(w, http.StatusOK, EventsDTO{Items: events, NextCursor: next})
}

func queryLimit(r *http.Request, def, max int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// Health and ops endpoints
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, check := range h.readiness {
		if err := check.Check(ctx); err != nil {
			h.logger.Warnw("Readiness check failed", "check", check.Name, "error", err)
			h.writeError(w, http.StatusServiceUnavailable, "NOT_READY", check.Name+": "+err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// WebSocket endpoint
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHub.HandleWebSocket(w, r)
}

// SSE endpoint
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	h.sseHandler.HandleSSE(w, r)
}

// Utility methods

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body is required")
		return false
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorStatus maps an engine error kind to its HTTP status and error code.
func errorStatus(err error) (int, string) {
	kind := farming.Kind(err)
	if kind == nil {
		return http.StatusInternalServerError, "INTERNAL"
	}
	code := strings.ToUpper(strings.ReplaceAll(kind.Error(), " ", "_"))
	switch {
	case errors.Is(kind, farming.ErrInvalidArgument):
		return http.StatusBadRequest, code
	case errors.Is(kind, farming.ErrUnauthorized):
		return http.StatusForbidden, code
	case errors.Is(kind, farming.ErrNotFound):
		return http.StatusNotFound, code
	case errors.Is(kind, farming.ErrInsufficientBalance),
		errors.Is(kind, farming.ErrMathOverflow),
		errors.Is(kind, farming.ErrMathUnderflow):
		return http.StatusUnprocessableEntity, code
	default:
		return http.StatusConflict, code
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	h.writeError(w, status, code, err.Error())
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("API error", "code", code, "message", message, "status", status)
	} else {
		h.logger.Debugw("API error", "code", code, "message", message, "status", status)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := ErrorResponse{
		Code:    code,
		Message: message,
	}
	json.NewEncoder(w).Encode(err)
}
