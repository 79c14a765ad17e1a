package lockdrop

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/mbd888/lockdrop/internal/account"
	"github.com/mbd888/lockdrop/internal/pagination"
	"github.com/mbd888/lockdrop/internal/units"
	"github.com/mbd888/lockdrop/internal/validation"
)

// callerKey is set by the auth middleware to the caller's account.
const callerKey = "authAccount"

// Handler provides HTTP endpoints for lock operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new lock handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	accounts := r.Group("/accounts/:address", validation.AccountParamMiddleware())
	accounts.GET("/balance", h.GetBalance)
	accounts.GET("/lock", h.GetLock)
	r.GET("/ledger", h.GetLedger)
	r.GET("/events", h.ListEvents)
}

// RegisterProtectedRoutes sets up routes that act for the authenticated account.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/lock", h.Lock)
	r.POST("/release", h.Release)
}

// LockRequestBody is the JSON body of POST /v1/lock.
type LockRequestBody struct {
	Amount    string `json:"amount"`
	Value     string `json:"value"`
	UnlockAt  string `json:"unlockAt,omitempty"`
	DepositTx string `json:"depositTx,omitempty"`
}

// LockView is the JSON form of a record.
type LockView struct {
	Owner     string     `json:"owner"`
	Amount    string     `json:"amount"`
	AmountRaw string     `json:"amountRaw"`
	State     State      `json:"state"`
	LockedAt  time.Time  `json:"lockedAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	UnlockAt  *time.Time `json:"unlockAt,omitempty"`
}

// NewLockView renders rec in state.
func NewLockView(rec *Record, state State) *LockView {
	return &LockView{
		Owner:     account.Hex(rec.Owner),
		Amount:    units.Format(rec.Amount),
		AmountRaw: rec.Amount.Dec(),
		State:     state,
		LockedAt:  rec.LockedAt,
		UpdatedAt: rec.UpdatedAt,
		UnlockAt:  rec.UnlockAt,
	}
}

// Lock handles POST /v1/lock
func (h *Handler) Lock(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}

	var req LockRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidAmount("value", req.Value),
		validation.ValidTime("unlockAt", req.UnlockAt),
		validation.ValidTxHash("depositTx", req.DepositTx),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount, _ := units.Parse(req.Amount)
	var value *uint256.Int
	if req.Value != "" {
		value, _ = units.Parse(req.Value)
	}
	var unlockAt *time.Time
	if req.UnlockAt != "" {
		t, _ := time.Parse(time.RFC3339, req.UnlockAt)
		unlockAt = &t
	}

	res, err := h.service.Lock(c.Request.Context(), LockInput{
		Caller:     caller,
		Amount:     amount,
		Value:      value,
		UnlockAt:   unlockAt,
		DepositRef: strings.ToLower(req.DepositTx),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"lock":        NewLockView(res.Record, res.State),
		"amount":      units.Format(res.Amount),
		"totalLocked": units.Format(res.TotalLocked),
		"reference":   res.Reference,
		"events":      res.Events,
	})
}

// Release handles POST /v1/release
func (h *Handler) Release(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}

	res, err := h.service.Release(c.Request.Context(), caller)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"owner":       account.Hex(res.Owner),
		"amount":      units.Format(res.Amount),
		"totalLocked": units.Format(res.TotalLocked),
		"reference":   res.Reference,
		"events":      res.Events,
	})
}

// GetBalance handles GET /v1/accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	owner, _ := account.Parse(c.Param("address"))

	balance, err := h.service.BalanceOf(c.Request.Context(), owner)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"owner":      account.Hex(owner),
		"balance":    units.Format(balance),
		"balanceRaw": balance.Dec(),
	})
}

// GetLock handles GET /v1/accounts/:address/lock
func (h *Handler) GetLock(c *gin.Context) {
	owner, _ := account.Parse(c.Param("address"))

	rec, state, err := h.service.LockOf(c.Request.Context(), owner)
	if err != nil {
		writeError(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No lock for this account",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"lock": NewLockView(rec, state)})
}

// GetLedger handles GET /v1/ledger
func (h *Handler) GetLedger(c *gin.Context) {
	sum, err := h.service.Summary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"totalLocked":    units.Format(sum.TotalLocked),
		"totalLockedRaw": sum.TotalLocked.Dec(),
		"owners":         sum.Owners,
		"topUpPolicy":    sum.Policy.TopUp,
		"defaultPeriod":  sum.Policy.DefaultPeriod.String(),
		"at":             sum.At,
	})
}

// ListEvents handles GET /v1/events?owner=&type=&cursor=&limit=
// "after" takes a raw sequence number for clients that track it themselves.
func (h *Handler) ListEvents(c *gin.Context) {
	var filter EventFilter

	if o := c.Query("owner"); o != "" {
		owner, err := account.Parse(o)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account",
				"message": "owner must be a non-zero account",
			})
			return
		}
		filter.Owner = &owner
	}
	for _, t := range c.QueryArray("type") {
		switch et := EventType(t); et {
		case EventLocked, EventReleased, EventMatured:
			filter.Types = append(filter.Types, et)
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "type must be locked, released or matured",
			})
			return
		}
	}
	if cur := c.Query("cursor"); cur != "" {
		after, err := pagination.Decode(cur)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "cursor is not valid",
			})
			return
		}
		filter.AfterSeq = after
	} else if a := c.Query("after"); a != "" {
		if after, err := strconv.ParseInt(a, 10, 64); err == nil && after > 0 {
			filter.AfterSeq = after
		}
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}
	filter.Limit = limit + 1

	events, err := h.service.Events(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	events, next, more := pagination.ComputePage(events, limit, func(e Event) int64 { return e.Seq })
	if events == nil {
		events = []Event{}
	}

	resp := gin.H{
		"events":  events,
		"count":   len(events),
		"hasMore": more,
	}
	if more {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) caller(c *gin.Context) (common.Address, bool) {
	raw := c.GetString(callerKey)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "An account-bound API key is required",
		})
		return common.Address{}, false
	}
	caller, err := account.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_account",
			"message": err.Error(),
		})
		return common.Address{}, false
	}
	return caller, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var serr *SettlementError
	switch {
	case errors.Is(err, ErrInsufficientValue):
		status, code = http.StatusBadRequest, "insufficient_value"
	case errors.Is(err, ErrInvalidUnlockTime):
		status, code = http.StatusBadRequest, "invalid_unlock_time"
	case errors.Is(err, ErrInvalidAccount):
		status, code = http.StatusBadRequest, "invalid_account"
	case errors.Is(err, ErrAmountOverflow):
		status, code = http.StatusBadRequest, "amount_overflow"
	case errors.Is(err, ErrNoLockedFunds):
		status, code = http.StatusNotFound, "no_locked_funds"
	case errors.Is(err, ErrLockNotMatured):
		status, code = http.StatusConflict, "lock_not_matured"
	case errors.Is(err, ErrJournalUnavailable):
		status, code = http.StatusServiceUnavailable, "journal_unavailable"
	case errors.As(err, &serr):
		status, code = http.StatusBadGateway, "settlement_failed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
