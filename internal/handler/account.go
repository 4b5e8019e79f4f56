package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"vpn-console/internal/accounts"
	"vpn-console/internal/activity"
	"vpn-console/internal/ledger"
	"vpn-console/internal/middleware"
	"vpn-console/internal/model"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type AccountHandler struct {
	Accounts *accounts.Service
	Ledger   *ledger.Mutator
	Activity *activity.Log
	Now      func() time.Time
}

func (h *AccountHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *AccountHandler) List(c *gin.Context) {
	views, err := h.Accounts.List(c.Request.Context(), model.AccountStatus(c.Query("status")), h.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

func (h *AccountHandler) Get(c *gin.Context) {
	view, err := h.Accounts.Get(c.Request.Context(), c.Param("id"), h.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": view})
}

type banBody struct {
	Reason string `json:"reason"`
}

func (h *AccountHandler) Ban(c *gin.Context) {
	var body banBody
	if !bindJSON(c, &body) {
		return
	}
	operator, _ := middleware.OperatorIDFromContext(c)
	view, err := h.Accounts.Ban(c.Request.Context(), c.Param("id"), body.Reason, operator, h.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": view})
}

func (h *AccountHandler) Unban(c *gin.Context) {
	operator, _ := middleware.OperatorIDFromContext(c)
	view, err := h.Accounts.Unban(c.Request.Context(), c.Param("id"), operator, h.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": view})
}

func (h *AccountHandler) ledgerOptions(c *gin.Context) ledger.Options {
	operator, _ := middleware.OperatorIDFromContext(c)
	return ledger.Options{
		IdempotencyKey: strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)),
		Actor:          operator,
	}
}

type balanceBody struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *AccountHandler) AdjustBalance(c *gin.Context) {
	var body balanceBody
	if !bindJSON(c, &body) {
		return
	}
	balance, err := h.Ledger.AdjustBalance(c.Request.Context(), c.Param("id"), body.Amount, body.Reason, h.ledgerOptions(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

type vpnTimeBody struct {
	Mode    model.VPNTimeMode `json:"mode"`
	Minutes int64             `json:"minutes"`
	Reason  string            `json:"reason"`
}

func (h *AccountHandler) AdjustVpnTime(c *gin.Context) {
	var body vpnTimeBody
	if !bindJSON(c, &body) {
		return
	}
	remaining, err := h.Ledger.AdjustVpnTime(c.Request.Context(), c.Param("id"), body.Mode, body.Minutes, body.Reason, h.ledgerOptions(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vpnRemainingSeconds": remaining})
}

// Activity returns the most recent entries for the device, newest first.
func (h *AccountHandler) Activity(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if _, err := h.Accounts.Get(c.Request.Context(), id, h.now()); err != nil {
		writeError(c, err)
		return
	}
	entries, err := h.Activity.Collect(c.Request.Context(), id, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
