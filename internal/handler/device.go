package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"vpn-console/internal/accounts"
	"vpn-console/internal/activity"
	"vpn-console/internal/model"
	"vpn-console/internal/withdrawal"
)

// DeviceHandler serves the endpoints the VPN app calls with the shared
// device key.
type DeviceHandler struct {
	Accounts *accounts.Service
	Workflow *withdrawal.Workflow
	Activity *activity.Log
	Now      func() time.Time
}

func (h *DeviceHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

type checkInBody struct {
	DeviceID  string              `json:"deviceId"`
	Status    model.AccountStatus `json:"status"`
	DataUsage int64               `json:"dataUsage"`
}

func (h *DeviceHandler) CheckIn(c *gin.Context) {
	var body checkInBody
	if !bindJSON(c, &body) {
		return
	}
	view, created, err := h.Accounts.CheckIn(c.Request.Context(), model.Heartbeat{
		DeviceID:  body.DeviceID,
		Status:    body.Status,
		DataUsage: body.DataUsage,
		At:        h.now().UTC(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"account": view, "created": created})
}

type createWithdrawalBody struct {
	DeviceID      string             `json:"deviceId"`
	Points        int64              `json:"points"`
	Method        model.PayoutMethod `json:"method"`
	AccountNumber string             `json:"accountNumber"`
	AccountName   string             `json:"accountName"`
}

func (h *DeviceHandler) CreateWithdrawal(c *gin.Context) {
	var body createWithdrawalBody
	if !bindJSON(c, &body) {
		return
	}
	w, err := h.Workflow.Create(c.Request.Context(), withdrawal.Request{
		DeviceID:      body.DeviceID,
		Points:        body.Points,
		Method:        body.Method,
		AccountNumber: body.AccountNumber,
		AccountName:   body.AccountName,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

type rewardBody struct {
	DeviceID    string `json:"deviceId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// Reward credits an ad reward. A repeated Idempotency-Key returns the
// entry recorded the first time.
func (h *DeviceHandler) Reward(c *gin.Context) {
	var body rewardBody
	if !bindJSON(c, &body) {
		return
	}
	entry, err := h.Activity.Append(c.Request.Context(), model.ActivityLogEntry{
		DeviceID:       strings.TrimSpace(body.DeviceID),
		Type:           model.ActivityAdReward,
		Ledger:         model.LedgerPoints,
		Amount:         body.Amount,
		Description:    body.Description,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry, "balance": entry.ResultAfter})
}
