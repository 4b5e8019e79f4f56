package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"vpn-console/internal/middleware"
	"vpn-console/internal/model"
	"vpn-console/internal/withdrawal"
)

type WithdrawalHandler struct {
	Workflow *withdrawal.Workflow
}

func (h *WithdrawalHandler) List(c *gin.Context) {
	items, err := h.Workflow.List(c.Request.Context(), model.WithdrawalStatus(c.Query("status")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": items})
}

func (h *WithdrawalHandler) Get(c *gin.Context) {
	w, err := h.Workflow.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

type processBody struct {
	Action           withdrawal.Action `json:"action"`
	ReceiptReference string            `json:"receiptReference"`
	RejectionReason  string            `json:"rejectionReason"`
}

func (h *WithdrawalHandler) Process(c *gin.Context) {
	var body processBody
	if !bindJSON(c, &body) {
		return
	}
	operator, _ := middleware.OperatorIDFromContext(c)
	w, err := h.Workflow.Process(c.Request.Context(), c.Param("id"), body.Action, withdrawal.Payload{
		ReceiptReference: body.ReceiptReference,
		RejectionReason:  body.RejectionReason,
	}, operator)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}
