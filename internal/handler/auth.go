package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"vpn-console/internal/auth"
)

type AuthHandler struct {
	Auth *auth.Authenticator
}

type challengeBody struct {
	Operator string `json:"operator" binding:"required"`
}

// Challenge issues a single-use nonce the operator signs with their key.
func (h *AuthHandler) Challenge(c *gin.Context) {
	var body challengeBody
	if !bindJSON(c, &body) {
		return
	}
	ch, err := h.Auth.Begin(body.Operator)
	if errors.Is(err, auth.ErrUnknownOperator) {
		c.JSON(http.StatusUnauthorized, errorBody("unauthorized", "unknown_operator", err.Error()))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("internal", "internal", "Challenge creation failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"challengeId": ch.ID,
		"nonce":       ch.NonceB64(),
		"expiresAt":   ch.ExpiresAt,
	})
}

type loginBody struct {
	Operator    string `json:"operator" binding:"required"`
	ChallengeID string `json:"challengeId" binding:"required"`
	Signature   string `json:"signature" binding:"required"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var body loginBody
	if !bindJSON(c, &body) {
		return
	}
	token, err := h.Auth.Complete(body.Operator, body.ChallengeID, body.Signature)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUnknownOperator),
		errors.Is(err, auth.ErrChallengeNotFound),
		errors.Is(err, auth.ErrInvalidSignature),
		errors.Is(err, auth.ErrInvalidPublicKey):
		c.JSON(http.StatusUnauthorized, errorBody("unauthorized", "login_failed", err.Error()))
		return
	default:
		c.JSON(http.StatusInternalServerError, errorBody("internal", "internal", "Token creation failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}
