package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"vpn-console/internal/apperr"
)

func TestWriteError_MapsKindsToStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"not found", apperr.NotFound(apperr.CodeAccountNotFound, "no such account"), http.StatusNotFound, "account_not_found"},
		{"validation", apperr.Validation(apperr.CodeInvalidAmount, "zero"), http.StatusBadRequest, "invalid_amount"},
		{"transition", apperr.InvalidTransition("already approved"), http.StatusConflict, "invalid_transition"},
		{"duplicate", apperr.DuplicateID("taken"), http.StatusConflict, "duplicate_id"},
		{"unavailable", apperr.Unavailable(errors.New("conn refused")), http.StatusServiceUnavailable, "store_unavailable"},
		{"wrapped", fmt.Errorf("load: %w", apperr.NotFound(apperr.CodeWithdrawalNotFound, "gone")), http.StatusNotFound, "withdrawal_not_found"},
		{"canceled", context.Canceled, http.StatusServiceUnavailable, "store_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			writeError(c, tc.err)

			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
			var body struct {
				Error struct {
					Kind    string `json:"kind"`
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.Error.Code != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, body.Error.Code)
			}
			if body.Error.Message == "" {
				t.Fatalf("expected a message")
			}
		})
	}
}

func TestQueryLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	for raw, want := range map[string]int{"": 0, "25": 25} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/?limit="+raw, nil)
		got, ok := queryLimit(c)
		if !ok || got != want {
			t.Fatalf("limit %q: expected %d, got %d (ok=%v)", raw, want, got, ok)
		}
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/?limit=-1", nil)
	if _, ok := queryLimit(c); ok || w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a negative limit, got %d", w.Code)
	}
}
