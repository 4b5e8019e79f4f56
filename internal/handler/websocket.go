package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"vpn-console/internal/auth"
	"vpn-console/internal/feed"
	"vpn-console/internal/model"
)

const (
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var streamCollections = map[model.Collection]bool{
	model.CollectionAccounts:    true,
	model.CollectionWithdrawals: true,
	model.CollectionActivity:    true,
	model.CollectionPresence:    true,
}

type StreamRecorder interface {
	StreamOpened()
	StreamClosed()
}

// StreamHandler pushes feed change events to console clients over a
// websocket so views re-render without polling.
type StreamHandler struct {
	Feed        *feed.Feed
	TokenConfig auth.TokenConfig
	Recorder    StreamRecorder
	Logger      logrus.FieldLogger
}

type clientMessage struct {
	Type string `json:"type"`
}

type serverMessage struct {
	Type        string             `json:"type"`
	Event       *model.ChangeEvent `json:"event,omitempty"`
	Collections []model.Collection `json:"collections,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func parseCollections(raw string) ([]model.Collection, bool) {
	if raw == "" {
		return nil, true
	}
	var out []model.Collection
	for _, part := range strings.Split(raw, ",") {
		col := model.Collection(strings.TrimSpace(part))
		if !streamCollections[col] {
			return nil, false
		}
		out = append(out, col)
	}
	return out, true
}

func (h *StreamHandler) subscribe(cols []model.Collection, documentID string) *feed.Subscription {
	var docFilter feed.Filter
	if documentID != "" {
		docFilter = feed.ForDocument(documentID)
	}
	if len(cols) == 1 {
		return h.Feed.Subscribe(cols[0], docFilter)
	}
	wanted := make(map[model.Collection]bool, len(cols))
	for _, col := range cols {
		wanted[col] = true
	}
	return h.Feed.SubscribeAll(func(ev model.ChangeEvent) bool {
		if len(wanted) > 0 && !wanted[ev.Collection] {
			return false
		}
		return docFilter == nil || docFilter(ev)
	})
}

func (h *StreamHandler) Serve(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, errorBody("unauthorized", "unauthorized", "Invalid authentication token"))
		return
	}
	claims, err := auth.VerifyToken(tokenString, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorBody("unauthorized", "unauthorized", "Invalid authentication token"))
		return
	}
	cols, ok := parseCollections(c.Query("collection"))
	if !ok {
		badRequest(c, "unknown collection")
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	logger := h.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("operator", claims.OperatorID)

	sub := h.subscribe(cols, c.Query("documentId"))
	if h.Recorder != nil {
		h.Recorder.StreamOpened()
	}
	defer func() {
		sub.Cancel()
		_ = ws.Close()
		if h.Recorder != nil {
			h.Recorder.StreamClosed()
		}
	}()

	ws.SetReadLimit(64 * 1024)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pongs := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "ping" {
				select {
				case pongs <- struct{}{}:
				default:
				}
			}
		}
	}()

	if err := writeJSON(ws, serverMessage{Type: "ready", Collections: cols}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-readerDone:
			return
		case <-pongs:
			if err := writeJSON(ws, serverMessage{Type: "pong"}); err != nil {
				return
			}
		case ev, open := <-sub.C:
			if !open {
				if sub.Lagged() {
					logger.Warn("stream subscriber lagged, closing")
					_ = writeJSON(ws, serverMessage{Type: "lagged"})
				}
				return
			}
			if err := writeJSON(ws, serverMessage{Type: "change", Event: &ev}); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeJSON(ws *websocket.Conn, msg serverMessage) error {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(msg)
}
