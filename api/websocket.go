package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"alertfeed/core"
	"alertfeed/fanout"
	"alertfeed/service"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket configuration constants
const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum message size allowed from peer.
	maxMessageSize = 512

	// defaultReplayLimit applies when api.replay_limit is unset
	defaultReplayLimit = 1000

	// replayTimeout bounds the stored-alert query of a reconnecting client.
	replayTimeout = 10 * time.Second
)

// liveClient is one websocket connection bound to one hub subscription.
// The write pump is the only goroutine writing to conn.
type liveClient struct {
	api        *API
	conn       *websocket.Conn
	sub        *fanout.Subscriber
	afterIndex uint64
	logger     *zap.SugaredLogger
}

// serveLiveFeed handles GET /ws/alerts. With afterIndex set, stored alerts
// with a greater stable index are replayed before live delivery starts.
func (a *API) serveLiveFeed(w http.ResponseWriter, r *http.Request) {
	caller := GetCaller(r.Context())
	if !caller.Authorized {
		a.writeServiceError(w, r, core.ErrNotAuthorized)
		return
	}

	var afterIndex uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("afterIndex")); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			a.writeServiceError(w, r, core.InvalidFilter("afterIndex must be a non-negative integer"))
			return
		}
		afterIndex = n
	}

	// Subscribe before replaying so nothing published in between is lost.
	sub, err := a.feed.Subscribe()
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "Live feed is shutting down", err, a.logger)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.feed.Unsubscribe(sub)
		a.logger.Warnw("WebSocket upgrade failed", "error", err, "request_id", GetRequestID(r.Context()))
		return
	}

	c := &liveClient{
		api:        a,
		conn:       conn,
		sub:        sub,
		afterIndex: afterIndex,
		logger:     a.logger.With("subscriber", sub.ID(), "ip", getRealIP(r)),
	}
	c.logger.Infow("Live client connected", "after_index", afterIndex)

	go c.writePump(caller)
	go c.readPump()
}

// readPump only detects disconnection; clients send nothing meaningful.
func (c *liveClient) readPump() {
	defer func() {
		c.api.feed.Unsubscribe(c.sub)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debugw("WebSocket unexpected close", "error", err)
			}
			return
		}
	}
}

func (c *liveClient) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *liveClient) close(code int, reason string) {
	_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// replay sends stored alerts after c.afterIndex and returns the ids it
// sent. Overlapping live deliveries are skipped by id: a delete shifts the
// rank of later rows, so a new alert can reuse an index the replay sent.
func (c *liveClient) replay(caller service.Caller) map[string]struct{} {
	if c.afterIndex == 0 {
		return nil
	}

	limit := c.api.config.API.ReplayLimit
	if limit <= 0 {
		limit = defaultReplayLimit
	}
	ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
	defer cancel()
	rows, err := c.api.planner.Replay(ctx, caller, c.afterIndex, limit)
	if err != nil {
		c.logger.Warnw("Replay failed, continuing with live delivery only", "error", err)
		return nil
	}

	sent := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(fanout.Message{Type: fanout.MessageTypeNewAlert, Data: row, Timestamp: time.Now().UTC()})
		if err != nil {
			c.logger.Errorw("Failed to encode replayed alert", "alert", row.ID, "error", err)
			continue
		}
		if err := c.write(websocket.TextMessage, data); err != nil {
			return sent
		}
		sent[row.ID] = struct{}{}
	}
	c.logger.Debugw("Replayed stored alerts", "count", len(sent))
	return sent
}

// writePump pumps deliveries from the hub to the connection and keeps it
// alive with pings.
func (c *liveClient) writePump(caller service.Caller) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	replayed := c.replay(caller)

	for {
		select {
		case <-c.sub.Done():
			if c.sub.Dropped() {
				c.logger.Warnw("Live client dropped for falling behind")
				c.close(websocket.CloseTryAgainLater, "subscriber queue overflow")
			} else {
				c.close(websocket.CloseNormalClosure, "")
			}
			return

		case d := <-c.sub.Deliveries():
			if _, dup := replayed[d.Alert.ID]; dup {
				delete(replayed, d.Alert.ID)
				continue
			}
			if err := c.write(websocket.TextMessage, d.Encoded); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
