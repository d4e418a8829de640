package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"alertfeed/config"
	"alertfeed/core"
	"alertfeed/fanout"
	"alertfeed/service"
	"alertfeed/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type liveStack struct {
	hub    *fanout.Hub
	store  *storage.SQLite
	server *httptest.Server
}

func newLiveStack(t *testing.T, cfg *config.Config, stored int) *liveStack {
	t.Helper()
	logger := zap.NewNop().Sugar()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "alerts.db"), core.DefaultBreakerConfig(), logger)
	require.NoError(t, err)

	t0 := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	alerts := make([]core.Alert, stored)
	for i := range alerts {
		alerts[i] = core.Alert{
			ID:           string(rune('a' + i)),
			IngestedAt:   t0.Add(time.Duration(i) * time.Second),
			BusinessTime: t0,
			Severity:     core.SeverityMedium,
		}
	}
	if stored > 0 {
		require.NoError(t, store.Insert(context.Background(), alerts))
	}

	if cfg == nil {
		cfg = newTestConfig()
	}
	hub := fanout.NewHub(16, logger)
	a := NewAPI(service.NewPlanner(store, logger), hub, store, cfg, logger)
	server := httptest.NewServer(a.Handler())

	t.Cleanup(func() {
		hub.Close()
		server.Close()
		_ = a.Stop(context.Background())
		_ = store.Close()
	})
	return &liveStack{hub: hub, store: store, server: server}
}

func (s *liveStack) url(query string) string {
	u := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/alerts"
	if query != "" {
		u += "?" + query
	}
	return u
}

func readMessage(t *testing.T, conn *websocket.Conn) fanout.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg fanout.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func live(id string, idx uint64) core.IndexedAlert {
	return core.IndexedAlert{Index: idx, Alert: core.Alert{ID: id, Severity: core.SeverityHigh}}
}

func TestLiveFeed_DeliversPublishedAlerts(t *testing.T) {
	s := newLiveStack(t, nil, 0)

	conn, _, err := websocket.DefaultDialer.Dial(s.url(""), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.Count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.hub.Publish(live("x", 1)))
	require.NoError(t, s.hub.Publish(live("y", 2)))

	first := readMessage(t, conn)
	assert.Equal(t, fanout.MessageTypeNewAlert, first.Type)
	assert.Equal(t, "x", first.Data.ID)
	assert.Equal(t, uint64(1), first.Data.Index)
	assert.Equal(t, "y", readMessage(t, conn).Data.ID)
}

func TestLiveFeed_ReplaysAfterIndexThenSkipsOverlap(t *testing.T) {
	s := newLiveStack(t, nil, 4)

	conn, _, err := websocket.DefaultDialer.Dial(s.url("afterIndex=2"), nil)
	require.NoError(t, err)
	defer conn.Close()

	c := readMessage(t, conn)
	assert.Equal(t, "c", c.Data.ID)
	assert.Equal(t, uint64(3), c.Data.Index)
	d := readMessage(t, conn)
	assert.Equal(t, "d", d.Data.ID)
	assert.Equal(t, uint64(4), d.Data.Index)

	// d was already replayed
	require.NoError(t, s.hub.Publish(live("d", 4)))
	require.NoError(t, s.hub.Publish(live("e", 5)))
	e := readMessage(t, conn)
	assert.Equal(t, "e", e.Data.ID)
	assert.Equal(t, uint64(5), e.Data.Index)
}

// A delete between replay and the next poll shifts ranks down, so a new
// alert may reuse an index the replay already sent.
func TestLiveFeed_DeleteAfterReplayStillDeliversNewAlerts(t *testing.T) {
	s := newLiveStack(t, nil, 4)
	ctx := context.Background()

	conn, _, err := websocket.DefaultDialer.Dial(s.url("afterIndex=2"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "c", readMessage(t, conn).Data.ID)
	assert.Equal(t, "d", readMessage(t, conn).Data.ID)

	require.NoError(t, s.store.Delete(ctx, core.Predicate{IDs: []string{"a"}}))
	t1 := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.store.Insert(ctx, []core.Alert{
		{ID: "new", IngestedAt: t1, BusinessTime: t1, Severity: core.SeverityHigh},
	}))

	rows, err := s.store.SelectRanked(ctx, core.Predicate{IDs: []string{"new"}},
		core.Order{Column: core.SortIngestion, Direction: core.Ascending}, 1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, uint64(4), rows[0].Index, "the delete shifted the new alert onto a replayed index")

	// d is re-delivered live under its shifted index and is skipped by id
	require.NoError(t, s.hub.Publish(live("d", 3)))
	require.NoError(t, s.hub.Publish(rows[0]))

	got := readMessage(t, conn)
	assert.Equal(t, "new", got.Data.ID)
	assert.Equal(t, uint64(4), got.Data.Index)
}

func TestLiveFeed_CloseOnHubShutdown(t *testing.T) {
	s := newLiveStack(t, nil, 0)

	conn, _, err := websocket.DefaultDialer.Dial(s.url(""), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	s.hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestLiveFeed_ClientDisconnectUnsubscribes(t *testing.T) {
	s := newLiveStack(t, nil, 0)

	conn, _, err := websocket.DefaultDialer.Dial(s.url(""), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return s.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLiveFeed_BadAfterIndex(t *testing.T) {
	s := newLiveStack(t, nil, 0)

	_, resp, err := websocket.DefaultDialer.Dial(s.url("afterIndex=-1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, s.hub.Count())
}

func TestLiveFeed_Auth(t *testing.T) {
	cfg := newTestConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.JWTSecret = testSecret
	s := newLiveStack(t, cfg, 0)

	_, resp, err := websocket.DefaultDialer.Dial(s.url(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := signToken(t, testSecret, "viewer", time.Now().Add(time.Hour))
	conn, _, err := websocket.DefaultDialer.Dial(s.url("access_token="+token), nil)
	require.NoError(t, err)
	defer conn.Close()

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn2, _, err := websocket.DefaultDialer.Dial(s.url(""), header)
	require.NoError(t, err)
	defer conn2.Close()
}

func TestLiveFeed_RejectsForeignOrigin(t *testing.T) {
	s := newLiveStack(t, nil, 0)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(s.url(""), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Eventually(t, func() bool { return s.hub.Count() == 0 }, time.Second, 5*time.Millisecond)
}
