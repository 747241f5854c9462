package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/lacyconnect/internal/services/connect"
	"github.com/bbernstein/lacyconnect/internal/services/pubsub"
)

func dialEvents(t *testing.T, h *apiHarness) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/connect/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// waitSubscribed blocks until the stream has subscribed to every topic.
func waitSubscribed(t *testing.T, ps *pubsub.PubSub) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ps.SubscriberCount(pubsub.TopicStateChanged) == 1 &&
			ps.SubscriberCount(pubsub.TopicConfig) == 1 &&
			ps.SubscriberCount(pubsub.TopicSettings) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvents_InitialStatus(t *testing.T) {
	h := newHarness(t)
	conn := dialEvents(t, h)

	ev := readEvent(t, conn)
	assert.Equal(t, EventState, ev.Type)
	assert.Equal(t, "NETWORK_CONNECTED", ev.To)
	require.NotNil(t, ev.Status)
	assert.Equal(t, "STA", ev.Status.Mode)
}

func TestEvents_StreamsTransitionsAndChanges(t *testing.T) {
	h := newHarness(t)
	conn := dialEvents(t, h)
	readEvent(t, conn)
	waitSubscribed(t, h.ps)

	h.server.StateChanged(connect.PortalStarted, connect.PortalComplete)
	ev := readEvent(t, conn)
	assert.Equal(t, EventState, ev.Type)
	assert.Equal(t, "PORTAL_STARTED", ev.From)
	assert.Equal(t, "PORTAL_COMPLETE", ev.To)

	rec := h.do(http.MethodPut, "/api/connect/settings", `{"auto_restart":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	ev = readEvent(t, conn)
	assert.Equal(t, EventSettings, ev.Type)
	require.NotNil(t, ev.Settings)
	assert.False(t, ev.Settings.AutoRestart)

	rec = h.do(http.MethodPut, "/api/connect/config", `{"wifi_ssid":"HomeNet","wifi_password":"secret-pass"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	ev = readEvent(t, conn)
	assert.Equal(t, EventConfig, ev.Type)
	require.NotNil(t, ev.Config)
	assert.Equal(t, "HomeNet", ev.Config.SSID)
	assert.True(t, ev.Config.PasswordSet)
	assert.Empty(t, ev.Config.Password)
}

func TestEvents_UnsubscribesOnClose(t *testing.T) {
	h := newHarness(t)
	conn := dialEvents(t, h)
	readEvent(t, conn)
	waitSubscribed(t, h.ps)

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return h.ps.SubscriberCount(pubsub.TopicStateChanged) == 0 &&
			h.ps.SubscriberCount(pubsub.TopicConfig) == 0 &&
			h.ps.SubscriberCount(pubsub.TopicSettings) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvents_RejectsPlainRequest(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/connect/events", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, h.ps.SubscriberCount(pubsub.TopicStateChanged))
}
