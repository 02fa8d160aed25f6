package fanout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/conditionflow/internal/runtime/jsoncodec"
)

type frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func startHub(t *testing.T, origins []string) (*Hub, *Fanout, *httptest.Server) {
	t.Helper()
	f := New(NewRegistry(4), nil)
	hub := NewHub(f, origins, nil, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, f, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, v ClientFrame) {
	t.Helper()
	payload, err := jsoncodec.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, jsoncodec.Unmarshal(data, &f))
	return f
}

func TestHubSubscribeReceivesUpdates(t *testing.T) {
	hub, f, srv := startHub(t, nil)
	conn := dial(t, srv, nil)

	writeFrame(t, conn, ClientFrame{Type: FrameSubscribe, ResourceID: strings.ToUpper(alpha)})
	got := readFrame(t, conn)
	assert.Equal(t, FrameSubscribed, got.Type)
	assert.Equal(t, alpha, got.Data["resourceId"], "resource ids are normalised")
	assert.Equal(t, 1, hub.ClientCount())

	require.NoError(t, f.Notify(context.Background(), alpha))
	got = readFrame(t, conn)
	assert.Equal(t, EventResortConditionsUpdated, got.Type)
	assert.Equal(t, alpha, got.Data["resourceId"])
}

func TestHubUnsubscribe(t *testing.T) {
	_, f, srv := startHub(t, nil)
	conn := dial(t, srv, nil)

	writeFrame(t, conn, ClientFrame{Type: FrameSubscribe, ResourceID: alpha})
	assert.Equal(t, FrameSubscribed, readFrame(t, conn).Type)
	writeFrame(t, conn, ClientFrame{Type: FrameUnsubscribe, ResourceID: alpha})
	assert.Equal(t, FrameUnsubscribed, readFrame(t, conn).Type)

	assert.Zero(t, f.Registry().Len())
}

func TestHubPingAndRejections(t *testing.T) {
	_, _, srv := startHub(t, nil)
	conn := dial(t, srv, nil)

	writeFrame(t, conn, ClientFrame{Type: FramePing})
	assert.Equal(t, FramePong, readFrame(t, conn).Type)

	writeFrame(t, conn, ClientFrame{Type: FrameSubscribe, ResourceID: "not-a-uuid"})
	got := readFrame(t, conn)
	assert.Equal(t, FrameError, got.Type)
	assert.Equal(t, "invalid resource id", got.Data["message"])

	writeFrame(t, conn, ClientFrame{Type: "shout"})
	assert.Equal(t, "unknown frame type", readFrame(t, conn).Data["message"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "malformed frame", readFrame(t, conn).Data["message"])
}

func TestHubDisconnectDropsSubscriptions(t *testing.T) {
	hub, f, srv := startHub(t, nil)
	conn := dial(t, srv, nil)

	writeFrame(t, conn, ClientFrame{Type: FrameSubscribe, ResourceID: alpha})
	writeFrame(t, conn, ClientFrame{Type: FrameSubscribe, ResourceID: beta})
	readFrame(t, conn)
	readFrame(t, conn)
	require.Equal(t, 2, f.Registry().Len())

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return f.Registry().Len() == 0 && hub.ClientCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub, f, srv := startHub(t, nil)
	conn := dial(t, srv, nil)
	writeFrame(t, conn, ClientFrame{Type: FrameSubscribe, ResourceID: alpha})
	readFrame(t, conn)

	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Eventually(t, func() bool { return f.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHubOriginCheck(t *testing.T) {
	_, _, srv := startHub(t, []string{"https://snow.example"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn := dial(t, srv, http.Header{"Origin": []string{"https://snow.example"}})
	writeFrame(t, conn, ClientFrame{Type: FramePing})
	assert.Equal(t, FramePong, readFrame(t, conn).Type)
}
