package admin_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/streamnode/brokerd/internal/admin"
)

func TestHandleNodesListsLister(t *testing.T) {
	lister := func() []admin.NodeInfo {
		return []admin.NodeInfo{{ResourceID: 1, State: "resourced", NumOutputs: 2}}
	}

	srv := admin.NewServer(lister)

	req := httptest.NewRequest(http.MethodGet, "/1.0/nodes", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Nodes []admin.NodeInfo `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Nodes, 1)
	require.Equal(t, uint32(1), body.Nodes[0].ResourceID)
	require.Equal(t, uint32(2), body.Nodes[0].NumOutputs)
}

func TestHandleEventsWebsocketMirrorsPublish(t *testing.T) {
	srv := admin.NewServer(func() []admin.NodeInfo { return nil })

	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + ts.URL[len("http"):] + "/1.0/events"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // let the subscription register before publishing

	srv.Publish(admin.Event{Type: "lifecycle", ResourceID: 7})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var ev admin.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "lifecycle", ev.Type)
	require.Equal(t, uint32(7), ev.ResourceID)
}
