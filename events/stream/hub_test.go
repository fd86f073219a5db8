package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coin-ledger/wallet"
)

func TestHub_StreamsUserEvents(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "alice", map[string]int64{"available": 100})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// GIVEN: the initial snapshot arrives first
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"available":100}`, string(data))

	require.Eventually(t, func() bool { return hub.Subscribers("alice") == 1 }, time.Second, 10*time.Millisecond)

	// WHEN: events for alice and bob are published
	require.NoError(t, hub.Publish(context.Background(), wallet.Event{Kind: wallet.EventTransactionCreated, UserID: "bob", Amount: 1}))
	require.NoError(t, hub.Publish(context.Background(), wallet.Event{Kind: wallet.EventHoldPlaced, UserID: "alice", Amount: 40}))

	// THEN: alice only sees her own
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var ev wallet.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, wallet.EventHoldPlaced, ev.Kind)
	assert.Equal(t, int64(40), ev.Amount)
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := NewHub(nil)
	assert.NoError(t, hub.Publish(context.Background(), wallet.Event{UserID: "nobody"}))
	assert.Equal(t, 0, hub.Subscribers("nobody"))
}
