package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egemennuss/zerenn/internal/adapters/ws"
)

func startRelay(t *testing.T) (string, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	relay := NewRelay()
	r := gin.New()
	r.GET("/api/ws/announce", func(c *gin.Context) {
		relay.Handle(context.Background(), c)
	})
	srv := httptest.NewServer(r)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/announce"
	return wsURL, srv.Close
}

func TestRelayFansOutBetweenClients(t *testing.T) {
	wsURL, stop := startRelay(t)
	defer stop()

	sub := ws.NewBroadcast(wsURL)
	defer sub.Close()
	pub := ws.NewBroadcast(wsURL)
	defer pub.Close()

	var mu sync.Mutex
	var got [][]byte
	unsub, err := sub.Subscribe(context.Background(), "announce:XJ3K9P", func(p []byte) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, pub.Publish(context.Background(), "announce:XJ3K9P", []byte(`{"kind":"joined"}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.JSONEq(t, `{"kind":"joined"}`, string(got[0]))
	mu.Unlock()
}

func TestRelayIsolatesTopics(t *testing.T) {
	wsURL, stop := startRelay(t)
	defer stop()

	sub := ws.NewBroadcast(wsURL)
	defer sub.Close()
	pub := ws.NewBroadcast(wsURL)
	defer pub.Close()

	var mu sync.Mutex
	var got int
	unsub, err := sub.Subscribe(context.Background(), "announce:ROOMAA", func([]byte) {
		mu.Lock()
		got++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, pub.Publish(context.Background(), "announce:ROOMBB", []byte("x")))
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, got)
	mu.Unlock()
}

func TestRelayDoesNotEchoToSender(t *testing.T) {
	wsURL, stop := startRelay(t)
	defer stop()

	client := ws.NewBroadcast(wsURL)
	defer client.Close()

	var mu sync.Mutex
	var got int
	unsub, err := client.Subscribe(context.Background(), "announce:XJ3K9P", func([]byte) {
		mu.Lock()
		got++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	// Same connection publishes; the relay only fans out to others.
	require.NoError(t, client.Publish(context.Background(), "announce:XJ3K9P", []byte("x")))
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, got)
	mu.Unlock()
}
