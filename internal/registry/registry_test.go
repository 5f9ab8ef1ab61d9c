package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"tablerelay/internal/directory"
	"tablerelay/internal/envelope"
)

type permissiveAuth struct{}

func (permissiveAuth) VerifyJoin(_ context.Context, clientID, apiKey string) (string, error) {
	return "hash-" + apiKey, nil
}

func newTestServer(t *testing.T, reg *Registry) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		hello, err := envelope.ParseHello(raw)
		if err != nil {
			_ = conn.Close()
			return
		}
		_, err = reg.Accept(r.Context(), conn, hello, permissiveAuth{})
		if err != nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dial(t *testing.T, url, clientID, apiKey string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	hello := map[string]interface{}{"type": "hello", "clientId": clientID, "apiKey": apiKey}
	require.NoError(t, conn.WriteJSON(hello))
	return conn
}

func newTestRegistry() *Registry {
	dir := directory.NewLocal()
	cfg := Config{
		ReplicaID:             "R1",
		PingInterval:          time.Hour,
		CleanupInterval:       time.Hour,
		OutboundQueueCapacity: 4,
	}
	return New(cfg, dir, nil)
}

func TestAccept_JoinAndSend(t *testing.T) {
	reg := newTestRegistry()
	defer reg.Stop()
	_, url := newTestServer(t, reg)

	conn := dial(t, url, "foundry-A", "K1")
	defer conn.Close()

	require.Eventually(t, func() bool {
		_, ok := reg.Get("foundry-A")
		return ok
	}, time.Second, 10*time.Millisecond)

	status := reg.Send("foundry-A", envelope.Envelope{Type: "perform-search", RequestID: "r1"})
	require.Equal(t, SendOK, status)

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(raw), "perform-search")
}

func TestSend_UnknownClientReturnsNotFound(t *testing.T) {
	reg := newTestRegistry()
	defer reg.Stop()
	require.Equal(t, SendNotFound, reg.Send("ghost", envelope.Envelope{Type: "x"}))
}

func TestSend_QueueSaturationReturnsSendFailed(t *testing.T) {
	reg := newTestRegistry()
	defer reg.Stop()
	_, url := newTestServer(t, reg)

	conn := dial(t, url, "foundry-A", "K1")
	defer conn.Close()

	require.Eventually(t, func() bool {
		_, ok := reg.Get("foundry-A")
		return ok
	}, time.Second, 10*time.Millisecond)

	// The test conn never reads again after the hello handshake, but small
	// frames like {"type":"spam"} are tiny enough that the kernel socket
	// buffers absorb all of them, so writePump keeps draining the channel
	// and the queue never actually fills — making the assertion below
	// nondeterministic. Send payloads large enough to exceed those buffers
	// so writePump's blocking socket write stalls deterministically and the
	// channel backs up to capacity within a handful of sends.
	bigPayload, err := json.Marshal(strings.Repeat("x", 8*1024*1024))
	require.NoError(t, err)

	var last SendStatus
	require.Eventually(t, func() bool {
		last = reg.Send("foundry-A", envelope.Envelope{Type: "spam", Payload: json.RawMessage(bigPayload)})
		return last == SendFailed
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, SendFailed, last)
}

func TestClose_IsIdempotent(t *testing.T) {
	reg := newTestRegistry()
	defer reg.Stop()
	_, url := newTestServer(t, reg)

	conn := dial(t, url, "foundry-A", "K1")
	defer conn.Close()

	require.Eventually(t, func() bool {
		_, ok := reg.Get("foundry-A")
		return ok
	}, time.Second, 10*time.Millisecond)

	reg.Close("foundry-A", ReasonExplicitClose)
	reg.Close("foundry-A", ReasonExplicitClose) // second call must be a no-op (spec R2)

	_, ok := reg.Get("foundry-A")
	require.False(t, ok)
}

func TestEvictStale_RemovesClientPastThreshold(t *testing.T) {
	reg := newTestRegistry()
	defer reg.Stop()
	_, url := newTestServer(t, reg)

	conn := dial(t, url, "foundry-A", "K1")
	defer conn.Close()

	require.Eventually(t, func() bool {
		_, ok := reg.Get("foundry-A")
		return ok
	}, time.Second, 10*time.Millisecond)

	reg.evictStale(0) // force immediate eviction regardless of last-seen

	_, ok := reg.Get("foundry-A")
	require.False(t, ok)
}
