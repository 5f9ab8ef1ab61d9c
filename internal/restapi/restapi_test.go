package restapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"tablerelay/internal/authhook"
	"tablerelay/internal/config"
	"tablerelay/internal/correlator"
	"tablerelay/internal/directory"
	"tablerelay/internal/envelope"
	"tablerelay/internal/registry"
	"tablerelay/internal/router"
)

func newTestAdapter(t *testing.T) (*Adapter, *httptest.Server) {
	t.Helper()
	dir := directory.NewLocal()
	corr := correlator.New()
	reg := registry.New(registry.Config{
		ReplicaID:             "R1",
		PingInterval:          time.Hour,
		CleanupInterval:       time.Hour,
		OutboundQueueCapacity: 2,
	}, dir, func(clientID string, _ registry.CloseReason) { corr.ClientGone(clientID) })
	reg.SetReplyHandler(corr.Complete)

	cfg := config.Config{
		KindTimeouts: map[string]time.Duration{
			string(envelope.KindQuery):       300 * time.Millisecond,
			string(envelope.KindFetchEntity): 300 * time.Millisecond,
		},
	}
	rt := router.New(cfg, router.RegistryLookup{Registry: reg, Directory: dir, ReplicaID: "R1"})

	a := &Adapter{
		Cfg:    cfg,
		Dir:    dir,
		Reg:    reg,
		Corr:   corr,
		Router: rt,
		Auth:   authhook.PermissiveHook{},
	}

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	a.Mount(engine)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	t.Cleanup(reg.Stop)
	return a, srv
}

func dialClient(t *testing.T, srv *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "hello", "clientId": clientID, "apiKey": "K1",
	}))
	return conn
}

// TestLocalHappyPath drives scenario 1 of spec §8 end to end: a join, a
// query dispatched to the WebSocket client, and its reply relayed back as
// the HTTP response body.
func TestLocalHappyPath(t *testing.T) {
	_, srv := newTestAdapter(t)
	conn := dialClient(t, srv, "foundry-A")
	defer conn.Close()

	type reply struct {
		requestID string
		done      chan struct{}
	}
	r := &reply{done: make(chan struct{})}
	go func() {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := envelope.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, string(envelope.KindQuery), env.Type)
		r.requestID = env.RequestID
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type":      "search-result",
			"requestId": env.RequestID,
			"results":   []map[string]string{{"name": "Studded"}},
		}))
		close(r.done)
	}()

	resp, err := http.Get(srv.URL + "/search?clientId=foundry-A&query=stu")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"results":[{"name":"Studded"}]`)

	<-r.done
}

// TestRequestTimeout drives scenario 3: a client that never replies produces
// a 504 within the kind's configured timeout, and a late reply afterward is
// dropped without panicking.
func TestRequestTimeout(t *testing.T) {
	_, srv := newTestAdapter(t)
	conn := dialClient(t, srv, "foundry-A")
	defer conn.Close()

	var requestID string
	read := make(chan struct{})
	go func() {
		_, raw, _ := conn.ReadMessage()
		env, _ := envelope.Decode(raw)
		requestID = env.RequestID
		close(read)
	}()

	resp, err := http.Get(srv.URL + "/entities/U?clientId=foundry-A")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	<-read
	// Late reply after the timeout has already fired must be dropped, not
	// crash the reader (spec R3).
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "entity-result", "requestId": requestID, "entity": map[string]string{},
	}))
	time.Sleep(50 * time.Millisecond)
}

// TestExecuteScript_DenylistRejection exercises the Adapter-level script
// denylist (spec §9): a forbidden pattern is rejected with 400 before any
// envelope reaches the client.
func TestExecuteScript_DenylistRejection(t *testing.T) {
	_, srv := newTestAdapter(t)
	conn := dialClient(t, srv, "foundry-A")
	defer conn.Close()

	resp, err := http.Post(srv.URL+"/script?clientId=foundry-A", "application/json",
		strings.NewReader(`{"script":"require('fs').readFileSync('/etc/passwd')"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestUnknownClientReturnsNotFound exercises the plain client-not-found path
// with no join ever performed.
func TestUnknownClientReturnsNotFound(t *testing.T) {
	_, srv := newTestAdapter(t)
	resp, err := http.Get(srv.URL + "/search?clientId=ghost&query=x")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
