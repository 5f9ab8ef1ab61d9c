// Package registry implements the Client Registry (spec component B) and
// Session Liveness (component C) in one package, following the spec's own
// framing that "correlation and routing are meaningless without a registry,
// and the registry's contract... only matters because of routing" — the two
// components are this tightly coupled in the teacher too, where
// agent_hub.go's single event loop owns both connection bookkeeping and the
// stale-connection sweep.
//
// Grounded on the teacher's internal/websocket/agent_hub.go (connection
// table, register/unregister channels, non-blocking send) and
// internal/websocket/hub.go (ping/pong liveness, read/write pumps).
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tablerelay/internal/directory"
	"tablerelay/internal/envelope"
	"tablerelay/internal/logger"
	"tablerelay/internal/relayerr"
)

// SendStatus is the result of a non-blocking Send call (spec §4.2).
type SendStatus int

const (
	SendOK SendStatus = iota
	SendNotFound
	SendFailed
)

// CloseReason documents why a Client was torn down; carried into eviction
// callbacks and the teardown log line. The Correlator's client-gone sweep
// does not look at it: every pending request fails the same way.
type CloseReason string

const (
	ReasonExplicitClose      CloseReason = "explicit-close"
	ReasonProtocolError      CloseReason = "protocol-error"
	ReasonLivenessTimeout    CloseReason = "liveness-timeout"
	ReasonPreempted          CloseReason = "preempted"
	ReasonRemoteClose        CloseReason = "remote-close"
)

// EventHandler is invoked for every inbound envelope of a given Kind that
// carries no request token (spec §4.2 "subscribe"); untokened dispatch is
// unrelated to the Correlator's tokened-reply path.
type EventHandler func(clientID string, env envelope.Envelope)

// EvictionCallback fires once per Client teardown, right after the client is
// marked closed and before it is removed from the local table and Directory
// (spec §4.2 "Close").
type EvictionCallback func(clientID string, reason CloseReason)

// AuthHook is the subset of the Auth/Quota Hook (component G) the Registry
// needs at join time: credential verification. Quota accounting on success
// is the REST Adapter's concern, not the join handshake's.
type AuthHook interface {
	VerifyJoin(ctx context.Context, clientID, apiKey string) (apiKeyHash string, err error)
}

// Client is a live connection from a WebSocket-attached tabletop instance
// (spec §3 "Client").
type Client struct {
	ID         string
	APIKeyHash string
	JoinedAt   time.Time
	Metadata   map[string]interface{}

	conn    *websocket.Conn
	send    chan []byte
	writeMu sync.Mutex

	mu         sync.RWMutex
	lastSeenAt time.Time
	closed     bool
}

// LastSeen returns the last time any frame (not just a pong) was observed
// from this client (spec §4.3).
func (c *Client) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeenAt
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeenAt = time.Now()
	c.mu.Unlock()
}

// Config configures a Registry instance.
type Config struct {
	ReplicaID             string
	PingInterval          time.Duration
	CleanupInterval       time.Duration
	OutboundQueueCapacity int
	// EventWorkers bounds the worker pool dispatching untokened inbound
	// envelopes to subscribers, so a slow subscriber can never block a
	// reader goroutine (spec §5 "Backpressure").
	EventWorkers int
}

// Registry is the per-replica authoritative table of live WebSocket clients.
type Registry struct {
	cfg Config
	dir directory.Directory

	mu      sync.RWMutex
	clients map[string]*Client

	subMu sync.RWMutex
	subs  map[string][]EventHandler

	onEvict        EvictionCallback
	replyHandlerMu sync.RWMutex
	replyHandler   func(clientID string, env envelope.Envelope)

	jobs chan func()

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Registry bound to dir for ownership publication. onEvict
// is typically the Correlator's client-gone sweep, wired by the caller at
// startup (spec §4.4 "Client-gone sweep").
func New(cfg Config, dir directory.Directory, onEvict EvictionCallback) *Registry {
	if cfg.EventWorkers <= 0 {
		cfg.EventWorkers = 16
	}
	r := &Registry{
		cfg:     cfg,
		dir:     dir,
		clients: make(map[string]*Client),
		subs:    make(map[string][]EventHandler),
		onEvict: onEvict,
		jobs:    make(chan func(), 256),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < cfg.EventWorkers; i++ {
		go r.eventWorker()
	}
	go r.livenessLoop()
	return r
}

func (r *Registry) eventWorker() {
	for {
		select {
		case job := <-r.jobs:
			job()
		case <-r.stopCh:
			return
		}
	}
}

// Stop halts the liveness loop and event workers. Existing connections are
// left as-is; callers close them individually via Close.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Subscribe registers handler for every inbound envelope of the given kind
// that carries no request token (spec §4.2).
func (r *Registry) Subscribe(kind string, handler EventHandler) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subs[kind] = append(r.subs[kind], handler)
}

// Get performs a local lookup (spec §4.2 "get").
func (r *Registry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	return c, ok
}

// ListFor returns every client_id currently authorized by apiKeyHash (spec
// §4.2 "list_for").
func (r *Registry) ListFor(ctx context.Context, apiKeyHash string) ([]string, error) {
	return r.dir.SetMembers(ctx, directory.APIKeyClientsKey(apiKeyHash))
}

// Accept performs the join handshake (spec §4.2). The caller has already
// upgraded the HTTP connection to a WebSocket and read the hello frame.
func (r *Registry) Accept(ctx context.Context, conn *websocket.Conn, hello envelope.HelloFrame, auth AuthHook) (*Client, error) {
	apiKeyHash, err := auth.VerifyJoin(ctx, hello.ClientID, hello.APIKey)
	if err != nil {
		return nil, relayerr.Unauthenticated(err.Error())
	}

	if err := r.preemptPriorOwner(ctx, hello.ClientID); err != nil {
		logger.Registry().Warn().Err(err).Str("client_id", hello.ClientID).Msg("preempt of prior owner failed, proceeding anyway")
	}

	client := &Client{
		ID:         hello.ClientID,
		APIKeyHash: apiKeyHash,
		JoinedAt:   time.Now(),
		Metadata:   hello.Metadata,
		conn:       conn,
		send:       make(chan []byte, r.cfg.OutboundQueueCapacity),
		lastSeenAt: time.Now(),
	}

	// Preempt any connection this replica itself still holds for the id
	// (latest join wins, spec §4.2 step 3).
	r.mu.Lock()
	if existing, ok := r.clients[hello.ClientID]; ok {
		r.mu.Unlock()
		r.teardown(existing, ReasonPreempted)
		r.mu.Lock()
	}
	r.clients[hello.ClientID] = client
	r.mu.Unlock()

	if err := r.dir.Set(ctx, directory.OwnerKey(hello.ClientID), r.cfg.ReplicaID, r.cfg.CleanupInterval*2+r.cfg.PingInterval); err != nil {
		logger.Registry().Warn().Err(err).Str("client_id", hello.ClientID).Msg("directory ownership write failed; degrading to local-only visibility")
	}
	if err := r.dir.SetAdd(ctx, directory.APIKeyClientsKey(apiKeyHash), hello.ClientID); err != nil {
		logger.Registry().Warn().Err(err).Str("client_id", hello.ClientID).Msg("directory reverse-index write failed")
	}

	go r.writePump(client)
	go r.readPump(client)

	return client, nil
}

// preemptPriorOwner implements spec §4.2 step 3: if the Directory shows a
// different replica owns client_id, publish a preempt notice on that
// replica's channel and proceed after a short deadline regardless —
// preemption is authoritative by design (crash-without-close must not wedge
// a client_id forever). Directory pub/sub is the chosen back-channel
// transport for this notice (see SPEC_FULL.md Part 6); the HTTP proxy
// back-channel is reserved for REST forwarding (component E).
func (r *Registry) preemptPriorOwner(ctx context.Context, clientID string) error {
	owner, err := r.dir.Get(ctx, directory.OwnerKey(clientID))
	if err == directory.ErrAbsent {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: directory lookup during preempt: %w", err)
	}
	if owner == r.cfg.ReplicaID {
		return nil
	}

	notifyCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.dir.Publish(notifyCtx, directory.PreemptChannel(owner), clientID); err != nil {
		return fmt.Errorf("registry: publish preempt notice: %w", err)
	}
	// Preemption is authoritative: we do not block waiting for the peer's
	// confirmation beyond this short grace window (spec §4.2 step 3).
	time.Sleep(200 * time.Millisecond)
	return nil
}

// WatchPreemptions subscribes to this replica's preempt channel and closes
// any locally-owned client named in a notice. Callers start this once at
// boot; it runs until ctx is canceled.
func (r *Registry) WatchPreemptions(ctx context.Context) {
	ch, cancel, err := r.dir.Subscribe(ctx, directory.PreemptChannel(r.cfg.ReplicaID))
	if err != nil {
		logger.Registry().Warn().Err(err).Msg("preempt subscription unavailable; relying on liveness eviction only")
		return
	}
	defer cancel()
	for {
		select {
		case clientID, ok := <-ch:
			if !ok {
				return
			}
			if c, found := r.Get(clientID); found {
				r.teardown(c, ReasonPreempted)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Send enqueues an envelope for outbound delivery without blocking (spec
// §4.2 "send").
func (r *Registry) Send(clientID string, env envelope.Envelope) SendStatus {
	r.mu.RLock()
	client, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return SendNotFound
	}

	payload, err := envelope.Encode(env)
	if err != nil {
		logger.Registry().Error().Err(err).Str("client_id", clientID).Msg("failed to encode outbound envelope")
		return SendFailed
	}

	// The closed check and the channel send must be atomic with teardown's
	// close(c.send): otherwise a Send that passes the check an instant
	// before teardown closes the channel sends on a closed channel and
	// panics, rather than returning the not_found the spec requires (§4.3).
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.closed {
		return SendNotFound
	}
	select {
	case client.send <- payload:
		return SendOK
	default:
		return SendFailed
	}
}

// Close initiates graceful shutdown of clientID (spec §4.2 "close"). A
// second call for an already-closed or unknown client is a no-op (spec R2).
func (r *Registry) Close(clientID string, reason CloseReason) {
	if c, ok := r.Get(clientID); ok {
		r.teardown(c, reason)
	}
}

// teardown funnels every close path (remote close, protocol error, liveness
// eviction, explicit close, preemption) through one sequence (spec §4.2
// "Close"): mark closed, fire eviction callback (Correlator sweep), remove
// from local table, remove from Directory, close the socket.
func (r *Registry) teardown(c *Client, reason CloseReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	// Closing c.send under the same lock Send checks closed and enqueues
	// under makes the two atomic with each other, so Send can never
	// observe closed==false and then send on a channel teardown has
	// already closed.
	close(c.send)
	c.mu.Unlock()

	if r.onEvict != nil {
		r.onEvict(c.ID, reason)
	}

	r.mu.Lock()
	if current, ok := r.clients[c.ID]; ok && current == c {
		delete(r.clients, c.ID)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.dir.Delete(ctx, directory.OwnerKey(c.ID)); err != nil {
		logger.Registry().Warn().Err(err).Str("client_id", c.ID).Msg("directory ownership delete failed")
	}
	if c.APIKeyHash != "" {
		_ = r.dir.SetRemove(ctx, directory.APIKeyClientsKey(c.APIKeyHash), c.ID)
	}

	_ = c.conn.Close()

	logger.Registry().Info().Str("client_id", c.ID).Str("reason", string(reason)).Msg("client torn down")
}
