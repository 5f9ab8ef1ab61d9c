// Package correlator implements the request/response correlator (spec
// component D): issues one-shot request tokens, indexes pending REST
// responses, and enforces a per-kind timeout.
//
// The teacher has no direct analog of token-based reply correlation, but its
// internal/services/command_dispatcher.go establishes the shape this
// repository reuses for the surrounding machinery: a bounded work queue, a
// small fixed worker pool, and non-blocking dispatch that degrades to an
// explicit failure rather than blocking a caller.
package correlator

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tablerelay/internal/envelope"
	"tablerelay/internal/logger"
	"tablerelay/internal/relayerr"
)

// Status is the terminal outcome of a pending request (spec P2: exactly one
// terminal event fires per token).
type Status int

const (
	StatusReply Status = iota
	StatusTimeout
	StatusClientGone
)

// Result is delivered to a Sink exactly once per token.
type Result struct {
	Status    Status
	Payload   json.RawMessage
	Kind      string
	RequestID string
	Err       *relayerr.AppError
}

// Sink is the means of delivering a terminal Result to the waiting REST
// caller (spec §3 "response_sink"). REST Adapter implementations add their
// own single-write guard on top of this (spec §4.6); the Correlator itself
// only ever calls Complete once per token, so the guard is defense in depth.
type Sink interface {
	Complete(Result)
}

type pendingEntry struct {
	token     string
	kind      string
	clientID  string
	sink      Sink
	createdAt time.Time
	deadline  time.Time
	timer     *time.Timer
}

// Correlator is a per-replica singleton: a request token never leaves the
// replica that issued it (spec I4).
type Correlator struct {
	mu       sync.Mutex
	pending  map[string]*pendingEntry
	byClient map[string]map[string]struct{}
}

// New constructs an empty Correlator.
func New() *Correlator {
	return &Correlator{
		pending:  make(map[string]*pendingEntry),
		byClient: make(map[string]map[string]struct{}),
	}
}

// newToken produces a locally-unique, monotonically-varying token: the kind,
// then a nanosecond timestamp, then a random suffix (spec §4.4 "Token format").
// Uniqueness within the replica suffices — tokens never cross replicas.
func newToken(kind string) string {
	return fmt.Sprintf("%s_%d_%s", kind, time.Now().UnixNano(), uuid.NewString()[:8])
}

// Begin allocates a request token, arms its deadline timer, and indexes it
// for both token lookup (Complete) and client-id lookup (ClientGone sweep).
func (c *Correlator) Begin(clientID, kind string, timeout time.Duration, sink Sink) string {
	token := newToken(kind)
	now := time.Now()

	entry := &pendingEntry{
		token:     token,
		kind:      kind,
		clientID:  clientID,
		sink:      sink,
		createdAt: now,
		deadline:  now.Add(timeout),
	}

	c.mu.Lock()
	c.pending[token] = entry
	set, ok := c.byClient[clientID]
	if !ok {
		set = make(map[string]struct{})
		c.byClient[clientID] = set
	}
	set[token] = struct{}{}
	c.mu.Unlock()

	entry.timer = time.AfterFunc(timeout, func() { c.expire(token) })

	return token
}

// Complete matches an inbound envelope's request token against a pending
// entry and delivers its payload to the sink (spec §4.4 "Complete"). Called
// inline from the Registry's reader via Registry.SetReplyHandler. Unknown
// tokens are logged and dropped — they indicate a reply to an already-timed-
// out request (spec R3).
func (c *Correlator) Complete(clientID string, env envelope.Envelope) {
	entry, ok := c.remove(env.RequestID)
	if !ok {
		logger.Correlator().Debug().Str("request_id", env.RequestID).Str("client_id", clientID).
			Msg("reply for unknown or already-completed token, dropping")
		return
	}
	if !entry.timer.Stop() {
		// Timer already fired (racing expire); its goroutine will no-op
		// against remove's second call, so proceeding here is still safe.
	}
	entry.sink.Complete(Result{Status: StatusReply, Payload: env.Payload, Kind: entry.kind, RequestID: entry.token})
}

// expire fires when a pending entry's deadline elapses (spec §4.4
// "Expire"). A late reply arriving after this has already run is dropped by
// Complete's "unknown token" path (spec R3).
func (c *Correlator) expire(token string) {
	entry, ok := c.remove(token)
	if !ok {
		return
	}
	entry.sink.Complete(Result{Status: StatusTimeout, Kind: entry.kind, RequestID: entry.token,
		Err: relayerr.RequestTimeout(entry.kind)})
}

// ClientGone fails every pending entry addressed to clientID with a
// client-disconnected completion (spec §4.4 "Client-gone sweep"). Wired as
// the Registry's EvictionCallback through a wrapper that drops the close
// reason.
func (c *Correlator) ClientGone(clientID string) {
	c.mu.Lock()
	tokens := c.byClient[clientID]
	toFail := make([]string, 0, len(tokens))
	for t := range tokens {
		toFail = append(toFail, t)
	}
	c.mu.Unlock()

	for _, token := range toFail {
		entry, ok := c.remove(token)
		if !ok {
			continue
		}
		entry.timer.Stop()
		entry.sink.Complete(Result{Status: StatusClientGone, Kind: entry.kind, RequestID: entry.token,
			Err: relayerr.ClientDisconnected(entry.token)})
	}
}

// remove atomically deletes a pending entry from both indexes. Safe to call
// more than once for the same token — only the first call observes ok=true,
// which is what gives Complete/expire/ClientGone their once-only guarantee.
func (c *Correlator) remove(token string) (*pendingEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pending[token]
	if !ok {
		return nil, false
	}
	delete(c.pending, token)
	if set, ok := c.byClient[entry.clientID]; ok {
		delete(set, token)
		if len(set) == 0 {
			delete(c.byClient, entry.clientID)
		}
	}
	return entry, true
}

// Cancel drops a pending entry without delivering any terminal Result, for
// use when the REST Adapter detects its caller disconnected (spec §5
// "Cancellation"). If the deadline has already fired or the reply already
// arrived, Cancel is a harmless no-op.
func (c *Correlator) Cancel(token string) {
	entry, ok := c.remove(token)
	if !ok {
		return
	}
	entry.timer.Stop()
}

// PendingCount reports how many requests are currently in flight; exposed
// for /health and tests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
