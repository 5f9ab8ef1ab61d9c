// Package restapi implements the REST Adapter (spec component F): thin
// translation from a REST request into a correlated envelope, and from a
// Correlator completion into an HTTP response.
//
// Grounded on the teacher's internal/handlers/agents.go (gin handler shape,
// parameter binding) and internal/handlers/websocket.go (upgrade handling,
// origin checks); the per-kind endpoints mounted in routes.go are
// representative of spec §6.3's cardinality, not an exhaustive per-endpoint
// schema — the spec explicitly keeps endpoint descriptors outside the core.
package restapi

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"tablerelay/internal/authhook"
	"tablerelay/internal/config"
	"tablerelay/internal/correlator"
	"tablerelay/internal/directory"
	"tablerelay/internal/envelope"
	"tablerelay/internal/registry"
	"tablerelay/internal/router"
)

// Adapter wires the Router, Correlator, Registry and Auth/Quota Hook behind
// the gin routes declared in routes.go.
type Adapter struct {
	Cfg    config.Config
	Dir    directory.Directory
	Reg    *registry.Registry
	Corr   *correlator.Correlator
	Router *router.Router
	Auth   authhook.Hook
}

// channelSink is the REST Adapter's response_sink (spec §3, §4.6): a
// single-write guard over a buffered channel, ensuring only one of
// {reply, timeout, client-gone} ever reaches the waiting HTTP handler, even
// if the Correlator were to (incorrectly) call Complete twice.
type channelSink struct {
	ch      chan correlator.Result
	written int32
}

func newChannelSink() *channelSink {
	return &channelSink{ch: make(chan correlator.Result, 1)}
}

func (s *channelSink) Complete(r correlator.Result) {
	if atomic.CompareAndSwapInt32(&s.written, 0, 1) {
		s.ch <- r
	}
}

// awaitResult blocks for one Correlator completion or until ctx is done,
// whichever comes first. ctx expiring here is a defense-in-depth backstop —
// the Correlator's own deadline timer is what normally produces the timeout
// completion (spec §4.4 "Expire").
func awaitResult(ctx context.Context, sink *channelSink, clientID, token string, corr *correlator.Correlator) (correlator.Result, bool) {
	select {
	case r := <-sink.ch:
		return r, true
	case <-ctx.Done():
		corr.Cancel(token)
		return correlator.Result{}, false
	}
}

// dispatch performs the common middle of every client-targeted endpoint
// (spec §4.6): allocate a token, hand the envelope to Registry.Send, and
// wait for the terminal result. Local-vs-forward routing has already been
// decided by the caller (Router.Route) before dispatch runs — dispatch only
// ever executes on the replica that owns clientID.
//
// The returned registry.SendStatus distinguishes a client torn down between
// the Router's ownership check and this Send (registry.SendNotFound, spec
// §7 "client-not-found" → 404) from an actual backpressure or delivery
// failure (registry.SendFailed, §7 "send-failed" → 500); registry.SendOK
// means result holds the Correlator's terminal outcome.
func dispatch(ctx context.Context, a *Adapter, clientID, kind string, fields map[string]interface{}) (correlator.Result, registry.SendStatus) {
	sink := newChannelSink()
	timeout := a.Cfg.TimeoutFor(kind)
	token := a.Corr.Begin(clientID, kind, timeout, sink)

	payload, err := encodePayload(kind, token, fields)
	if err != nil {
		a.Corr.Cancel(token)
		return correlator.Result{}, registry.SendFailed
	}

	status := a.Reg.Send(clientID, envelope.Envelope{Type: kind, RequestID: token, Payload: payload})
	if status != registry.SendOK {
		a.Corr.Cancel(token)
		return correlator.Result{}, status
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()
	result, ok := awaitResult(callCtx, sink, clientID, token, a.Corr)
	if !ok {
		return result, registry.SendFailed
	}
	return result, registry.SendOK
}

// encodePayload assembles the outbound wire envelope: type, requestId, and
// whatever kind-specific fields the endpoint collected. The core never
// validates these fields' shape (spec §9 "Dynamic payload shapes") — it
// only carries them through.
func encodePayload(kind, token string, fields map[string]interface{}) ([]byte, error) {
	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["type"] = kind
	out["requestId"] = token
	return json.Marshal(out)
}
