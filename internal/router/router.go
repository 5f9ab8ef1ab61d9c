// Package router implements the Request Router (spec component E): for each
// inbound REST request, decides handle-locally vs forward-to-peer vs
// reject, and proxies on forward.
//
// Grounded on the teacher's reverse-proxy handlers (internal/handlers/
// selkies_proxy.go, vnc_proxy.go) for the header-copying/body-relay shape;
// the ownership-lookup and loop-prevention logic is newly designed from
// spec §4.5/§6.2, since the teacher's own inter-replica signaling is Redis
// pub/sub rather than an HTTP back-channel proxy.
package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tablerelay/internal/config"
	"tablerelay/internal/directory"
	"tablerelay/internal/logger"
)

// ForwardedFromHeader names the originating replica on a forwarded request
// (spec §6.2). A replica that receives a request carrying this header MUST
// NOT forward it again.
const ForwardedFromHeader = "x-forwarded-from"

// proxyTimeout bounds an inter-replica proxy call (spec §4.5 step 7, §5).
const proxyTimeout = 10 * time.Second

// hopByHopHeaders are stripped before copying a request/response across the
// proxy boundary, per the standard proxy hop-by-hop header list plus Host.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Host",
}

// OwnerLookup resolves which replica currently owns a client_id, consulting
// the local Registry first and falling back to Directory — this is the
// subset of Registry + Directory the Router depends on.
type OwnerLookup interface {
	LocalReplicaID() string
	OwnsLocally(clientID string) bool
	DirectoryOwner(ctx context.Context, clientID string) (string, error)
}

// Router decides, per request, whether to serve locally or forward to a peer.
type Router struct {
	cfg    config.Config
	lookup OwnerLookup
	client *http.Client
}

// New constructs a Router.
func New(cfg config.Config, lookup OwnerLookup) *Router {
	return &Router{
		cfg:    cfg,
		lookup: lookup,
		client: &http.Client{Timeout: proxyTimeout},
	}
}

// Route implements spec §4.5 steps 2-7. clientID is empty for endpoints that
// advertise no target client (step 2); local is the REST Adapter's own
// handler for this request, used both when this replica owns the client
// and as the fallback when forwarding fails or is disallowed.
func (rt *Router) Route(w http.ResponseWriter, r *http.Request, clientID string, local http.HandlerFunc) {
	if clientID == "" {
		local(w, r)
		return
	}

	if rt.lookup.OwnsLocally(clientID) {
		local(w, r)
		return
	}

	// Loop prevention (spec §4.5 "Loop prevention"): a request that already
	// carries our forwarding header must never be forwarded again, even if
	// Directory still claims a peer owns the client.
	if r.Header.Get(ForwardedFromHeader) != "" {
		local(w, r) // Adapter produces client-not-found.
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), proxyTimeout)
	defer cancel()
	owner, err := rt.lookup.DirectoryOwner(ctx, clientID)
	if err != nil || owner == "" || owner == rt.lookup.LocalReplicaID() {
		// Unknown owner, directory outage, or a race where Directory still
		// names us: handle locally and let the Adapter report not-found
		// (spec §4.5 step 5).
		local(w, r)
		return
	}

	if !rt.forward(w, r, owner) {
		logger.Router().Warn().Str("peer", owner).Str("client_id", clientID).Msg("forwarding failed, falling back to local handling")
		local(w, r)
	}
}

// forward proxies r to the peer replica named by replicaID, relaying its
// status, headers, and body back to w verbatim (spec §4.5 step 6). Returns
// false on any connect/timeout error so the caller can fall back to local
// handling instead of surfacing a 502 storm (spec §4.5 step 7).
func (rt *Router) forward(w http.ResponseWriter, r *http.Request, replicaID string) bool {
	targetURL := rt.peerURL(replicaID, r.URL.Path, r.URL.RawQuery)

	ctx, cancel := context.WithTimeout(context.Background(), proxyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		logger.Router().Error().Err(err).Str("target", targetURL).Msg("failed to build forwarded request")
		return false
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set(ForwardedFromHeader, rt.lookup.LocalReplicaID())

	resp, err := rt.client.Do(req)
	if err != nil {
		logger.Router().Warn().Err(err).Str("target", targetURL).Msg("peer proxy call failed")
		return false
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Router().Warn().Err(err).Str("target", targetURL).Msg("failed copying peer response body")
	}
	return true
}

// peerURL implements the single reachable-peer scheme chosen in
// SPEC_FULL.md Part 6 (spec §9 open question): the configured template
// receives the replica id and internal port, and the request is always
// addressed under /proxy/{replica_id}.
func (rt *Router) peerURL(replicaID, path, rawQuery string) string {
	base := fmt.Sprintf(rt.cfg.InternalProxyScheme, replicaID, rt.cfg.InternalProxyPort)
	full := fmt.Sprintf("%s/proxy/%s%s", strings.TrimSuffix(base, "/"), replicaID, path)
	if rawQuery != "" {
		full += "?" + rawQuery
	}
	return full
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}
