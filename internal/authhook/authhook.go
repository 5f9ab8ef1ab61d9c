// Package authhook defines the Auth/Quota Hook interface (spec component
// G): a pluggable pre-handler that the core guarantees runs exactly once
// per REST request, before routing, and whose rejection short-circuits
// before any client work (spec §4.7). The core does not define storage, key
// formats, or counters — only this interface.
package authhook

import (
	"context"
	"net/http"

	"tablerelay/internal/relayerr"
)

// Principal is what a successful Authorize call resolves to.
type Principal struct {
	ClientID   string
	APIKeyHash string
}

// Hook is implemented once per deployment. internal/authstore ships a
// Postgres-backed reference implementation; PermissiveHook below is the dev
// convenience the spec insists must still go through this interface rather
// than bypass it (spec §9 Open Questions).
type Hook interface {
	// Authorize validates the incoming REST request's credentials and
	// returns the resolved Principal, or a rejection error to short-circuit
	// before any client work.
	Authorize(ctx context.Context, r *http.Request) (Principal, *relayerr.AppError)

	// OnSuccess increments whatever counters the implementation tracks.
	// Called once, after Authorize succeeds and routing begins.
	OnSuccess(ctx context.Context, p Principal)

	// VerifyJoin validates a WebSocket hello frame's credentials at join
	// time (spec §4.2 step 1) and returns the api_key_hash to store on the
	// Client record.
	VerifyJoin(ctx context.Context, clientID, apiKey string) (apiKeyHash string, err error)
}

// APIKeyHeader is the REST credential header every client-targeted endpoint
// requires (spec §6.3).
const APIKeyHeader = "x-api-key"

// ExtractAPIKey pulls the API key from a REST request per spec §6.3. The
// WebSocket join path instead reads apiKey from the hello frame body
// (spec §6.1) — PermissiveHook.VerifyJoin and the Postgres-backed
// implementation in internal/authstore both take it as a plain argument,
// not via this helper.
func ExtractAPIKey(r *http.Request) string {
	return r.Header.Get(APIKeyHeader)
}

// PermissiveHook always authorizes, using the supplied clientId as the
// principal. It exists so a deployment's dev mode can supply a permissive
// Hook implementation instead of bypassing the interface entirely (spec §9).
type PermissiveHook struct{}

func (PermissiveHook) Authorize(_ context.Context, r *http.Request) (Principal, *relayerr.AppError) {
	clientID := r.URL.Query().Get("clientId")
	return Principal{ClientID: clientID, APIKeyHash: "permissive"}, nil
}

func (PermissiveHook) OnSuccess(context.Context, Principal) {}

func (PermissiveHook) VerifyJoin(_ context.Context, _, _ string) (string, error) {
	return "permissive", nil
}
