package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"tablerelay/internal/config"
)

type fakeLookup struct {
	localReplica string
	localOwned   map[string]bool
	directory    map[string]string
	directoryErr error
}

func (f *fakeLookup) LocalReplicaID() string { return f.localReplica }
func (f *fakeLookup) OwnsLocally(clientID string) bool { return f.localOwned[clientID] }
func (f *fakeLookup) DirectoryOwner(_ context.Context, clientID string) (string, error) {
	if f.directoryErr != nil {
		return "", f.directoryErr
	}
	return f.directory[clientID], nil
}

func newLocalHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}
}

func TestRoute_NoClientIDHandlesLocally(t *testing.T) {
	lookup := &fakeLookup{localReplica: "R1"}
	rt := New(config.Config{InternalProxyScheme: "http://%s:%d"}, lookup)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/health", nil)
	rt.Route(w, r, "", newLocalHandler("local"))

	require.Equal(t, "local", w.Body.String())
}

func TestRoute_LocallyOwnedHandlesLocally(t *testing.T) {
	lookup := &fakeLookup{localReplica: "R1", localOwned: map[string]bool{"foundry-A": true}}
	rt := New(config.Config{InternalProxyScheme: "http://%s:%d"}, lookup)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/search?clientId=foundry-A", nil)
	rt.Route(w, r, "foundry-A", newLocalHandler("local"))

	require.Equal(t, "local", w.Body.String())
}

func TestRoute_AlreadyForwardedNeverForwardsAgain(t *testing.T) {
	lookup := &fakeLookup{localReplica: "R1", directory: map[string]string{"foundry-B": "R2"}}
	rt := New(config.Config{InternalProxyScheme: "http://%s:%d"}, lookup)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/search?clientId=foundry-B", nil)
	r.Header.Set(ForwardedFromHeader, "R2")
	rt.Route(w, r, "foundry-B", newLocalHandler("local-not-found"))

	require.Equal(t, "local-not-found", w.Body.String())
}

func TestRoute_ForwardsToPeerAndRelaysVerbatim(t *testing.T) {
	var gotForwardedFrom string
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotForwardedFrom = r.Header.Get(ForwardedFromHeader)
		w.Header().Set("x-peer", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"results":[{"name":"Studded"}]}`))
	}))
	defer peer.Close()

	lookup := &fakeLookup{localReplica: "R1", directory: map[string]string{"foundry-B": "R2"}}
	// The template still consumes both verbs (replicaID, port); it just
	// resolves to the httptest server's address regardless of their values.
	cfg := config.Config{InternalProxyScheme: peer.URL + "/x-%s-%d"}
	rt := New(cfg, lookup)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/search?clientId=foundry-B&query=x", nil)
	rt.Route(w, r, "foundry-B", newLocalHandler("should-not-be-called"))

	require.Equal(t, http.StatusTeapot, w.Code)
	require.Equal(t, "yes", w.Header().Get("x-peer"))
	require.JSONEq(t, `{"results":[{"name":"Studded"}]}`, w.Body.String())
	require.Equal(t, "R1", gotForwardedFrom)
}

func TestRoute_ForwardFailureFallsBackLocally(t *testing.T) {
	lookup := &fakeLookup{localReplica: "R1", directory: map[string]string{"foundry-B": "R2"}}
	cfg := config.Config{InternalProxyScheme: "http://127.0.0.1:1/%s/%d"} // nothing listens here
	rt := New(cfg, lookup)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/search?clientId=foundry-B", nil)
	rt.Route(w, r, "foundry-B", newLocalHandler("fallback"))

	require.Equal(t, "fallback", w.Body.String())
}

func TestRoute_UnknownOwnerHandlesLocally(t *testing.T) {
	lookup := &fakeLookup{localReplica: "R1", directory: map[string]string{}}
	rt := New(config.Config{InternalProxyScheme: "http://%s:%d"}, lookup)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/search?clientId=foundry-ghost", nil)
	rt.Route(w, r, "foundry-ghost", newLocalHandler("not-found"))

	require.Equal(t, "not-found", w.Body.String())
}
