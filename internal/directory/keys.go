package directory

import "fmt"

// Key naming convention: {prefix}:{identifier}[:{suffix}], colon-separated,
// following the teacher's cache-key convention (internal/cache/keys.go).

// OwnerKey is the ownership record mapping a client_id to the replica_id
// that currently owns it (spec §3 "Ownership record").
func OwnerKey(clientID string) string {
	return fmt.Sprintf("client:%s:owner", clientID)
}

// APIKeyClientsKey is the reverse index mapping an api_key_hash to the set
// of client_ids it has authorized.
func APIKeyClientsKey(apiKeyHash string) string {
	return fmt.Sprintf("apikey:%s:clients", apiKeyHash)
}

// PreemptChannel is the pub/sub channel a replica subscribes to in order to
// receive preempt notices for clients it currently owns (spec §4.2 step 3).
func PreemptChannel(replicaID string) string {
	return fmt.Sprintf("preempt:%s", replicaID)
}
