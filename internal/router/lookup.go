package router

import (
	"context"

	"tablerelay/internal/directory"
	"tablerelay/internal/registry"
)

// RegistryLookup is the production OwnerLookup: local ownership comes from
// the Registry's in-memory table, cross-replica ownership from Directory
// (spec §4.5 step 5).
type RegistryLookup struct {
	Registry  *registry.Registry
	Directory directory.Directory
	ReplicaID string
}

func (l RegistryLookup) LocalReplicaID() string { return l.ReplicaID }

func (l RegistryLookup) OwnsLocally(clientID string) bool {
	_, ok := l.Registry.Get(clientID)
	return ok
}

func (l RegistryLookup) DirectoryOwner(ctx context.Context, clientID string) (string, error) {
	owner, err := l.Directory.Get(ctx, directory.OwnerKey(clientID))
	if err == directory.ErrAbsent {
		return "", nil
	}
	return owner, err
}
