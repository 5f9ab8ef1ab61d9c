// Package authstore is a reference implementation of the Auth/Quota Hook
// (spec component G), backed by Postgres. The core's contract only requires
// that some Hook run once per request before routing (spec §4.7); this
// package is one concrete choice a deployment can wire in, not part of the
// core itself.
//
// Grounded on the teacher's internal/auth/agent_apikey.go (credential
// scheme, reused via internal/apikey) and internal/db's lib/pq usage
// pattern, narrowed to the single table this reference store needs.
package authstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"tablerelay/internal/apikey"
	"tablerelay/internal/authhook"
	"tablerelay/internal/logger"
	"tablerelay/internal/relayerr"
)

// Store is a Postgres-backed authhook.Hook. It owns a single table,
// client_credentials(client_id, api_key_hash, quota_count, created_at,
// last_used_at).
type Store struct {
	db *sql.DB
}

// New opens a connection pool against dsn and verifies it's reachable.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("authstore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("authstore: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// newWithDB wraps an already-open *sql.DB, used by tests with go-sqlmock.
func newWithDB(db *sql.DB) *Store { return &Store{db: db} }

// Migrate creates client_credentials if it does not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const stmt = `
		CREATE TABLE IF NOT EXISTS client_credentials (
			client_id TEXT PRIMARY KEY,
			api_key_hash TEXT NOT NULL,
			quota_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_used_at TIMESTAMPTZ
		)`
	_, err := s.db.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("authstore: migrate: %w", err)
	}
	return nil
}

// IssueKey generates a fresh API key for clientID and stores its hash,
// replacing any prior key (spec §9: key rotation invalidates the old one
// immediately — see the teacher's RotateAPIKey handler).
func (s *Store) IssueKey(ctx context.Context, clientID string) (*apikey.Metadata, error) {
	meta, err := apikey.GenerateWithMetadata()
	if err != nil {
		return nil, err
	}

	const stmt = `
		INSERT INTO client_credentials (client_id, api_key_hash, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id) DO UPDATE SET api_key_hash = EXCLUDED.api_key_hash, created_at = EXCLUDED.created_at`
	if _, err := s.db.ExecContext(ctx, stmt, clientID, meta.Hash, meta.CreatedAt); err != nil {
		return nil, fmt.Errorf("authstore: issue key: %w", err)
	}
	return meta, nil
}

// Authorize implements authhook.Hook for REST requests: resolves clientId
// from the request and compares the x-api-key header against the stored
// hash.
func (s *Store) Authorize(ctx context.Context, r *http.Request) (authhook.Principal, *relayerr.AppError) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = r.FormValue("clientId")
	}
	if clientID == "" {
		return authhook.Principal{}, relayerr.BadRequest("missing clientId parameter")
	}

	key := authhook.ExtractAPIKey(r)
	if key == "" {
		return authhook.Principal{}, relayerr.Unauthenticated("missing x-api-key header")
	}

	hash, err := s.lookupHash(ctx, clientID)
	if err != nil {
		return authhook.Principal{}, relayerr.Unauthenticated("unknown client or invalid credentials")
	}
	if !apikey.Compare(key, hash) {
		return authhook.Principal{}, relayerr.Unauthenticated("invalid credentials")
	}

	return authhook.Principal{ClientID: clientID, APIKeyHash: hash}, nil
}

// OnSuccess increments the per-client request counter and refreshes
// last_used_at. The core never reads this counter; it exists purely so a
// deployment's quota policy (external to the core, spec §1) has somewhere
// to accumulate.
func (s *Store) OnSuccess(ctx context.Context, p authhook.Principal) {
	const stmt = `UPDATE client_credentials SET quota_count = quota_count + 1, last_used_at = $2 WHERE client_id = $1`
	if _, err := s.db.ExecContext(ctx, stmt, p.ClientID, time.Now()); err != nil {
		// Quota accounting failures must never fail the request they're
		// counting (spec §1: quota accounting is explicitly out of core
		// scope) — log-and-continue is the correct degrade here.
		logger.Auth().Warn().Err(err).Str("client_id", p.ClientID).Msg("quota counter update failed")
		return
	}
}

// VerifyJoin implements the WebSocket join-time credential check (spec
// §4.2 step 1).
func (s *Store) VerifyJoin(ctx context.Context, clientID, apiKey string) (string, error) {
	hash, err := s.lookupHash(ctx, clientID)
	if err != nil {
		return "", fmt.Errorf("authstore: no credentials for client %q", clientID)
	}
	if !apikeyCompare(apiKey, hash) {
		return "", fmt.Errorf("authstore: invalid api key for client %q", clientID)
	}
	return hash, nil
}

func (s *Store) lookupHash(ctx context.Context, clientID string) (string, error) {
	const stmt = `SELECT api_key_hash FROM client_credentials WHERE client_id = $1`
	var hash string
	row := s.db.QueryRowContext(ctx, stmt, clientID)
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("authstore: no such client %q", clientID)
		}
		return "", fmt.Errorf("authstore: lookup hash: %w", err)
	}
	return hash, nil
}

// apikeyCompare exists only to avoid a stutter import alias collision
// between the package name apikey and parameter name apiKey above.
func apikeyCompare(key, hash string) bool { return apikey.Compare(key, hash) }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }
