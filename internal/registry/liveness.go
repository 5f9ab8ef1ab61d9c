package registry

import (
	"time"

	"github.com/gorilla/websocket"

	"tablerelay/internal/logger"
)

// livenessLoop runs the Session Liveness component (spec §4.3): one ticker
// sends protocol pings at PingInterval, a second sweeps clients whose
// last-seen timestamp is older than CleanupInterval*2. Grounded on the
// teacher's checkStaleConnections (agent_hub.go) and ping ticker (hub.go),
// folded into a single task per replica as the spec requires.
func (r *Registry) livenessLoop() {
	pingInterval := r.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	cleanupInterval := r.cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 15 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer pingTicker.Stop()
	defer cleanupTicker.Stop()

	threshold := cleanupInterval * 2

	for {
		select {
		case <-pingTicker.C:
			r.pingAll()
		case <-cleanupTicker.C:
			r.evictStale(threshold)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) pingAll() {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			logger.Registry().Warn().Err(err).Str("client_id", c.ID).Msg("ping failed, evicting")
			r.teardown(c, ReasonLivenessTimeout)
		}
	}
}

// evictStale implements the race described in spec §4.3: eviction and a
// concurrent send race benignly because teardown closes Client.send under
// Client.mu, the same lock Send holds across its closed check and enqueue.
func (r *Registry) evictStale(threshold time.Duration) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	now := time.Now()
	for _, c := range clients {
		if now.Sub(c.LastSeen()) > threshold {
			logger.Registry().Info().Str("client_id", c.ID).Msg("evicting stale client")
			r.teardown(c, ReasonLivenessTimeout)
		}
	}
}
