package registry

import (
	"time"

	"github.com/gorilla/websocket"

	"tablerelay/internal/envelope"
	"tablerelay/internal/logger"
)

// SetReplyHandler wires the Correlator's token-matching into every Registry
// reader; the reader invokes it inline (a pending-table lookup is cheap,
// unlike a subscriber callback) for every envelope carrying a request token
// (spec §4.2 "Inbound dispatch"). Exactly one handler is supported — the
// Correlator is a process singleton (spec §9 "Global state").
func (r *Registry) SetReplyHandler(h func(clientID string, env envelope.Envelope)) {
	r.replyHandlerMu.Lock()
	r.replyHandler = h
	r.replyHandlerMu.Unlock()
}

const (
	writeWait  = 10 * time.Second
	maxMsgSize = 256 * 1024 * 1024 // covers the 250MB filesystem upload ceiling plus envelope overhead
)

func (r *Registry) writePump(c *Client) {
	for payload := range c.send {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.TextMessage, payload)
		c.writeMu.Unlock()
		if err != nil {
			logger.Registry().Warn().Err(err).Str("client_id", c.ID).Msg("write failed, closing client")
			r.teardown(c, ReasonProtocolError)
			// Drain remaining queued messages so producers never block on a
			// channel nobody reads from again.
			for range c.send {
			}
			return
		}
	}
}

func (r *Registry) readPump(c *Client) {
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Registry().Debug().Err(err).Str("client_id", c.ID).Msg("unexpected close")
			}
			r.teardown(c, ReasonRemoteClose)
			return
		}
		c.touch()

		env, err := envelope.Decode(raw)
		if err != nil {
			logger.Registry().Warn().Err(err).Str("client_id", c.ID).Msg("parse failure, closing socket")
			r.teardown(c, ReasonProtocolError)
			return
		}

		if env.RequestID != "" {
			r.replyHandlerMu.RLock()
			handler := r.replyHandler
			r.replyHandlerMu.RUnlock()
			if handler != nil {
				handler(c.ID, env)
			}
			continue
		}

		r.dispatchEvent(c.ID, env)
	}
}

// dispatchEvent hands an untokened envelope to every subscriber registered
// for its kind, via the bounded worker pool so a slow handler can never
// block this reader (spec §5 "Backpressure").
func (r *Registry) dispatchEvent(clientID string, env envelope.Envelope) {
	r.subMu.RLock()
	handlers := r.subs[env.Type]
	r.subMu.RUnlock()

	for _, h := range handlers {
		handler := h
		job := func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Registry().Error().Interface("panic", rec).Str("client_id", clientID).Msg("event handler panicked")
				}
			}()
			handler(clientID, env)
		}
		select {
		case r.jobs <- job:
		default:
			logger.Registry().Warn().Str("client_id", clientID).Str("kind", env.Type).Msg("event worker pool saturated, dropping event")
		}
	}
}
