package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const streamWriteTimeout = 10 * time.Second

// handleEventStream upgrades to a websocket and forwards accepted event
// groups for one account until the client goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing account query", getCorrelationID(r))
		return
	}
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, account, "events:read", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ch, unsubscribe := s.hub.Subscribe(account)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case payload, open := <-ch:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			writeErr := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if writeErr != nil {
				return
			}
		}
	}
}
