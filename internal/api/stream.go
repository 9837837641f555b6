package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkwell-labs/creditd/internal/notify"
)

// snapshotType is the first message on a credits stream.
const snapshotType = "credits.snapshot"

const (
	// wsPingInterval is how often the server pings an idle stream.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
	// wsWriteWait bounds every write to the peer.
	wsWriteWait = 10 * time.Second
)

// streamMessage is one frame on the credits stream.
type streamMessage struct {
	Type    string    `json:"type"`
	Balance int64     `json:"balance"`
	Delta   int64     `json:"delta,omitempty"`
	Plan    string    `json:"plan,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	TS      time.Time `json:"ts"`
}

// handleCreditsWS streams balance and plan changes for the caller.
// Browsers cannot set headers on the WebSocket handshake, so the token may
// come from the query string.
func (s *Server) handleCreditsWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = bearerToken(r)
	}
	identity, err := s.authProvider.ValidateToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}

	acct, err := s.ledger.Account(r.Context(), identity.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("credits websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(4096)

	events := s.bus.Subscribe(identity.UserID)
	defer s.bus.Unsubscribe(events)

	// Only this goroutine writes to conn.
	write := func(m streamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(m)
	}

	s.logger.Debug("credits stream opened", "user_id", identity.UserID)
	defer s.logger.Debug("credits stream closed", "user_id", identity.UserID)

	if err := write(streamMessage{Type: snapshotType, Balance: acct.Credits, Plan: acct.Plan, TS: time.Now().UTC()}); err != nil {
		return
	}

	// The client sends nothing; reading drives pong handling and detects close.
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := write(toStreamMessage(e)); err != nil {
				return
			}
		}
	}
}

func toStreamMessage(e notify.Event) streamMessage {
	return streamMessage{
		Type:    e.Type,
		Balance: e.Balance,
		Delta:   e.Delta,
		Plan:    e.Plan,
		Reason:  e.Reason,
		TS:      e.Timestamp,
	}
}
