package web

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marketledger.mini/mkl/internal/logger"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// originChecker accepts requests without an Origin header, requests whose
// Origin host matches the Host they were sent to, and the listed origins.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimSuffix(o, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if set[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// readPump discards client frames and closes done when the peer goes away.
func readPump(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return done
}

// handleEventsWS streams committed ledger events as JSON.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := s.hub.Subscribe(64)
	defer s.hub.Unsubscribe(ch)
	s.logger.Debug("event feed client connected", zap.String("remote", r.RemoteAddr))

	done := readPump(conn)
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// handleStatusWS streams recent log messages, oldest first, then polls the
// buffer for new ones.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// GetRecent returns newest first.
	initialLogs := s.buffer.GetRecent(50)
	for i := len(initialLogs) - 1; i >= 0; i-- {
		if err := conn.WriteJSON(initialLogs[i]); err != nil {
			return
		}
	}

	var lastLogTime time.Time
	if len(initialLogs) > 0 {
		lastLogTime = initialLogs[0].Timestamp
	}

	done := readPump(conn)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			var newLogs []logger.Message
			for _, msg := range s.buffer.GetRecent(20) {
				if msg.Timestamp.After(lastLogTime) {
					newLogs = append(newLogs, msg)
				}
			}
			for i := len(newLogs) - 1; i >= 0; i-- {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(newLogs[i]); err != nil {
					return
				}
				lastLogTime = newLogs[i].Timestamp
			}
		}
	}
}
