// Package websocket streams JSON snapshots of changing server-side state to
// WebSocket clients.
package websocket

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// Feed is a value that changes over time.
type Feed interface {
	// Snapshot returns the current value, a channel closed at the next change
	// and whether the value is final.
	Snapshot() (v any, changed <-chan struct{}, final bool)
}

// Streamer upgrades requests and pushes every distinct snapshot of a Feed.
type Streamer struct {
	upgrader     gorillawebsocket.Upgrader
	writeWait    time.Duration
	pingInterval time.Duration
}

// NewStreamer accepts connections from origins. An empty list accepts any
// origin.
func NewStreamer(origins []string) *Streamer {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Streamer{
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
		writeWait:    10 * time.Second,
		pingInterval: 30 * time.Second,
	}
}

// Serve streams feed until it turns final, the client goes away or the
// request context ends.
func (s *Streamer) Serve(c echo.Context, feed Feed) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already answered the client.
		return nil
	}
	defer ws.Close()

	gone := make(chan struct{})
	go readPump(ws, gone, s.pingInterval)

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	var last []byte
	for {
		v, changed, final := feed.Snapshot()
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, last) {
			ws.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, data); err != nil {
				return nil
			}
			last = data
		}
		if final {
			msg := gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, "done")
			ws.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(s.writeWait))
			return nil
		}

		select {
		case <-changed:
		case <-ping.C:
			if err := ws.WriteControl(gorillawebsocket.PingMessage, nil, time.Now().Add(s.writeWait)); err != nil {
				return nil
			}
		case <-gone:
			return nil
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// readPump discards client messages and closes gone once the peer stops
// answering or disconnects.
func readPump(ws *gorillawebsocket.Conn, gone chan<- struct{}, pingInterval time.Duration) {
	defer close(gone)
	ws.SetReadLimit(512)
	wait := 2 * pingInterval
	ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
