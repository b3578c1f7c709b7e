// ABOUTME: Represents a single live agent WebSocket stream bound to a session.
// ABOUTME: Owns the socket handle and orderly teardown during shutdown.

package ingest

import (
	"time"

	"github.com/gorilla/websocket"
)

// connection is one live agent stream bound to a session.
type connection struct {
	sessionID  string
	remoteAddr string
	ws         *websocket.Conn
}

func newConnection(sessionID string, ws *websocket.Conn) *connection {
	return &connection{
		sessionID:  sessionID,
		remoteAddr: ws.RemoteAddr().String(),
		ws:         ws,
	}
}

// shutdown asks the agent to close, then tears down the socket. The read
// loop exits through the resulting read error.
func (c *connection) shutdown() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()
}
