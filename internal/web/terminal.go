package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/overstory-ai/overstory/internal/logx"
	"github.com/overstory-ai/overstory/internal/util"
)

// terminalPollInterval paces pane captures for the stream.
const terminalPollInterval = 500 * time.Millisecond

// controlMessage is what the client may send over the terminal socket.
type controlMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// handleTerminal streams a tmux pane over a WebSocket and applies resize
// control messages. The session path component is sanitized before it
// reaches any external command.
func (s *Server) handleTerminal(c *gin.Context) {
	name := util.SanitizeName(c.Param("session"))

	if ok, err := s.terminal.HasSession(name); err != nil || !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such session"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Dashboard binds to loopback; cross-origin pages cannot reach it.
		InsecureSkipVerify: true,
	})
	if err != nil {
		logx.ErrorErr(logx.CatWeb, "websocket accept", err, "session", name)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request.Context()
	go s.readControls(ctx, conn, name)
	s.streamPane(ctx, conn, name)
}

// readControls consumes client messages until the socket closes.
func (s *Server) readControls(ctx context.Context, conn *websocket.Conn, name string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg controlMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
			if err := s.terminal.ResizeWindow(name, msg.Cols, msg.Rows); err != nil {
				logx.Warn(logx.CatWeb, "resize failed", "session", name, "error", err.Error())
			}
		}
	}
}

// streamPane sends pane snapshots whenever the content changes.
func (s *Server) streamPane(ctx context.Context, conn *websocket.Conn, name string) {
	ticker := time.NewTicker(terminalPollInterval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out, err := s.terminal.CapturePane(name, 200)
			if err != nil {
				// Session died; tell the client and stop.
				_ = conn.Close(websocket.StatusGoingAway, "session ended")
				return
			}
			if out == last {
				continue
			}
			last = out
			if err := conn.Write(ctx, websocket.MessageText, []byte(out)); err != nil {
				return
			}
		}
	}
}
